package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/jia-app/dunningservice/internal/auth"
	"github.com/jia-app/dunningservice/internal/dunning/domain"
	"github.com/jia-app/dunningservice/internal/dunning/repo/memory"
	"github.com/jia-app/dunningservice/internal/dunning/usecase"
	"github.com/jia-app/dunningservice/internal/events"
)

func newTestServer(t *testing.T) (*httptest.Server, *memory.Store) {
	t.Helper()
	store := memory.NewStore()
	execSvc := usecase.NewExecutionService(store, nil, events.NoopPublisher{})
	campaignSvc := usecase.NewCampaignService(store, nil)
	h := NewHandler(execSvc, campaignSvc, nil, nil)
	srv := httptest.NewServer(h.Routes())
	t.Cleanup(srv.Close)
	return srv, store
}

func doJSON(t *testing.T, method, url string, body interface{}) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func campaignBody() map[string]interface{} {
	return map[string]interface{}{
		"name":                "standard-dunning",
		"trigger_after_days":  3,
		"max_retries":         2,
		"retry_interval_days": 1,
		"priority":            5,
		"is_active":           true,
		"actions": []map[string]interface{}{
			{"type": "email", "delay_days": 0, "config": map[string]interface{}{"template": "reminder"}},
			{"type": "webhook", "delay_days": 2, "config": map[string]interface{}{"url": "https://example.com/hook"}},
		},
	}
}

func TestCampaignCRUD(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/v1/campaigns", campaignBody())
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created domain.Campaign
	decode(t, resp, &created)
	require.NotEqual(t, uuid.Nil, created.ID)
	require.Equal(t, "standard-dunning", created.Name)
	require.Equal(t, domain.FailurePolicyFailExecution, created.OnPermanentFailure)

	resp = doJSON(t, http.MethodGet, srv.URL+"/v1/campaigns/"+created.ID.String(), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doJSON(t, http.MethodPatch, srv.URL+"/v1/campaigns/"+created.ID.String(),
		map[string]interface{}{"priority": 8})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var updated domain.Campaign
	decode(t, resp, &updated)
	require.Equal(t, 8, updated.Priority)

	resp = doJSON(t, http.MethodDelete, srv.URL+"/v1/campaigns/"+created.ID.String(), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var disabled domain.Campaign
	decode(t, resp, &disabled)
	require.False(t, disabled.IsActive)

	resp = doJSON(t, http.MethodGet, srv.URL+"/v1/campaigns", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var listing struct {
		Campaigns []domain.Campaign `json:"campaigns"`
	}
	decode(t, resp, &listing)
	require.Len(t, listing.Campaigns, 1)
}

func TestCreateCampaignValidation(t *testing.T) {
	srv, _ := newTestServer(t)

	body := campaignBody()
	body["priority"] = 99
	resp := doJSON(t, http.MethodPost, srv.URL+"/v1/campaigns", body)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var er errorResponse
	decode(t, resp, &er)
	require.Equal(t, domain.ErrCodeValidation, er.Code)
}

func TestTriggerStartsExecution(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/v1/campaigns", campaignBody())
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, http.MethodPost, srv.URL+"/v1/triggers", map[string]interface{}{
		"subscription_id":    "sub_1",
		"customer_id":        "cus_1",
		"outstanding_amount": 49.99,
		"days_overdue":       5,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var exec domain.Execution
	decode(t, resp, &exec)
	require.Equal(t, domain.ExecutionStatusPending, exec.Status)
	require.Equal(t, "sub_1", exec.SubscriptionID)
	require.Equal(t, 2, exec.TotalSteps)
}

func TestTriggerNoMatch(t *testing.T) {
	srv, _ := newTestServer(t)

	// 1 day overdue, below the 3 day trigger threshold
	resp := doJSON(t, http.MethodPost, srv.URL+"/v1/triggers", map[string]interface{}{
		"subscription_id":    "sub_1",
		"customer_id":        "cus_1",
		"outstanding_amount": 49.99,
		"days_overdue":       1,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out struct {
		Matched bool `json:"matched"`
	}
	decode(t, resp, &out)
	require.False(t, out.Matched)
}

func TestTriggerDuplicateSubscription(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/v1/campaigns", campaignBody())
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	cand := map[string]interface{}{
		"subscription_id":    "sub_dup",
		"customer_id":        "cus_1",
		"outstanding_amount": 20.0,
		"days_overdue":       10,
	}
	resp = doJSON(t, http.MethodPost, srv.URL+"/v1/triggers", cand)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	// second trigger for the same subscription must not start another one
	resp = doJSON(t, http.MethodPost, srv.URL+"/v1/triggers", cand)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestCancelExecution(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/v1/campaigns", campaignBody())
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, http.MethodPost, srv.URL+"/v1/triggers", map[string]interface{}{
		"subscription_id":    "sub_1",
		"customer_id":        "cus_1",
		"outstanding_amount": 15.0,
		"days_overdue":       7,
	})
	var exec domain.Execution
	decode(t, resp, &exec)

	url := fmt.Sprintf("%s/v1/executions/%s/cancel", srv.URL, exec.ID)
	resp = doJSON(t, http.MethodPost, url, map[string]string{"reason": "customer paid offline"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var canceled domain.Execution
	decode(t, resp, &canceled)
	require.Equal(t, domain.ExecutionStatusCanceled, canceled.Status)
	require.Equal(t, "customer paid offline", canceled.CanceledReason)

	// terminal executions reject further cancellation
	resp = doJSON(t, http.MethodPost, url, map[string]string{"reason": "again"})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()
}

func TestRecordRecoveryCompletesExecution(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/v1/campaigns", campaignBody())
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, http.MethodPost, srv.URL+"/v1/triggers", map[string]interface{}{
		"subscription_id":    "sub_1",
		"customer_id":        "cus_1",
		"outstanding_amount": 30.0,
		"days_overdue":       7,
	})
	var exec domain.Execution
	decode(t, resp, &exec)

	url := fmt.Sprintf("%s/v1/executions/%s/recovery", srv.URL, exec.ID)
	resp = doJSON(t, http.MethodPost, url, map[string]interface{}{"amount": 30.0, "currency": "usd"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var recovered domain.Execution
	decode(t, resp, &recovered)
	require.Equal(t, domain.ExecutionStatusCompleted, recovered.Status)
	require.Equal(t, 30.0, recovered.RecoveredAmount)
}

func TestErrorMapping(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := doJSON(t, http.MethodGet, srv.URL+"/v1/executions/not-a-uuid", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, http.MethodGet, srv.URL+"/v1/executions/"+uuid.NewString(), nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	var er errorResponse
	decode(t, resp, &er)
	require.Equal(t, domain.ErrCodeNotFound, er.Code)
}

func TestScanWithoutScheduler(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/v1/admin/scan", nil)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	resp.Body.Close()
}

type stubValidator struct {
	operator auth.Operator
	err      error
}

func (s stubValidator) Validate(ctx context.Context, token string) (auth.Operator, error) {
	if s.err != nil {
		return auth.Operator{}, s.err
	}
	return s.operator, nil
}

func TestAuthentication(t *testing.T) {
	store := memory.NewStore()
	execSvc := usecase.NewExecutionService(store, nil, events.NoopPublisher{})
	campaignSvc := usecase.NewCampaignService(store, nil)

	t.Run("missing token rejected", func(t *testing.T) {
		h := NewHandler(execSvc, campaignSvc, nil, stubValidator{})
		srv := httptest.NewServer(h.Routes())
		defer srv.Close()

		resp, err := http.Get(srv.URL + "/v1/campaigns")
		require.NoError(t, err)
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		resp.Body.Close()
	})

	t.Run("invalid token rejected", func(t *testing.T) {
		h := NewHandler(execSvc, campaignSvc, nil, stubValidator{err: errors.New("expired")})
		srv := httptest.NewServer(h.Routes())
		defer srv.Close()

		req, _ := http.NewRequest(http.MethodGet, srv.URL+"/v1/campaigns", nil)
		req.Header.Set("Authorization", "Bearer bad")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		resp.Body.Close()
	})

	t.Run("valid token passes", func(t *testing.T) {
		h := NewHandler(execSvc, campaignSvc, nil, stubValidator{operator: auth.Operator{ID: "op-1"}})
		srv := httptest.NewServer(h.Routes())
		defer srv.Close()

		req, _ := http.NewRequest(http.MethodGet, srv.URL+"/v1/campaigns", nil)
		req.Header.Set("Authorization", "Bearer good")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		resp.Body.Close()
	})

	t.Run("health endpoint never requires auth", func(t *testing.T) {
		h := NewHandler(execSvc, campaignSvc, nil, stubValidator{err: errors.New("expired")})
		srv := httptest.NewServer(h.Routes())
		defer srv.Close()

		resp, err := http.Get(srv.URL + "/healthz")
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		resp.Body.Close()
	})
}
