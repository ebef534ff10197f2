package action

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jia-app/dunningservice/internal/circuitbreaker"
	"github.com/jia-app/dunningservice/internal/dunning/domain"
)

func webhookContext() Context {
	return Context{
		ExecutionID:       uuid.New(),
		SubscriptionID:    "sub-1",
		CustomerID:        "cust-1",
		InvoiceID:         "inv-1",
		OutstandingAmount: 42.5,
		StepNumber:        1,
	}
}

func TestWebhookSignsAndDelivers(t *testing.T) {
	var gotSignature string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSignature = r.Header.Get("X-Dunning-Signature")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e := NewWebhookExecutor(time.Second, nil)
	out, err := e.Execute(context.Background(), map[string]any{
		"url":    srv.URL,
		"secret": "hunter2",
	}, webhookContext())
	require.NoError(t, err)
	require.Equal(t, domain.ActionLogStatusSuccess, out.Status)

	var payload webhookPayload
	require.NoError(t, json.Unmarshal(gotBody, &payload))
	require.Equal(t, "sub-1", payload.SubscriptionID)
	require.Equal(t, 1, payload.StepNumber)

	mac := hmac.New(sha256.New, []byte("hunter2"))
	mac.Write(gotBody)
	require.Equal(t, hex.EncodeToString(mac.Sum(nil)), gotSignature)
}

func TestWebhookClassifiesResponses(t *testing.T) {
	cases := []struct {
		name          string
		code          int
		wantStatus    domain.ActionLogStatus
		wantPermanent bool
	}{
		{"2xx success", http.StatusCreated, domain.ActionLogStatusSuccess, false},
		{"4xx permanent", http.StatusUnprocessableEntity, domain.ActionLogStatusFailed, true},
		{"5xx transient", http.StatusBadGateway, domain.ActionLogStatusFailed, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.code)
			}))
			defer srv.Close()

			e := NewWebhookExecutor(time.Second, nil)
			out, err := e.Execute(context.Background(), map[string]any{"url": srv.URL}, webhookContext())
			require.NoError(t, err)
			require.Equal(t, tc.wantStatus, out.Status)
			require.Equal(t, tc.wantPermanent, out.Permanent)
		})
	}
}

func TestWebhookRejectsMalformedURL(t *testing.T) {
	e := NewWebhookExecutor(time.Second, nil)

	out, err := e.Execute(context.Background(), map[string]any{"url": "ftp://nope"}, webhookContext())
	require.NoError(t, err)
	require.Equal(t, domain.ActionLogStatusFailed, out.Status)
	require.True(t, out.Permanent, "malformed URL is not retryable")

	out, err = e.Execute(context.Background(), map[string]any{}, webhookContext())
	require.NoError(t, err)
	require.True(t, out.Permanent)
}

func TestWebhookConnectionErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	e := NewWebhookExecutor(time.Second, nil)
	out, err := e.Execute(context.Background(), map[string]any{"url": srv.URL}, webhookContext())
	require.Error(t, err)
	require.Equal(t, domain.ActionLogStatusFailed, out.Status)
	require.False(t, out.Permanent)
}

func TestWebhookBreakerFailsFast(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	breaker := circuitbreaker.New("webhook", circuitbreaker.Config{
		MaxFailures:      2,
		Timeout:          time.Minute,
		SuccessThreshold: 1,
	}, zap.NewNop())
	e := NewWebhookExecutor(time.Second, breaker)

	for i := 0; i < 2; i++ {
		_, err := e.Execute(context.Background(), map[string]any{"url": srv.URL}, webhookContext())
		require.Error(t, err)
	}
	require.Equal(t, circuitbreaker.StateOpen, breaker.GetState())

	_, err := e.Execute(context.Background(), map[string]any{"url": srv.URL}, webhookContext())
	require.ErrorIs(t, err, circuitbreaker.ErrCircuitOpen)
}
