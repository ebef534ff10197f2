package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/jia-app/dunningservice/internal/auth"
	"github.com/jia-app/dunningservice/internal/dunning/domain"
	"github.com/jia-app/dunningservice/internal/dunning/usecase"
)

type operatorKey struct{}

func withOperator(ctx context.Context, op auth.Operator) context.Context {
	return context.WithValue(ctx, operatorKey{}, op)
}

// OperatorFromContext returns the authenticated operator, if any
func OperatorFromContext(ctx context.Context) (auth.Operator, bool) {
	op, ok := ctx.Value(operatorKey{}).(auth.Operator)
	return op, ok
}

func actorFrom(ctx context.Context) string {
	if op, ok := OperatorFromContext(ctx); ok {
		return op.ID
	}
	return "system"
}

func parseUUID(r *http.Request, param string) (uuid.UUID, error) {
	raw := chi.URLParam(r, param)
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, domain.NewValidationError(param+" must be a UUID", raw)
	}
	return id, nil
}

func decodeBody(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return domain.NewValidationError("invalid request body", err.Error())
	}
	return nil
}

func (h *Handler) createCampaign(w http.ResponseWriter, r *http.Request) {
	var campaign domain.Campaign
	if err := decodeBody(r, &campaign); err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.campaigns.Create(r.Context(), &campaign); err != nil {
		writeError(w, r, err)
		return
	}
	if h.auditor != nil {
		_ = h.auditor.LogCampaignCreated(r.Context(), actorFrom(r.Context()), campaign.ID.String(), campaign.Name)
	}
	writeJSON(w, http.StatusCreated, campaign)
}

func (h *Handler) listCampaigns(w http.ResponseWriter, r *http.Request) {
	campaigns, err := h.campaigns.List(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"campaigns": campaigns})
}

func (h *Handler) campaignStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.campaigns.Stats(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"stats": stats})
}

func (h *Handler) getCampaign(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUID(r, "campaignID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	campaign, err := h.campaigns.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, campaign)
}

func (h *Handler) updateCampaign(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUID(r, "campaignID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var upd usecase.CampaignUpdate
	if err := decodeBody(r, &upd); err != nil {
		writeError(w, r, err)
		return
	}
	campaign, err := h.campaigns.Update(r.Context(), id, upd)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if h.auditor != nil {
		_ = h.auditor.LogCampaignUpdated(r.Context(), actorFrom(r.Context()), id.String())
	}
	writeJSON(w, http.StatusOK, campaign)
}

func (h *Handler) disableCampaign(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUID(r, "campaignID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	campaign, err := h.campaigns.Disable(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if h.auditor != nil {
		_ = h.auditor.LogCampaignDisabled(r.Context(), actorFrom(r.Context()), id.String())
	}
	writeJSON(w, http.StatusOK, campaign)
}

// trigger evaluates a payment-failure candidate against the active
// campaigns. 201 with the execution when one starts, 200 with a reason
// when every campaign excludes the candidate.
func (h *Handler) trigger(w http.ResponseWriter, r *http.Request) {
	var cand domain.Candidate
	if err := decodeBody(r, &cand); err != nil {
		writeError(w, r, err)
		return
	}
	exec, err := h.executions.EvaluateCandidate(r.Context(), &cand)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if exec == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"matched": false,
			"reason":  "no active campaign matched the candidate",
		})
		return
	}
	writeJSON(w, http.StatusCreated, exec)
}

func (h *Handler) listExecutions(w http.ResponseWriter, r *http.Request) {
	status := domain.ExecutionStatus(r.URL.Query().Get("status"))
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	executions, err := h.executions.ListExecutions(r.Context(), status, limit, offset)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"executions": executions})
}

func (h *Handler) getExecution(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUID(r, "executionID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	exec, err := h.executions.GetExecution(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (h *Handler) listActionLog(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUID(r, "executionID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	entries, err := h.executions.GetActionLog(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"actions": entries})
}

func (h *Handler) cancelExecution(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUID(r, "executionID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var body struct {
		Reason string `json:"reason"`
	}
	// body is optional for cancellation
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && err != io.EOF {
		writeError(w, r, domain.NewValidationError("invalid request body", err.Error()))
		return
	}

	actorID := actorFrom(r.Context())
	exec, err := h.executions.Cancel(r.Context(), id, body.Reason, actorID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if h.auditor != nil {
		_ = h.auditor.LogExecutionCanceled(r.Context(), actorID, id.String(), body.Reason)
	}
	writeJSON(w, http.StatusOK, exec)
}

func (h *Handler) recordRecovery(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUID(r, "executionID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var body struct {
		Amount   float64 `json:"amount"`
		Currency string  `json:"currency"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	if body.Amount <= 0 {
		writeError(w, r, domain.NewValidationError("amount must be positive", ""))
		return
	}

	exec, err := h.executions.RecordRecovery(r.Context(), id, body.Amount, body.Currency)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

// runScan kicks off a scheduler pass outside the regular interval
func (h *Handler) runScan(w http.ResponseWriter, r *http.Request) {
	if h.scheduler == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{
			Code:    domain.ErrCodeInternal,
			Message: "scheduler not running",
		})
		return
	}
	if h.auditor != nil {
		_ = h.auditor.LogManualScan(r.Context(), actorFrom(r.Context()))
	}
	h.scheduler.Scan(r.Context())
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "scan completed"})
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}
