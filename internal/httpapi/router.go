package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/jia-app/dunningservice/internal/audit"
	"github.com/jia-app/dunningservice/internal/auth"
	"github.com/jia-app/dunningservice/internal/dunning/scheduler"
	"github.com/jia-app/dunningservice/internal/ratelimit"
	"github.com/jia-app/dunningservice/internal/dunning/usecase"
)

// Handler exposes the dunning admin and trigger API over HTTP
type Handler struct {
	executions *usecase.ExecutionService
	campaigns  *usecase.CampaignService
	scheduler  *scheduler.Scheduler
	validator  auth.TokenValidator
	limiter    ratelimit.RateLimiter
	auditor    *audit.Manager
}

// NewHandler creates a new HTTP handler. The validator may be nil, which
// disables authentication (local development). The scheduler may be nil;
// the manual scan endpoint then returns 503.
func NewHandler(executions *usecase.ExecutionService, campaigns *usecase.CampaignService, sched *scheduler.Scheduler, validator auth.TokenValidator) *Handler {
	return &Handler{
		executions: executions,
		campaigns:  campaigns,
		scheduler:  sched,
		validator:  validator,
	}
}

// WithRateLimiter enables rate limiting on the trigger intake endpoint
func (h *Handler) WithRateLimiter(limiter ratelimit.RateLimiter) *Handler {
	h.limiter = limiter
	return h
}

// WithAuditor enables audit logging of operator mutations
func (h *Handler) WithAuditor(auditor *audit.Manager) *Handler {
	h.auditor = auditor
	return h
}

// Routes builds the API router
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(requestID)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(h.authenticate)

		r.Route("/campaigns", func(r chi.Router) {
			r.Post("/", h.createCampaign)
			r.Get("/", h.listCampaigns)
			r.Get("/stats", h.campaignStats)
			r.Route("/{campaignID}", func(r chi.Router) {
				r.Get("/", h.getCampaign)
				r.Patch("/", h.updateCampaign)
				r.Delete("/", h.disableCampaign)
			})
		})

		r.With(h.rateLimit).Post("/triggers", h.trigger)

		r.Route("/executions", func(r chi.Router) {
			r.Get("/", h.listExecutions)
			r.Route("/{executionID}", func(r chi.Router) {
				r.Get("/", h.getExecution)
				r.Get("/actions", h.listActionLog)
				r.Post("/cancel", h.cancelExecution)
				r.Post("/recovery", h.recordRecovery)
			})
		})

		r.Post("/admin/scan", h.runScan)
	})

	return r
}
