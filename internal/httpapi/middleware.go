package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jia-app/dunningservice/internal/auth"
	"github.com/jia-app/dunningservice/internal/dunning/domain"
	"github.com/jia-app/dunningservice/internal/log"
	"github.com/jia-app/dunningservice/internal/metrics"
)

// requestID attaches a request id to the context for log correlation
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(log.WithRequestID(r.Context(), id)))
	})
}

// requestLogger logs each request and records HTTP metrics
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		duration := time.Since(start)
		endpoint := chi.RouteContext(r.Context()).RoutePattern()
		if endpoint == "" {
			endpoint = r.URL.Path
		}
		metrics.RecordHTTPRequest(r.Method, endpoint, strconv.Itoa(ww.Status()), duration)
		log.Info(r.Context(), "HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", duration))
	})
}

// authenticate resolves the operator behind the request. With no
// validator configured every request passes through anonymously.
func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.validator == nil {
			next.ServeHTTP(w, r)
			return
		}

		token := auth.ExtractTokenFromAuthHeader(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, r, &domain.DomainError{
				Code:    domain.ErrCodeUnauthorized,
				Message: "missing bearer token",
				Hint:    "send Authorization: Bearer <token>",
			})
			return
		}

		operator, err := h.validator.Validate(r.Context(), token)
		if err != nil {
			log.L(r.Context()).Warn("Token rejected", zap.Error(err))
			writeError(w, r, &domain.DomainError{
				Code:    domain.ErrCodeUnauthorized,
				Message: "invalid token",
			})
			return
		}

		ctx := log.WithActorID(r.Context(), operator.ID)
		ctx = withOperator(ctx, operator)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// rateLimit guards the trigger intake against runaway upstream retry
// loops. Callers are keyed by operator when authenticated, by remote
// address otherwise.
func (h *Handler) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}

		key := r.RemoteAddr
		if op, ok := OperatorFromContext(r.Context()); ok {
			key = op.ID
		}

		allowed, err := h.limiter.Allow(r.Context(), "triggers:"+key)
		if err != nil {
			// limiter outage must not block intake
			log.L(r.Context()).Warn("Rate limit check failed, allowing request", zap.Error(err))
			next.ServeHTTP(w, r)
			return
		}
		if !allowed {
			writeJSON(w, http.StatusTooManyRequests, errorResponse{
				Code:    "RATE_LIMITED",
				Message: "too many trigger requests",
				Hint:    "retry after the current window expires",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}
