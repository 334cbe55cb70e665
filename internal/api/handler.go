// Package api serves the scheduler's HTTP surface: health, metrics and the
// signed billing webhook.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lalithlochan/nudge/internal/billing"
	"github.com/lalithlochan/nudge/internal/db"
	"github.com/lalithlochan/nudge/internal/metrics"
	"github.com/lalithlochan/nudge/internal/redis"
)

// BillingApplier applies billing events. *billing.Service implements it.
type BillingApplier interface {
	Apply(ctx context.Context, e billing.Event, source string) error
}

// HealthCheck checks one dependency.
type HealthCheck func(ctx context.Context) error

// Config wires the router.
type Config struct {
	Billing BillingApplier
	// WebhookSecret signs billing webhooks. Empty disables the route.
	WebhookSecret string
	// Limiter throttles webhook callers by IP. Optional.
	Limiter *redis.RateLimiter
	Checks  map[string]HealthCheck
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger  *zap.Logger
	billing BillingApplier
	checks  map[string]HealthCheck
}

// NewRouter builds the HTTP router.
func NewRouter(cfg Config, logger *zap.Logger) http.Handler {
	h := &Handler{logger: logger, billing: cfg.Billing, checks: cfg.Checks}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)
	r.Use(RequestLogger(logger))

	r.Get("/health", h.Health)
	r.Handle("/metrics", metrics.Handler())

	if cfg.WebhookSecret != "" && cfg.Billing != nil {
		r.Route("/v1/webhooks", func(r chi.Router) {
			r.Use(Throttle(cfg.Limiter, logger, SourceKey))
			r.Use(VerifySignature(cfg.WebhookSecret, logger))
			r.Post("/billing", h.BillingWebhook)
		})
	} else {
		logger.Warn("billing webhook disabled: no secret configured")
	}

	return r
}

// Health reports per-dependency status. Any failing check yields 503.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	results := map[string]string{}
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			status = http.StatusServiceUnavailable
			results[name] = err.Error()
			continue
		}
		results[name] = "ok"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status": http.StatusText(status),
		"checks": results,
	})
}

// BillingWebhook applies one billing event pushed by the billing provider.
func (h *Handler) BillingWebhook(w http.ResponseWriter, r *http.Request) {
	var e billing.Event
	if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
		writeProblem(w, http.StatusBadRequest, "invalid_json", "Bad Request", "Request body must be a billing event")
		return
	}

	err := h.billing.Apply(r.Context(), e, billing.SourceWebhook)
	switch {
	case err == nil:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "applied", "id": e.ID})
	case errors.Is(err, billing.ErrInvalidEvent):
		writeProblem(w, http.StatusUnprocessableEntity, "invalid_event", "Unprocessable Entity", err.Error())
	case errors.Is(err, db.ErrTenantNotFound):
		writeProblem(w, http.StatusNotFound, "tenant_not_found", "Not Found", err.Error())
	default:
		h.logger.Error("billing webhook failed",
			zap.String("event_id", e.ID),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err),
		)
		writeProblem(w, http.StatusInternalServerError, "internal_error", "Internal Server Error", "Failed to apply billing event")
	}
}
