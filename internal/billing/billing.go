// Package billing applies subscription events from the billing provider.
// These are the only writers of the terminal lifecycle states.
package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/nudge/internal/db"
	"github.com/lalithlochan/nudge/internal/lifecycle"
	"github.com/lalithlochan/nudge/internal/metrics"
)

// EventType is the billing provider's event name.
type EventType string

const (
	EventExpired  EventType = "subscription.expired"
	EventCanceled EventType = "subscription.canceled"
	EventRenewed  EventType = "subscription.renewed"
)

// Event sources, used for metrics and logs.
const (
	SourceWebhook = "webhook"
	SourceQueue   = "queue"
)

// ErrInvalidEvent is returned for events that can never be applied.
var ErrInvalidEvent = errors.New("invalid billing event")

// Event is a subscription change reported by the billing provider.
type Event struct {
	ID         string     `json:"id"`
	Type       EventType  `json:"type"`
	TenantID   uuid.UUID  `json:"tenant_id"`
	EndsAt     *time.Time `json:"ends_at,omitempty"`
	OccurredAt time.Time  `json:"occurred_at"`
}

// Validate checks the event shape.
func (e Event) Validate() error {
	if e.TenantID == uuid.Nil {
		return fmt.Errorf("%w: tenant_id is required", ErrInvalidEvent)
	}
	switch e.Type {
	case EventExpired, EventCanceled:
	case EventRenewed:
		if e.EndsAt == nil || e.EndsAt.IsZero() {
			return fmt.Errorf("%w: renewal needs ends_at", ErrInvalidEvent)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, e.Type)
	}
	return nil
}

// Store is the tenant storage used by the service. db.Repository implements it.
type Store interface {
	MarkWebhookTerminal(ctx context.Context, tenantID uuid.UUID, state string) error
	RenewSubscription(ctx context.Context, tenantID uuid.UUID, endsAt time.Time) error
}

// Service applies billing events. Every event is safe to apply twice.
type Service struct {
	store  Store
	logger *zap.Logger
}

func NewService(store Store, logger *zap.Logger) *Service {
	return &Service{store: store, logger: logger}
}

// Apply validates and applies e. source is SourceWebhook or SourceQueue.
func (s *Service) Apply(ctx context.Context, e Event, source string) error {
	if err := e.Validate(); err != nil {
		metrics.RecordBillingEvent(string(e.Type), source, "invalid")
		return err
	}

	var err error
	switch e.Type {
	case EventExpired:
		err = s.store.MarkWebhookTerminal(ctx, e.TenantID, string(lifecycle.StateExpiredWebhook))
	case EventCanceled:
		err = s.store.MarkWebhookTerminal(ctx, e.TenantID, string(lifecycle.StateCanceled))
	case EventRenewed:
		err = s.store.RenewSubscription(ctx, e.TenantID, *e.EndsAt)
	}

	if err != nil {
		outcome := "failed"
		if errors.Is(err, db.ErrTenantNotFound) {
			outcome = "unknown_tenant"
		}
		metrics.RecordBillingEvent(string(e.Type), source, outcome)
		return fmt.Errorf("apply %s for tenant %s: %w", e.Type, e.TenantID, err)
	}

	metrics.RecordBillingEvent(string(e.Type), source, "applied")
	s.logger.Info("billing event applied",
		zap.String("event_id", e.ID),
		zap.String("type", string(e.Type)),
		zap.String("tenant_id", e.TenantID.String()),
		zap.String("source", source),
	)
	return nil
}
