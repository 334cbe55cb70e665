// Package ledger is the durable record of which (entity, rule) pairs have been
// delivered and of each tenant's subscription notification state.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/nudge/internal/db"
	"github.com/lalithlochan/nudge/internal/lifecycle"
)

// Store is the storage contract behind the ledger. db.Repository implements it.
type Store interface {
	HasDelivery(ctx context.Context, entityKey, ruleType string) (bool, error)
	InsertDelivery(ctx context.Context, rec *db.DeliveryRecord) (bool, error)
	LifecycleState(ctx context.Context, tenantID uuid.UUID) (string, error)
	CompareAndSetLifecycleState(ctx context.Context, tenantID uuid.UUID, expected, next string) (bool, error)
}

// maxCASAttempts bounds retries when a concurrent writer changes the state
// between our read and our write.
const maxCASAttempts = 3

// Ledger wraps a Store with lifecycle validation and logging.
type Ledger struct {
	store  Store
	logger *zap.Logger
}

// New creates a ledger over store.
func New(store Store, logger *zap.Logger) *Ledger {
	return &Ledger{store: store, logger: logger}
}

// HasDelivered reports whether a delivery for (entityKey, ruleType) was
// recorded. It is a pre-filter; RecordDelivered is the actual guard.
func (l *Ledger) HasDelivered(ctx context.Context, entityKey, ruleType string) (bool, error) {
	ok, err := l.store.HasDelivery(ctx, entityKey, ruleType)
	if err != nil {
		return false, fmt.Errorf("check delivery %s/%s: %w", entityKey, ruleType, err)
	}
	return ok, nil
}

// RecordDelivered appends a delivery. It returns false with a nil error when
// the pair was already recorded by someone else.
func (l *Ledger) RecordDelivered(ctx context.Context, rec db.DeliveryRecord) (bool, error) {
	if rec.EntityKey == "" || rec.RuleType == "" {
		return false, fmt.Errorf("delivery record needs entity and rule")
	}
	if rec.SentAt.IsZero() {
		rec.SentAt = time.Now().UTC()
	}

	inserted, err := l.store.InsertDelivery(ctx, &rec)
	if err != nil {
		return false, fmt.Errorf("record delivery %s/%s: %w", rec.EntityKey, rec.RuleType, err)
	}
	if !inserted {
		l.logger.Info("delivery already recorded",
			zap.String("entity", rec.EntityKey),
			zap.String("rule", rec.RuleType),
		)
	}
	return inserted, nil
}

// ReadLifecycleState returns the tenant's current state.
func (l *Ledger) ReadLifecycleState(ctx context.Context, tenantID uuid.UUID) (lifecycle.State, error) {
	raw, err := l.store.LifecycleState(ctx, tenantID)
	if err != nil {
		return lifecycle.StateNone, fmt.Errorf("read lifecycle state: %w", err)
	}
	st, err := lifecycle.Parse(raw)
	if err != nil {
		return lifecycle.StateNone, fmt.Errorf("tenant %s: %w", tenantID, err)
	}
	return st, nil
}

// Transition describes the outcome of AdvanceLifecycleState.
type Transition struct {
	From    lifecycle.State
	To      lifecycle.State
	Verdict lifecycle.Verdict
}

// Applied reports whether the state was written.
func (t Transition) Applied() bool {
	return t.Verdict == lifecycle.Allowed
}

// AdvanceLifecycleState moves the tenant forward to next. Regressive moves,
// repeats and anything after a terminal webhook state are no-ops reported in
// the returned Transition.
func (l *Ledger) AdvanceLifecycleState(ctx context.Context, tenantID uuid.UUID, next lifecycle.State) (Transition, error) {
	for attempt := 1; attempt <= maxCASAttempts; attempt++ {
		current, err := l.ReadLifecycleState(ctx, tenantID)
		if err != nil {
			return Transition{}, err
		}

		t := Transition{From: current, To: next, Verdict: lifecycle.Check(current, next)}
		if !t.Applied() {
			l.logger.Info("lifecycle transition rejected",
				zap.String("tenant_id", tenantID.String()),
				zap.String("from", current.String()),
				zap.String("to", string(next)),
				zap.Stringer("verdict", t.Verdict),
			)
			return t, nil
		}

		swapped, err := l.store.CompareAndSetLifecycleState(ctx, tenantID, string(current), string(next))
		if err != nil {
			return Transition{}, fmt.Errorf("advance lifecycle state: %w", err)
		}
		if swapped {
			l.logger.Info("lifecycle state advanced",
				zap.String("tenant_id", tenantID.String()),
				zap.String("from", current.String()),
				zap.String("to", string(next)),
			)
			return t, nil
		}

		l.logger.Debug("lifecycle state changed concurrently, retrying",
			zap.String("tenant_id", tenantID.String()),
			zap.Int("attempt", attempt),
		)
	}

	return Transition{}, fmt.Errorf("advance lifecycle state for %s: lost %d compare-and-set races", tenantID, maxCASAttempts)
}
