// Package gate decides whether a tenant has opted into a rule.
package gate

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/nudge/internal/rules"
)

// Store reads a tenant's automation toggle. db.Repository implements it.
type Store interface {
	AutomationSetting(ctx context.Context, tenantID uuid.UUID, ruleType string) (enabled bool, found bool, err error)
}

// Gate answers IsEnabled from live settings. It keeps no cache, so a toggle
// takes effect on the next evaluation.
type Gate struct {
	store  Store
	logger *zap.Logger
}

// New creates a gate over store.
func New(store Store, logger *zap.Logger) *Gate {
	return &Gate{store: store, logger: logger}
}

// IsEnabled reports whether rule may fire for tenantID. Mandatory rules always
// pass without a lookup. Anything else passes only with an explicit enabled
// row; a missing row, an unknown rule or a failed lookup all deny. A lookup
// failure is also returned so callers can count it.
func (g *Gate) IsEnabled(ctx context.Context, tenantID uuid.UUID, rule rules.Rule) (bool, error) {
	if rule.Mandatory {
		return true, nil
	}

	if _, known := rules.Lookup(rule.Type); !known {
		g.logger.Warn("gate denied unknown rule",
			zap.String("tenant_id", tenantID.String()),
			zap.String("rule", string(rule.Type)),
		)
		return false, nil
	}

	enabled, found, err := g.store.AutomationSetting(ctx, tenantID, string(rule.Type))
	if err != nil {
		g.logger.Warn("gate lookup failed, denying",
			zap.String("tenant_id", tenantID.String()),
			zap.String("rule", string(rule.Type)),
			zap.Error(err),
		)
		return false, fmt.Errorf("automation setting lookup: %w", err)
	}
	if !found {
		return false, nil
	}
	return enabled, nil
}
