package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

// ErrTenantNotFound is returned when a tenant id has no row.
var ErrTenantNotFound = errors.New("tenant not found")

// Repository handles database operations for the scheduler
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new scheduler repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

const tenantColumns = `
	id, name, owner_email, whatsapp_sender, is_active,
	subscription_ends_at, last_notification_state, webhook_processed,
	created_at, updated_at`

// ListUpcomingAppointments returns appointments starting in [from, to] that are
// still scheduled or confirmed.
func (r *Repository) ListUpcomingAppointments(ctx context.Context, from, to time.Time) ([]*Appointment, error) {
	query := `
		SELECT
			id, tenant_id, customer_name, customer_phone, customer_email,
			service_name, starts_at, status, created_at, updated_at
		FROM appointments
		WHERE starts_at BETWEEN $1 AND $2
		  AND status IN ('SCHEDULED', 'CONFIRMED')
		ORDER BY starts_at ASC
	`

	rows, err := r.db.Pool().Query(ctx, query, from, to)
	if err != nil {
		return nil, fmt.Errorf("query appointments: %w", err)
	}
	defer rows.Close()

	var appointments []*Appointment
	for rows.Next() {
		var a Appointment
		err := rows.Scan(
			&a.ID,
			&a.TenantID,
			&a.CustomerName,
			&a.CustomerPhone,
			&a.CustomerEmail,
			&a.ServiceName,
			&a.StartsAt,
			&a.Status,
			&a.CreatedAt,
			&a.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan appointment: %w", err)
		}
		appointments = append(appointments, &a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate appointments: %w", err)
	}

	return appointments, nil
}

// ListSubscriptionsEnding returns tenants whose subscription ends in
// [from, to]. A zero from leaves the lower edge open. Tenants whose expiry was
// already handled by the billing webhook are excluded.
func (r *Repository) ListSubscriptionsEnding(ctx context.Context, from, to time.Time) ([]*Tenant, error) {
	var lower *time.Time
	if !from.IsZero() {
		lower = &from
	}

	query := `
		SELECT` + tenantColumns + `
		FROM tenants
		WHERE subscription_ends_at IS NOT NULL
		  AND subscription_ends_at <= $2
		  AND ($1::timestamptz IS NULL OR subscription_ends_at >= $1)
		  AND NOT (webhook_processed AND COALESCE(last_notification_state, '') IN ('EXPIRED_WEBHOOK', 'CANCELED'))
		ORDER BY subscription_ends_at ASC
	`

	rows, err := r.db.Pool().Query(ctx, query, lower, to)
	if err != nil {
		return nil, fmt.Errorf("query subscriptions: %w", err)
	}
	defer rows.Close()

	var tenants []*Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		tenants = append(tenants, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subscriptions: %w", err)
	}

	return tenants, nil
}

// GetTenant retrieves a tenant by ID
func (r *Repository) GetTenant(ctx context.Context, id uuid.UUID) (*Tenant, error) {
	query := `SELECT` + tenantColumns + ` FROM tenants WHERE id = $1`

	t, err := scanTenant(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrTenantNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

func scanTenant(row pgx.Row) (*Tenant, error) {
	var t Tenant
	err := row.Scan(
		&t.ID,
		&t.Name,
		&t.OwnerEmail,
		&t.WhatsAppSender,
		&t.IsActive,
		&t.SubscriptionEndsAt,
		&t.LastNotificationState,
		&t.WebhookProcessed,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan tenant: %w", err)
	}
	return &t, nil
}

// AutomationSetting reads a tenant's toggle for a rule type. found is false
// when the tenant never configured the rule.
func (r *Repository) AutomationSetting(ctx context.Context, tenantID uuid.UUID, ruleType string) (enabled bool, found bool, err error) {
	query := `
		SELECT enabled
		FROM tenant_automation_settings
		WHERE tenant_id = $1 AND rule_type = $2
	`

	err = r.db.Pool().QueryRow(ctx, query, tenantID, ruleType).Scan(&enabled)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, false, nil
	}
	if err != nil {
		return false, false, fmt.Errorf("query automation setting: %w", err)
	}
	return enabled, true, nil
}

// HasDelivery checks the ledger for an existing record.
func (r *Repository) HasDelivery(ctx context.Context, entityKey, ruleType string) (bool, error) {
	var exists bool
	err := r.db.Pool().QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM delivery_records WHERE entity_id = $1 AND rule_type = $2)`,
		entityKey, ruleType,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query delivery record: %w", err)
	}
	return exists, nil
}

// InsertDelivery appends a ledger record. inserted is false when a record for
// the same (entity, rule) already exists.
func (r *Repository) InsertDelivery(ctx context.Context, rec *DeliveryRecord) (bool, error) {
	query := `
		INSERT INTO delivery_records (entity_id, rule_type, tenant_id, channel, sent_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (entity_id, rule_type) DO NOTHING
	`

	result, err := r.db.Pool().Exec(ctx, query,
		rec.EntityKey,
		rec.RuleType,
		rec.TenantID,
		rec.Channel,
		rec.SentAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return false, nil
		}
		r.logger.Error("failed to insert delivery record",
			zap.Error(err),
			zap.String("entity", rec.EntityKey),
			zap.String("rule", rec.RuleType),
		)
		return false, fmt.Errorf("insert delivery record: %w", err)
	}

	return result.RowsAffected() == 1, nil
}

// LifecycleState reads tenants.last_notification_state; "" means NULL.
func (r *Repository) LifecycleState(ctx context.Context, tenantID uuid.UUID) (string, error) {
	var state *string
	err := r.db.Pool().QueryRow(ctx,
		`SELECT last_notification_state FROM tenants WHERE id = $1`, tenantID,
	).Scan(&state)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", ErrTenantNotFound, tenantID)
	}
	if err != nil {
		return "", fmt.Errorf("query lifecycle state: %w", err)
	}
	if state == nil {
		return "", nil
	}
	return *state, nil
}

// CompareAndSetLifecycleState writes next only if the stored state still
// equals expected ("" matching NULL). swapped is false when another writer
// got there first.
func (r *Repository) CompareAndSetLifecycleState(ctx context.Context, tenantID uuid.UUID, expected, next string) (bool, error) {
	query := `
		UPDATE tenants
		SET last_notification_state = $3, updated_at = NOW()
		WHERE id = $1 AND COALESCE(last_notification_state, '') = $2
	`

	result, err := r.db.Pool().Exec(ctx, query, tenantID, expected, next)
	if err != nil {
		return false, fmt.Errorf("update lifecycle state: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

// DeactivateTenant revokes access for a grace expiry. The update is skipped
// when the billing webhook has already settled the tenant, so applied is false
// either for an unknown tenant or for a webhook-handled one. Re-deactivating
// an already inactive tenant counts as applied.
func (r *Repository) DeactivateTenant(ctx context.Context, tenantID uuid.UUID) (bool, error) {
	query := `
		UPDATE tenants
		SET is_active = FALSE, updated_at = NOW()
		WHERE id = $1
		  AND NOT (webhook_processed
		           AND COALESCE(last_notification_state, '') IN ('EXPIRED_WEBHOOK', 'CANCELED'))
	`

	result, err := r.db.Pool().Exec(ctx, query, tenantID)
	if err != nil {
		return false, fmt.Errorf("deactivate tenant: %w", err)
	}
	if result.RowsAffected() == 0 {
		return false, nil
	}
	r.logger.Info("tenant deactivated", zap.String("tenant_id", tenantID.String()))
	return true, nil
}

// MarkWebhookTerminal records a lifecycle outcome delivered by the billing
// provider and revokes access.
func (r *Repository) MarkWebhookTerminal(ctx context.Context, tenantID uuid.UUID, state string) error {
	query := `
		UPDATE tenants
		SET last_notification_state = $2,
		    webhook_processed = TRUE,
		    is_active = FALSE,
		    updated_at = NOW()
		WHERE id = $1
	`

	result, err := r.db.Pool().Exec(ctx, query, tenantID, state)
	if err != nil {
		return fmt.Errorf("mark webhook terminal: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrTenantNotFound, tenantID)
	}
	return nil
}

// RenewSubscription starts a new subscription period.
func (r *Repository) RenewSubscription(ctx context.Context, tenantID uuid.UUID, endsAt time.Time) error {
	query := `
		UPDATE tenants
		SET subscription_ends_at = $2,
		    last_notification_state = 'ACTIVE',
		    webhook_processed = FALSE,
		    is_active = TRUE,
		    updated_at = NOW()
		WHERE id = $1
	`

	result, err := r.db.Pool().Exec(ctx, query, tenantID, endsAt)
	if err != nil {
		return fmt.Errorf("renew subscription: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrTenantNotFound, tenantID)
	}

	r.logger.Info("subscription renewed",
		zap.String("tenant_id", tenantID.String()),
		zap.Time("ends_at", endsAt),
	)
	return nil
}

// isDuplicateKey checks if a PostgreSQL error is a unique_violation (23505).
func isDuplicateKey(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
