package db

import (
	"time"

	"github.com/google/uuid"
)

// Appointment is a booking read by the reminder rules.
type Appointment struct {
	ID            uuid.UUID `json:"id"`
	TenantID      uuid.UUID `json:"tenant_id"`
	CustomerName  string    `json:"customer_name"`
	CustomerPhone *string   `json:"customer_phone,omitempty"`
	CustomerEmail *string   `json:"customer_email,omitempty"`
	ServiceName   string    `json:"service_name"`
	StartsAt      time.Time `json:"starts_at"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Appointment status constants
const (
	AppointmentScheduled = "SCHEDULED"
	AppointmentConfirmed = "CONFIRMED"
	AppointmentCancelled = "CANCELLED"
	AppointmentCompleted = "COMPLETED"
	AppointmentNoShow    = "NO_SHOW"
)

// Upcoming reports whether the appointment still expects the customer.
func (a *Appointment) Upcoming() bool {
	return a.Status == AppointmentScheduled || a.Status == AppointmentConfirmed
}

// Tenant is a business account together with its subscription period.
type Tenant struct {
	ID                    uuid.UUID  `json:"id"`
	Name                  string     `json:"name"`
	OwnerEmail            *string    `json:"owner_email,omitempty"`
	WhatsAppSender        *string    `json:"whatsapp_sender,omitempty"`
	IsActive              bool       `json:"is_active"`
	SubscriptionEndsAt    *time.Time `json:"subscription_ends_at,omitempty"`
	LastNotificationState *string    `json:"last_notification_state,omitempty"`
	WebhookProcessed      bool       `json:"webhook_processed"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

// AutomationSetting is a tenant's toggle for one rule type.
type AutomationSetting struct {
	TenantID  uuid.UUID `json:"tenant_id"`
	RuleType  string    `json:"rule_type"`
	Enabled   bool      `json:"enabled"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DeliveryRecord proves that a rule was delivered for an entity.
// At most one row exists per (EntityKey, RuleType).
type DeliveryRecord struct {
	EntityKey string    `json:"entity_id"`
	RuleType  string    `json:"rule_type"`
	TenantID  uuid.UUID `json:"tenant_id"`
	Channel   string    `json:"channel"`
	SentAt    time.Time `json:"sent_at"`
}

// Channel constants
const (
	ChannelWhatsApp = "whatsapp"
	ChannelSMS      = "sms"
	ChannelEmail    = "email"
)
