// Package rules holds the static notification rule table and the matcher
// that decides which entities have just crossed a rule's threshold.
package rules

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lalithlochan/nudge/internal/lifecycle"
)

// RuleType identifies a rule in the ledger and in tenant automation settings.
type RuleType string

const (
	Reminder24h   RuleType = "reminder_24h"
	Reminder12h   RuleType = "reminder_12h"
	Reminder2h    RuleType = "reminder_2h"
	Reminder1h    RuleType = "reminder_1h"
	Reminder30Min RuleType = "reminder_30min"
	PreExpire3D   RuleType = "pre_expire_3d"
	PreExpire1D   RuleType = "pre_expire_1d"
	ExpireGrace   RuleType = "expire_grace"
)

// EntityKind is the class of entity a rule applies to.
type EntityKind string

const (
	KindAppointment  EntityKind = "appointment"
	KindSubscription EntityKind = "subscription"
)

// Precision selects the matching strategy.
type Precision int

const (
	// PrecisionWindow matches a sub-day window around reference - offset.
	PrecisionWindow Precision = iota
	// PrecisionCalendarDay compares whole business-calendar days.
	PrecisionCalendarDay
)

// DayMatch selects the comparison used by calendar-day rules.
type DayMatch int

const (
	// DayExact matches when DayDifference(now, reference) == DayOffset.
	DayExact DayMatch = iota
	// DayAtOrPast matches when DayDifference(now, reference) <= DayOffset.
	DayAtOrPast
)

// DefaultTolerance is the slack around a windowed rule's target instant.
const DefaultTolerance = 5 * time.Minute

// Rule is one entry of the notification rule table.
type Rule struct {
	Type      RuleType
	Kind      EntityKind
	Precision Precision

	// Windowed rules: fire when now is within Tolerance of reference - Offset.
	Offset    time.Duration
	Tolerance time.Duration

	// Calendar-day rules: signed day distance from now to the reference.
	DayOffset int
	DayMatch  DayMatch

	// Mandatory rules are platform behavior and bypass the tenant gate.
	Mandatory bool

	// Stage is the lifecycle state a subscription rule advances to.
	Stage lifecycle.State
}

var table = []Rule{
	{Type: Reminder24h, Kind: KindAppointment, Precision: PrecisionWindow, Offset: 24 * time.Hour, Tolerance: DefaultTolerance},
	{Type: Reminder12h, Kind: KindAppointment, Precision: PrecisionWindow, Offset: 12 * time.Hour, Tolerance: DefaultTolerance},
	{Type: Reminder2h, Kind: KindAppointment, Precision: PrecisionWindow, Offset: 2 * time.Hour, Tolerance: DefaultTolerance},
	{Type: Reminder1h, Kind: KindAppointment, Precision: PrecisionWindow, Offset: time.Hour, Tolerance: DefaultTolerance},
	{Type: Reminder30Min, Kind: KindAppointment, Precision: PrecisionWindow, Offset: 30 * time.Minute, Tolerance: DefaultTolerance},

	{Type: PreExpire3D, Kind: KindSubscription, Precision: PrecisionCalendarDay, DayOffset: 3, DayMatch: DayExact, Mandatory: true, Stage: lifecycle.StatePreExpire3D},
	{Type: PreExpire1D, Kind: KindSubscription, Precision: PrecisionCalendarDay, DayOffset: 1, DayMatch: DayExact, Mandatory: true, Stage: lifecycle.StatePreExpire1D},
	{Type: ExpireGrace, Kind: KindSubscription, Precision: PrecisionCalendarDay, DayOffset: -2, DayMatch: DayAtOrPast, Mandatory: true, Stage: lifecycle.StateExpiredGrace},
}

// All returns a copy of the rule table in evaluation order.
func All() []Rule {
	out := make([]Rule, len(table))
	copy(out, table)
	return out
}

// Lookup finds a rule by type.
func Lookup(t RuleType) (Rule, bool) {
	for _, r := range table {
		if r.Type == t {
			return r, true
		}
	}
	return Rule{}, false
}

// Resolve maps rule types to rules, failing on the first unknown one.
func Resolve(types ...RuleType) ([]Rule, error) {
	out := make([]Rule, 0, len(types))
	for _, t := range types {
		r, ok := Lookup(t)
		if !ok {
			return nil, fmt.Errorf("unknown rule type: %s", t)
		}
		out = append(out, r)
	}
	return out, nil
}

// Validate checks a rule for internally consistent parameters.
func (r Rule) Validate() error {
	if r.Type == "" {
		return fmt.Errorf("rule type is required")
	}
	switch r.Kind {
	case KindAppointment, KindSubscription:
	default:
		return fmt.Errorf("rule %s: unknown entity kind %q", r.Type, r.Kind)
	}
	switch r.Precision {
	case PrecisionWindow:
		if r.Tolerance <= 0 {
			return fmt.Errorf("rule %s: windowed rule needs a positive tolerance", r.Type)
		}
		if r.Tolerance*2 > r.Offset && r.Offset > 0 {
			return fmt.Errorf("rule %s: tolerance %s overlaps the reference time", r.Type, r.Tolerance)
		}
	case PrecisionCalendarDay:
		if r.Kind != KindSubscription {
			return fmt.Errorf("rule %s: calendar-day precision is only used for subscriptions", r.Type)
		}
	default:
		return fmt.Errorf("rule %s: unknown precision %d", r.Type, r.Precision)
	}
	if r.Kind == KindSubscription && r.Stage == lifecycle.StateNone {
		return fmt.Errorf("rule %s: subscription rules need a lifecycle stage", r.Type)
	}
	return nil
}

// Entity is the engine's view of an appointment or a subscription.
type Entity struct {
	// Key identifies the entity in the delivery ledger.
	Key           string
	TenantID      uuid.UUID
	Kind          EntityKind
	ReferenceTime time.Time
	// Eligible is false once the entity is cancelled, completed or inactive.
	Eligible bool
}

// SubscriptionKey builds the ledger key for one subscription period. A renewal
// moves the end date and therefore produces a new key.
func SubscriptionKey(tenantID uuid.UUID, endsAt time.Time, loc *time.Location) string {
	return fmt.Sprintf("%s@%s", tenantID, endsAt.In(loc).Format("2006-01-02"))
}
