// Package lifecycle defines the per-tenant subscription notification states
// and the rules for moving between them.
//
// Scheduled transitions only move forward through
//
//	ACTIVE < PRE_EXPIRE_3D < PRE_EXPIRE_1D < EXPIRED_GRACE
//
// EXPIRED_WEBHOOK and CANCELED are set by the billing webhook path. They are
// terminal: once reached, no scheduled transition applies.
package lifecycle

import "fmt"

// State is the value stored in tenants.last_notification_state.
type State string

const (
	// StateNone is an unset state (NULL column); it ranks as ACTIVE.
	StateNone           State = ""
	StateActive         State = "ACTIVE"
	StatePreExpire3D    State = "PRE_EXPIRE_3D"
	StatePreExpire1D    State = "PRE_EXPIRE_1D"
	StateExpiredGrace   State = "EXPIRED_GRACE"
	StateExpiredWebhook State = "EXPIRED_WEBHOOK"
	StateCanceled       State = "CANCELED"
)

var rank = map[State]int{
	StateNone:         0,
	StateActive:       0,
	StatePreExpire3D:  1,
	StatePreExpire1D:  2,
	StateExpiredGrace: 3,
}

// Parse validates a stored value.
func Parse(s string) (State, error) {
	st := State(s)
	if _, ok := rank[st]; ok || st.IsTerminal() {
		return st, nil
	}
	return StateNone, fmt.Errorf("unknown lifecycle state: %q", s)
}

// IsTerminal reports whether s was reached through the billing webhook path.
func (s State) IsTerminal() bool {
	return s == StateExpiredWebhook || s == StateCanceled
}

// String returns the stored representation, "ACTIVE" for an unset state.
func (s State) String() string {
	if s == StateNone {
		return string(StateActive)
	}
	return string(s)
}

// Verdict explains the outcome of a transition check.
type Verdict int

const (
	Allowed Verdict = iota
	AlreadyThere
	Regressive
	SuppressedTerminal
	InvalidTarget
)

func (v Verdict) String() string {
	switch v {
	case Allowed:
		return "allowed"
	case AlreadyThere:
		return "already_there"
	case Regressive:
		return "regressive"
	case SuppressedTerminal:
		return "suppressed_terminal"
	case InvalidTarget:
		return "invalid_target"
	default:
		return "unknown"
	}
}

// Check decides whether a scheduled transition from current to next may happen.
func Check(current, next State) Verdict {
	if current.IsTerminal() {
		return SuppressedTerminal
	}
	nextRank, ok := rank[next]
	if !ok || next == StateNone {
		return InvalidTarget
	}
	curRank := rank[current]
	switch {
	case nextRank == curRank:
		return AlreadyThere
	case nextRank < curRank:
		return Regressive
	default:
		return Allowed
	}
}

// CanAdvance is shorthand for Check(current, next) == Allowed.
func CanAdvance(current, next State) bool {
	return Check(current, next) == Allowed
}
