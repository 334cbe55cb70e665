package rules

import (
	"time"

	"github.com/lalithlochan/nudge/internal/clock"
)

// Range is an inclusive reference-time interval. A zero From means unbounded.
type Range struct {
	From time.Time
	To   time.Time
}

// Contains reports whether t lies in the range.
func (r Range) Contains(t time.Time) bool {
	if !r.From.IsZero() && t.Before(r.From) {
		return false
	}
	return !t.After(r.To)
}

// Window returns the reference-time range a repository should query so that
// every entity Match could accept at now is included.
func Window(r Rule, c clock.Clock, now time.Time) Range {
	switch r.Precision {
	case PrecisionWindow:
		target := now.Add(r.Offset)
		return Range{From: target.Add(-r.Tolerance), To: target.Add(r.Tolerance)}
	default:
		today := clock.StartOfDay(c.Location(), now)
		dayStart := today.AddDate(0, 0, r.DayOffset)
		dayEnd := today.AddDate(0, 0, r.DayOffset+1).Add(-time.Microsecond)
		if r.DayMatch == DayAtOrPast {
			return Range{To: dayEnd}
		}
		return Range{From: dayStart, To: dayEnd}
	}
}

// Match reports whether e crossed r's threshold at now. Ineligible entities
// and entities without a usable reference time never match.
func Match(r Rule, c clock.Clock, now time.Time, e Entity) bool {
	if !e.Eligible || e.Kind != r.Kind || !validReference(e.ReferenceTime) {
		return false
	}

	switch r.Precision {
	case PrecisionWindow:
		target := e.ReferenceTime.Add(-r.Offset)
		return !now.Before(target.Add(-r.Tolerance)) && !now.After(target.Add(r.Tolerance))
	case PrecisionCalendarDay:
		diff := c.DayDifference(now, e.ReferenceTime)
		if r.DayMatch == DayAtOrPast {
			return diff <= r.DayOffset
		}
		return diff == r.DayOffset
	default:
		return false
	}
}

// Selection is the outcome of filtering repository rows against a rule.
type Selection struct {
	Matched []Entity
	// Malformed counts rows excluded for a missing or invalid reference time
	// or a mismatched entity kind.
	Malformed int
	// Ineligible counts rows excluded by their status.
	Ineligible int
}

// Select filters entities down to the candidates for r at now.
func Select(r Rule, c clock.Clock, now time.Time, entities []Entity) Selection {
	var sel Selection
	for _, e := range entities {
		switch {
		case e.Kind != r.Kind || !validReference(e.ReferenceTime):
			sel.Malformed++
		case !e.Eligible:
			sel.Ineligible++
		case Match(r, c, now, e):
			sel.Matched = append(sel.Matched, e)
		}
	}
	return sel
}

// epoch guards against zero values and sentinel dates leaking from storage.
var epoch = time.Date(1970, 1, 2, 0, 0, 0, 0, time.UTC)

func validReference(t time.Time) bool {
	return !t.IsZero() && t.After(epoch)
}
