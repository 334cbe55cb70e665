// Package clock supplies the business-local notion of "now" and calendar-day
// arithmetic used by rule matching and lifecycle evaluation.
package clock

import (
	"fmt"
	"sync"
	"time"
)

// Clock is the single time source injected into the scheduler.
type Clock interface {
	// Now returns the current instant expressed in the business location.
	Now() time.Time
	// DayDifference returns the number of calendar days from a to b
	// (date(b) - date(a)), both taken in the business location.
	DayDifference(a, b time.Time) int
	// Location returns the business location.
	Location() *time.Location
}

// Business is the production clock for one business timezone.
type Business struct {
	loc *time.Location
}

// NewBusiness loads the named IANA zone. An empty name means UTC.
func NewBusiness(zone string) (*Business, error) {
	if zone == "" {
		return &Business{loc: time.UTC}, nil
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return nil, fmt.Errorf("load business timezone %q: %w", zone, err)
	}
	return &Business{loc: loc}, nil
}

// Now returns the wall clock in the business location.
func (bc *Business) Now() time.Time {
	return time.Now().In(bc.loc)
}

// DayDifference counts calendar days between a and b in the business location.
func (bc *Business) DayDifference(a, b time.Time) int {
	return dayDifference(bc.loc, a, b)
}

// Location returns the business location.
func (bc *Business) Location() *time.Location {
	return bc.loc
}

// Fixed is a settable clock for tests and replays.
type Fixed struct {
	mu  sync.Mutex
	now time.Time
	loc *time.Location
}

// NewFixed returns a clock frozen at now, using now's location as the
// business location.
func NewFixed(now time.Time) *Fixed {
	return &Fixed{now: now, loc: now.Location()}
}

// Now returns the frozen instant.
func (f *Fixed) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Set moves the clock to t.
func (f *Fixed) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = t.In(f.loc)
}

// Advance moves the clock forward by d.
func (f *Fixed) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// DayDifference counts calendar days between a and b in the clock's location.
func (f *Fixed) DayDifference(a, b time.Time) int {
	return dayDifference(f.loc, a, b)
}

// Location returns the clock's location.
func (f *Fixed) Location() *time.Location {
	return f.loc
}

// StartOfDay truncates t to midnight in loc.
func StartOfDay(loc *time.Location, t time.Time) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

// dayDifference projects both dates onto UTC midnights so DST shifts in loc
// never produce a 23h or 25h "day".
func dayDifference(loc *time.Location, a, b time.Time) int {
	ay, am, ad := a.In(loc).Date()
	by, bm, bd := b.In(loc).Date()
	da := time.Date(ay, am, ad, 0, 0, 0, 0, time.UTC)
	db := time.Date(by, bm, bd, 0, 0, 0, 0, time.UTC)
	return int(db.Sub(da).Hours() / 24)
}
