package circuitbreaker

import (
	"testing"
	"time"

	"go.uber.org/zap"
)

// manualClock is advanced by hand so recovery timeouts need no sleeps.
type manualClock struct{ now time.Time }

func (c *manualClock) Now() time.Time          { return c.now }
func (c *manualClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newBreaker(t *testing.T, maxFailures int, recovery time.Duration) (*CircuitBreaker, *manualClock) {
	t.Helper()
	clk := &manualClock{now: time.Date(2025, 8, 7, 8, 0, 0, 0, time.UTC)}
	cb := New(Config{
		Name:            "whatsapp",
		MaxFailures:     maxFailures,
		RecoveryTimeout: recovery,
		Now:             clk.Now,
	}, zap.NewNop())
	return cb, clk
}

func fail(cb *CircuitBreaker, n int) {
	for i := 0; i < n; i++ {
		cb.Allow()
		cb.RecordFailure()
	}
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	tests := []struct {
		name     string
		failures int
		want     State
	}{
		{"below_threshold", 2, StateClosed},
		{"at_threshold", 3, StateOpen},
		{"past_threshold", 7, StateOpen},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cb, _ := newBreaker(t, 3, time.Minute)
			fail(cb, tt.failures)
			if got := cb.State(); got != tt.want {
				t.Errorf("State() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestBreaker_SuccessResetsStreak(t *testing.T) {
	cb, _ := newBreaker(t, 3, time.Minute)

	fail(cb, 2)
	cb.Allow()
	cb.RecordSuccess()
	fail(cb, 2)

	if cb.State() != StateClosed {
		t.Fatalf("interleaved success should keep the breaker closed, got %s", cb.State())
	}
	if got := cb.Counts().ConsecutiveFailures; got != 2 {
		t.Errorf("ConsecutiveFailures = %d, want 2", got)
	}
}

func TestBreaker_RejectsUntilRecoveryTimeout(t *testing.T) {
	cb, clk := newBreaker(t, 1, time.Minute)
	fail(cb, 1)

	clk.Advance(59 * time.Second)
	if cb.Allow() {
		t.Fatal("breaker admitted a send before the recovery timeout")
	}

	clk.Advance(time.Second)
	if !cb.Allow() {
		t.Fatal("breaker should admit a trial call once the timeout elapsed")
	}
	if cb.State() != StateHalfOpen {
		t.Errorf("State() = %s, want half-open", cb.State())
	}
	if cb.Allow() {
		t.Error("only one trial call may be in flight")
	}
	if got := cb.Counts().Rejected; got != 2 {
		t.Errorf("Rejected = %d, want 2", got)
	}
}

func TestBreaker_TrialOutcome(t *testing.T) {
	tests := []struct {
		name    string
		succeed bool
		want    State
	}{
		{"trial_succeeds", true, StateClosed},
		{"trial_fails", false, StateOpen},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cb, clk := newBreaker(t, 2, 30*time.Second)
			fail(cb, 2)
			clk.Advance(30 * time.Second)

			if !cb.Allow() {
				t.Fatal("trial call rejected")
			}
			if tt.succeed {
				cb.RecordSuccess()
			} else {
				cb.RecordFailure()
			}
			if got := cb.State(); got != tt.want {
				t.Errorf("State() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestBreaker_FailedTrialRestartsTimeout(t *testing.T) {
	cb, clk := newBreaker(t, 1, time.Minute)
	fail(cb, 1)

	clk.Advance(time.Minute)
	cb.Allow()
	cb.RecordFailure()

	clk.Advance(30 * time.Second)
	if cb.Allow() {
		t.Fatal("reopened breaker should wait a full timeout from the failed trial call")
	}
	clk.Advance(30 * time.Second)
	if !cb.Allow() {
		t.Fatal("expected a second trial call")
	}
}

func TestBreaker_OnStateChange(t *testing.T) {
	clk := &manualClock{now: time.Date(2025, 8, 7, 8, 0, 0, 0, time.UTC)}
	var seen []State
	cb := New(Config{
		Name:            "sms",
		MaxFailures:     1,
		RecoveryTimeout: 20 * time.Second,
		Now:             clk.Now,
		OnStateChange: func(name string, to State) {
			if name != "sms" {
				t.Errorf("name = %q", name)
			}
			seen = append(seen, to)
		},
	}, zap.NewNop())

	fail(cb, 1)
	clk.Advance(20 * time.Second)
	cb.Allow()
	cb.RecordSuccess()

	want := []State{StateOpen, StateHalfOpen, StateClosed}
	if len(seen) != len(want) {
		t.Fatalf("transitions = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("transition %d = %s, want %s", i, seen[i], want[i])
		}
	}
}

func TestNew_AppliesDefaults(t *testing.T) {
	cb := New(Config{Name: "email"}, zap.NewNop())
	if cb.config.MaxFailures != 5 || cb.config.RecoveryTimeout != 30*time.Second || cb.config.HalfOpenMaxRequests != 1 {
		t.Errorf("defaults not applied: %+v", cb.config)
	}
	if cb.config.Now == nil {
		t.Error("Now should default to time.Now")
	}

	d := DefaultConfig("sms")
	if d.Name != "sms" || d.MaxFailures != 5 || d.RecoveryTimeout != time.Minute {
		t.Errorf("DefaultConfig = %+v", d)
	}
}

func TestState_String(t *testing.T) {
	for s, want := range map[State]string{
		StateClosed:   "closed",
		StateOpen:     "open",
		StateHalfOpen: "half-open",
		State(9):      "unknown",
	} {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", int(s), got, want)
		}
	}
}
