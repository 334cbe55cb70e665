// Package circuitbreaker guards channel providers. After repeated provider
// failures a channel fails fast for a while so that one dead provider does
// not slow every entity in a tick down to its dispatch timeout.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State of a breaker.
//
//	Closed   -> Open:     MaxFailures consecutive failures
//	Open     -> HalfOpen: RecoveryTimeout elapsed since the last failure
//	HalfOpen -> Closed:   a trial call succeeds
//	HalfOpen -> Open:     a trial call fails
type State int

const (
	StateClosed   State = iota // sends pass through
	StateOpen                  // sends fail fast
	StateHalfOpen              // limited trial sends
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned while a breaker rejects sends.
var ErrCircuitOpen = errors.New("circuit breaker is open")

type Config struct {
	// Name identifies the channel this breaker protects ("whatsapp", "sms", "email").
	Name string

	MaxFailures         int
	RecoveryTimeout     time.Duration
	HalfOpenMaxRequests int

	// OnStateChange is called with the new state after every transition,
	// with the breaker's lock held.
	OnStateChange func(name string, to State)

	// Now overrides the time source. Defaults to time.Now.
	Now func() time.Time
}

// DefaultConfig returns the breaker settings used for channel senders. A
// provider that fails five times in a row is skipped for a minute, which spans
// most of a reminder tick.
func DefaultConfig(name string) Config {
	return Config{
		Name:                name,
		MaxFailures:         5,
		RecoveryTimeout:     time.Minute,
		HalfOpenMaxRequests: 1,
	}
}

// Counts are cumulative totals since the breaker was created.
type Counts struct {
	Requests            int64
	Successes           int64
	Failures            int64
	Rejected            int64
	ConsecutiveFailures int
}

// CircuitBreaker stops calling a delivery provider after repeated failures.
// While open, sends fail immediately and the scheduler moves on; the entity
// stays unrecorded and is retried on a later tick.
type CircuitBreaker struct {
	mu     sync.Mutex
	config Config
	logger *zap.Logger

	state    State
	openedAt time.Time
	trials   int
	counts   Counts
}

func New(cfg Config, logger *zap.Logger) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMaxRequests <= 0 {
		cfg.HalfOpenMaxRequests = 1
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &CircuitBreaker{config: cfg, logger: logger, state: StateClosed}
}

// Name returns the protected channel.
func (cb *CircuitBreaker) Name() string {
	return cb.config.Name
}

// Allow reports whether a send may go to the provider now. An open breaker
// whose recovery timeout elapsed moves to half-open and admits a trial call.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.counts.Requests++

	if cb.state == StateOpen && cb.config.Now().Sub(cb.openedAt) >= cb.config.RecoveryTimeout {
		cb.transitionTo(StateHalfOpen)
		cb.logger.Info("circuit breaker probing provider", zap.String("name", cb.config.Name))
	}

	switch cb.state {
	case StateClosed:
		return true
	case StateHalfOpen:
		if cb.trials < cb.config.HalfOpenMaxRequests {
			cb.trials++
			return true
		}
	}

	cb.counts.Rejected++
	return false
}

// RecordSuccess closes a half-open breaker and clears the failure streak.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.counts.Successes++
	cb.counts.ConsecutiveFailures = 0

	if cb.state == StateHalfOpen {
		cb.transitionTo(StateClosed)
		cb.logger.Info("circuit breaker closed, provider recovered", zap.String("name", cb.config.Name))
	}
}

// RecordFailure extends the failure streak. A closed breaker opens when the
// streak reaches MaxFailures; a failed trial call reopens immediately.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.counts.Failures++
	cb.counts.ConsecutiveFailures++

	switch cb.state {
	case StateClosed:
		if cb.counts.ConsecutiveFailures >= cb.config.MaxFailures {
			cb.transitionTo(StateOpen)
			cb.logger.Warn("circuit breaker opened",
				zap.String("name", cb.config.Name),
				zap.Int("failures", cb.counts.ConsecutiveFailures),
				zap.Duration("recovery", cb.config.RecoveryTimeout),
			)
		}
	case StateHalfOpen:
		cb.transitionTo(StateOpen)
		cb.logger.Warn("circuit breaker re-opened, trial call failed", zap.String("name", cb.config.Name))
	}
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Counts returns a snapshot of the totals.
func (cb *CircuitBreaker) Counts() Counts {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.counts
}

// transitionTo must be called with mu held.
func (cb *CircuitBreaker) transitionTo(next State) {
	if cb.state == next {
		return
	}
	cb.state = next
	cb.trials = 0
	if next == StateOpen {
		cb.openedAt = cb.config.Now()
	}
	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.config.Name, next)
	}
}
