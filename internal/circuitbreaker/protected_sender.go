package circuitbreaker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/nudge/internal/dispatch"
)

// ProtectedSender wraps a channel sender with a CircuitBreaker.
type ProtectedSender struct {
	sender  dispatch.Sender
	breaker *CircuitBreaker
	logger  *zap.Logger
}

// NewProtectedSender wraps a sender with circuit breaker protection.
func NewProtectedSender(sender dispatch.Sender, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedSender {
	return &ProtectedSender{
		sender:  sender,
		breaker: breaker,
		logger:  logger,
	}
}

// Send forwards msg unless the circuit is open, in which case it returns
// ErrCircuitOpen without calling the provider. Configuration and data errors
// are the caller's fault and do not count against the provider.
func (p *ProtectedSender) Send(ctx context.Context, msg *dispatch.Message) error {
	if !p.breaker.Allow() {
		p.logger.Warn("circuit breaker rejected send",
			zap.String("breaker", p.breaker.Name()),
			zap.String("message_id", msg.ID),
			zap.Int64("rejected", p.breaker.Counts().Rejected),
		)
		return fmt.Errorf("%w: %s sender unavailable", ErrCircuitOpen, p.breaker.Name())
	}

	err := p.sender.Send(ctx, msg)
	switch {
	case err == nil:
		p.breaker.RecordSuccess()
	case isCallerError(err):
		p.breaker.RecordSuccess()
	default:
		p.breaker.RecordFailure()
		p.logger.Debug("circuit breaker recorded failure",
			zap.String("breaker", p.breaker.Name()),
			zap.Error(err),
		)
	}
	return err
}

// SupportsChannel delegates to the underlying sender.
func (p *ProtectedSender) SupportsChannel(channel string) bool {
	return p.sender.SupportsChannel(channel)
}

func isCallerError(err error) bool {
	return errors.Is(err, dispatch.ErrConfigurationMissing) || errors.Is(err, dispatch.ErrMalformedEntity)
}
