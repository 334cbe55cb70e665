package dispatch

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/nudge/internal/db"
)

// Sender is the unified interface for all delivery channels.
// Implementations: WhatsApp (Twilio), SMS (SNS), Email (SES).
type Sender interface {
	Send(ctx context.Context, msg *Message) error
	SupportsChannel(channel string) bool
}

// MultiSender routes a message to the first sender that supports its channel.
type MultiSender struct {
	senders []Sender
	logger  *zap.Logger
}

// NewMultiSender creates a router over the given senders
func NewMultiSender(logger *zap.Logger, senders ...Sender) *MultiSender {
	return &MultiSender{
		senders: senders,
		logger:  logger,
	}
}

// Send routes the message to the appropriate sender based on channel
func (m *MultiSender) Send(ctx context.Context, msg *Message) error {
	for _, sender := range m.senders {
		if sender.SupportsChannel(msg.Channel) {
			m.logger.Debug("routing message to sender",
				zap.String("channel", msg.Channel),
				zap.String("message_id", msg.ID),
			)
			return sender.Send(ctx, msg)
		}
	}

	return fmt.Errorf("%w: no sender for channel %s", ErrConfigurationMissing, msg.Channel)
}

// SupportsChannel checks if any underlying sender supports the channel
func (m *MultiSender) SupportsChannel(channel string) bool {
	for _, sender := range m.senders {
		if sender.SupportsChannel(channel) {
			return true
		}
	}
	return false
}

// LogSender writes messages to the log instead of delivering them. Used in
// development and when no provider credentials are configured.
type LogSender struct {
	logger *zap.Logger
}

func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(ctx context.Context, msg *Message) error {
	s.logger.Info("logging message (development mode)",
		zap.String("message_id", msg.ID),
		zap.String("channel", msg.Channel),
		zap.String("tenant_id", msg.TenantID.String()),
		zap.String("to", msg.To),
		zap.String("subject", msg.Subject),
		zap.String("body", msg.Body),
	)
	return nil
}

func (s *LogSender) SupportsChannel(channel string) bool {
	return channel == db.ChannelWhatsApp || channel == db.ChannelSMS || channel == db.ChannelEmail
}
