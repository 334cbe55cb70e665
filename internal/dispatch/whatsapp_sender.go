package dispatch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
	"go.uber.org/zap"

	"github.com/lalithlochan/nudge/internal/db"
)

// TwilioAPI is the subset of the Twilio REST client used here.
type TwilioAPI interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// WhatsAppSender delivers chat messages through Twilio's WhatsApp API.
type WhatsAppSender struct {
	client TwilioAPI
	logger *zap.Logger
}

type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	// Timeout bounds each HTTP call made by the Twilio client.
	Timeout time.Duration
}

// NewWhatsAppSender creates a Twilio-backed sender.
func NewWhatsAppSender(cfg TwilioConfig, logger *zap.Logger) (*WhatsAppSender, error) {
	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("%w: twilio credentials", ErrConfigurationMissing)
	}

	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	if cfg.Timeout > 0 {
		client.SetTimeout(cfg.Timeout)
	}

	return NewWhatsAppSenderWithClient(client.Api, logger), nil
}

// NewWhatsAppSenderWithClient builds a sender around an existing client.
func NewWhatsAppSenderWithClient(client TwilioAPI, logger *zap.Logger) *WhatsAppSender {
	return &WhatsAppSender{client: client, logger: logger}
}

// Send delivers msg over WhatsApp. The Twilio client has no context support,
// so cancellation is honored before and after the call.
func (s *WhatsAppSender) Send(ctx context.Context, msg *Message) error {
	if msg.Channel != db.ChannelWhatsApp {
		return fmt.Errorf("WhatsApp sender only supports whatsapp, got: %s", msg.Channel)
	}
	if msg.To == "" {
		return fmt.Errorf("%w: WhatsApp message missing phone number", ErrMalformedEntity)
	}
	if msg.From == "" {
		return fmt.Errorf("%w: WhatsApp sender number", ErrConfigurationMissing)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	params := &twilioApi.CreateMessageParams{}
	params.SetTo(whatsappAddress(msg.To))
	params.SetFrom(whatsappAddress(msg.From))
	params.SetBody(msg.Body)

	type outcome struct {
		resp *twilioApi.ApiV2010Message
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		resp, err := s.client.CreateMessage(params)
		done <- outcome{resp, err}
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("twilio send: %w", ctx.Err())
	case out := <-done:
		if out.err != nil {
			return fmt.Errorf("twilio send failed: %w", out.err)
		}
		sid := ""
		if out.resp != nil && out.resp.Sid != nil {
			sid = *out.resp.Sid
		}
		s.logger.Info("WhatsApp message sent via Twilio",
			zap.String("message_id", msg.ID),
			zap.String("to", msg.To),
			zap.String("provider_id", sid),
		)
		return nil
	}
}

// SupportsChannel checks if this sender supports the WhatsApp channel
func (s *WhatsAppSender) SupportsChannel(channel string) bool {
	return channel == db.ChannelWhatsApp
}

func whatsappAddress(phone string) string {
	if strings.HasPrefix(phone, "whatsapp:") {
		return phone
	}
	return "whatsapp:" + phone
}
