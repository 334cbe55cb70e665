// Package dispatch turns a matched (entity, rule) pair into an outbound
// message and hands it to a channel provider. It never touches the delivery
// ledger; recording is the caller's job once Send returns nil.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/nudge/internal/db"
	"github.com/lalithlochan/nudge/internal/metrics"
	"github.com/lalithlochan/nudge/internal/rules"
)

var (
	// ErrConfigurationMissing means the tenant or deployment lacks what the
	// channel needs (sender number, provider credentials, recipient address).
	ErrConfigurationMissing = errors.New("channel configuration missing")
	// ErrMalformedEntity means the entity data cannot be turned into a message.
	ErrMalformedEntity = errors.New("malformed entity data")
	// ErrTransient covers timeouts, provider and network failures, an open
	// circuit and outbound throttling. The next tick retries.
	ErrTransient = errors.New("transient channel error")
)

// DefaultTimeout bounds a single provider call.
const DefaultTimeout = 12 * time.Second

// Recipient is who the message is for.
type Recipient struct {
	Name  string
	Phone string
	Email string
}

// Notification is everything the dispatcher needs to build one message.
type Notification struct {
	Rule          rules.RuleType
	Kind          rules.EntityKind
	EntityKey     string
	TenantID      uuid.UUID
	TenantName    string
	ServiceName   string
	ReferenceTime time.Time
	Recipient     Recipient
	// WhatsAppFrom is the tenant's own WhatsApp number, if configured.
	WhatsAppFrom string
}

// Message is a composed, routed notification ready for a Sender.
type Message struct {
	ID       string
	TenantID uuid.UUID
	Rule     string
	Channel  string
	To       string
	From     string
	Subject  string
	Body     string
}

// Result describes a successful delivery.
type Result struct {
	Channel  string
	To       string
	Duration time.Duration
}

// Limiter throttles outbound messages across replicas.
type Limiter interface {
	Allow(ctx context.Context, channel string) (bool, error)
}

type Config struct {
	Timeout time.Duration
	// DefaultWhatsAppFrom is used when a tenant has no sender of its own.
	DefaultWhatsAppFrom string
	// Limiter is optional.
	Limiter Limiter
}

// Dispatcher composes and sends notifications.
type Dispatcher struct {
	sender   Sender
	composer Composer
	config   Config
	logger   *zap.Logger
}

func New(sender Sender, composer Composer, cfg Config, logger *zap.Logger) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Dispatcher{
		sender:   sender,
		composer: composer,
		config:   cfg,
		logger:   logger,
	}
}

// Send delivers n on the best available channel. Every failure wraps one of
// ErrConfigurationMissing, ErrMalformedEntity or ErrTransient.
func (d *Dispatcher) Send(ctx context.Context, n Notification) (Result, error) {
	msg, err := d.build(n)
	if err != nil {
		return Result{}, err
	}

	if !d.sender.SupportsChannel(msg.Channel) {
		return Result{}, fmt.Errorf("%w: no sender for channel %s", ErrConfigurationMissing, msg.Channel)
	}

	if d.config.Limiter != nil {
		allowed, err := d.config.Limiter.Allow(ctx, msg.Channel)
		if err != nil {
			d.logger.Warn("outbound limiter unavailable, sending anyway",
				zap.String("channel", msg.Channel),
				zap.Error(err),
			)
		} else if !allowed {
			metrics.RecordOutboundThrottled(msg.Channel)
			return Result{}, fmt.Errorf("%w: %s outbound limit reached", ErrTransient, msg.Channel)
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, d.config.Timeout)
	defer cancel()

	start := time.Now()
	err = d.sender.Send(callCtx, msg)
	elapsed := time.Since(start)
	metrics.RecordDispatchLatency(msg.Channel, elapsed)

	if err != nil {
		return Result{}, classify(err)
	}

	return Result{Channel: msg.Channel, To: msg.To, Duration: elapsed}, nil
}

func (d *Dispatcher) build(n Notification) (*Message, error) {
	if n.EntityKey == "" || n.Rule == "" {
		return nil, fmt.Errorf("%w: notification needs entity and rule", ErrMalformedEntity)
	}

	channel, to, from, err := d.route(n)
	if err != nil {
		return nil, err
	}

	subject, body, err := d.composer.Compose(n, channel)
	if err != nil {
		return nil, fmt.Errorf("%w: compose %s: %v", ErrMalformedEntity, n.Rule, err)
	}

	return &Message{
		ID:       n.EntityKey + ":" + string(n.Rule),
		TenantID: n.TenantID,
		Rule:     string(n.Rule),
		Channel:  channel,
		To:       to,
		From:     from,
		Subject:  subject,
		Body:     body,
	}, nil
}

// route picks a channel. Appointment reminders prefer WhatsApp, then SMS,
// then email; a phone that is not E.164 falls through to email when one is
// on file. Subscription notices go to the owner by email.
func (d *Dispatcher) route(n Notification) (channel, to, from string, err error) {
	email := strings.TrimSpace(n.Recipient.Email)

	if n.Kind == rules.KindSubscription {
		if email == "" {
			return "", "", "", fmt.Errorf("%w: tenant %s has no owner email", ErrConfigurationMissing, n.TenantID)
		}
		return db.ChannelEmail, email, "", nil
	}

	var phoneErr error
	if raw := strings.TrimSpace(n.Recipient.Phone); raw != "" {
		phone, err := NormalizePhone(raw)
		if err == nil {
			from := n.WhatsAppFrom
			if from == "" {
				from = d.config.DefaultWhatsAppFrom
			}
			if from != "" && d.sender.SupportsChannel(db.ChannelWhatsApp) {
				return db.ChannelWhatsApp, phone, from, nil
			}
			if d.sender.SupportsChannel(db.ChannelSMS) {
				return db.ChannelSMS, phone, "", nil
			}
		}
		phoneErr = err
	}

	if email != "" {
		if phoneErr != nil {
			d.logger.Warn("unusable phone, falling back to email",
				zap.String("entity", n.EntityKey),
				zap.Error(phoneErr),
			)
		}
		return db.ChannelEmail, email, "", nil
	}
	if phoneErr != nil {
		return "", "", "", phoneErr
	}

	return "", "", "", fmt.Errorf("%w: no reachable channel for %s", ErrConfigurationMissing, n.EntityKey)
}

var e164 = regexp.MustCompile(`^\+[1-9][0-9]{7,14}$`)

// NormalizePhone strips formatting characters and checks for E.164.
func NormalizePhone(raw string) (string, error) {
	phone := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '(', ')', '.':
			return -1
		}
		return r
	}, raw)
	if strings.HasPrefix(phone, "00") {
		phone = "+" + phone[2:]
	}
	if !e164.MatchString(phone) {
		return "", fmt.Errorf("%w: phone %q is not E.164", ErrMalformedEntity, raw)
	}
	return phone, nil
}

func classify(err error) error {
	if errors.Is(err, ErrConfigurationMissing) || errors.Is(err, ErrMalformedEntity) || errors.Is(err, ErrTransient) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}
