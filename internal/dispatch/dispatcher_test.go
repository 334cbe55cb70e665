package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/nudge/internal/db"
	"github.com/lalithlochan/nudge/internal/rules"
)

type recordingSender struct {
	mu       sync.Mutex
	channels map[string]bool
	sent     []*Message
	err      error
	wait     time.Duration
}

func newRecordingSender(channels ...string) *recordingSender {
	s := &recordingSender{channels: make(map[string]bool)}
	for _, c := range channels {
		s.channels[c] = true
	}
	return s
}

func (s *recordingSender) Send(ctx context.Context, msg *Message) error {
	if s.wait > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.wait):
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, msg)
	return nil
}

func (s *recordingSender) SupportsChannel(channel string) bool {
	return s.channels[channel]
}

type fixedLimiter struct {
	allow bool
	err   error
}

func (l fixedLimiter) Allow(context.Context, string) (bool, error) {
	return l.allow, l.err
}

func newTestDispatcher(t *testing.T, sender Sender, cfg Config) *Dispatcher {
	t.Helper()
	composer, err := NewTemplateComposer(time.UTC)
	if err != nil {
		t.Fatalf("composer: %v", err)
	}
	return New(sender, composer, cfg, zap.NewNop())
}

func appointmentNotification() Notification {
	return Notification{
		Rule:          rules.Reminder24h,
		Kind:          rules.KindAppointment,
		EntityKey:     uuid.NewString(),
		TenantID:      uuid.New(),
		TenantName:    "Studio Bela",
		ServiceName:   "Haircut",
		ReferenceTime: time.Date(2025, 8, 8, 8, 0, 0, 0, time.UTC),
		Recipient:     Recipient{Name: "Ana", Phone: "+55 11 99999-0000", Email: "ana@example.com"},
	}
}

func TestSend_ChannelSelection(t *testing.T) {
	tests := []struct {
		name        string
		channels    []string
		tenantFrom  string
		defaultFrom string
		phone       string
		email       string
		wantChannel string
		wantErr     error
	}{
		{"tenant_whatsapp", []string{db.ChannelWhatsApp, db.ChannelSMS, db.ChannelEmail}, "+14155238886", "", "+5511999990000", "", db.ChannelWhatsApp, nil},
		{"default_whatsapp", []string{db.ChannelWhatsApp, db.ChannelSMS}, "", "+14155238886", "+5511999990000", "", db.ChannelWhatsApp, nil},
		{"sms_without_whatsapp_sender", []string{db.ChannelWhatsApp, db.ChannelSMS}, "", "", "+5511999990000", "", db.ChannelSMS, nil},
		{"email_without_phone", []string{db.ChannelWhatsApp, db.ChannelSMS, db.ChannelEmail}, "+14155238886", "", "", "ana@example.com", db.ChannelEmail, nil},
		{"email_when_no_phone_channel", []string{db.ChannelEmail}, "", "", "+5511999990000", "ana@example.com", db.ChannelEmail, nil},
		{"no_contact", []string{db.ChannelWhatsApp, db.ChannelSMS, db.ChannelEmail}, "+14155238886", "", "", "", "", ErrConfigurationMissing},
		{"malformed_phone", []string{db.ChannelSMS}, "", "", "call me", "", "", ErrMalformedEntity},
		{"malformed_phone_falls_back_to_email", []string{db.ChannelWhatsApp, db.ChannelSMS, db.ChannelEmail}, "+14155238886", "", "call me", "ana@example.com", db.ChannelEmail, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sender := newRecordingSender(tt.channels...)
			d := newTestDispatcher(t, sender, Config{DefaultWhatsAppFrom: tt.defaultFrom})

			n := appointmentNotification()
			n.WhatsAppFrom = tt.tenantFrom
			n.Recipient.Phone = tt.phone
			n.Recipient.Email = tt.email

			res, err := d.Send(context.Background(), n)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				if len(sender.sent) != 0 {
					t.Error("nothing should be sent on error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if res.Channel != tt.wantChannel {
				t.Errorf("channel = %s, want %s", res.Channel, tt.wantChannel)
			}
		})
	}
}

func TestSend_SubscriptionGoesToOwnerEmail(t *testing.T) {
	sender := newRecordingSender(db.ChannelEmail, db.ChannelWhatsApp)
	d := newTestDispatcher(t, sender, Config{})

	n := Notification{
		Rule:          rules.PreExpire3D,
		Kind:          rules.KindSubscription,
		EntityKey:     "tenant@2025-08-08",
		TenantID:      uuid.New(),
		TenantName:    "Studio Bela",
		ReferenceTime: time.Date(2025, 8, 8, 0, 0, 0, 0, time.UTC),
		Recipient:     Recipient{Email: "owner@example.com"},
	}

	res, err := d.Send(context.Background(), n)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Channel != db.ChannelEmail || res.To != "owner@example.com" {
		t.Errorf("result = %+v", res)
	}
	if !strings.Contains(sender.sent[0].Body, "Fri 8 Aug 2025") {
		t.Errorf("body missing end date: %s", sender.sent[0].Body)
	}

	n.Recipient.Email = ""
	if _, err := d.Send(context.Background(), n); !errors.Is(err, ErrConfigurationMissing) {
		t.Errorf("err = %v, want ErrConfigurationMissing", err)
	}
}

func TestSend_TimeoutIsTransient(t *testing.T) {
	sender := newRecordingSender(db.ChannelEmail)
	sender.wait = time.Second
	d := newTestDispatcher(t, sender, Config{Timeout: 20 * time.Millisecond})

	n := appointmentNotification()
	n.Recipient.Phone = ""

	start := time.Now()
	_, err := d.Send(context.Background(), n)
	if !errors.Is(err, ErrTransient) {
		t.Fatalf("err = %v, want ErrTransient", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected wrapped deadline, got %v", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("timeout was not enforced")
	}
}

func TestSend_ProviderErrorIsTransient(t *testing.T) {
	sender := newRecordingSender(db.ChannelEmail)
	sender.err = errors.New("503 from provider")
	d := newTestDispatcher(t, sender, Config{})

	n := appointmentNotification()
	n.Recipient.Phone = ""

	if _, err := d.Send(context.Background(), n); !errors.Is(err, ErrTransient) {
		t.Errorf("err = %v, want ErrTransient", err)
	}
}

func TestSend_Limiter(t *testing.T) {
	tests := []struct {
		name     string
		limiter  fixedLimiter
		wantErr  bool
		wantSent int
	}{
		{"allowed", fixedLimiter{allow: true}, false, 1},
		{"throttled", fixedLimiter{allow: false}, true, 0},
		{"limiter_down_fails_open", fixedLimiter{err: errors.New("redis down")}, false, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sender := newRecordingSender(db.ChannelEmail)
			d := newTestDispatcher(t, sender, Config{Limiter: tt.limiter})

			n := appointmentNotification()
			n.Recipient.Phone = ""

			_, err := d.Send(context.Background(), n)
			if tt.wantErr && !errors.Is(err, ErrTransient) {
				t.Errorf("err = %v, want ErrTransient", err)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if len(sender.sent) != tt.wantSent {
				t.Errorf("sent = %d, want %d", len(sender.sent), tt.wantSent)
			}
		})
	}
}

func TestSend_RequiresEntity(t *testing.T) {
	d := newTestDispatcher(t, newRecordingSender(db.ChannelEmail), Config{})
	if _, err := d.Send(context.Background(), Notification{Rule: rules.Reminder1h}); !errors.Is(err, ErrMalformedEntity) {
		t.Errorf("err = %v, want ErrMalformedEntity", err)
	}
}

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"+5511999990000", "+5511999990000", false},
		{"+55 (11) 99999-0000", "+5511999990000", false},
		{"0044 20 7946 0958", "+442079460958", false},
		{"11999990000", "", true},
		{"+0123", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := NormalizePhone(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("NormalizePhone(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestTemplateComposer_CoversEveryRule(t *testing.T) {
	c, err := NewTemplateComposer(time.UTC)
	if err != nil {
		t.Fatalf("composer: %v", err)
	}
	for _, r := range rules.All() {
		subject, body, err := c.Compose(Notification{Rule: r.Type, Kind: r.Kind, TenantName: "Studio", ReferenceTime: time.Now()}, db.ChannelEmail)
		if err != nil {
			t.Errorf("%s: %v", r.Type, err)
		}
		if subject == "" || body == "" {
			t.Errorf("%s: empty output", r.Type)
		}
	}
}

func TestTemplateComposer_RendersBusinessTime(t *testing.T) {
	loc, err := time.LoadLocation("America/Sao_Paulo")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	c, _ := NewTemplateComposer(loc)

	n := appointmentNotification()
	n.ReferenceTime = time.Date(2025, 8, 8, 14, 0, 0, 0, time.UTC)
	_, body, err := c.Compose(n, db.ChannelWhatsApp)
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	if !strings.Contains(body, "11:00") || !strings.Contains(body, "Ana") {
		t.Errorf("body = %q", body)
	}
}
