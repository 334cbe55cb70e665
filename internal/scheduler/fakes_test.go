package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lalithlochan/nudge/internal/db"
	"github.com/lalithlochan/nudge/internal/dispatch"
	"github.com/lalithlochan/nudge/internal/rules"
)

// memStore backs the repository, ledger and gate with maps so tests exercise
// the real ledger and gate logic.
type memStore struct {
	mu           sync.Mutex
	appointments []*db.Appointment
	tenants      map[uuid.UUID]*db.Tenant
	settings     map[string]bool
	deliveries   map[string]db.DeliveryRecord
	deactivated  int
	listErr      error

	// afterList runs on each stored tenant once ListSubscriptionsEnding has
	// taken its copies; beforeDeactivate runs inside DeactivateTenant.
	afterList        func(*db.Tenant)
	beforeDeactivate func(*db.Tenant)
}

func newMemStore() *memStore {
	return &memStore{
		tenants:    make(map[uuid.UUID]*db.Tenant),
		settings:   make(map[string]bool),
		deliveries: make(map[string]db.DeliveryRecord),
	}
}

func (m *memStore) addTenant(t *db.Tenant) *db.Tenant {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	m.tenants[t.ID] = t
	return t
}

func (m *memStore) addAppointment(tenantID uuid.UUID, startsAt time.Time) *db.Appointment {
	m.mu.Lock()
	defer m.mu.Unlock()
	phone := "+14155550100"
	a := &db.Appointment{
		ID:            uuid.New(),
		TenantID:      tenantID,
		CustomerName:  "Ana",
		CustomerPhone: &phone,
		ServiceName:   "Haircut",
		StartsAt:      startsAt,
		Status:        db.AppointmentScheduled,
	}
	m.appointments = append(m.appointments, a)
	return a
}

func (m *memStore) setEnabled(tenantID uuid.UUID, rule rules.RuleType, enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings[tenantID.String()+"|"+string(rule)] = enabled
}

func (m *memStore) records() []db.DeliveryRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]db.DeliveryRecord, 0, len(m.deliveries))
	for _, r := range m.deliveries {
		out = append(out, r)
	}
	return out
}

func (m *memStore) state(id uuid.UUID) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s := m.tenants[id].LastNotificationState; s != nil {
		return *s
	}
	return ""
}

func (m *memStore) ListUpcomingAppointments(_ context.Context, from, to time.Time) ([]*db.Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []*db.Appointment
	for _, a := range m.appointments {
		if a.StartsAt.Before(from) || a.StartsAt.After(to) || !a.Upcoming() {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

func (m *memStore) ListSubscriptionsEnding(_ context.Context, from, to time.Time) ([]*db.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []*db.Tenant
	for _, t := range m.tenants {
		if t.SubscriptionEndsAt == nil {
			continue
		}
		end := *t.SubscriptionEndsAt
		if end.After(to) || (!from.IsZero() && end.Before(from)) {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	if m.afterList != nil {
		for _, c := range out {
			m.afterList(m.tenants[c.ID])
		}
	}
	return out, nil
}

func (m *memStore) GetTenant(_ context.Context, id uuid.UUID) (*db.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tenants[id]
	if !ok {
		return nil, db.ErrTenantNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *memStore) DeactivateTenant(_ context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tenants[id]
	if !ok {
		return false, nil
	}
	if m.beforeDeactivate != nil {
		m.beforeDeactivate(t)
	}
	if t.WebhookProcessed && t.LastNotificationState != nil &&
		(*t.LastNotificationState == "EXPIRED_WEBHOOK" || *t.LastNotificationState == "CANCELED") {
		return false, nil
	}
	m.deactivated++
	t.IsActive = false
	return true, nil
}

func (m *memStore) AutomationSetting(_ context.Context, tenantID uuid.UUID, ruleType string) (bool, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	enabled, ok := m.settings[tenantID.String()+"|"+ruleType]
	return enabled, ok, nil
}

func (m *memStore) HasDelivery(_ context.Context, entityKey, ruleType string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.deliveries[entityKey+"|"+ruleType]
	return ok, nil
}

func (m *memStore) InsertDelivery(_ context.Context, rec *db.DeliveryRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := rec.EntityKey + "|" + rec.RuleType
	if _, ok := m.deliveries[k]; ok {
		return false, nil
	}
	m.deliveries[k] = *rec
	return true, nil
}

func (m *memStore) LifecycleState(_ context.Context, id uuid.UUID) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tenants[id]
	if !ok {
		return "", db.ErrTenantNotFound
	}
	if t.LastNotificationState == nil {
		return "", nil
	}
	return *t.LastNotificationState, nil
}

func (m *memStore) CompareAndSetLifecycleState(_ context.Context, id uuid.UUID, expected, next string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tenants[id]
	cur := ""
	if t.LastNotificationState != nil {
		cur = *t.LastNotificationState
	}
	if cur != expected {
		return false, nil
	}
	t.LastNotificationState = &next
	return true, nil
}

// fakeDispatcher records sends. Entities listed in fail or panics misbehave.
type fakeDispatcher struct {
	mu     sync.Mutex
	sent   []dispatch.Notification
	fail   map[string]error
	panics map[string]bool
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{fail: make(map[string]error), panics: make(map[string]bool)}
}

func (d *fakeDispatcher) Send(_ context.Context, n dispatch.Notification) (dispatch.Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.panics[n.EntityKey] {
		panic("provider client exploded")
	}
	if err := d.fail[n.EntityKey]; err != nil {
		return dispatch.Result{}, err
	}
	d.sent = append(d.sent, n)
	channel := db.ChannelWhatsApp
	if n.Kind == rules.KindSubscription {
		channel = db.ChannelEmail
	}
	return dispatch.Result{Channel: channel}, nil
}

func (d *fakeDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sent)
}

type fakeLocker struct {
	mu    sync.Mutex
	ok    bool
	err   error
	slots []time.Time
}

func (l *fakeLocker) Acquire(_ context.Context, _ string, slot time.Time) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.slots = append(l.slots, slot)
	return l.ok, l.err
}

var errProviderDown = errors.New("provider down")
