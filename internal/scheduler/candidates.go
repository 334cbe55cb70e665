package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lalithlochan/nudge/internal/clock"
	"github.com/lalithlochan/nudge/internal/db"
	"github.com/lalithlochan/nudge/internal/rules"
)

// candidate pairs the matcher's entity view with the row it came from.
type candidate struct {
	entity      rules.Entity
	appointment *db.Appointment
	tenant      *db.Tenant
}

func (s *Scheduler) fetch(ctx context.Context, r rules.Rule, now time.Time) ([]candidate, error) {
	w := rules.Window(r, s.deps.Clock, now)
	loc := s.deps.Clock.Location()

	switch r.Kind {
	case rules.KindAppointment:
		rows, err := s.deps.Repo.ListUpcomingAppointments(ctx, w.From, w.To)
		if err != nil {
			return nil, err
		}
		out := make([]candidate, 0, len(rows))
		for _, a := range rows {
			out = append(out, candidate{
				entity: rules.Entity{
					Key:           a.ID.String(),
					TenantID:      a.TenantID,
					Kind:          rules.KindAppointment,
					ReferenceTime: a.StartsAt,
					Eligible:      a.Upcoming(),
				},
				appointment: a,
			})
		}
		return out, nil

	case rules.KindSubscription:
		if w.From.IsZero() && s.config.GraceLookbackDays > 0 {
			w.From = clock.StartOfDay(loc, now).AddDate(0, 0, r.DayOffset-s.config.GraceLookbackDays)
		}
		rows, err := s.deps.Repo.ListSubscriptionsEnding(ctx, w.From, w.To)
		if err != nil {
			return nil, err
		}
		out := make([]candidate, 0, len(rows))
		for _, t := range rows {
			var ref time.Time
			key := t.ID.String()
			if t.SubscriptionEndsAt != nil {
				ref = *t.SubscriptionEndsAt
				key = rules.SubscriptionKey(t.ID, ref, loc)
			}
			out = append(out, candidate{
				entity: rules.Entity{
					Key:           key,
					TenantID:      t.ID,
					Kind:          rules.KindSubscription,
					ReferenceTime: ref,
					// Grace also covers tenants already switched off, so a
					// failed expiry notice is retried on the next run.
					Eligible: t.IsActive || r.DayMatch == rules.DayAtOrPast,
				},
				tenant: t,
			})
		}
		return out, nil
	}

	return nil, nil
}

// tenantCache memoises tenant reads within one rule evaluation.
type tenantCache struct {
	repo Repository
	mu   sync.Mutex
	byID map[uuid.UUID]*db.Tenant
}

func newTenantCache(repo Repository) *tenantCache {
	return &tenantCache{repo: repo, byID: make(map[uuid.UUID]*db.Tenant)}
}

func (c *tenantCache) get(ctx context.Context, id uuid.UUID) (*db.Tenant, error) {
	c.mu.Lock()
	t, ok := c.byID[id]
	c.mu.Unlock()
	if ok {
		return t, nil
	}

	t, err := c.repo.GetTenant(ctx, id)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.byID[id] = t
	c.mu.Unlock()
	return t, nil
}
