// Package scheduler runs the notification rules on a timer. Each run fetches
// candidates per rule, then for every entity checks the tenant gate, the
// delivery ledger and (for subscriptions) the lifecycle state before
// dispatching and recording the delivery.
//
// The ledger's uniqueness guarantee is what keeps a delivery from being
// recorded twice. Nothing else here (tick lock, in-process skip, HasDelivered)
// is needed for correctness.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/lalithlochan/nudge/internal/clock"
	"github.com/lalithlochan/nudge/internal/db"
	"github.com/lalithlochan/nudge/internal/dispatch"
	"github.com/lalithlochan/nudge/internal/ledger"
	"github.com/lalithlochan/nudge/internal/lifecycle"
	"github.com/lalithlochan/nudge/internal/metrics"
	"github.com/lalithlochan/nudge/internal/rules"
	"github.com/lalithlochan/nudge/internal/sns"
)

var (
	// ErrRepositoryUnavailable aborts a run when candidates cannot be fetched.
	ErrRepositoryUnavailable = errors.New("entity repository unavailable")
	// ErrUnknownJob is returned by RunOnce for an unregistered job name.
	ErrUnknownJob = errors.New("unknown job")
)

// Repository supplies candidate entities and tenant data.
type Repository interface {
	ListUpcomingAppointments(ctx context.Context, from, to time.Time) ([]*db.Appointment, error)
	ListSubscriptionsEnding(ctx context.Context, from, to time.Time) ([]*db.Tenant, error)
	GetTenant(ctx context.Context, id uuid.UUID) (*db.Tenant, error)
	DeactivateTenant(ctx context.Context, id uuid.UUID) (bool, error)
}

// Ledger records deliveries and lifecycle state. *ledger.Ledger implements it.
type Ledger interface {
	HasDelivered(ctx context.Context, entityKey, ruleType string) (bool, error)
	RecordDelivered(ctx context.Context, rec db.DeliveryRecord) (bool, error)
	ReadLifecycleState(ctx context.Context, tenantID uuid.UUID) (lifecycle.State, error)
	AdvanceLifecycleState(ctx context.Context, tenantID uuid.UUID, next lifecycle.State) (ledger.Transition, error)
}

// Gate decides tenant opt-in. *gate.Gate implements it.
type Gate interface {
	IsEnabled(ctx context.Context, tenantID uuid.UUID, rule rules.Rule) (bool, error)
}

// Dispatcher sends one notification. *dispatch.Dispatcher implements it.
type Dispatcher interface {
	Send(ctx context.Context, n dispatch.Notification) (dispatch.Result, error)
}

// EventPublisher announces recorded deliveries. *sns.Publisher implements it.
type EventPublisher interface {
	PublishDelivery(ctx context.Context, ev sns.DeliveryEvent) (string, error)
}

// Deps are the scheduler's collaborators. Events is optional.
type Deps struct {
	Repo       Repository
	Ledger     Ledger
	Gate       Gate
	Dispatcher Dispatcher
	Clock      clock.Clock
	Events     EventPublisher
}

type Config struct {
	// DispatchInterval is the minimum spacing between sends. Negative
	// disables throttling.
	DispatchInterval time.Duration
	// Concurrency bounds entities evaluated in parallel.
	Concurrency int
	// GraceLookbackDays limits how far back the grace job looks for expired
	// subscriptions. Zero means no limit.
	GraceLookbackDays int
	// RecordTimeout bounds ledger writes after a successful send.
	RecordTimeout time.Duration
}

// Scheduler evaluates jobs. It holds no state between runs.
type Scheduler struct {
	deps     Deps
	jobs     map[string]resolvedJob
	order    []string
	config   Config
	throttle *rate.Limiter
	logger   *zap.Logger
}

// New validates jobs and builds a scheduler.
func New(deps Deps, jobs []Job, cfg Config, logger *zap.Logger) (*Scheduler, error) {
	if deps.Repo == nil || deps.Ledger == nil || deps.Gate == nil || deps.Dispatcher == nil || deps.Clock == nil {
		return nil, fmt.Errorf("scheduler: repository, ledger, gate, dispatcher and clock are required")
	}

	byName, order, err := resolveJobs(jobs)
	if err != nil {
		return nil, err
	}

	if cfg.DispatchInterval == 0 {
		cfg.DispatchInterval = time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.RecordTimeout <= 0 {
		cfg.RecordTimeout = 5 * time.Second
	}

	limit := rate.Inf
	if cfg.DispatchInterval > 0 {
		limit = rate.Every(cfg.DispatchInterval)
	}

	return &Scheduler{
		deps:     deps,
		jobs:     byName,
		order:    order,
		config:   cfg,
		throttle: rate.NewLimiter(limit, 1),
		logger:   logger,
	}, nil
}

// Jobs returns the registered jobs in registration order.
func (s *Scheduler) Jobs() []Job {
	out := make([]Job, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.jobs[name].Job)
	}
	return out
}

// Outcomes of evaluating one entity.
const (
	OutcomeSent             = "sent"
	OutcomeGated            = "gated"
	OutcomeGateError        = "gate_error"
	OutcomeAlreadyDelivered = "already_delivered"
	OutcomeDuplicate        = "duplicate_record"
	OutcomeLedgerError      = "ledger_error"
	OutcomeRepositoryError  = "repository_error"
	OutcomeTenantInactive   = "tenant_inactive"
	OutcomeLifecycleSkip    = "lifecycle_skip"
	OutcomeWebhookHandled   = "webhook_handled"
	OutcomeConfigMissing    = "config_missing"
	OutcomeMalformed        = "malformed"
	OutcomeTransient        = "transient"
	OutcomeCancelled        = "cancelled"
	OutcomePanic            = "panic"
)

// RuleReport summarises one rule within a run.
type RuleReport struct {
	Rule       rules.RuleType
	Candidates int
	Malformed  int
	Ineligible int
	Outcomes   map[string]int
}

// Report summarises a job run.
type Report struct {
	Job      string
	Started  time.Time
	Duration time.Duration
	Rules    []RuleReport
}

// Count returns how many entities of rule ended with outcome.
func (r Report) Count(rule rules.RuleType, outcome string) int {
	for _, rr := range r.Rules {
		if rr.Rule == rule {
			return rr.Outcomes[outcome]
		}
	}
	return 0
}

// RunOnce executes job immediately. A candidate fetch failure aborts the run
// with ErrRepositoryUnavailable; per-entity failures only show up in the
// report.
func (s *Scheduler) RunOnce(ctx context.Context, job string) (Report, error) {
	j, ok := s.jobs[job]
	if !ok {
		return Report{}, fmt.Errorf("%w: %s", ErrUnknownJob, job)
	}

	now := s.deps.Clock.Now()
	report := Report{Job: job, Started: now}
	start := time.Now()
	log := s.logger.With(zap.String("job", job))
	log.Info("job run started", zap.Time("now", now))

	var runErr error
	for _, r := range j.rules {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}
		rr, err := s.runRule(ctx, log, r, now)
		report.Rules = append(report.Rules, rr)
		if err != nil {
			runErr = err
			break
		}
	}

	report.Duration = time.Since(start)
	outcome := "ok"
	if runErr != nil {
		outcome = "failed"
		log.Error("job run aborted", zap.Error(runErr), zap.Duration("duration", report.Duration))
	} else {
		log.Info("job run finished", zap.Duration("duration", report.Duration))
	}
	metrics.RecordTick(job, outcome, report.Duration)

	return report, runErr
}

func (s *Scheduler) runRule(ctx context.Context, log *zap.Logger, r rules.Rule, now time.Time) (RuleReport, error) {
	rr := RuleReport{Rule: r.Type, Outcomes: make(map[string]int)}
	log = log.With(zap.String("rule", string(r.Type)))

	cands, err := s.fetch(ctx, r, now)
	if err != nil {
		return rr, fmt.Errorf("%w: %s: %v", ErrRepositoryUnavailable, r.Type, err)
	}

	entities := make([]rules.Entity, len(cands))
	byKey := make(map[string]candidate, len(cands))
	for i, c := range cands {
		entities[i] = c.entity
		byKey[c.entity.Key] = c
	}

	sel := rules.Select(r, s.deps.Clock, now, entities)
	rr.Candidates = len(sel.Matched)
	rr.Malformed = sel.Malformed
	rr.Ineligible = sel.Ineligible
	metrics.RecordCandidates(string(r.Type), len(sel.Matched), sel.Malformed)

	if sel.Malformed > 0 {
		log.Warn("excluded malformed rows", zap.Int("count", sel.Malformed))
	}
	log.Debug("candidates selected", zap.Int("matched", len(sel.Matched)), zap.Int("fetched", len(cands)))

	var mu sync.Mutex
	tenants := newTenantCache(s.deps.Repo)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.Concurrency)

	for _, e := range sel.Matched {
		if gctx.Err() != nil {
			mu.Lock()
			rr.Outcomes[OutcomeCancelled]++
			mu.Unlock()
			continue
		}
		c := byKey[e.Key]
		g.Go(func() error {
			outcome := s.evaluateSafely(gctx, log, r, c, tenants, now)
			metrics.RecordEvaluation(string(r.Type), outcome)
			mu.Lock()
			rr.Outcomes[outcome]++
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return rr, nil
}

func (s *Scheduler) evaluateSafely(ctx context.Context, log *zap.Logger, r rules.Rule, c candidate, tenants *tenantCache, now time.Time) (outcome string) {
	log = log.With(
		zap.String("entity", c.entity.Key),
		zap.String("tenant_id", c.entity.TenantID.String()),
	)
	defer func() {
		if p := recover(); p != nil {
			log.Error("entity evaluation panicked",
				zap.Any("panic", p),
				zap.ByteString("stack", debug.Stack()),
			)
			outcome = OutcomePanic
		}
	}()

	switch r.Kind {
	case rules.KindAppointment:
		return s.evaluateReminder(ctx, log, r, c, tenants)
	case rules.KindSubscription:
		if r.DayMatch == rules.DayAtOrPast {
			return s.evaluateGrace(ctx, log, r, c)
		}
		return s.evaluatePreExpire(ctx, log, r, c)
	default:
		log.Error("rule has no evaluator", zap.String("kind", string(r.Kind)))
		return OutcomeMalformed
	}
}

// precheck runs the gate and the ledger pre-filter. It returns an outcome
// when the entity should be skipped.
func (s *Scheduler) precheck(ctx context.Context, log *zap.Logger, r rules.Rule, e rules.Entity) (string, bool) {
	enabled, err := s.deps.Gate.IsEnabled(ctx, e.TenantID, r)
	if err != nil {
		metrics.RecordGateLookupError()
		return OutcomeGateError, true
	}
	if !enabled {
		return OutcomeGated, true
	}

	delivered, err := s.deps.Ledger.HasDelivered(ctx, e.Key, string(r.Type))
	if err != nil {
		log.Warn("ledger check failed", zap.Error(err))
		return OutcomeLedgerError, true
	}
	if delivered {
		return OutcomeAlreadyDelivered, true
	}
	return "", false
}

func (s *Scheduler) evaluateReminder(ctx context.Context, log *zap.Logger, r rules.Rule, c candidate, tenants *tenantCache) string {
	if outcome, skip := s.precheck(ctx, log, r, c.entity); skip {
		return outcome
	}

	tenant, err := tenants.get(ctx, c.entity.TenantID)
	if err != nil {
		log.Warn("tenant lookup failed", zap.Error(err))
		return OutcomeRepositoryError
	}
	if !tenant.IsActive {
		return OutcomeTenantInactive
	}

	a := c.appointment
	n := dispatch.Notification{
		Rule:          r.Type,
		Kind:          r.Kind,
		EntityKey:     c.entity.Key,
		TenantID:      tenant.ID,
		TenantName:    tenant.Name,
		ServiceName:   a.ServiceName,
		ReferenceTime: a.StartsAt,
		Recipient: dispatch.Recipient{
			Name:  a.CustomerName,
			Phone: deref(a.CustomerPhone),
			Email: deref(a.CustomerEmail),
		},
		WhatsAppFrom: deref(tenant.WhatsAppSender),
	}

	return s.deliver(ctx, log, r, c.entity, n, "")
}

func (s *Scheduler) evaluatePreExpire(ctx context.Context, log *zap.Logger, r rules.Rule, c candidate) string {
	if outcome, skip := s.precheck(ctx, log, r, c.entity); skip {
		return outcome
	}

	state, err := s.deps.Ledger.ReadLifecycleState(ctx, c.entity.TenantID)
	if err != nil {
		log.Warn("lifecycle read failed", zap.Error(err))
		return OutcomeLedgerError
	}
	if v := lifecycle.Check(state, r.Stage); v != lifecycle.Allowed {
		log.Info("lifecycle does not allow notice",
			zap.String("state", state.String()),
			zap.Stringer("verdict", v),
		)
		return OutcomeLifecycleSkip
	}

	outcome := s.deliver(ctx, log, r, c.entity, subscriptionNotification(r, c), string(r.Stage))
	if outcome != OutcomeSent && outcome != OutcomeDuplicate {
		return outcome
	}

	s.advance(ctx, log, c.entity.TenantID, r.Stage)
	return outcome
}

func (s *Scheduler) evaluateGrace(ctx context.Context, log *zap.Logger, r rules.Rule, c candidate) string {
	if outcome, skip := s.precheck(ctx, log, r, c.entity); skip {
		return outcome
	}

	// The candidate row may predate a billing webhook that landed since the
	// list query; read the flag and the state together from a fresh row.
	tenant, err := s.deps.Repo.GetTenant(ctx, c.entity.TenantID)
	if err != nil {
		log.Warn("tenant reload failed", zap.Error(err))
		return OutcomeRepositoryError
	}
	state, err := lifecycle.Parse(deref(tenant.LastNotificationState))
	if err != nil {
		log.Warn("lifecycle read failed", zap.Error(err))
		return OutcomeLedgerError
	}
	if tenant.WebhookProcessed && state.IsTerminal() {
		log.Info("expiry already handled by billing webhook", zap.String("state", state.String()))
		return OutcomeWebhookHandled
	}

	applied, err := s.deps.Repo.DeactivateTenant(ctx, c.entity.TenantID)
	if err != nil {
		log.Warn("tenant deactivation failed", zap.Error(err))
		return OutcomeRepositoryError
	}
	if !applied {
		log.Info("deactivation skipped, billing webhook settled the tenant")
		return OutcomeWebhookHandled
	}

	s.advance(ctx, log, c.entity.TenantID, r.Stage)

	if state == lifecycle.StateExpiredWebhook {
		return OutcomeWebhookHandled
	}

	return s.deliver(ctx, log, r, c.entity, subscriptionNotification(r, c), string(r.Stage))
}

// deliver throttles, sends and records. The ledger write runs on a context
// detached from ctx so that shutdown cannot lose a record for a message that
// already went out.
func (s *Scheduler) deliver(ctx context.Context, log *zap.Logger, r rules.Rule, e rules.Entity, n dispatch.Notification, stage string) string {
	if err := s.throttle.Wait(ctx); err != nil {
		return OutcomeCancelled
	}

	res, err := s.deps.Dispatcher.Send(ctx, n)
	if err != nil {
		outcome := classifyDispatchError(err)
		log.Warn("dispatch failed", zap.String("outcome", outcome), zap.Error(err))
		return outcome
	}

	rec := db.DeliveryRecord{
		EntityKey: e.Key,
		RuleType:  string(r.Type),
		TenantID:  e.TenantID,
		Channel:   res.Channel,
		SentAt:    s.deps.Clock.Now(),
	}

	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.RecordTimeout)
	defer cancel()

	inserted, err := s.deps.Ledger.RecordDelivered(recordCtx, rec)
	if err != nil {
		log.Error("delivery sent but not recorded", zap.String("channel", res.Channel), zap.Error(err))
		return OutcomeLedgerError
	}
	if !inserted {
		log.Warn("delivery recorded concurrently by another run", zap.String("channel", res.Channel))
		return OutcomeDuplicate
	}

	log.Info("notification delivered",
		zap.String("channel", res.Channel),
		zap.Duration("latency", res.Duration),
	)
	s.publish(recordCtx, log, rec, stage)
	return OutcomeSent
}

func (s *Scheduler) advance(ctx context.Context, log *zap.Logger, tenantID uuid.UUID, next lifecycle.State) {
	advCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.RecordTimeout)
	defer cancel()

	t, err := s.deps.Ledger.AdvanceLifecycleState(advCtx, tenantID, next)
	if err != nil {
		log.Error("lifecycle advance failed", zap.String("to", string(next)), zap.Error(err))
		metrics.RecordLifecycleTransition(string(next), "error")
		return
	}
	metrics.RecordLifecycleTransition(string(next), t.Verdict.String())
}

func (s *Scheduler) publish(ctx context.Context, log *zap.Logger, rec db.DeliveryRecord, stage string) {
	if s.deps.Events == nil {
		return
	}
	_, err := s.deps.Events.PublishDelivery(ctx, sns.DeliveryEvent{
		TenantID:  rec.TenantID.String(),
		EntityID:  rec.EntityKey,
		RuleType:  rec.RuleType,
		Channel:   rec.Channel,
		SentAt:    rec.SentAt,
		Lifecycle: stage,
	})
	if err != nil {
		log.Warn("delivery event not published", zap.Error(err))
	}
}

func classifyDispatchError(err error) string {
	switch {
	case errors.Is(err, dispatch.ErrConfigurationMissing):
		return OutcomeConfigMissing
	case errors.Is(err, dispatch.ErrMalformedEntity):
		return OutcomeMalformed
	case errors.Is(err, context.Canceled):
		return OutcomeCancelled
	default:
		return OutcomeTransient
	}
}

func subscriptionNotification(r rules.Rule, c candidate) dispatch.Notification {
	t := c.tenant
	return dispatch.Notification{
		Rule:          r.Type,
		Kind:          r.Kind,
		EntityKey:     c.entity.Key,
		TenantID:      t.ID,
		TenantName:    t.Name,
		ReferenceTime: c.entity.ReferenceTime,
		Recipient: dispatch.Recipient{
			Name:  t.Name,
			Email: deref(t.OwnerEmail),
		},
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
