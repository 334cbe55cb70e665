package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/lalithlochan/nudge/internal/metrics"
)

// TickLocker lets one replica claim a job tick. *redis.TickLock implements it.
type TickLocker interface {
	Acquire(ctx context.Context, job string, slot time.Time) (bool, error)
}

// Run schedules every job on its cron expression in the business timezone and
// blocks until ctx is cancelled. Runs still in flight are waited for before
// Run returns. locker may be nil.
func (s *Scheduler) Run(ctx context.Context, locker TickLocker) error {
	logger := cronLogger{s.logger.Sugar()}
	c := cron.New(
		cron.WithLocation(s.deps.Clock.Location()),
		cron.WithParser(cronParser),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)

	for _, name := range s.order {
		job := s.jobs[name]
		if _, err := c.AddFunc(job.Schedule, func() { s.tick(ctx, job.Name, locker) }); err != nil {
			return err
		}
		s.logger.Info("job scheduled",
			zap.String("job", job.Name),
			zap.String("schedule", job.Schedule),
			zap.Int("rules", len(job.rules)),
		)
	}

	c.Start()
	s.logger.Info("scheduler started", zap.String("timezone", s.deps.Clock.Location().String()))

	<-ctx.Done()
	s.logger.Info("scheduler stopping")
	<-c.Stop().Done()
	s.logger.Info("scheduler stopped")
	return nil
}

// tick runs one scheduled occurrence of job unless another replica already
// claimed the same minute.
func (s *Scheduler) tick(ctx context.Context, job string, locker TickLocker) {
	if ctx.Err() != nil {
		return
	}

	if locker != nil {
		slot := s.deps.Clock.Now().Truncate(time.Minute)
		ok, err := locker.Acquire(ctx, job, slot)
		if err != nil {
			s.logger.Warn("tick lock unavailable, running anyway", zap.String("job", job), zap.Error(err))
		}
		if !ok {
			metrics.RecordTickLockSkipped(job)
			s.logger.Debug("tick claimed by another replica", zap.String("job", job), zap.Time("slot", slot))
			return
		}
	}

	if _, err := s.RunOnce(ctx, job); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error("scheduled run failed", zap.String("job", job), zap.Error(err))
	}
}

// cronLogger routes cron's internal logging through zap.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
