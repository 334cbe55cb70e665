package main

import (
	"context"
	"fmt"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"go.uber.org/zap"

	"github.com/lalithlochan/nudge/internal/api"
	"github.com/lalithlochan/nudge/internal/billing"
	"github.com/lalithlochan/nudge/internal/circuitbreaker"
	"github.com/lalithlochan/nudge/internal/clock"
	"github.com/lalithlochan/nudge/internal/config"
	"github.com/lalithlochan/nudge/internal/db"
	"github.com/lalithlochan/nudge/internal/dispatch"
	"github.com/lalithlochan/nudge/internal/gate"
	"github.com/lalithlochan/nudge/internal/ledger"
	"github.com/lalithlochan/nudge/internal/metrics"
	"github.com/lalithlochan/nudge/internal/observ"
	"github.com/lalithlochan/nudge/internal/redis"
	"github.com/lalithlochan/nudge/internal/scheduler"
	"github.com/lalithlochan/nudge/internal/sns"
	"github.com/lalithlochan/nudge/internal/sqs"
)

// app holds the process-wide components shared by the commands.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	db       *db.DB
	redis    *redis.Client // nil when disabled or unreachable
	billing  *billing.Service
	consumer *sqs.Consumer // nil without a billing queue
	sched    *scheduler.Scheduler
}

func newApp(ctx context.Context, opts *rootOptions) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	logger.Info("starting nudge scheduler",
		zap.String("env", cfg.Env),
		zap.String("timezone", cfg.BusinessTimezone),
		zap.Bool("dry_run", opts.dryRun),
	)

	a := &app{cfg: cfg, logger: logger}
	if err := a.init(ctx, opts); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) init(ctx context.Context, opts *rootOptions) error {
	cfg, logger := a.cfg, a.logger

	businessClock, err := clock.NewBusiness(cfg.BusinessTimezone)
	if err != nil {
		return err
	}

	a.db, err = db.New(ctx, dbConfig(cfg, "nudge-scheduler"), logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	repo := db.NewRepository(a.db, logger)

	if cfg.RedisEnabled {
		a.redis, err = redis.New(ctx, redis.Config{
			Host:     cfg.RedisHost,
			Port:     cfg.RedisPort,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, logger)
		if err != nil {
			logger.Warn("redis unavailable, tick lock and outbound limit disabled",
				zap.Error(err),
				zap.String("host", cfg.RedisHost),
			)
			a.redis = nil
		}
	}

	sender, err := a.buildSender(ctx, opts.dryRun)
	if err != nil {
		return err
	}

	composer, err := dispatch.NewTemplateComposer(businessClock.Location())
	if err != nil {
		return fmt.Errorf("failed to build templates: %w", err)
	}

	dispatchCfg := dispatch.Config{
		Timeout:             cfg.DispatchTimeout,
		DefaultWhatsAppFrom: cfg.TwilioWhatsAppNumber,
	}
	if a.redis != nil && cfg.OutboundPerMinute > 0 {
		dispatchCfg.Limiter = redis.NewOutboundLimiter(a.redis, logger, cfg.OutboundPerMinute)
	}
	dispatcher := dispatch.New(sender, composer, dispatchCfg, logger)

	deps := scheduler.Deps{
		Repo:       repo,
		Ledger:     ledger.New(repo, logger),
		Gate:       gate.New(repo, logger),
		Dispatcher: dispatcher,
		Clock:      businessClock,
	}
	if cfg.SNSEventsTopicARN != "" {
		publisher, err := a.buildPublisher(ctx)
		if err != nil {
			logger.Warn("delivery events disabled", zap.Error(err))
		} else {
			deps.Events = publisher
		}
	}

	a.sched, err = scheduler.New(deps, configuredJobs(cfg), scheduler.Config{
		DispatchInterval:  cfg.DispatchInterval,
		Concurrency:       cfg.Concurrency,
		GraceLookbackDays: cfg.GraceLookbackDays,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to build scheduler: %w", err)
	}

	a.billing = billing.NewService(repo, logger)
	if cfg.SQSBillingQueue != "" {
		a.consumer, err = sqs.NewConsumer(ctx, sqs.Config{
			Region:   cfg.SQSRegion,
			QueueURL: cfg.SQSBillingQueue,
		}, a.billing, logger)
		if err != nil {
			logger.Warn("sqs billing consumer unavailable", zap.Error(err))
			a.consumer = nil
		}
	}

	return nil
}

// buildSender assembles one breaker-protected sender per configured channel.
func (a *app) buildSender(ctx context.Context, dryRun bool) (dispatch.Sender, error) {
	cfg, logger := a.cfg, a.logger

	if dryRun {
		logger.Info("dry run: messages are logged, not sent")
		return dispatch.NewLogSender(logger), nil
	}

	var senders []dispatch.Sender

	email, err := dispatch.NewSESSender(ctx, dispatch.SESConfig{
		Region:    cfg.AWSRegion,
		FromEmail: cfg.SESFromEmail,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create SES email sender: %w", err)
	}
	senders = append(senders, a.protect(db.ChannelEmail, email))

	smsEnabled := false
	sms, err := dispatch.NewSNSSender(ctx, dispatch.SNSConfig{Region: cfg.SNSRegion}, logger)
	if err != nil {
		logger.Warn("SNS sender unavailable, SMS notifications disabled", zap.Error(err))
	} else {
		senders = append(senders, a.protect(db.ChannelSMS, sms))
		smsEnabled = true
	}

	if cfg.TwilioEnabled() {
		wa, err := dispatch.NewWhatsAppSender(dispatch.TwilioConfig{
			AccountSID: cfg.TwilioAccountSID,
			AuthToken:  cfg.TwilioAuthToken,
			Timeout:    cfg.DispatchTimeout,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create WhatsApp sender: %w", err)
		}
		senders = append(senders, a.protect(db.ChannelWhatsApp, wa))
	}

	logger.Info("initialized notification channels",
		zap.Bool("email_enabled", true),
		zap.Bool("sms_enabled", smsEnabled),
		zap.Bool("whatsapp_enabled", cfg.TwilioEnabled()),
	)

	return dispatch.NewMultiSender(logger, senders...), nil
}

func (a *app) protect(channel string, s dispatch.Sender) dispatch.Sender {
	bc := circuitbreaker.DefaultConfig(channel)
	bc.OnStateChange = func(name string, to circuitbreaker.State) {
		metrics.SetCircuitState(name, int(to))
	}
	metrics.SetCircuitState(channel, int(circuitbreaker.StateClosed))
	return circuitbreaker.NewProtectedSender(s, circuitbreaker.New(bc, a.logger), a.logger)
}

func (a *app) buildPublisher(ctx context.Context) (*sns.Publisher, error) {
	if a.cfg.AWSEndpoint != "" {
		return sns.NewPublisherWithEndpoint(ctx, a.cfg.SNSEventsTopicARN, a.cfg.AWSEndpoint, a.cfg.SNSRegion)
	}
	return sns.NewPublisher(ctx, a.cfg.SNSEventsTopicARN, awsconfig.WithRegion(a.cfg.SNSRegion))
}

func (a *app) tickLocker() scheduler.TickLocker {
	if a.redis == nil {
		return nil
	}
	return redis.NewTickLock(a.redis, a.logger, redis.DefaultTickLockTTL)
}

func (a *app) apiConfig() api.Config {
	cfg := api.Config{
		Billing:       a.billing,
		WebhookSecret: a.cfg.WebhookSecret,
		Checks: map[string]api.HealthCheck{
			"postgres": a.db.Health,
		},
	}
	if a.redis != nil {
		cfg.Checks["redis"] = a.redis.Health
		cfg.Limiter = redis.NewRateLimiter(a.redis, a.logger, redis.RateLimitConfig{
			Limit:  a.cfg.WebhookRatePerMinute,
			Window: time.Minute,
		})
	}
	return cfg
}

// Close releases connections. It is safe on a partially built app.
func (a *app) Close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
	_ = a.logger.Sync()
}

// dbConfig maps loaded settings onto the pool config.
func dbConfig(cfg *config.Config, appName string) db.Config {
	return db.Config{
		URL:      cfg.DatabaseURL,
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
		MaxConns: int32(cfg.DBMaxConns),
		AppName:  appName,
	}
}
