package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// DatabaseURL overrides the DB_* settings when set.
	DatabaseURL string
	DBMaxConns  int

	// Redis config. Redis backs the tick lock and the outbound limiter; both
	// degrade to running unguarded when it is disabled or unreachable.
	RedisEnabled  bool
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// AWS Services
	AWSRegion         string
	SESFromEmail      string
	SNSRegion         string // AWS region for SNS (SMS)
	SNSEventsTopicARN string // delivery events; empty disables publishing
	SQSRegion         string
	SQSBillingQueue   string // billing events; empty disables the consumer
	AWSEndpoint       string // LocalStack or other override for the events topic

	// Twilio WhatsApp
	TwilioAccountSID     string
	TwilioAuthToken      string
	TwilioWhatsAppNumber string

	// Scheduling
	BusinessTimezone  string
	ReminderSchedule  string
	PreExpireSchedule string
	GraceSchedule     string
	DispatchTimeout   time.Duration
	DispatchInterval  time.Duration
	Concurrency       int
	OutboundPerMinute int // 0 disables the shared outbound limit
	GraceLookbackDays int

	// Billing webhook
	WebhookSecret        string
	WebhookRatePerMinute int
}

// Load reads configuration from environment variables with sensible defaults.
// A .env file in the working directory is loaded first when present; real
// environment variables win over it.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		// Local postgres defaults
		DBHost:    "localhost",
		DBPort:    5432,
		DBUser:    "nudge",
		DBName:    "nudge",
		DBSSLMode: "disable",

		// Redis defaults
		RedisEnabled: true,
		RedisHost:    "localhost",
		RedisPort:    6379,

		AWSRegion:    "us-east-1",
		SESFromEmail: "noreply@nudge.local",

		BusinessTimezone:     "UTC",
		DispatchTimeout:      12 * time.Second,
		DispatchInterval:     time.Second,
		Concurrency:          1,
		GraceLookbackDays:    30,
		WebhookRatePerMinute: 60,
	}

	var err error

	if cfg.Port, err = envInt("HTTP_PORT", cfg.Port); err != nil {
		return nil, err
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}

	// Database config
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DBHost = host
	}

	if cfg.DBPort, err = envInt("DB_PORT", cfg.DBPort); err != nil {
		return nil, err
	}

	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DBUser = user
	}

	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DBPassword = password
	}

	if dbname := os.Getenv("DB_NAME"); dbname != "" {
		cfg.DBName = dbname
	}

	if sslmode := os.Getenv("DB_SSLMODE"); sslmode != "" {
		cfg.DBSSLMode = sslmode
	}

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")

	if cfg.DBMaxConns, err = envInt("DB_MAX_CONNS", cfg.DBMaxConns); err != nil {
		return nil, err
	}
	if cfg.DBMaxConns < 0 {
		return nil, fmt.Errorf("DB_MAX_CONNS must not be negative")
	}

	// Redis config
	if enabled := os.Getenv("REDIS_ENABLED"); enabled != "" {
		b, err := strconv.ParseBool(enabled)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_ENABLED: %w", err)
		}
		cfg.RedisEnabled = b
	}

	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.RedisHost = host
	}

	if cfg.RedisPort, err = envInt("REDIS_PORT", cfg.RedisPort); err != nil {
		return nil, err
	}

	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.RedisPassword = password
	}

	if cfg.RedisDB, err = envInt("REDIS_DB", cfg.RedisDB); err != nil {
		return nil, err
	}

	// AWS
	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.AWSRegion = region
	}

	if from := os.Getenv("SES_FROM_EMAIL"); from != "" {
		cfg.SESFromEmail = from
	}

	if region := os.Getenv("SNS_REGION"); region != "" {
		cfg.SNSRegion = region
	} else {
		cfg.SNSRegion = cfg.AWSRegion
	}

	cfg.SNSEventsTopicARN = os.Getenv("SNS_EVENTS_TOPIC_ARN")

	if region := os.Getenv("SQS_REGION"); region != "" {
		cfg.SQSRegion = region
	} else {
		cfg.SQSRegion = cfg.AWSRegion
	}

	cfg.SQSBillingQueue = os.Getenv("SQS_BILLING_QUEUE_URL")
	cfg.AWSEndpoint = os.Getenv("AWS_ENDPOINT_URL")

	// Twilio
	cfg.TwilioAccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	cfg.TwilioAuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	cfg.TwilioWhatsAppNumber = os.Getenv("TWILIO_WHATSAPP_NUMBER")

	// Scheduling
	if tz := os.Getenv("BUSINESS_TIMEZONE"); tz != "" {
		cfg.BusinessTimezone = tz
	}

	cfg.ReminderSchedule = os.Getenv("REMINDER_SCHEDULE")
	cfg.PreExpireSchedule = os.Getenv("PRE_EXPIRE_SCHEDULE")
	cfg.GraceSchedule = os.Getenv("GRACE_SCHEDULE")

	if cfg.DispatchTimeout, err = envDuration("DISPATCH_TIMEOUT", cfg.DispatchTimeout); err != nil {
		return nil, err
	}
	if cfg.DispatchTimeout <= 0 {
		return nil, fmt.Errorf("invalid DISPATCH_TIMEOUT: must be positive")
	}

	if cfg.DispatchInterval, err = envDuration("DISPATCH_INTERVAL", cfg.DispatchInterval); err != nil {
		return nil, err
	}

	if cfg.Concurrency, err = envInt("SCHEDULER_CONCURRENCY", cfg.Concurrency); err != nil {
		return nil, err
	}
	if cfg.Concurrency < 1 {
		return nil, fmt.Errorf("invalid SCHEDULER_CONCURRENCY: must be at least 1")
	}

	if cfg.OutboundPerMinute, err = envInt("OUTBOUND_LIMIT_PER_MINUTE", cfg.OutboundPerMinute); err != nil {
		return nil, err
	}

	if cfg.GraceLookbackDays, err = envInt("GRACE_LOOKBACK_DAYS", cfg.GraceLookbackDays); err != nil {
		return nil, err
	}

	// Billing webhook
	cfg.WebhookSecret = os.Getenv("WEBHOOK_SECRET")

	if cfg.WebhookRatePerMinute, err = envInt("WEBHOOK_RATE_PER_MINUTE", cfg.WebhookRatePerMinute); err != nil {
		return nil, err
	}

	return cfg, nil
}

// TwilioEnabled reports whether WhatsApp credentials are configured.
func (c *Config) TwilioEnabled() bool {
	return c.TwilioAccountSID != "" && c.TwilioAuthToken != ""
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
