package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RateLimitConfig defines rate limiting parameters.
type RateLimitConfig struct {
	Limit  int           // Maximum events allowed
	Window time.Duration // Time window for the limit
}

// RateLimitResult contains the result of a rate limit check.
type RateLimitResult struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// slidingWindow trims, counts and conditionally adds in one round trip so
// replicas cannot both take the last slot.
var slidingWindow = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local n = tonumber(ARGV[4])
local member = ARGV[5]

redis.call('ZREMRANGEBYSCORE', key, 0, now - window)
local count = redis.call('ZCARD', key)
if count + n > limit then
	return {0, math.max(0, limit - count)}
end
for i = 1, n do
	redis.call('ZADD', key, now + i - 1, member .. '-' .. i)
end
redis.call('PEXPIRE', key, math.floor(window / 1000) + 1000)
return {1, limit - count - n}
`)

// RateLimiter implements sliding window rate limiting using Redis sorted sets.
type RateLimiter struct {
	client *Client
	logger *zap.Logger
	config RateLimitConfig
	now    func() time.Time
}

// NewRateLimiter creates a new rate limiter with the given configuration.
func NewRateLimiter(client *Client, logger *zap.Logger, config RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		client: client,
		logger: logger,
		config: config,
		now:    time.Now,
	}
}

// Allow checks if one event is allowed under the rate limit.
func (r *RateLimiter) Allow(ctx context.Context, key string) (*RateLimitResult, error) {
	return r.AllowN(ctx, key, 1)
}

// AllowN checks if n events are allowed and records them if so.
func (r *RateLimiter) AllowN(ctx context.Context, key string, n int) (*RateLimitResult, error) {
	now := r.now()
	resetAt := now.Add(r.config.Window)

	vals, err := slidingWindow.Run(ctx, r.client.rdb,
		[]string{r.client.key("ratelimit", key)},
		now.UnixMicro(),
		r.config.Window.Microseconds(),
		r.config.Limit,
		n,
		uuid.NewString(),
	).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("redis rate limit script failed: %w", err)
	}
	if len(vals) != 2 {
		return nil, fmt.Errorf("unexpected rate limit reply: %v", vals)
	}

	allowed := vals[0] == 1
	if !allowed {
		r.logger.Debug("rate limit exceeded",
			zap.String("key", key),
			zap.Int("limit", r.config.Limit),
		)
	}

	return &RateLimitResult{
		Allowed:   allowed,
		Limit:     r.config.Limit,
		Remaining: int(vals[1]),
		ResetAt:   resetAt,
	}, nil
}

// OutboundLimiter caps provider sends per channel across all replicas.
type OutboundLimiter struct {
	limiter *RateLimiter
}

// NewOutboundLimiter allows perMinute sends per channel per rolling minute.
func NewOutboundLimiter(client *Client, logger *zap.Logger, perMinute int) *OutboundLimiter {
	return &OutboundLimiter{
		limiter: NewRateLimiter(client, logger, RateLimitConfig{Limit: perMinute, Window: time.Minute}),
	}
}

// Allow reserves one send on channel.
func (o *OutboundLimiter) Allow(ctx context.Context, channel string) (bool, error) {
	res, err := o.limiter.Allow(ctx, "outbound:"+channel)
	if err != nil {
		return false, err
	}
	return res.Allowed, nil
}
