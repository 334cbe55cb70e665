// Package redis provides the Redis client plus the scheduler's cross-replica
// coordination helpers: a per-tick lock and an outbound send limiter.
package redis

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultKeyPrefix namespaces every key the scheduler writes.
const DefaultKeyPrefix = "nudge"

// Config holds Redis connection settings.
type Config struct {
	Host     string
	Port     int
	Password string
	DB       int

	// KeyPrefix defaults to DefaultKeyPrefix.
	KeyPrefix string
}

// Addr returns host:port.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// options sizes the pool for a handful of calls per tick: lock claims and
// limiter checks. Timeouts stay short because every caller fails open.
func (c Config) options() *redis.Options {
	return &redis.Options{
		Addr:         c.Addr(),
		Password:     c.Password,
		DB:           c.DB,
		PoolSize:     8,
		MinIdleConns: 1,
		PoolTimeout:  2 * time.Second,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	}
}

// Client wraps the go-redis client with a key namespace.
type Client struct {
	rdb    *redis.Client
	prefix string
	logger *zap.Logger
}

// New connects and pings. The returned error leaves the caller to decide
// whether to continue without Redis.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Client, error) {
	rdb := redis.NewClient(cfg.options())

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr(), err)
	}

	logger.Info("redis connection established",
		zap.String("addr", cfg.Addr()),
		zap.Int("db", cfg.DB),
	)

	c := NewFromRedis(rdb, logger)
	if cfg.KeyPrefix != "" {
		c.prefix = cfg.KeyPrefix
	}
	return c, nil
}

// NewFromRedis wraps an existing go-redis client.
func NewFromRedis(rdb *redis.Client, logger *zap.Logger) *Client {
	return &Client{rdb: rdb, prefix: DefaultKeyPrefix, logger: logger}
}

func (c *Client) Close() error {
	return c.rdb.Close()
}

// Health reports Redis readiness.
func (c *Client) Health(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// TotalConns reports the pool's open connection count.
func (c *Client) TotalConns() int {
	return int(c.rdb.PoolStats().TotalConns)
}

// key joins parts under the client's prefix, e.g. nudge:ticklock:reminders:1754553600.
func (c *Client) key(parts ...string) string {
	return c.prefix + ":" + strings.Join(parts, ":")
}
