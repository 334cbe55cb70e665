package redis

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultTickLockTTL covers the longest expected job run.
const DefaultTickLockTTL = 10 * time.Minute

// TickLock lets one replica claim a scheduled job run. It only saves work:
// the delivery ledger still rejects duplicates when two replicas both run.
type TickLock struct {
	client *Client
	logger *zap.Logger
	ttl    time.Duration
	owner  string
}

// NewTickLock creates a lock whose claims expire after ttl.
func NewTickLock(client *Client, logger *zap.Logger, ttl time.Duration) *TickLock {
	if ttl <= 0 {
		ttl = DefaultTickLockTTL
	}
	host, _ := os.Hostname()
	return &TickLock{
		client: client,
		logger: logger,
		ttl:    ttl,
		owner:  fmt.Sprintf("%s:%d", host, os.Getpid()),
	}
}

func (l *TickLock) buildKey(job string, slot time.Time) string {
	return l.client.key("ticklock", job, strconv.FormatInt(slot.UTC().Truncate(time.Minute).Unix(), 10))
}

// Acquire claims the run of job scheduled at slot. It returns false when
// another replica already holds it. When Redis is unreachable the claim is
// granted and the error returned for logging.
func (l *TickLock) Acquire(ctx context.Context, job string, slot time.Time) (bool, error) {
	key := l.buildKey(job, slot)

	set, err := l.client.rdb.SetNX(ctx, key, l.owner, l.ttl).Result()
	if err != nil {
		return true, fmt.Errorf("redis setnx failed: %w", err)
	}
	if !set {
		holder, herr := l.client.rdb.Get(ctx, key).Result()
		if herr != nil && herr != redis.Nil {
			holder = "unknown"
		}
		l.logger.Debug("tick already claimed",
			zap.String("job", job),
			zap.Time("slot", slot),
			zap.String("holder", holder),
		)
	}
	return set, nil
}
