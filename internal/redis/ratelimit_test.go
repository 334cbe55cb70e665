package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type steppedClock struct{ t time.Time }

func (c *steppedClock) Now() time.Time          { return c.t }
func (c *steppedClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(t *testing.T, limit int, window time.Duration) (*RateLimiter, *steppedClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	clk := &steppedClock{t: time.Date(2025, 8, 7, 8, 0, 0, 0, time.UTC)}
	l := NewRateLimiter(NewFromRedis(rdb, zap.NewNop()), zap.NewNop(), RateLimitConfig{Limit: limit, Window: window})
	l.now = clk.Now
	return l, clk
}

func TestRateLimiter_WebhookBurst(t *testing.T) {
	tests := []struct {
		name          string
		limit         int
		deliveries    int
		wantAllowed   int
		wantRemaining int
	}{
		{"under_limit", 60, 10, 10, 50},
		{"exactly_limit", 5, 5, 5, 0},
		{"retry_storm", 3, 8, 3, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, _ := newTestLimiter(t, tt.limit, time.Minute)
			ctx := context.Background()

			allowed := 0
			var last *RateLimitResult
			for i := 0; i < tt.deliveries; i++ {
				res, err := l.Allow(ctx, "webhook:203.0.113.7")
				if err != nil {
					t.Fatalf("delivery %d: %v", i, err)
				}
				if res.Allowed {
					allowed++
				}
				last = res
			}

			if allowed != tt.wantAllowed {
				t.Errorf("allowed = %d, want %d", allowed, tt.wantAllowed)
			}
			if last.Remaining != tt.wantRemaining {
				t.Errorf("Remaining = %d, want %d", last.Remaining, tt.wantRemaining)
			}
			if last.Limit != tt.limit {
				t.Errorf("Limit = %d, want %d", last.Limit, tt.limit)
			}
		})
	}
}

func TestRateLimiter_KeysAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(t, 1, time.Minute)
	ctx := context.Background()

	for _, ip := range []string{"198.51.100.1", "198.51.100.2"} {
		res, err := l.Allow(ctx, "webhook:"+ip)
		if err != nil || !res.Allowed {
			t.Errorf("%s: allowed=%v err=%v", ip, res != nil && res.Allowed, err)
		}
	}
}

func TestRateLimiter_AllowNIsAllOrNothing(t *testing.T) {
	l, _ := newTestLimiter(t, 10, time.Minute)
	ctx := context.Background()

	if res, _ := l.AllowN(ctx, "batch", 7); !res.Allowed || res.Remaining != 3 {
		t.Fatalf("first batch = %+v", res)
	}
	res, _ := l.AllowN(ctx, "batch", 4)
	if res.Allowed {
		t.Fatal("batch larger than the remaining budget should be refused")
	}
	if res.Remaining != 3 {
		t.Errorf("refused batch consumed budget: Remaining = %d", res.Remaining)
	}
}

func TestRateLimiter_WindowSlides(t *testing.T) {
	l, clk := newTestLimiter(t, 2, time.Minute)
	ctx := context.Background()

	l.Allow(ctx, "k")
	clk.Advance(30 * time.Second)
	l.Allow(ctx, "k")

	if res, _ := l.Allow(ctx, "k"); res.Allowed {
		t.Fatal("third event inside the window should be blocked")
	}

	clk.Advance(31 * time.Second)
	res, _ := l.Allow(ctx, "k")
	if !res.Allowed {
		t.Fatal("first event left the window, a slot should be free")
	}
	if !res.ResetAt.Equal(clk.Now().Add(time.Minute)) {
		t.Errorf("ResetAt = %s", res.ResetAt)
	}
}

func TestOutboundLimiter_BudgetPerChannel(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	limiter := NewOutboundLimiter(NewFromRedis(rdb, zap.NewNop()), zap.NewNop(), 2)
	ctx := context.Background()

	sends := []struct {
		channel string
		want    bool
	}{
		{"whatsapp", true},
		{"whatsapp", true},
		{"whatsapp", false},
		{"email", true},
		{"sms", true},
		{"email", true},
		{"email", false},
	}
	for i, s := range sends {
		ok, err := limiter.Allow(ctx, s.channel)
		if err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
		if ok != s.want {
			t.Errorf("send %d on %s: allowed = %v, want %v", i, s.channel, ok, s.want)
		}
	}

	if !mr.Exists("nudge:ratelimit:outbound:whatsapp") {
		t.Error("expected namespaced outbound key")
	}
}

func TestOutboundLimiter_RedisDown(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	mr.Close()

	limiter := NewOutboundLimiter(NewFromRedis(rdb, zap.NewNop()), zap.NewNop(), 2)
	if _, err := limiter.Allow(context.Background(), "sms"); err == nil {
		t.Error("expected error when redis is unreachable")
	}
}
