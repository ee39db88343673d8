package presence

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultConnectLimit  = 20
	DefaultConnectWindow = time.Minute
)

// ConnectLimiter bounds connection attempts per identity.
type ConnectLimiter interface {
	Admit(ctx context.Context, userID string) (bool, error)
}

// WindowLimiter counts attempts in fixed, wall-clock aligned windows. When the
// aligned window changes the whole counter map is discarded, so a burst that
// straddles a rollover can exceed the ceiling once.
type WindowLimiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu          sync.Mutex
	windowStart time.Time
	counts      map[string]int
}

// NewWindowLimiter returns a limiter admitting limit attempts per window.
// Non-positive values fall back to 20 per minute.
func NewWindowLimiter(limit int, window time.Duration) *WindowLimiter {
	if limit <= 0 {
		limit = DefaultConnectLimit
	}
	if window <= 0 {
		window = DefaultConnectWindow
	}
	return &WindowLimiter{
		limit:  limit,
		window: window,
		now:    time.Now,
		counts: make(map[string]int),
	}
}

// WithClock replaces the time source. Used by tests.
func (l *WindowLimiter) WithClock(now func() time.Time) *WindowLimiter {
	l.now = now
	return l
}

func (l *WindowLimiter) Admit(_ context.Context, userID string) (bool, error) {
	start := l.now().Truncate(l.window)

	l.mu.Lock()
	defer l.mu.Unlock()
	if !start.Equal(l.windowStart) {
		l.windowStart = start
		l.counts = make(map[string]int)
	}
	l.counts[userID]++
	return l.counts[userID] <= l.limit, nil
}

// RedisWindowLimiter applies the same fixed windows through Redis so several
// gateway processes share one ceiling.
type RedisWindowLimiter struct {
	client redis.UniversalClient
	limit  int
	window time.Duration
	prefix string
	now    func() time.Time
}

func NewRedisWindowLimiter(client redis.UniversalClient, limit int, window time.Duration) *RedisWindowLimiter {
	if limit <= 0 {
		limit = DefaultConnectLimit
	}
	if window <= 0 {
		window = DefaultConnectWindow
	}
	return &RedisWindowLimiter{
		client: client,
		limit:  limit,
		window: window,
		prefix: "pulse:connect",
		now:    time.Now,
	}
}

// WithClock replaces the time source. Used by tests.
func (l *RedisWindowLimiter) WithClock(now func() time.Time) *RedisWindowLimiter {
	l.now = now
	return l
}

// WithPrefix namespaces the counter keys so one Redis can hold several
// limiters.
func (l *RedisWindowLimiter) WithPrefix(prefix string) *RedisWindowLimiter {
	if prefix = strings.TrimSpace(prefix); prefix != "" {
		l.prefix = prefix
	}
	return l
}

func (l *RedisWindowLimiter) Admit(ctx context.Context, userID string) (bool, error) {
	start := l.now().Truncate(l.window)
	key := fmt.Sprintf("%s:%s:%d", l.prefix, strings.TrimSpace(userID), start.Unix())

	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireAt(ctx, key, start.Add(l.window))
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("connect limiter: %w", err)
	}
	return incr.Val() <= int64(l.limit), nil
}
