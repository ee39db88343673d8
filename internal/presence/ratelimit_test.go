package presence

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWindowLimiterRejectsBeyondCeiling(t *testing.T) {
	clock := newFakeClock(time.Date(2024, 5, 1, 10, 0, 5, 0, time.UTC))
	limiter := NewWindowLimiter(3, time.Minute).WithClock(clock.Now)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := limiter.Admit(ctx, "alice")
		require.NoError(t, err)
		assert.True(t, ok, "attempt %d", i+1)
	}
	ok, _ := limiter.Admit(ctx, "alice")
	assert.False(t, ok, "fourth attempt in the window")

	ok, _ = limiter.Admit(ctx, "bob")
	assert.True(t, ok, "limits are per identity")

	clock.Advance(50 * time.Second)
	ok, _ = limiter.Admit(ctx, "alice")
	assert.False(t, ok, "still inside the aligned window")

	clock.Advance(5 * time.Second)
	ok, _ = limiter.Admit(ctx, "alice")
	assert.True(t, ok, "window rolled over at the minute boundary")
}

func TestWindowLimiterResetsWholeMap(t *testing.T) {
	clock := newFakeClock(time.Date(2024, 5, 1, 10, 0, 59, 0, time.UTC))
	limiter := NewWindowLimiter(1, time.Minute).WithClock(clock.Now)
	ctx := context.Background()

	ok, _ := limiter.Admit(ctx, "alice")
	assert.True(t, ok)

	clock.Advance(time.Second)
	ok, _ = limiter.Admit(ctx, "alice")
	assert.True(t, ok, "burst at rollover is admitted")
	assert.Len(t, limiter.counts, 1)
}

func TestWindowLimiterDefaults(t *testing.T) {
	limiter := NewWindowLimiter(0, 0)
	assert.Equal(t, DefaultConnectLimit, limiter.limit)
	assert.Equal(t, DefaultConnectWindow, limiter.window)
}

func TestRedisWindowLimiter(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	base := time.Now().Truncate(time.Minute).Add(time.Second)
	srv.SetTime(base)
	clock := newFakeClock(base)
	limiter := NewRedisWindowLimiter(client, 2, time.Minute).WithClock(clock.Now)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := limiter.Admit(ctx, "alice")
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := limiter.Admit(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, ok)

	key := fmt.Sprintf("pulse:connect:alice:%d", base.Truncate(time.Minute).Unix())
	assert.True(t, srv.Exists(key))
	assert.Greater(t, srv.TTL(key), time.Duration(0))

	clock.Advance(time.Minute)
	srv.SetTime(clock.Now())
	ok, err = limiter.Admit(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, ok, "next window uses a fresh key")
}

func TestRedisWindowLimiterSurfacesErrors(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	srv.Close()

	ok, err := NewRedisWindowLimiter(client, 1, time.Minute).Admit(context.Background(), "alice")
	assert.Error(t, err)
	assert.False(t, ok)
}

