package ratelimit

import (
	"context"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenBucket(t *testing.T) {
	bucket := NewTokenBucket(2, 5) // 2 tokens per second, capacity of 5

	for i := 0; i < 5; i++ {
		assert.True(t, bucket.Allow(), "initial request %d should be allowed", i)
	}
	assert.False(t, bucket.Allow(), "bucket should be empty")

	time.Sleep(1100 * time.Millisecond)

	assert.True(t, bucket.Allow(), "refilled token")
	assert.True(t, bucket.Allow(), "second refilled token")
	assert.False(t, bucket.Allow(), "only two tokens refill per second")
}

func TestTokenBucketZeroCapacity(t *testing.T) {
	bucket := NewTokenBucket(1, 0)
	assert.True(t, bucket.Allow(), "capacity is clamped to one")
	assert.False(t, bucket.Allow())
}

func TestRateLimiterPerClient(t *testing.T) {
	rl := NewRateLimiter(0, 2, 3) // global disabled; per-client 2/s; burst 3
	client := "10.0.0.1"

	for i := 0; i < 3; i++ {
		assert.True(t, rl.AllowConnection(client), "burst connection %d", i)
	}
	assert.False(t, rl.AllowConnection(client), "per-client limit reached")
	assert.True(t, rl.AllowConnection("10.0.0.2"), "other clients have their own bucket")
}

func TestRateLimiterWithGlobalLimits(t *testing.T) {
	rl := NewRateLimiter(2, 0, 2)

	assert.True(t, rl.AllowConnection("a"))
	assert.True(t, rl.AllowConnection("b"))
	assert.False(t, rl.AllowConnection("a"), "global limit applies across clients")
	assert.Equal(t, 0, rl.Clients(), "no per-client buckets when the client rate is disabled")
}

func TestRateLimiterCleanup(t *testing.T) {
	c := require.New(t)
	rl := NewRateLimiter(0, 1, 1)

	rl.AllowConnection("client1")
	rl.AllowConnection("client2")
	c.Equal(2, rl.Clients())

	rl.mu.Lock()
	rl.perClient["client2"].lastUsed = time.Now().Add(-time.Hour)
	rl.mu.Unlock()

	c.Equal(1, rl.CleanupIdle(time.Minute))
	c.Equal(1, rl.Clients())
	rl.mu.Lock()
	_, kept := rl.perClient["client1"]
	rl.mu.Unlock()
	c.True(kept, "recently used bucket survives")
}

func TestRateLimiterRunCleanupStopsWithContext(t *testing.T) {
	rl := NewRateLimiter(0, 1, 1)
	rl.AllowConnection("client1")
	rl.mu.Lock()
	rl.perClient["client1"].lastUsed = time.Now().Add(-time.Hour)
	rl.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		rl.RunCleanup(ctx, 10*time.Millisecond, time.Minute)
		close(done)
	}()

	require.Eventually(t, func() bool { return rl.Clients() == 0 }, time.Second, 10*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("cleanup loop did not stop")
	}
}

func TestRateLimiterDisabled(t *testing.T) {
	rl := NewRateLimiter(0, 0, 5)
	assert.False(t, rl.Enabled())
	for i := 0; i < 100; i++ {
		ok, err := rl.Allow(context.Background(), "client")
		require.NoError(t, err)
		require.True(t, ok, "connection %d should be allowed when limits are disabled", i)
	}
}

func TestRedisLimiter(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	c := require.New(t)
	rl, err := NewRedisLimiter(addr, os.Getenv("REDIS_PASSWORD"), 0, 0, 2, 1)
	c.NoError(err)
	defer rl.Close()

	// pin the window so the test does not straddle a second boundary
	fixed := time.Now()
	rl.now = func() time.Time { return fixed }
	client := "test-" + strconv.FormatInt(fixed.UnixNano(), 10)

	for i := 0; i < 3; i++ {
		ok, err := rl.Allow(context.Background(), client)
		c.NoError(err)
		c.True(ok, "attempt %d within rate+burst", i)
	}
	ok, err := rl.Allow(context.Background(), client)
	c.NoError(err)
	c.False(ok, "fourth attempt in the same window is rejected")
}
