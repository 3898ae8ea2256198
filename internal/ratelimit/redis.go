package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/matst80/websockify/internal/obs"
)

// RedisLimiter shares fixed one-second windows between relay instances. Each window is an
// INCR'd counter that expires shortly after the window ends.
type RedisLimiter struct {
	client     *redis.Client
	prefix     string
	globalRate int
	clientRate int
	burst      int
	now        func() time.Time
}

// NewRedisLimiter connects to redis and verifies it with a PING.
func NewRedisLimiter(addr, password string, db, globalRate, clientRate, burst int) (*RedisLimiter, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	obs.Info("ratelimit.backend", obs.Fields{"type": "redis", "addr": addr})
	return &RedisLimiter{
		client:     rdb,
		prefix:     "websockify:rl:",
		globalRate: globalRate,
		clientRate: clientRate,
		burst:      burst,
		now:        time.Now,
	}, nil
}

// Allow counts the attempt against the current window. The effective limit for a window is
// rate plus burst, so short spikes are tolerated the same way the token bucket does.
func (r *RedisLimiter) Allow(ctx context.Context, client string) (bool, error) {
	window := strconv.FormatInt(r.now().Unix(), 10)
	if r.globalRate > 0 {
		ok, err := r.hit(ctx, r.prefix+"global:"+window, r.globalRate+r.burst)
		if err != nil || !ok {
			return ok, err
		}
	}
	if r.clientRate > 0 {
		return r.hit(ctx, r.prefix+"client:"+client+":"+window, r.clientRate+r.burst)
	}
	return true, nil
}

func (r *RedisLimiter) hit(ctx context.Context, key string, limit int) (bool, error) {
	pipe := r.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, 2*time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("redis incr %s: %w", key, err)
	}
	return incr.Val() <= int64(limit), nil
}

func (r *RedisLimiter) Close() error { return r.client.Close() }

var _ Limiter = (*RedisLimiter)(nil)
