package cache

import (
	"context"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RateLimiter bounds connection establishment and JOIN storms. In-room
// EDIT traffic is deliberately not limited here; it is bounded by the
// per-connection outbound queues instead.
type RateLimiter interface {
	Allow(ctx context.Context, scope, subject string) (bool, error)
}

const (
	ScopeConnect = "connect"
	ScopeJoin    = "join"
)

type WindowLimit struct {
	Max    int64
	Window time.Duration
}

type redisLimiter struct {
	rdb    *redis.Client
	limits map[string]WindowLimit
}

func NewRedisLimiter(rdb *redis.Client, limits map[string]WindowLimit) RateLimiter {
	return &redisLimiter{rdb: rdb, limits: limits}
}

// incrScript bumps the fixed-window counter and sets the window expiry on
// first use, atomically.
var incrScript = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return n
`)

func (l *redisLimiter) Allow(ctx context.Context, scope, subject string) (bool, error) {
	limit, ok := l.limits[scope]
	if !ok || limit.Max <= 0 {
		return true, nil
	}
	n, err := incrScript.Run(ctx, l.rdb, []string{limitKey(scope, subject)}, limit.Window.Milliseconds()).Int64()
	if err != nil {
		// Limiter outages must not take collaboration down with them.
		return true, err
	}
	return n <= limit.Max, nil
}

// NopLimiter allows everything; used when redis is not configured.
type NopLimiter struct{}

func (NopLimiter) Allow(context.Context, string, string) (bool, error) { return true, nil }
