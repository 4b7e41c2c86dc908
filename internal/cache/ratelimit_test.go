package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
)

func newTestLimiter(t *testing.T, limits map[string]WindowLimit) (RateLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewRedisLimiter(rdb, limits), mr
}

func TestLimiterAllowsUpToMax(t *testing.T) {
	l, _ := newTestLimiter(t, map[string]WindowLimit{
		ScopeConnect: {Max: 3, Window: time.Minute},
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, ScopeConnect, "10.0.0.1")
		if err != nil || !ok {
			t.Fatalf("attempt %d: Allow() = (%v, %v), want allowed", i+1, ok, err)
		}
	}
	ok, err := l.Allow(ctx, ScopeConnect, "10.0.0.1")
	if err != nil {
		t.Fatalf("Allow() error = %v", err)
	}
	if ok {
		t.Fatalf("fourth attempt in the window was allowed")
	}
}

func TestLimiterWindowResets(t *testing.T) {
	l, mr := newTestLimiter(t, map[string]WindowLimit{
		ScopeJoin: {Max: 1, Window: time.Second},
	})
	ctx := context.Background()

	if ok, _ := l.Allow(ctx, ScopeJoin, "7"); !ok {
		t.Fatalf("first attempt denied")
	}
	if ok, _ := l.Allow(ctx, ScopeJoin, "7"); ok {
		t.Fatalf("second attempt in the window allowed")
	}

	mr.FastForward(2 * time.Second)
	if ok, _ := l.Allow(ctx, ScopeJoin, "7"); !ok {
		t.Fatalf("attempt after window expiry denied")
	}
}

func TestLimiterSubjectsAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(t, map[string]WindowLimit{
		ScopeConnect: {Max: 1, Window: time.Minute},
	})
	ctx := context.Background()

	if ok, _ := l.Allow(ctx, ScopeConnect, "10.0.0.1"); !ok {
		t.Fatalf("first subject denied")
	}
	if ok, _ := l.Allow(ctx, ScopeConnect, "10.0.0.2"); !ok {
		t.Fatalf("independent subject shared a counter")
	}
}

func TestLimiterUnconfiguredScopePasses(t *testing.T) {
	l, _ := newTestLimiter(t, map[string]WindowLimit{})
	if ok, err := l.Allow(context.Background(), "edit", "7"); !ok || err != nil {
		t.Fatalf("Allow() = (%v, %v), want pass-through", ok, err)
	}
}

func TestLimiterFailsOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	l := NewRedisLimiter(rdb, map[string]WindowLimit{
		ScopeConnect: {Max: 1, Window: time.Minute},
	})
	mr.Close()
	rdb.Close()

	ok, err := l.Allow(context.Background(), ScopeConnect, "10.0.0.1")
	if !ok {
		t.Fatalf("limiter outage blocked the request")
	}
	if err == nil {
		t.Fatalf("expected the transport error to surface alongside the allow")
	}
}
