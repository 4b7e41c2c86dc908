package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
)

func newTestPresence(t *testing.T) (PresenceCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewRedisPresence(rdb), mr
}

func TestPresenceAddAndList(t *testing.T) {
	p, _ := newTestPresence(t)
	ctx := context.Background()

	if err := p.AddMember(ctx, "d1", 1, "ada", time.Minute); err != nil {
		t.Fatalf("AddMember() error = %v", err)
	}
	if err := p.AddMember(ctx, "d1", 2, "grace", time.Minute); err != nil {
		t.Fatalf("AddMember() error = %v", err)
	}

	members, err := p.AliveMembers(ctx, "d1")
	if err != nil {
		t.Fatalf("AliveMembers() error = %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("got %d members, want 2", len(members))
	}
	byID := make(map[uint64]string, len(members))
	for _, m := range members {
		byID[m.UserID] = m.DisplayName
	}
	if byID[1] != "ada" || byID[2] != "grace" {
		t.Fatalf("members = %v", byID)
	}
}

func TestPresenceExpiredMembersPruned(t *testing.T) {
	p, _ := newTestPresence(t)
	ctx := context.Background()

	if err := p.AddMember(ctx, "d1", 1, "ada", time.Minute); err != nil {
		t.Fatalf("AddMember() error = %v", err)
	}
	// Logical expiry already in the past.
	if err := p.AddMember(ctx, "d1", 2, "grace", -time.Minute); err != nil {
		t.Fatalf("AddMember() error = %v", err)
	}

	members, err := p.AliveMembers(ctx, "d1")
	if err != nil {
		t.Fatalf("AliveMembers() error = %v", err)
	}
	if len(members) != 1 || members[0].UserID != 1 {
		t.Fatalf("members = %v, want only user 1", members)
	}
}

func TestPresenceRefreshExtendsTTL(t *testing.T) {
	p, _ := newTestPresence(t)
	ctx := context.Background()

	if err := p.AddMember(ctx, "d1", 1, "ada", -time.Minute); err != nil {
		t.Fatalf("AddMember() error = %v", err)
	}
	// Heartbeat re-adds with a fresh expiry before the pruner runs.
	if err := p.AddMember(ctx, "d1", 1, "ada", time.Minute); err != nil {
		t.Fatalf("AddMember() error = %v", err)
	}

	members, err := p.AliveMembers(ctx, "d1")
	if err != nil {
		t.Fatalf("AliveMembers() error = %v", err)
	}
	if len(members) != 1 {
		t.Fatalf("refreshed member was pruned, members = %v", members)
	}
}

func TestPresenceRemoveMember(t *testing.T) {
	p, _ := newTestPresence(t)
	ctx := context.Background()

	if err := p.AddMember(ctx, "d1", 1, "ada", time.Minute); err != nil {
		t.Fatalf("AddMember() error = %v", err)
	}
	if err := p.SetCursor(ctx, "d1", 1, []byte(`{"position":3}`), time.Minute); err != nil {
		t.Fatalf("SetCursor() error = %v", err)
	}
	if err := p.RemoveMember(ctx, "d1", 1); err != nil {
		t.Fatalf("RemoveMember() error = %v", err)
	}

	members, err := p.AliveMembers(ctx, "d1")
	if err != nil {
		t.Fatalf("AliveMembers() error = %v", err)
	}
	if len(members) != 0 {
		t.Fatalf("removed member still listed: %v", members)
	}
	if _, err := p.GetCursor(ctx, "d1", 1); err != redis.Nil {
		t.Fatalf("GetCursor() after remove error = %v, want redis.Nil", err)
	}
}

func TestPresenceCursorRoundtrip(t *testing.T) {
	p, mr := newTestPresence(t)
	ctx := context.Background()

	data := []byte(`{"position":7,"color":"#f00"}`)
	if err := p.SetCursor(ctx, "d1", 1, data, time.Minute); err != nil {
		t.Fatalf("SetCursor() error = %v", err)
	}
	got, err := p.GetCursor(ctx, "d1", 1)
	if err != nil {
		t.Fatalf("GetCursor() error = %v", err)
	}
	if string(got) != string(data) {
		t.Fatalf("cursor = %s, want %s", got, data)
	}

	mr.FastForward(2 * time.Minute)
	if _, err := p.GetCursor(ctx, "d1", 1); err != redis.Nil {
		t.Fatalf("GetCursor() after TTL error = %v, want redis.Nil", err)
	}
}

func TestPresenceRoomsAreIsolated(t *testing.T) {
	p, _ := newTestPresence(t)
	ctx := context.Background()

	if err := p.AddMember(ctx, "d1", 1, "ada", time.Minute); err != nil {
		t.Fatalf("AddMember() error = %v", err)
	}
	members, err := p.AliveMembers(ctx, "d2")
	if err != nil {
		t.Fatalf("AliveMembers() error = %v", err)
	}
	if len(members) != 0 {
		t.Fatalf("presence leaked across rooms: %v", members)
	}
}
