package lease

import (
	"context"
	"testing"
	"time"

	"github.com/sessium/sessiond/internal/storage"
	"github.com/sessium/sessiond/internal/storage/memory"
)

func newManager(t *testing.T, store storage.Backend, ttl, renew time.Duration) *Manager {
	t.Helper()
	m, err := NewManager(ManagerConfig{Store: store, TTL: ttl, RenewInterval: renew})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return m
}

func TestAcquireConflict(t *testing.T) {
	store := memory.New()
	m := newManager(t, store, time.Minute, time.Second)
	ctx := context.Background()

	l, err := m.Acquire(ctx, "s1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer l.Release(ctx)

	if _, err := m.Acquire(ctx, "s1"); err != ErrHeld {
		t.Fatalf("expected ErrHeld, got %v", err)
	}
	if _, err := m.Acquire(ctx, "s2"); err != nil {
		t.Fatalf("acquire different name: %v", err)
	}
}

func TestRenewalOutlivesTTL(t *testing.T) {
	store := memory.New()
	m := newManager(t, store, 250*time.Millisecond, 50*time.Millisecond)
	ctx := context.Background()

	l, err := m.Acquire(ctx, "s1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer l.Release(ctx)

	// Hold across several TTL lifetimes; the renew loop must keep it alive.
	time.Sleep(700 * time.Millisecond)
	if !l.Held(ctx) {
		t.Fatalf("lease expired despite active renewal")
	}
	if _, err := m.Acquire(ctx, "s1"); err != ErrHeld {
		t.Fatalf("expected ErrHeld while renewed, got %v", err)
	}
}

func TestReleaseAllowsReacquire(t *testing.T) {
	store := memory.New()
	m := newManager(t, store, time.Minute, time.Second)
	ctx := context.Background()

	l, err := m.Acquire(ctx, "s1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	l.Release(ctx)
	if l.Held(ctx) {
		t.Fatalf("released lease still held")
	}
	// Release is idempotent.
	l.Release(ctx)

	l2, err := m.Acquire(ctx, "s1")
	if err != nil {
		t.Fatalf("reacquire after release: %v", err)
	}
	l2.Release(ctx)
}

func TestStaleReleaseDoesNotDestroyNewOwner(t *testing.T) {
	store := memory.New()
	m := newManager(t, store, time.Minute, time.Second)
	ctx := context.Background()

	l, err := m.Acquire(ctx, "s1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	// Takeover: the key now carries somebody else's token.
	if err := store.ApplyBatch(ctx, []storage.Op{{Key: Key("s1"), Value: []byte("other-token")}}); err != nil {
		t.Fatalf("takeover: %v", err)
	}
	if l.Held(ctx) {
		t.Fatalf("lease reports held after takeover")
	}
	l.Release(ctx)
	value, err := store.Get(ctx, Key("s1"))
	if err != nil {
		t.Fatalf("get lock key: %v", err)
	}
	if string(value) != "other-token" {
		t.Fatalf("stale release destroyed the new owner's lock: %q", value)
	}
}

func TestRenewLoopMarksLostAfterTakeover(t *testing.T) {
	store := memory.New()
	m := newManager(t, store, 250*time.Millisecond, 50*time.Millisecond)
	ctx := context.Background()

	l, err := m.Acquire(ctx, "s1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer l.Release(ctx)

	if err := store.ApplyBatch(ctx, []storage.Op{{Key: Key("s1"), Value: []byte("other-token")}}); err != nil {
		t.Fatalf("takeover: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for !l.Lost() {
		if time.Now().After(deadline) {
			t.Fatalf("renew loop never observed the takeover")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestExpiryAfterHolderStops(t *testing.T) {
	store := memory.New()
	m := newManager(t, store, 150*time.Millisecond, 50*time.Millisecond)
	ctx := context.Background()

	// A crashed holder leaves its token behind with a running TTL and no
	// renew loop.
	if err := store.SetNX(ctx, Key("s1"), []byte("crashed"), 100*time.Millisecond); err != nil {
		t.Fatalf("seed crashed holder: %v", err)
	}
	if _, err := m.Acquire(ctx, "s1"); err != ErrHeld {
		t.Fatalf("expected ErrHeld before expiry, got %v", err)
	}
	time.Sleep(150 * time.Millisecond)
	l, err := m.Acquire(ctx, "s1")
	if err != nil {
		t.Fatalf("acquire after passive expiry: %v", err)
	}
	l.Release(ctx)
}
