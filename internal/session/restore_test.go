package session

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sessium/sessiond/internal/clock"
	"github.com/sessium/sessiond/internal/connector/connectortest"
	"github.com/sessium/sessiond/internal/credstore"
	"github.com/sessium/sessiond/internal/lease"
	"github.com/sessium/sessiond/internal/storage/memory"
)

func TestRestoreAllSkipsLockedSessions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if err := env.creds.Save(ctx, id, &credstore.Credentials{Registered: true}); err != nil {
			t.Fatalf("seed creds %s: %v", id, err)
		}
	}
	// d is known only through its token index.
	if err := env.creds.PutToken(ctx, "d", "tok-d"); err != nil {
		t.Fatalf("seed token: %v", err)
	}
	// b is already driven by a live process elsewhere.
	foreign, err := env.leases.Acquire(ctx, "b")
	if err != nil {
		t.Fatalf("foreign acquire: %v", err)
	}
	defer foreign.Release(ctx)

	restored := env.mgr.RestoreAll(ctx)

	want := []string{"a", "c", "d"}
	if len(restored) != len(want) {
		t.Fatalf("restored %v, want %v", restored, want)
	}
	for i := range want {
		if restored[i] != want[i] {
			t.Fatalf("restored %v, want %v", restored, want)
		}
	}
	if env.dialer.Dials() != 3 {
		t.Fatalf("expected 3 dials, got %d", env.dialer.Dials())
	}
	if _, err := env.mgr.Info("b"); err == nil {
		t.Fatalf("locked session was restored anyway")
	}
}

func TestRestoreAllPagesThroughManySessions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.mgr.SetRestorePolicy(2, 0, time.Millisecond)

	ids := []string{"s01", "s02", "s03", "s04", "s05", "s06", "s07"}
	for _, id := range ids {
		if err := env.creds.Save(ctx, id, &credstore.Credentials{Registered: true}); err != nil {
			t.Fatalf("seed creds %s: %v", id, err)
		}
	}
	restored := env.mgr.RestoreAll(ctx)
	if len(restored) != len(ids) {
		t.Fatalf("restored %d sessions, want %d", len(restored), len(ids))
	}
}

func TestRestoreAllIsolatesIndividualFailures(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if err := env.creds.Save(ctx, id, &credstore.Credentials{Registered: true}); err != nil {
			t.Fatalf("seed creds %s: %v", id, err)
		}
	}
	// The first candidate's dial fails; the others must still restore.
	env.dialer.DialErr = context.DeadlineExceeded

	restored := env.mgr.RestoreAll(ctx)
	if len(restored) != 2 || restored[0] != "b" || restored[1] != "c" {
		t.Fatalf("restored %v, want [b c]", restored)
	}
}

func TestRestoreOneRetriesContendedLock(t *testing.T) {
	// Real clock: the retry loop sleeps between attempts.
	clk := clock.Real{}
	store := memory.New()
	leases, err := lease.NewManager(lease.ManagerConfig{
		Store:         store,
		TTL:           10 * time.Hour,
		RenewInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("new lease manager: %v", err)
	}
	creds, err := credstore.New(credstore.Config{Backend: store})
	if err != nil {
		t.Fatalf("new credstore: %v", err)
	}
	dialer := connectortest.NewDialer()
	mgr, err := NewManager(Config{
		Leases:            leases,
		Creds:             creds,
		Dialer:            dialer,
		Store:             store,
		Clock:             clk,
		ReconnectMinDelay: 2 * time.Second,
		ReconnectMaxDelay: 30 * time.Second,
		Metrics:           NewMetrics(prometheus.NewRegistry()),
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	mgr.SetRestorePolicy(0, 5, 20*time.Millisecond)
	ctx := context.Background()

	if err := creds.Save(ctx, "s1", &credstore.Credentials{Registered: true}); err != nil {
		t.Fatalf("seed creds: %v", err)
	}
	foreign, err := leases.Acquire(ctx, "s1")
	if err != nil {
		t.Fatalf("foreign acquire: %v", err)
	}

	// The other process lets go mid-retry; a later attempt must win.
	go func() {
		time.Sleep(50 * time.Millisecond)
		foreign.Release(context.Background())
	}()

	if !mgr.restoreOne(ctx, "s1") {
		t.Fatalf("restore gave up despite the lock being released")
	}
}

func TestRestoreOneGivesUpAfterRetryBudget(t *testing.T) {
	clk := clock.Real{}
	store := memory.New()
	leases, err := lease.NewManager(lease.ManagerConfig{
		Store:         store,
		TTL:           10 * time.Hour,
		RenewInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("new lease manager: %v", err)
	}
	creds, err := credstore.New(credstore.Config{Backend: store})
	if err != nil {
		t.Fatalf("new credstore: %v", err)
	}
	dialer := connectortest.NewDialer()
	mgr, err := NewManager(Config{
		Leases:            leases,
		Creds:             creds,
		Dialer:            dialer,
		Store:             store,
		Clock:             clk,
		ReconnectMinDelay: 2 * time.Second,
		ReconnectMaxDelay: 30 * time.Second,
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	mgr.SetRestorePolicy(0, 2, time.Millisecond)
	ctx := context.Background()

	foreign, err := leases.Acquire(ctx, "s1")
	if err != nil {
		t.Fatalf("foreign acquire: %v", err)
	}
	defer foreign.Release(ctx)

	if mgr.restoreOne(ctx, "s1") {
		t.Fatalf("restore succeeded against a held lock")
	}
}
