package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sessium/sessiond/internal/clock"
	"github.com/sessium/sessiond/internal/storage"
)

func TestSetNXAndTTLExpiry(t *testing.T) {
	clk := clock.NewManual(time.Unix(1000, 0))
	store := NewWithConfig(Config{Clock: clk})
	ctx := context.Background()

	if err := store.SetNX(ctx, "lock/a", []byte("tok1"), 10*time.Second); err != nil {
		t.Fatalf("setnx create: %v", err)
	}
	if err := store.SetNX(ctx, "lock/a", []byte("tok2"), 10*time.Second); !errors.Is(err, storage.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}

	clk.Advance(9 * time.Second)
	if _, err := store.Get(ctx, "lock/a"); err != nil {
		t.Fatalf("get before expiry: %v", err)
	}

	clk.Advance(time.Second)
	if _, err := store.Get(ctx, "lock/a"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after expiry, got %v", err)
	}
	if err := store.SetNX(ctx, "lock/a", []byte("tok2"), 10*time.Second); err != nil {
		t.Fatalf("setnx after expiry: %v", err)
	}
	value, err := store.Get(ctx, "lock/a")
	if err != nil {
		t.Fatalf("get after re-create: %v", err)
	}
	if string(value) != "tok2" {
		t.Fatalf("unexpected value %q", value)
	}
}

func TestCompareAndDelete(t *testing.T) {
	store := New()
	ctx := context.Background()

	if err := store.SetNX(ctx, "lock/a", []byte("tok"), 0); err != nil {
		t.Fatalf("setnx: %v", err)
	}
	if err := store.CompareAndDelete(ctx, "lock/a", []byte("other")); !errors.Is(err, storage.ErrConditionFailed) {
		t.Fatalf("expected condition failure, got %v", err)
	}
	if err := store.CompareAndDelete(ctx, "lock/a", []byte("tok")); err != nil {
		t.Fatalf("delete with matching value: %v", err)
	}
	if err := store.CompareAndDelete(ctx, "lock/a", []byte("tok")); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on repeat, got %v", err)
	}
}

func TestCompareAndExtend(t *testing.T) {
	clk := clock.NewManual(time.Unix(1000, 0))
	store := NewWithConfig(Config{Clock: clk})
	ctx := context.Background()

	if err := store.SetNX(ctx, "lock/a", []byte("tok"), 10*time.Second); err != nil {
		t.Fatalf("setnx: %v", err)
	}
	clk.Advance(8 * time.Second)
	if err := store.CompareAndExtend(ctx, "lock/a", []byte("tok"), 10*time.Second); err != nil {
		t.Fatalf("extend: %v", err)
	}
	clk.Advance(9 * time.Second)
	if _, err := store.Get(ctx, "lock/a"); err != nil {
		t.Fatalf("get after extend: %v", err)
	}
	if err := store.CompareAndExtend(ctx, "lock/a", []byte("other"), 10*time.Second); !errors.Is(err, storage.ErrConditionFailed) {
		t.Fatalf("expected condition failure, got %v", err)
	}
	clk.Advance(11 * time.Second)
	if err := store.CompareAndExtend(ctx, "lock/a", []byte("tok"), 10*time.Second); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after expiry, got %v", err)
	}
}

func TestMGetReportsMisses(t *testing.T) {
	store := New()
	ctx := context.Background()

	if err := store.Set(ctx, "keyed/s1/app/k1", []byte("v1")); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := store.Set(ctx, "keyed/s1/app/k3", []byte("v3")); err != nil {
		t.Fatalf("set: %v", err)
	}
	values, err := store.MGet(ctx, []string{"keyed/s1/app/k1", "keyed/s1/app/k2", "keyed/s1/app/k3"})
	if err != nil {
		t.Fatalf("mget: %v", err)
	}
	if string(values[0]) != "v1" || values[1] != nil || string(values[2]) != "v3" {
		t.Fatalf("unexpected mget result: %q", values)
	}
}

func TestApplyBatchSetAndDelete(t *testing.T) {
	store := New()
	ctx := context.Background()

	if err := store.Set(ctx, "creds/s1", []byte("old")); err != nil {
		t.Fatalf("set: %v", err)
	}
	err := store.ApplyBatch(ctx, []storage.Op{
		{Key: "creds/s1"},
		{Key: "token/t1", Value: []byte("rec")},
		{Key: "tokenidx/s1", Value: []byte(`["t1"]`)},
	})
	if err != nil {
		t.Fatalf("apply batch: %v", err)
	}
	if _, err := store.Get(ctx, "creds/s1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected creds/s1 deleted, got %v", err)
	}
	if _, err := store.Get(ctx, "token/t1"); err != nil {
		t.Fatalf("expected token/t1 present: %v", err)
	}
}

func TestScanPagination(t *testing.T) {
	store := New()
	ctx := context.Background()

	keys := []string{"creds/a", "creds/b", "creds/c", "creds/d", "lock/a", "other/x"}
	for _, key := range keys {
		if err := store.Set(ctx, key, []byte("v")); err != nil {
			t.Fatalf("set %s: %v", key, err)
		}
	}

	var got []string
	cursor := ""
	pages := 0
	for {
		res, err := store.Scan(ctx, "creds/", cursor, 2)
		if err != nil {
			t.Fatalf("scan: %v", err)
		}
		got = append(got, res.Keys...)
		pages++
		if res.Cursor == "" {
			break
		}
		cursor = res.Cursor
	}
	want := []string{"creds/a", "creds/b", "creds/c", "creds/d"}
	if len(got) != len(want) {
		t.Fatalf("scan keys %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("scan keys %v, want %v", got, want)
		}
	}
	if pages < 2 {
		t.Fatalf("expected paginated scan, got %d pages", pages)
	}
	if _, err := store.Scan(ctx, "creds/", "bogus", 2); !errors.Is(err, storage.ErrConditionFailed) {
		t.Fatalf("expected cursor error, got %v", err)
	}
}

func TestScanSkipsExpired(t *testing.T) {
	clk := clock.NewManual(time.Unix(1000, 0))
	store := NewWithConfig(Config{Clock: clk})
	ctx := context.Background()

	if err := store.SetNX(ctx, "lock/a", []byte("tok"), 5*time.Second); err != nil {
		t.Fatalf("setnx: %v", err)
	}
	if err := store.Set(ctx, "lock/b", []byte("tok")); err != nil {
		t.Fatalf("set: %v", err)
	}
	clk.Advance(6 * time.Second)
	res, err := store.Scan(ctx, "lock/", "", 10)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(res.Keys) != 1 || res.Keys[0] != "lock/b" {
		t.Fatalf("unexpected scan keys: %v", res.Keys)
	}
}
