// Package retry wraps a storage.Backend with bounded exponential-backoff
// retries for transient errors. Conditional failures (ErrExists,
// ErrConditionFailed, ErrNotFound) are outcomes, not faults, and pass through
// untouched.
package retry

import (
	"context"
	"errors"
	"time"

	"pkt.systems/pslog"

	"github.com/sessium/sessiond/internal/clock"
	"github.com/sessium/sessiond/internal/storage"
)

// Config controls retry behaviour.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// Wrap returns a backend that retries transient errors according to cfg.
func Wrap(inner storage.Backend, logger pslog.Logger, clk clock.Clock, cfg Config) storage.Backend {
	if inner == nil {
		return nil
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 50 * time.Millisecond
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 2 * time.Second
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &backend{
		inner:  inner,
		logger: logger,
		clock:  clk,
		cfg:    cfg,
	}
}

type backend struct {
	inner  storage.Backend
	logger pslog.Logger
	clock  clock.Clock
	cfg    Config
}

func (b *backend) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := b.withRetry(ctx, "get", key, func(ctx context.Context) error {
		var err error
		value, err = b.inner.Get(ctx, key)
		return err
	})
	return value, err
}

func (b *backend) Set(ctx context.Context, key string, value []byte) error {
	return b.withRetry(ctx, "set", key, func(ctx context.Context) error {
		return b.inner.Set(ctx, key, value)
	})
}

func (b *backend) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return b.withRetry(ctx, "setnx", key, func(ctx context.Context) error {
		return b.inner.SetNX(ctx, key, value, ttl)
	})
}

func (b *backend) CompareAndDelete(ctx context.Context, key string, expect []byte) error {
	return b.withRetry(ctx, "compare_and_delete", key, func(ctx context.Context) error {
		return b.inner.CompareAndDelete(ctx, key, expect)
	})
}

func (b *backend) CompareAndExtend(ctx context.Context, key string, expect []byte, ttl time.Duration) error {
	return b.withRetry(ctx, "compare_and_extend", key, func(ctx context.Context) error {
		return b.inner.CompareAndExtend(ctx, key, expect, ttl)
	})
}

func (b *backend) MGet(ctx context.Context, keys []string) ([][]byte, error) {
	var values [][]byte
	err := b.withRetry(ctx, "mget", "", func(ctx context.Context) error {
		var err error
		values, err = b.inner.MGet(ctx, keys)
		return err
	})
	return values, err
}

func (b *backend) ApplyBatch(ctx context.Context, ops []storage.Op) error {
	return b.withRetry(ctx, "apply_batch", "", func(ctx context.Context) error {
		return b.inner.ApplyBatch(ctx, ops)
	})
}

func (b *backend) Scan(ctx context.Context, prefix, cursor string, count int) (storage.ScanResult, error) {
	var res storage.ScanResult
	err := b.withRetry(ctx, "scan", prefix, func(ctx context.Context) error {
		var err error
		res, err = b.inner.Scan(ctx, prefix, cursor, count)
		return err
	})
	return res, err
}

func (b *backend) Close() error {
	return b.inner.Close()
}

func (b *backend) withRetry(ctx context.Context, op, key string, fn func(context.Context) error) error {
	delay := b.cfg.BaseDelay
	var lastErr error
	for attempt := 1; attempt <= b.cfg.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil || !retryable(err) {
			return err
		}
		lastErr = err
		if attempt == b.cfg.MaxAttempts {
			break
		}
		b.logger.Warn("storage.retry", "op", op, "key", key, "attempt", attempt, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.clock.After(delay):
		}
		delay = time.Duration(float64(delay) * b.cfg.Multiplier)
		if delay > b.cfg.MaxDelay {
			delay = b.cfg.MaxDelay
		}
	}
	return lastErr
}

// retryable classifies err: contract sentinels and context cancellation are
// final, everything else counts as transient store unavailability.
func retryable(err error) bool {
	switch {
	case errors.Is(err, storage.ErrNotFound),
		errors.Is(err, storage.ErrExists),
		errors.Is(err, storage.ErrConditionFailed),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}
