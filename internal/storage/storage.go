// Package storage defines the shared key-value store contract every backend
// implements. The session layer relies on the conditional primitives (create
// if absent, compare-and-delete, compare-and-extend) for lease correctness and
// on atomic batches for keyed credential material; everything else is plain
// get/set/scan.
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound indicates the requested key is missing or expired.
	ErrNotFound = errors.New("storage: not found")
	// ErrExists indicates a conditional create found the key already present.
	ErrExists = errors.New("storage: already exists")
	// ErrConditionFailed indicates a compare-and-act saw a different value.
	ErrConditionFailed = errors.New("storage: condition failed")
)

// Op describes one entry of an atomic batch write. A nil Value deletes the key.
type Op struct {
	Key   string
	Value []byte
}

// ScanResult carries one page of keys plus the cursor for the next page. An
// empty Cursor means the scan is complete.
type ScanResult struct {
	Keys   []string
	Cursor string
}

// Backend is the store contract. Implementations must provide the conditional
// operations as atomic check-and-act steps; enumeration may be best-effort
// under concurrent mutation.
type Backend interface {
	// Get returns the value at key or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set unconditionally writes value at key with no expiry.
	Set(ctx context.Context, key string, value []byte) error
	// SetNX creates key with value and ttl only when absent; ErrExists when a
	// live value is already present. ttl of zero means no expiry.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// CompareAndDelete removes key only while its value equals expect.
	// ErrConditionFailed when the value differs, ErrNotFound when absent.
	CompareAndDelete(ctx context.Context, key string, expect []byte) error
	// CompareAndExtend resets the ttl of key only while its value equals
	// expect. Same error contract as CompareAndDelete.
	CompareAndExtend(ctx context.Context, key string, expect []byte, ttl time.Duration) error
	// MGet returns the values for keys; missing keys yield nil entries at the
	// matching index rather than an error.
	MGet(ctx context.Context, keys []string) ([][]byte, error)
	// ApplyBatch applies all ops atomically; either every op takes effect or
	// none does.
	ApplyBatch(ctx context.Context, ops []Op) error
	// Scan enumerates keys with the given prefix starting after cursor,
	// returning at most count keys per page.
	Scan(ctx context.Context, prefix, cursor string, count int) (ScanResult, error)
	// Close releases backend resources.
	Close() error
}

// IsConditionFailure reports whether err means a conditional op lost the race,
// treating a vanished key the same as a mismatched value.
func IsConditionFailure(err error) bool {
	return errors.Is(err, ErrConditionFailed) || errors.Is(err, ErrNotFound)
}
