// Package memory implements storage.Backend with mutex-guarded maps. It is
// the default store (mem://) and the test-suite workhorse; expiry is lazy so
// behaviour stays deterministic under a manual clock.
package memory

import (
	"bytes"
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sessium/sessiond/internal/clock"
	"github.com/sessium/sessiond/internal/storage"
)

// Config configures the in-memory store behaviour.
type Config struct {
	// Clock drives expiry decisions. Defaults to clock.Real.
	Clock clock.Clock
}

// Store implements storage.Backend in-memory; intended for tests and
// single-process deployments.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry

	sortedKeys []string
	keysDirty  bool

	clk clock.Clock
}

type entry struct {
	value []byte
	// expiresAt is the zero time when the entry never expires.
	expiresAt time.Time
}

// New returns a ready to use in-memory store on the real clock.
func New() *Store {
	return NewWithConfig(Config{})
}

// NewWithConfig returns a ready to use in-memory store wired according to cfg.
func NewWithConfig(cfg Config) *Store {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	return &Store{
		entries:   make(map[string]*entry),
		keysDirty: true,
		clk:       clk,
	}
}

// Close satisfies storage.Backend but requires no action for the in-memory
// store.
func (s *Store) Close() error { return nil }

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// live returns the entry at key when present and unexpired. Callers hold at
// least a read lock.
func (s *Store) live(key string, now time.Time) (*entry, bool) {
	e, ok := s.entries[key]
	if !ok || e.expired(now) {
		return nil, false
	}
	return e, true
}

// Get returns a copy of the value stored at key.
func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.live(key, s.clk.Now())
	if !ok {
		return nil, storage.ErrNotFound
	}
	return append([]byte(nil), e.value...), nil
}

// Set unconditionally writes value at key with no expiry.
func (s *Store) Set(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(key, value, time.Time{})
	return nil
}

// SetNX creates key only when no live value exists.
func (s *Store) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clk.Now()
	if _, ok := s.live(key, now); ok {
		return storage.ErrExists
	}
	var expires time.Time
	if ttl > 0 {
		expires = now.Add(ttl)
	}
	s.put(key, value, expires)
	return nil
}

// CompareAndDelete removes key only while its value equals expect.
func (s *Store) CompareAndDelete(_ context.Context, key string, expect []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(key, s.clk.Now())
	if !ok {
		return storage.ErrNotFound
	}
	if !bytes.Equal(e.value, expect) {
		return storage.ErrConditionFailed
	}
	delete(s.entries, key)
	s.keysDirty = true
	return nil
}

// CompareAndExtend resets the ttl of key only while its value equals expect.
func (s *Store) CompareAndExtend(_ context.Context, key string, expect []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clk.Now()
	e, ok := s.live(key, now)
	if !ok {
		return storage.ErrNotFound
	}
	if !bytes.Equal(e.value, expect) {
		return storage.ErrConditionFailed
	}
	if ttl > 0 {
		e.expiresAt = now.Add(ttl)
	} else {
		e.expiresAt = time.Time{}
	}
	return nil
}

// MGet returns values for keys with nil entries for misses.
func (s *Store) MGet(_ context.Context, keys []string) ([][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.clk.Now()
	out := make([][]byte, len(keys))
	for i, key := range keys {
		if e, ok := s.live(key, now); ok {
			out[i] = append([]byte(nil), e.value...)
		}
	}
	return out, nil
}

// ApplyBatch applies all ops under one lock acquisition; a nil value deletes.
func (s *Store) ApplyBatch(_ context.Context, ops []storage.Op) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, op := range ops {
		if op.Value == nil {
			delete(s.entries, op.Key)
			s.keysDirty = true
			continue
		}
		s.put(op.Key, op.Value, time.Time{})
	}
	return nil
}

// Scan pages through live keys with the given prefix in lexical order. The
// cursor is the offset into the sorted key snapshot; concurrent mutation may
// skip or repeat keys, which callers tolerate.
func (s *Store) Scan(_ context.Context, prefix, cursor string, count int) (storage.ScanResult, error) {
	if count <= 0 {
		count = 64
	}
	s.mu.Lock()
	keys := s.snapshotKeys()
	s.mu.Unlock()

	start := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 0 {
			return storage.ScanResult{}, storage.ErrConditionFailed
		}
		start = n
	}

	var res storage.ScanResult
	now := s.clk.Now()
	i := start
	for ; i < len(keys) && len(res.Keys) < count; i++ {
		key := keys[i]
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		s.mu.RLock()
		_, ok := s.live(key, now)
		s.mu.RUnlock()
		if ok {
			res.Keys = append(res.Keys, key)
		}
	}
	if i < len(keys) {
		res.Cursor = strconv.Itoa(i)
	}
	return res, nil
}

func (s *Store) put(key string, value []byte, expires time.Time) {
	if _, ok := s.entries[key]; !ok {
		s.keysDirty = true
	}
	s.entries[key] = &entry{
		value:     append([]byte(nil), value...),
		expiresAt: expires,
	}
}

func (s *Store) snapshotKeys() []string {
	if s.keysDirty {
		s.sortedKeys = s.sortedKeys[:0]
		for key := range s.entries {
			s.sortedKeys = append(s.sortedKeys, key)
		}
		sort.Strings(s.sortedKeys)
		s.keysDirty = false
	}
	return append([]string(nil), s.sortedKeys...)
}
