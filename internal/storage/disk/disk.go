// Package disk implements storage.Backend as one file per key under a root
// directory, for multi-process deployments that share a filesystem. The
// conditional primitives lean on the two atomic operations every POSIX
// filesystem offers: exclusive create (O_EXCL) and rename. Check-and-act
// sequences serialize on a per-key lockfile; batches go through a journal so
// a crash mid-write never leaves partial key material behind.
package disk

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sessium/sessiond/internal/clock"
	"github.com/sessium/sessiond/internal/storage"
)

const (
	dataDirName    = "data"
	journalName    = "batch.journal"
	lockSuffix     = ".lock"
	tempSuffix     = ".tmp"
	entrySuffix    = ".kv"
	lockStaleAfter = 5 * time.Second
	lockPollDelay  = 5 * time.Millisecond
)

// Config configures the disk store.
type Config struct {
	// Dir is the root directory; created when missing.
	Dir   string
	Clock clock.Clock
}

// Store implements storage.Backend on a shared directory tree.
type Store struct {
	root string
	clk  clock.Clock
}

// envelope is the on-disk record: the value plus its optional expiry.
type envelope struct {
	Value         []byte `json:"value"`
	ExpiresAtUnix int64  `json:"expires_at_unix,omitempty"`
}

func (e *envelope) expired(now time.Time) bool {
	return e.ExpiresAtUnix > 0 && now.Unix() >= e.ExpiresAtUnix
}

// New opens (or initialises) the store rooted at cfg.Dir and replays any
// batch journal left behind by a crashed writer.
func New(cfg Config) (*Store, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("disk: dir is required")
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	s := &Store{root: cfg.Dir, clk: clk}
	if err := os.MkdirAll(filepath.Join(cfg.Dir, dataDirName), 0o755); err != nil {
		return nil, fmt.Errorf("disk: init %q: %w", cfg.Dir, err)
	}
	if err := s.replayJournal(); err != nil {
		return nil, err
	}
	return s, nil
}

// Close satisfies storage.Backend; the store holds no descriptors between
// operations.
func (s *Store) Close() error { return nil }

// path maps a key to its file. Each slash-separated segment is escaped so
// keys can never traverse outside the data directory.
func (s *Store) path(key string) string {
	segments := strings.Split(key, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return filepath.Join(s.root, dataDirName, filepath.Join(segments...)) + entrySuffix
}

// keyFromPath reverses path; it returns "" for files that are not entries.
func (s *Store) keyFromPath(path string) string {
	rel, err := filepath.Rel(filepath.Join(s.root, dataDirName), path)
	if err != nil || !strings.HasSuffix(rel, entrySuffix) {
		return ""
	}
	rel = strings.TrimSuffix(rel, entrySuffix)
	segments := strings.Split(filepath.ToSlash(rel), "/")
	for i, seg := range segments {
		unescaped, err := url.PathUnescape(seg)
		if err != nil {
			return ""
		}
		segments[i] = unescaped
	}
	return strings.Join(segments, "/")
}

func (s *Store) read(key string) (*envelope, error) {
	payload, err := os.ReadFile(s.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("disk: read %q: %w", key, err)
	}
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("disk: decode %q: %w", key, err)
	}
	if env.expired(s.clk.Now()) {
		return nil, storage.ErrNotFound
	}
	return &env, nil
}

// write persists env atomically via temp file + rename.
func (s *Store) write(key string, env *envelope) error {
	path := s.path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("disk: mkdir for %q: %w", key, err)
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("disk: encode %q: %w", key, err)
	}
	tmp := path + tempSuffix
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return fmt.Errorf("disk: write %q: %w", key, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("disk: commit %q: %w", key, err)
	}
	return nil
}

// lockKey serializes check-and-act sequences for one key across processes.
// A lockfile older than lockStaleAfter is treated as abandoned and stolen.
func (s *Store) lockKey(ctx context.Context, key string) (release func(), err error) {
	path := s.path(key) + lockSuffix
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("disk: mkdir for %q: %w", key, err)
	}
	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			f.Close()
			return func() { os.Remove(path) }, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("disk: lock %q: %w", key, err)
		}
		if info, statErr := os.Stat(path); statErr == nil && time.Since(info.ModTime()) > lockStaleAfter {
			os.Remove(path)
			continue
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockPollDelay):
		}
	}
}

// Get returns the live value at key.
func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	env, err := s.read(key)
	if err != nil {
		return nil, err
	}
	return env.Value, nil
}

// Set unconditionally writes value with no expiry.
func (s *Store) Set(_ context.Context, key string, value []byte) error {
	return s.write(key, &envelope{Value: value})
}

// SetNX creates key only when no live value exists. The exclusive create
// handles the common case; an expired leftover is replaced under the key
// lock so two creators cannot both win.
func (s *Store) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	env := &envelope{Value: value}
	if ttl > 0 {
		env.ExpiresAtUnix = s.clk.Now().Add(ttl).Unix()
	}
	path := s.path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("disk: mkdir for %q: %w", key, err)
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("disk: encode %q: %w", key, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err == nil {
		_, werr := f.Write(payload)
		cerr := f.Close()
		if werr != nil || cerr != nil {
			os.Remove(path)
			return fmt.Errorf("disk: write %q: %w", key, errors.Join(werr, cerr))
		}
		return nil
	}
	if !errors.Is(err, fs.ErrExist) {
		return fmt.Errorf("disk: create %q: %w", key, err)
	}
	release, err := s.lockKey(ctx, key)
	if err != nil {
		return err
	}
	defer release()
	if _, err := s.read(key); err == nil {
		return storage.ErrExists
	} else if !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	return s.write(key, env)
}

// CompareAndDelete removes key only while its value equals expect.
func (s *Store) CompareAndDelete(ctx context.Context, key string, expect []byte) error {
	release, err := s.lockKey(ctx, key)
	if err != nil {
		return err
	}
	defer release()
	env, err := s.read(key)
	if err != nil {
		return err
	}
	if string(env.Value) != string(expect) {
		return storage.ErrConditionFailed
	}
	if err := os.Remove(s.path(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("disk: delete %q: %w", key, err)
	}
	return nil
}

// CompareAndExtend resets the ttl of key only while its value equals expect.
func (s *Store) CompareAndExtend(ctx context.Context, key string, expect []byte, ttl time.Duration) error {
	release, err := s.lockKey(ctx, key)
	if err != nil {
		return err
	}
	defer release()
	env, err := s.read(key)
	if err != nil {
		return err
	}
	if string(env.Value) != string(expect) {
		return storage.ErrConditionFailed
	}
	if ttl > 0 {
		env.ExpiresAtUnix = s.clk.Now().Add(ttl).Unix()
	} else {
		env.ExpiresAtUnix = 0
	}
	return s.write(key, env)
}

// MGet returns values for keys with nil entries for misses.
func (s *Store) MGet(ctx context.Context, keys []string) ([][]byte, error) {
	out := make([][]byte, len(keys))
	for i, key := range keys {
		value, err := s.Get(ctx, key)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[i] = value
	}
	return out, nil
}

// Scan pages through live keys with the given prefix in lexical order. The
// cursor is the last key of the previous page.
func (s *Store) Scan(_ context.Context, prefix, cursor string, count int) (storage.ScanResult, error) {
	if count <= 0 {
		count = 64
	}
	var keys []string
	root := filepath.Join(s.root, dataDirName)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		key := s.keyFromPath(path)
		if key == "" || !strings.HasPrefix(key, prefix) {
			return nil
		}
		if cursor != "" && key <= cursor {
			return nil
		}
		if _, rerr := s.read(key); rerr != nil {
			return nil
		}
		keys = append(keys, key)
		return nil
	})
	if err != nil {
		return storage.ScanResult{}, fmt.Errorf("disk: scan %q: %w", prefix, err)
	}
	sort.Strings(keys)
	var res storage.ScanResult
	if len(keys) > count {
		res.Keys = keys[:count]
		res.Cursor = keys[count-1]
	} else {
		res.Keys = keys
	}
	return res, nil
}

// journalEntry mirrors storage.Op with base64 payloads for the journal file.
type journalEntry struct {
	Key    string `json:"key"`
	Value  string `json:"value,omitempty"`
	Delete bool   `json:"delete,omitempty"`
}

// ApplyBatch journals the ops, applies them, then retires the journal. A
// crash between journal write and retirement replays the whole batch on next
// open, giving all-or-nothing semantics for observers that open the store.
func (s *Store) ApplyBatch(ctx context.Context, ops []storage.Op) error {
	release, err := s.lockKey(ctx, journalName)
	if err != nil {
		return err
	}
	defer release()
	entries := make([]journalEntry, len(ops))
	for i, op := range ops {
		entries[i] = journalEntry{Key: op.Key, Delete: op.Value == nil}
		if op.Value != nil {
			entries[i].Value = base64.StdEncoding.EncodeToString(op.Value)
		}
	}
	payload, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("disk: encode batch: %w", err)
	}
	journal := filepath.Join(s.root, journalName)
	tmp := journal + tempSuffix
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return fmt.Errorf("disk: journal batch: %w", err)
	}
	if err := os.Rename(tmp, journal); err != nil {
		return fmt.Errorf("disk: commit journal: %w", err)
	}
	if err := s.applyEntries(entries); err != nil {
		return err
	}
	if err := os.Remove(journal); err != nil {
		return fmt.Errorf("disk: retire journal: %w", err)
	}
	return nil
}

func (s *Store) applyEntries(entries []journalEntry) error {
	for _, e := range entries {
		if e.Delete {
			if err := os.Remove(s.path(e.Key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("disk: delete %q: %w", e.Key, err)
			}
			continue
		}
		value, err := base64.StdEncoding.DecodeString(e.Value)
		if err != nil {
			return fmt.Errorf("disk: decode batch value for %q: %w", e.Key, err)
		}
		if err := s.write(e.Key, &envelope{Value: value}); err != nil {
			return err
		}
	}
	return nil
}

// replayJournal finishes a batch interrupted by a crash.
func (s *Store) replayJournal() error {
	journal := filepath.Join(s.root, journalName)
	payload, err := os.ReadFile(journal)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("disk: read journal: %w", err)
	}
	var entries []journalEntry
	if err := json.Unmarshal(payload, &entries); err != nil {
		// Half-written journal: the batch never committed, drop it.
		return os.Remove(journal)
	}
	if err := s.applyEntries(entries); err != nil {
		return err
	}
	return os.Remove(journal)
}
