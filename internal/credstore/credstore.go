// Package credstore persists connector authentication material in the shared
// store, namespaced by session id. It owns three key families: the main
// credential blob, auxiliary keyed material addressed by (type, id), and
// access-token records with a per-session index. The session layer only goes
// through this contract and never touches storage keys directly.
package credstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"pkt.systems/pslog"

	"github.com/sessium/sessiond/internal/storage"
	"github.com/sessium/sessiond/internal/svcfields"
)

// Store key namespaces. The restore scanner enumerates CredsPrefix and
// TokenIndexPrefix to discover persisted session ids.
const (
	CredsPrefix      = "creds/"
	KeyedPrefix      = "keyed/"
	TokenPrefix      = "token/"
	TokenIndexPrefix = "tokenidx/"
)

// Credentials is the connector's durable authentication material. The
// connector owns the payload; sessiond only persists and replays it.
type Credentials struct {
	// Registered reports whether the connector has completed pairing.
	Registered bool `json:"registered"`
	// Identity is the account identity resolved by the connector once open.
	Identity string `json:"identity,omitempty"`
	// Material is the connector-defined opaque payload.
	Material json.RawMessage `json:"material,omitempty"`
}

// NewCredentials returns freshly initialized empty credentials, the state a
// session starts from before its first pairing.
func NewCredentials() *Credentials {
	return &Credentials{}
}

// TokenRecord maps an access token back to its session.
type TokenRecord struct {
	Session   string    `json:"session"`
	CreatedAt time.Time `json:"created_at"`
}

// Config wires a Store.
type Config struct {
	Backend storage.Backend
	Logger  pslog.Logger
	// ScanPageSize bounds keyed-material enumeration pages during DeleteAll.
	ScanPageSize int
}

// Store reads and writes credential state for sessions.
type Store struct {
	backend  storage.Backend
	logger   pslog.Logger
	pageSize int
}

// New returns a Store for cfg.
func New(cfg Config) (*Store, error) {
	if cfg.Backend == nil {
		return nil, fmt.Errorf("credstore: backend is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	pageSize := cfg.ScanPageSize
	if pageSize <= 0 {
		pageSize = 128
	}
	return &Store{
		backend:  cfg.Backend,
		logger:   svcfields.WithSubsystem(logger, "credstore"),
		pageSize: pageSize,
	}, nil
}

func credsKey(id string) string { return CredsPrefix + id }

func keyedKey(id, typ, keyID string) string {
	return KeyedPrefix + id + "/" + typ + "/" + keyID
}

func keyedSessionPrefix(id string) string { return KeyedPrefix + id + "/" }

func tokenKey(token string) string { return TokenPrefix + token }

func tokenIndexKey(id string) string { return TokenIndexPrefix + id }

// SessionFromKey extracts the session id from a key under prefix, or "" when
// the key does not belong to that namespace.
func SessionFromKey(prefix, key string) string {
	rest, ok := strings.CutPrefix(key, prefix)
	if !ok {
		return ""
	}
	// Keyed entries carry a sub-path after the session id.
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		rest = rest[:i]
	}
	return rest
}

// Load returns the credential blob for id. A missing blob yields fresh empty
// credentials; a blob that fails to parse is logged and likewise replaced by
// fresh credentials, because losing one session's state is preferable to
// blocking its restart. Only store unavailability is an error.
func (s *Store) Load(ctx context.Context, id string) (*Credentials, error) {
	payload, err := s.backend.Get(ctx, credsKey(id))
	if errors.Is(err, storage.ErrNotFound) {
		return NewCredentials(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("credstore: load %q: %w", id, err)
	}
	creds := NewCredentials()
	if err := json.Unmarshal(payload, creds); err != nil {
		s.logger.Warn("credstore.load.corrupt", "session", id, "error", err)
		return NewCredentials(), nil
	}
	return creds, nil
}

// Save serializes creds and fully replaces the blob for id. The connector
// reports updated authentication state many times per session lifetime; each
// call overwrites prior content with no partial merge.
func (s *Store) Save(ctx context.Context, id string, creds *Credentials) error {
	payload, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("credstore: marshal %q: %w", id, err)
	}
	if err := s.backend.Set(ctx, credsKey(id), payload); err != nil {
		return fmt.Errorf("credstore: save %q: %w", id, err)
	}
	return nil
}

// GetKeyed batch-reads auxiliary keyed material for (typ, ids). Missing
// entries are omitted from the result, never an error; the connector
// regenerates derived material as needed.
func (s *Store) GetKeyed(ctx context.Context, id, typ string, ids []string) (map[string][]byte, error) {
	keys := make([]string, len(ids))
	for i, keyID := range ids {
		keys[i] = keyedKey(id, typ, keyID)
	}
	values, err := s.backend.MGet(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("credstore: get keyed %q/%s: %w", id, typ, err)
	}
	out := make(map[string][]byte, len(ids))
	for i, value := range values {
		if value == nil {
			continue
		}
		out[ids[i]] = value
	}
	return out, nil
}

// SetKeyed batch-writes keyed material for typ. A nil value deletes the
// entry. The whole batch applies atomically so a crash mid-write cannot leave
// partially updated key material.
func (s *Store) SetKeyed(ctx context.Context, id, typ string, entries map[string][]byte) error {
	if len(entries) == 0 {
		return nil
	}
	ops := make([]storage.Op, 0, len(entries))
	for keyID, value := range entries {
		ops = append(ops, storage.Op{Key: keyedKey(id, typ, keyID), Value: value})
	}
	if err := s.backend.ApplyBatch(ctx, ops); err != nil {
		return fmt.Errorf("credstore: set keyed %q/%s: %w", id, typ, err)
	}
	return nil
}

// PutToken records an access token for id and adds it to the session's token
// index so DeleteAll can revoke every token in one sweep.
func (s *Store) PutToken(ctx context.Context, id, token string) error {
	record, err := json.Marshal(TokenRecord{Session: id, CreatedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("credstore: marshal token record: %w", err)
	}
	tokens, err := s.Tokens(ctx, id)
	if err != nil {
		return err
	}
	for _, existing := range tokens {
		if existing == token {
			return nil
		}
	}
	tokens = append(tokens, token)
	index, err := json.Marshal(tokens)
	if err != nil {
		return fmt.Errorf("credstore: marshal token index: %w", err)
	}
	ops := []storage.Op{
		{Key: tokenKey(token), Value: record},
		{Key: tokenIndexKey(id), Value: index},
	}
	if err := s.backend.ApplyBatch(ctx, ops); err != nil {
		return fmt.Errorf("credstore: put token for %q: %w", id, err)
	}
	return nil
}

// Tokens returns the access tokens recorded for id. A corrupt index is
// treated like a corrupt credential blob: logged and replaced by empty.
func (s *Store) Tokens(ctx context.Context, id string) ([]string, error) {
	payload, err := s.backend.Get(ctx, tokenIndexKey(id))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("credstore: token index %q: %w", id, err)
	}
	var tokens []string
	if err := json.Unmarshal(payload, &tokens); err != nil {
		s.logger.Warn("credstore.tokens.corrupt", "session", id, "error", err)
		return nil, nil
	}
	return tokens, nil
}

// DeleteAll removes the main blob, every keyed entry, and every token record
// for id in one atomic batch. The effect is authoritative logout: no residue
// remains that would let a restored process resume the session without fresh
// pairing.
func (s *Store) DeleteAll(ctx context.Context, id string) error {
	ops := []storage.Op{{Key: credsKey(id)}}

	prefix := keyedSessionPrefix(id)
	cursor := ""
	for {
		page, err := s.backend.Scan(ctx, prefix, cursor, s.pageSize)
		if err != nil {
			return fmt.Errorf("credstore: scan keyed %q: %w", id, err)
		}
		for _, key := range page.Keys {
			ops = append(ops, storage.Op{Key: key})
		}
		if page.Cursor == "" {
			break
		}
		cursor = page.Cursor
	}

	tokens, err := s.Tokens(ctx, id)
	if err != nil {
		return err
	}
	for _, token := range tokens {
		ops = append(ops, storage.Op{Key: tokenKey(token)})
	}
	ops = append(ops, storage.Op{Key: tokenIndexKey(id)})

	if err := s.backend.ApplyBatch(ctx, ops); err != nil {
		return fmt.Errorf("credstore: delete all %q: %w", id, err)
	}
	s.logger.Info("credstore.deleted", "session", id, "keys", len(ops))
	return nil
}
