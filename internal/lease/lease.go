// Package lease implements named, tokenized, TTL-based mutual exclusion over
// a shared store. A lease is valid only while the store value at its key
// equals the holder token; renewal and release are conditional on token
// equality so a process can never destroy or extend a lease it no longer
// owns. Expiry is passive: when the holder crashes the key simply outlives
// its TTL and becomes acquirable again.
package lease

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"pkt.systems/pslog"

	"github.com/sessium/sessiond/internal/clock"
	"github.com/sessium/sessiond/internal/storage"
	"github.com/sessium/sessiond/internal/svcfields"
	"github.com/sessium/sessiond/internal/uuidv7"
)

// KeyPrefix is the lock namespace in the shared store. The restore scanner
// enumerates this prefix to find sessions already driven by a live owner.
const KeyPrefix = "lock/"

// ErrHeld indicates the lease is currently held by another owner. Callers
// decide their own retry policy; Acquire never retries internally.
var ErrHeld = errors.New("lease: held by another owner")

// Key returns the store key protecting name.
func Key(name string) string {
	return KeyPrefix + name
}

// ManagerConfig wires a Manager.
type ManagerConfig struct {
	Store storage.Backend
	// TTL is the lease lifetime granted on acquire and on every renewal.
	TTL time.Duration
	// RenewInterval is the renew-loop cadence; must be strictly below TTL.
	RenewInterval time.Duration
	Logger        pslog.Logger
	Clock         clock.Clock
}

// Manager acquires leases against one shared store.
type Manager struct {
	store  storage.Backend
	ttl    time.Duration
	renew  time.Duration
	logger pslog.Logger
	clk    clock.Clock
}

// NewManager returns a Manager for cfg.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("lease: store is required")
	}
	if cfg.TTL <= 0 {
		return nil, fmt.Errorf("lease: ttl must be > 0")
	}
	if cfg.RenewInterval <= 0 || cfg.RenewInterval >= cfg.TTL {
		return nil, fmt.Errorf("lease: renew interval must be > 0 and < ttl")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	return &Manager{
		store:  cfg.Store,
		ttl:    cfg.TTL,
		renew:  cfg.RenewInterval,
		logger: svcfields.WithSubsystem(logger, "lease"),
		clk:    clk,
	}, nil
}

// Acquire attempts a conditional create of a fresh holder token at the lock
// key for name. It returns ErrHeld without retrying when the key is already
// present; any other failure is a store error.
func (m *Manager) Acquire(ctx context.Context, name string) (*Lease, error) {
	token := uuidv7.NewString()
	err := m.store.SetNX(ctx, Key(name), []byte(token), m.ttl)
	switch {
	case errors.Is(err, storage.ErrExists):
		return nil, ErrHeld
	case err != nil:
		return nil, fmt.Errorf("lease: acquire %q: %w", name, err)
	}
	l := &Lease{
		mgr:   m,
		name:  name,
		token: token,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go l.renewLoop()
	m.logger.Debug("lease.acquired", "name", name, "token", token, "ttl", m.ttl)
	return l, nil
}

// Lease is a held claim on a name. It stays valid while its renew loop keeps
// extending the TTL; the loop self-terminates on token mismatch and the
// holder observes the loss only through Lost (or through its protected
// resource breaking), never through a synchronous callback.
type Lease struct {
	mgr   *Manager
	name  string
	token string

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	lost     atomic.Bool
}

// Name returns the protected resource name.
func (l *Lease) Name() string { return l.name }

// Token returns the opaque holder token proving ownership.
func (l *Lease) Token() string { return l.token }

// Lost reports whether the renew loop observed a token mismatch and gave up.
func (l *Lease) Lost() bool { return l.lost.Load() }

// Held checks the store for current ownership: true only while the lock key
// still carries this lease's token. Stale in-flight work uses this to detect
// that it is no longer authoritative.
func (l *Lease) Held(ctx context.Context) bool {
	if l.lost.Load() {
		return false
	}
	value, err := l.mgr.store.Get(ctx, Key(l.name))
	if err != nil {
		return false
	}
	return string(value) == l.token
}

// Release stops the renew loop and conditionally deletes the lock key. It is
// idempotent and best-effort: releasing an expired or taken-over lease is a
// no-op, and store failures are logged rather than returned because release
// runs on teardown paths that must not block.
func (l *Lease) Release(ctx context.Context) {
	l.stopOnce.Do(func() {
		close(l.stop)
	})
	<-l.done
	err := l.mgr.store.CompareAndDelete(ctx, Key(l.name), []byte(l.token))
	switch {
	case err == nil:
		l.mgr.logger.Debug("lease.released", "name", l.name)
	case storage.IsConditionFailure(err):
		// Already expired or re-acquired elsewhere.
		l.mgr.logger.Debug("lease.release.noop", "name", l.name)
	default:
		l.mgr.logger.Warn("lease.release.failed", "name", l.name, "error", err)
	}
}

// renewLoop extends the TTL at a fixed interval while the token still
// matches. A mismatch means the lease expired and may belong to someone else
// now, so the loop marks the lease lost and exits; transient store errors are
// logged and retried on the next tick, relying on the TTL headroom above the
// renew interval.
func (l *Lease) renewLoop() {
	defer close(l.done)
	for {
		select {
		case <-l.stop:
			return
		case <-l.mgr.clk.After(l.mgr.renew):
		}
		ctx, cancel := context.WithTimeout(context.Background(), l.mgr.renew)
		err := l.mgr.store.CompareAndExtend(ctx, Key(l.name), []byte(l.token), l.mgr.ttl)
		cancel()
		switch {
		case err == nil:
		case storage.IsConditionFailure(err):
			l.lost.Store(true)
			l.mgr.logger.Warn("lease.renew.lost", "name", l.name, "token", l.token)
			return
		default:
			l.mgr.logger.Warn("lease.renew.failed", "name", l.name, "error", err)
		}
	}
}
