package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"pkt.systems/pslog"

	"github.com/sessium/sessiond/internal/clock"
	"github.com/sessium/sessiond/internal/connector"
	"github.com/sessium/sessiond/internal/credstore"
	"github.com/sessium/sessiond/internal/lease"
	"github.com/sessium/sessiond/internal/storage"
	"github.com/sessium/sessiond/internal/svcfields"
)

var (
	// ErrLockedElsewhere indicates another process holds the session's lease.
	// Surfaced to the caller rather than retried; only the restore scanner
	// retries it, with a bounded budget.
	ErrLockedElsewhere = errors.New("session: locked by another owner")
	// ErrTerminated indicates the session was terminated while an attempt to
	// establish it was still in flight; the attempt abandoned itself.
	ErrTerminated = errors.New("session: terminated")
	// ErrUnknownSession indicates no in-memory record exists for the id.
	ErrUnknownSession = errors.New("session: unknown session")
	// ErrNotOpen indicates the session exists but has no open connection.
	ErrNotOpen = errors.New("session: not open")
	// ErrNoArtifact indicates no pairing artifact is currently cached.
	ErrNoArtifact = errors.New("session: no pairing artifact")
)

// Config wires a Manager.
type Config struct {
	Leases *lease.Manager
	Creds  *credstore.Store
	Dialer connector.Dialer
	// Store is scanned (read-only) by the restore scanner; all mutation goes
	// through Leases and Creds.
	Store storage.Backend
	Logger pslog.Logger
	Clock  clock.Clock
	// ReconnectMinDelay seeds the backoff; ReconnectMaxDelay caps it.
	ReconnectMinDelay time.Duration
	ReconnectMaxDelay time.Duration
	// ReconnectJitter adds up to this fraction of the delay as random extra
	// wait to stagger fleet-wide reconnect storms. Zero disables jitter and
	// keeps the doubling sequence exact.
	ReconnectJitter float64
	Metrics         *Metrics
}

// Manager is the keyed registry of session records and the only mutator of
// lease and credential state. Everything else is invoked by, never invokes,
// the manager.
type Manager struct {
	mu      sync.Mutex
	records map[string]*record

	leases   *lease.Manager
	creds    *credstore.Store
	dialer   connector.Dialer
	store    storage.Backend
	logger   pslog.Logger
	clk      clock.Clock
	minDelay time.Duration
	maxDelay time.Duration
	jitter   float64
	metrics  *Metrics

	// restore scanner knobs, set by the server from Config.
	scanPageSize int
	retries      int
	retryDelay   time.Duration
}

// NewManager returns a Manager for cfg.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Leases == nil {
		return nil, fmt.Errorf("session: lease manager is required")
	}
	if cfg.Creds == nil {
		return nil, fmt.Errorf("session: credential store is required")
	}
	if cfg.Dialer == nil {
		return nil, fmt.Errorf("session: connector dialer is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("session: store is required")
	}
	if cfg.ReconnectMinDelay <= 0 {
		return nil, fmt.Errorf("session: reconnect min delay must be > 0")
	}
	if cfg.ReconnectMaxDelay < cfg.ReconnectMinDelay {
		return nil, fmt.Errorf("session: reconnect max delay must be >= min delay")
	}
	if cfg.ReconnectJitter < 0 || cfg.ReconnectJitter > 1 {
		return nil, fmt.Errorf("session: reconnect jitter must be within [0, 1]")
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
		records:      make(map[string]*record),
		leases:       cfg.Leases,
		creds:        cfg.Creds,
		dialer:       cfg.Dialer,
		store:        cfg.Store,
		logger:       svcfields.WithSubsystem(logger, "session"),
		clk:          clk,
		minDelay:     cfg.ReconnectMinDelay,
		maxDelay:     cfg.ReconnectMaxDelay,
		jitter:       cfg.ReconnectJitter,
		metrics:      cfg.Metrics,
		scanPageSize: 128,
		retries:      3,
		retryDelay:   500 * time.Millisecond,
	}, nil
}

// SetRestorePolicy overrides the restore scanner's page size and lock-retry
// budget.
func (m *Manager) SetRestorePolicy(pageSize, retries int, retryDelay time.Duration) {
	if pageSize > 0 {
		m.scanPageSize = pageSize
	}
	if retries >= 0 {
		m.retries = retries
	}
	if retryDelay > 0 {
		m.retryDelay = retryDelay
	}
}

// Ensure is the idempotent get-or-create operation. An existing non-closed
// record is returned unchanged unless force is set. Otherwise it acquires the
// session lease (ErrLockedElsewhere when another owner holds it), loads
// credentials, dials a fresh connector handle, and subscribes to its events.
// With force, a prior handle's subscriptions are detached first so events are
// never delivered twice.
func (m *Manager) Ensure(ctx context.Context, id string, force bool) (Info, error) {
	if id == "" {
		return Info{}, fmt.Errorf("session: id is required")
	}
	m.mu.Lock()
	rec, exists := m.records[id]
	if exists && rec.status != StatusClosed && !force {
		info := rec.info()
		m.mu.Unlock()
		return info, nil
	}
	var prior connector.Handle
	var held *lease.Lease
	created := false
	if exists {
		if force {
			prior = rec.handle
		}
		held = rec.lease
	} else {
		rec = &record{id: id, status: StatusConnecting}
		m.records[id] = rec
		created = true
	}
	rec.status = StatusConnecting
	m.mu.Unlock()

	if prior != nil {
		detach(prior)
	}

	// Reuse the lease while this process still owns it; a lost or missing
	// lease means a fresh conditional acquire.
	if held != nil && !held.Held(ctx) {
		held = nil
	}
	acquiredNew := false
	if held == nil {
		acquired, err := m.leases.Acquire(ctx, id)
		if errors.Is(err, lease.ErrHeld) {
			m.abortEnsure(ctx, id, rec, created, nil)
			return Info{}, ErrLockedElsewhere
		}
		if err != nil {
			m.abortEnsure(ctx, id, rec, created, nil)
			return Info{}, err
		}
		held = acquired
		acquiredNew = true
		if m.metrics != nil {
			m.metrics.LeaseAcquired.Inc()
		}
	}

	// Install the lease before any further suspension point so a concurrent
	// Terminate releases it, and so retry attempts reuse it.
	m.mu.Lock()
	if m.records[id] != rec {
		m.mu.Unlock()
		if acquiredNew {
			held.Release(ctx)
		}
		m.logger.Debug("session.ensure.stale", "session", id, "at", "lease")
		return Info{}, ErrTerminated
	}
	rec.lease = held
	m.mu.Unlock()

	creds, err := m.creds.Load(ctx, id)
	if err != nil {
		m.abortEnsure(ctx, id, rec, created, held)
		return Info{}, err
	}

	handle, err := m.dialer.Dial(ctx, creds)
	if err != nil {
		m.abortEnsure(ctx, id, rec, created, held)
		return Info{}, fmt.Errorf("session: connect %q: %w", id, err)
	}

	// A stale attempt that completes after termination (or after losing the
	// lease to another process) must abandon itself here instead of
	// installing a duplicate connector.
	m.mu.Lock()
	if m.records[id] != rec || !held.Held(ctx) {
		m.mu.Unlock()
		detach(handle)
		if acquiredNew {
			held.Release(ctx)
		}
		m.logger.Warn("session.ensure.stale", "session", id, "at", "connect")
		return Info{}, ErrTerminated
	}
	rec.handle = handle
	rec.status = StatusConnecting
	info := rec.info()
	m.mu.Unlock()

	m.subscribe(id, rec, handle)
	m.logger.Info("session.connecting", "session", id, "force", force)
	m.setStatusMetric()
	return info, nil
}

// abortEnsure unwinds a failed establish attempt. Records created by this
// attempt are removed entirely; pre-existing records stay closed so the
// reconnect loop keeps driving them.
func (m *Manager) abortEnsure(ctx context.Context, id string, rec *record, created bool, held *lease.Lease) {
	if !created {
		m.mu.Lock()
		if m.records[id] == rec {
			rec.status = StatusClosed
		}
		m.mu.Unlock()
		return
	}
	m.mu.Lock()
	if m.records[id] == rec {
		delete(m.records, id)
	}
	m.mu.Unlock()
	if held != nil {
		held.Release(ctx)
	}
	m.setStatusMetric()
}

func detach(h connector.Handle) {
	h.Off(connector.EventCredentials)
	h.Off(connector.EventStatus)
	h.Off(connector.EventPairing)
}

func (m *Manager) subscribe(id string, rec *record, handle connector.Handle) {
	handle.On(connector.EventCredentials, func(p connector.Payload) {
		if p.Credentials == nil {
			return
		}
		// Persistence failure is not fatal: the connector keeps running and
		// will report updated credentials again.
		if err := m.creds.Save(context.Background(), id, p.Credentials); err != nil {
			m.logger.Warn("session.credentials.persist_failed", "session", id, "error", err)
		}
	})
	handle.On(connector.EventPairing, func(p connector.Payload) {
		m.handlePairing(id, rec, p.Pairing)
	})
	handle.On(connector.EventStatus, func(p connector.Payload) {
		if p.Status == nil {
			return
		}
		m.handleStatus(id, rec, handle, *p.Status)
	})
}

// handlePairing caches a fresh pairing artifact while the session is not yet
// open. A repeat of the cached artifact is ignored.
func (m *Manager) handlePairing(id string, rec *record, artifact []byte) {
	if len(artifact) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.records[id] != rec || rec.status == StatusOpen {
		return
	}
	if bytes.Equal(rec.pairing, artifact) {
		return
	}
	rec.pairing = append([]byte(nil), artifact...)
	m.logger.Info("session.pairing.cached", "session", id, "bytes", len(artifact))
}

func (m *Manager) handleStatus(id string, rec *record, handle connector.Handle, status connector.Status) {
	switch status.State {
	case connector.StateOpen:
		m.handleOpen(id, rec, handle)
	case connector.StateClosed:
		m.handleClose(id, rec, status.Cause)
	}
}

// handleOpen transitions to open: capture the resolved identity, drop the
// cached pairing artifact, and reset backoff (cancel any pending timer, seed
// delay back to the minimum).
func (m *Manager) handleOpen(id string, rec *record, handle connector.Handle) {
	m.mu.Lock()
	if m.records[id] != rec {
		m.mu.Unlock()
		return
	}
	rec.status = StatusOpen
	rec.identity = handle.Identity()
	rec.pairing = nil
	rec.cancelTimer()
	rec.backoff.delay = 0
	identity := rec.identity
	m.mu.Unlock()
	m.logger.Info("session.open", "session", id, "identity", identity)
	m.setStatusMetric()
}

// handleClose transitions to closed and inspects the cause: authoritative
// causes (logged out, superseded) terminate the session outright since the
// credentials no longer work for this identity; anything else is transient
// and schedules a reconnect.
func (m *Manager) handleClose(id string, rec *record, cause connector.Cause) {
	m.mu.Lock()
	if m.records[id] != rec {
		m.mu.Unlock()
		return
	}
	rec.status = StatusClosed
	rec.pairing = nil
	m.mu.Unlock()
	m.logger.Info("session.closed", "session", id, "cause", cause)
	m.setStatusMetric()

	if cause.Authoritative() {
		if err := m.Terminate(context.Background(), id); err != nil {
			m.logger.Warn("session.terminate.failed", "session", id, "error", err)
		}
		return
	}
	m.scheduleReconnect(id, string(cause))
}

// scheduleReconnect arms a one-shot backoff timer for id. It is a no-op while
// a timer is already pending. The delay is seeded at the configured minimum
// and doubles per consecutive attempt, capped at the configured maximum.
func (m *Manager) scheduleReconnect(id, reason string) {
	m.mu.Lock()
	rec, ok := m.records[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	if rec.backoff.pending {
		m.mu.Unlock()
		m.logger.Debug("session.reconnect.already_pending", "session", id)
		return
	}
	if rec.backoff.delay == 0 {
		rec.backoff.delay = m.minDelay
	} else {
		rec.backoff.delay = min(rec.backoff.delay*2, m.maxDelay)
	}
	delay := rec.backoff.delay
	if m.jitter > 0 {
		delay += time.Duration(rand.Float64() * m.jitter * float64(delay))
	}
	rec.backoff.pending = true
	rec.backoff.timer = m.clk.AfterFunc(delay, func() { m.reconnect(id) })
	m.mu.Unlock()
	m.logger.Info("session.reconnect.scheduled", "session", id, "delay", delay, "reason", reason)
	if m.metrics != nil {
		m.metrics.ReconnectsScheduled.Inc()
	}
}

// reconnect is the backoff timer body: re-drive Ensure with force. Failure to
// re-establish immediately reschedules; the only exits from the retry loop
// are an explicit Terminate or an authoritative closure.
func (m *Manager) reconnect(id string) {
	m.mu.Lock()
	rec, ok := m.records[id]
	if ok {
		rec.backoff.pending = false
		rec.backoff.timer = nil
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	_, err := m.Ensure(context.Background(), id, true)
	switch {
	case err == nil:
	case errors.Is(err, ErrTerminated):
	default:
		m.logger.Warn("session.reconnect.failed", "session", id, "error", err)
		m.scheduleReconnect(id, "retry")
	}
}

// Terminate tears a session down for good: cancel any pending backoff timer,
// detach event subscriptions, best-effort connector logout, release the
// lease, drop the record, and delete all persisted credentials. Idempotent;
// with no in-memory record the credential deletion still runs, covering the
// case where another process owns the live connection and this one was asked
// to terminate it.
func (m *Manager) Terminate(ctx context.Context, id string) error {
	m.mu.Lock()
	rec, ok := m.records[id]
	if ok {
		delete(m.records, id)
		rec.cancelTimer()
	}
	m.mu.Unlock()

	if ok {
		if rec.handle != nil {
			detach(rec.handle)
			if err := rec.handle.Logout(ctx); err != nil {
				m.logger.Warn("session.logout.failed", "session", id, "error", err)
			}
		}
		if rec.lease != nil {
			rec.lease.Release(ctx)
		}
	}
	m.setStatusMetric()
	if err := m.creds.DeleteAll(ctx, id); err != nil {
		return err
	}
	m.logger.Info("session.terminated", "session", id)
	return nil
}

// Send routes payload to target over the session's open connection.
func (m *Manager) Send(ctx context.Context, id, target string, payload []byte) error {
	m.mu.Lock()
	rec, ok := m.records[id]
	if !ok {
		m.mu.Unlock()
		return ErrUnknownSession
	}
	if rec.status != StatusOpen || rec.handle == nil {
		m.mu.Unlock()
		return ErrNotOpen
	}
	handle := rec.handle
	m.mu.Unlock()
	return handle.Send(ctx, target, payload)
}

// PairingArtifact returns the cached pairing artifact for id.
func (m *Manager) PairingArtifact(id string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, ErrUnknownSession
	}
	if len(rec.pairing) == 0 {
		return nil, ErrNoArtifact
	}
	return append([]byte(nil), rec.pairing...), nil
}

// Info returns a snapshot of the session record for id.
func (m *Manager) Info(id string) (Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return Info{}, ErrUnknownSession
	}
	return rec.info(), nil
}

// IDs returns the ids of all in-memory session records.
func (m *Manager) IDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.records))
	for id := range m.records {
		ids = append(ids, id)
	}
	return ids
}

// Shutdown detaches this process from every session without logging anyone
// out: cancel timers, detach subscriptions, release leases, drop records.
// Credentials stay persisted so a later process can restore the sessions.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	recs := make([]*record, 0, len(m.records))
	for id, rec := range m.records {
		rec.cancelTimer()
		recs = append(recs, rec)
		delete(m.records, id)
	}
	m.mu.Unlock()
	for _, rec := range recs {
		if rec.handle != nil {
			detach(rec.handle)
		}
		if rec.lease != nil {
			rec.lease.Release(ctx)
		}
	}
	m.setStatusMetric()
}

func (m *Manager) setStatusMetric() {
	if m.metrics == nil {
		return
	}
	m.mu.Lock()
	counts := map[Status]int{}
	for _, rec := range m.records {
		counts[rec.status]++
	}
	m.mu.Unlock()
	for _, status := range []Status{StatusConnecting, StatusOpen, StatusClosed} {
		m.metrics.Sessions.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}
