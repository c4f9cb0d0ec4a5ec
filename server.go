package sessiond

import (
	"context"
	"fmt"
	"sync"

	"pkt.systems/pslog"

	"github.com/sessium/sessiond/internal/clock"
	"github.com/sessium/sessiond/internal/credstore"
	"github.com/sessium/sessiond/internal/lease"
	"github.com/sessium/sessiond/internal/session"
	"github.com/sessium/sessiond/internal/storage"
	storageretry "github.com/sessium/sessiond/internal/storage/retry"
	"github.com/sessium/sessiond/internal/svcfields"
)

// Server wires the shared store, the lease manager, the credential store, and
// the session manager into one embeddable unit. The HTTP facade in front of
// it is an external collaborator; callers route REST requests onto these
// methods.
type Server struct {
	cfg       Config
	logger    pslog.Logger
	clk       clock.Clock
	store     storage.Backend
	leases    *lease.Manager
	creds     *credstore.Store
	sessions  *session.Manager
	telemetry *telemetryBundle

	mu           sync.Mutex
	started      bool
	restoreTimer clock.Timer
}

// NewServer validates cfg and constructs the component stack without starting
// any background work.
func NewServer(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}

	backend, err := openStore(&cfg, clk)
	if err != nil {
		return nil, err
	}
	backend = storageretry.Wrap(backend, svcfields.WithSubsystem(logger, "storage"), clk, storageretry.Config{
		MaxAttempts: cfg.StorageRetryMaxAttempts,
		BaseDelay:   cfg.StorageRetryBaseDelay,
		MaxDelay:    cfg.StorageRetryMaxDelay,
		Multiplier:  cfg.StorageRetryMultiplier,
	})

	leases, err := lease.NewManager(lease.ManagerConfig{
		Store:         backend,
		TTL:           cfg.LockTTL,
		RenewInterval: cfg.LockRenewInterval,
		Logger:        logger,
		Clock:         clk,
	})
	if err != nil {
		return nil, err
	}
	creds, err := credstore.New(credstore.Config{
		Backend:      backend,
		Logger:       logger,
		ScanPageSize: cfg.RestoreScanPageSize,
	})
	if err != nil {
		return nil, err
	}
	telemetry, err := setupTelemetry(cfg.MetricsListen, svcfields.WithSubsystem(logger, "telemetry"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	sessions, err := session.NewManager(session.Config{
		Leases:            leases,
		Creds:             creds,
		Dialer:            cfg.Dialer,
		Store:             backend,
		Logger:            logger,
		Clock:             clk,
		ReconnectMinDelay: cfg.ReconnectMinDelay,
		ReconnectMaxDelay: cfg.ReconnectMaxDelay,
		ReconnectJitter:   cfg.ReconnectJitter,
		Metrics:           telemetry.session,
	})
	if err != nil {
		return nil, err
	}
	sessions.SetRestorePolicy(cfg.RestoreScanPageSize, cfg.RestoreRetries, cfg.RestoreRetryDelay)

	return &Server{
		cfg:       cfg,
		logger:    svcfields.WithSubsystem(logger, "server"),
		clk:       clk,
		store:     backend,
		leases:    leases,
		creds:     creds,
		sessions:  sessions,
		telemetry: telemetry,
	}, nil
}

// Start launches the metrics listener and, unless disabled, arms the delayed
// startup restore scan. It returns immediately; restoration runs in the
// background because individual session failures are isolated and must not
// block process start.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("server: already started")
	}
	s.started = true
	s.mu.Unlock()

	s.telemetry.start()
	if !s.cfg.DisableStartupRestore {
		s.mu.Lock()
		s.restoreTimer = s.clk.AfterFunc(s.cfg.RestoreStartupDelay, func() {
			go s.sessions.RestoreAll(context.Background())
		})
		s.mu.Unlock()
		s.logger.Info("startup restore armed", "delay", s.cfg.RestoreStartupDelay)
	}
	s.logger.Info("started", "store", s.cfg.Store)
	_ = ctx
	return nil
}

// Shutdown detaches from every session (leases released, nobody logged out),
// stops the metrics listener, and closes the store. Credentials stay
// persisted so a later process can restore the sessions.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.restoreTimer != nil {
		s.restoreTimer.Stop()
		s.restoreTimer = nil
	}
	s.mu.Unlock()

	s.sessions.Shutdown(ctx)
	s.telemetry.shutdown(ctx)
	if err := s.store.Close(); err != nil {
		s.logger.Warn("store close failed", "error", err)
	}
	s.logger.Info("stopped")
	return nil
}

// NewSessionID generates a fresh session identifier.
func NewSessionID() string {
	return session.NewID()
}

// CreateSession establishes (or idempotently returns) the session for id,
// acquiring its lease first. An empty id generates one. force tears the
// existing connector handle's subscriptions down and re-dials.
func (s *Server) CreateSession(ctx context.Context, id string, force bool) (session.Info, error) {
	if id == "" {
		id = session.NewID()
	}
	return s.sessions.Ensure(ctx, id, force)
}

// TerminateSession logs the session out and wipes its persisted state.
func (s *Server) TerminateSession(ctx context.Context, id string) error {
	return s.sessions.Terminate(ctx, id)
}

// Send routes payload to target over the session's open connection.
func (s *Server) Send(ctx context.Context, id, target string, payload []byte) error {
	return s.sessions.Send(ctx, id, target, payload)
}

// PairingArtifact returns the cached pairing artifact for id.
func (s *Server) PairingArtifact(id string) ([]byte, error) {
	return s.sessions.PairingArtifact(id)
}

// SessionInfo returns a snapshot of the in-memory session record for id.
func (s *Server) SessionInfo(id string) (session.Info, error) {
	return s.sessions.Info(id)
}

// Sessions lists the ids of all in-memory session records.
func (s *Server) Sessions() []string {
	return s.sessions.IDs()
}

// RestoreAll runs the restore scanner on demand and returns the restored ids.
func (s *Server) RestoreAll(ctx context.Context) []string {
	return s.sessions.RestoreAll(ctx)
}

// RegisterToken records an access token for id so the facade's keyed lookup
// can resolve it and TerminateSession can revoke it.
func (s *Server) RegisterToken(ctx context.Context, id, token string) error {
	return s.creds.PutToken(ctx, id, token)
}

// SessionTokens returns the access tokens recorded for id.
func (s *Server) SessionTokens(ctx context.Context, id string) ([]string, error) {
	return s.creds.Tokens(ctx, id)
}
