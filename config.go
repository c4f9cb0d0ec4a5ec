package sessiond

import (
	"fmt"
	"strings"
	"time"

	"pkt.systems/pslog"

	"github.com/sessium/sessiond/internal/clock"
	"github.com/sessium/sessiond/internal/connector"
)

const (
	// DefaultStore points the server at the in-memory backend when no store
	// is provided.
	DefaultStore = "mem://"
	// DefaultMetricsListen is the default metrics endpoint (Prometheus
	// scrape). Empty disables the listener.
	DefaultMetricsListen = ""
	// DefaultLockTTL is the session lease lifetime. It bounds the unsafe
	// double-ownership window after a holder crash.
	DefaultLockTTL = 15 * time.Second
	// DefaultLockRenewInterval is the renew-loop cadence; it must stay
	// strictly below the TTL so a healthy holder never expires.
	DefaultLockRenewInterval = 5 * time.Second
	// DefaultReconnectMinDelay seeds the reconnect backoff.
	DefaultReconnectMinDelay = 2 * time.Second
	// DefaultReconnectMaxDelay caps the reconnect backoff.
	DefaultReconnectMaxDelay = 30 * time.Second
	// DefaultReconnectJitter keeps the doubling sequence exact; set a
	// fraction in (0,1] to stagger fleet-wide reconnect storms.
	DefaultReconnectJitter = 0.0
	// DefaultRestoreScanPageSize caps keys fetched per restore-scan page.
	DefaultRestoreScanPageSize = 128
	// DefaultRestoreRetries bounds retries against a session locked by a
	// concurrently starting process.
	DefaultRestoreRetries = 3
	// DefaultRestoreRetryDelay is the fixed wait between those retries.
	DefaultRestoreRetryDelay = 500 * time.Millisecond
	// DefaultRestoreStartupDelay postpones the startup restore scan so the
	// process finishes initialising before it starts dialing connectors.
	DefaultRestoreStartupDelay = 2 * time.Second
	// DefaultStorageRetryMaxAttempts describes how many transient storage
	// errors are retried.
	DefaultStorageRetryMaxAttempts = 6
	// DefaultStorageRetryBaseDelay configures the base delay between storage
	// retries.
	DefaultStorageRetryBaseDelay = 100 * time.Millisecond
	// DefaultStorageRetryMaxDelay caps the exponential backoff between
	// storage retries.
	DefaultStorageRetryMaxDelay = 5 * time.Second
	// DefaultStorageRetryMultiplier defines the exponential backoff ratio.
	DefaultStorageRetryMultiplier = 2.0
)

// Config drives NewServer. The zero value plus a Dialer is a working
// in-memory configuration; Validate fills defaults and rejects invalid
// combinations instead of silently clamping them.
type Config struct {
	// Store selects the shared backend by URL (mem://, disk:///path).
	Store string
	// Dialer constructs connector handles; required. The protocol client is
	// an external collaborator and never part of this repository.
	Dialer connector.Dialer
	// Logger receives structured logs; nil disables logging.
	Logger pslog.Logger
	// Clock overrides time for tests.
	Clock clock.Clock

	// MetricsListen exposes Prometheus metrics and /healthz when non-empty.
	MetricsListen string

	// LockTTL is the session lease lifetime in the shared store.
	LockTTL time.Duration
	// LockRenewInterval is the lease renew cadence; strictly below LockTTL.
	LockRenewInterval time.Duration

	// ReconnectMinDelay seeds the per-session reconnect backoff.
	ReconnectMinDelay time.Duration
	// ReconnectMaxDelay caps the per-session reconnect backoff.
	ReconnectMaxDelay time.Duration
	// ReconnectJitter adds up to this fraction of the delay as random extra
	// wait; must be within [0, 1].
	ReconnectJitter float64

	// RestoreScanPageSize caps keys fetched per restore-scan page.
	RestoreScanPageSize int
	// RestoreRetries bounds lock-contention retries per restored session.
	RestoreRetries int
	// RestoreRetryDelay is the fixed wait between those retries.
	RestoreRetryDelay time.Duration
	// RestoreStartupDelay postpones the automatic restore scan after Start.
	RestoreStartupDelay time.Duration
	// DisableStartupRestore skips the automatic scan; RestoreAll stays
	// available on demand.
	DisableStartupRestore bool

	// StorageRetryMaxAttempts caps transient backend retry attempts.
	StorageRetryMaxAttempts int
	// StorageRetryBaseDelay is the exponential retry base delay for backend
	// operations.
	StorageRetryBaseDelay time.Duration
	// StorageRetryMaxDelay caps backend retry backoff.
	StorageRetryMaxDelay time.Duration
	// StorageRetryMultiplier is the exponential growth factor for backend
	// retries.
	StorageRetryMultiplier float64
}

// Validate normalizes defaults and fails fast on invalid values.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Store) == "" {
		c.Store = DefaultStore
	}
	if c.Dialer == nil {
		return fmt.Errorf("config: dialer is required")
	}
	if c.LockTTL == 0 {
		c.LockTTL = DefaultLockTTL
	} else if c.LockTTL < 0 {
		return fmt.Errorf("config: lock ttl must be > 0")
	}
	if c.LockRenewInterval == 0 {
		c.LockRenewInterval = DefaultLockRenewInterval
	} else if c.LockRenewInterval < 0 {
		return fmt.Errorf("config: lock renew interval must be > 0")
	}
	if c.LockRenewInterval >= c.LockTTL {
		return fmt.Errorf("config: lock renew interval must be < lock ttl")
	}
	if c.ReconnectMinDelay == 0 {
		c.ReconnectMinDelay = DefaultReconnectMinDelay
	} else if c.ReconnectMinDelay < 0 {
		return fmt.Errorf("config: reconnect min delay must be > 0")
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = DefaultReconnectMaxDelay
	} else if c.ReconnectMaxDelay < 0 {
		return fmt.Errorf("config: reconnect max delay must be > 0")
	}
	if c.ReconnectMaxDelay < c.ReconnectMinDelay {
		return fmt.Errorf("config: reconnect max delay must be >= min delay")
	}
	if c.ReconnectJitter < 0 || c.ReconnectJitter > 1 {
		return fmt.Errorf("config: reconnect jitter must be within [0, 1]")
	}
	if c.RestoreScanPageSize == 0 {
		c.RestoreScanPageSize = DefaultRestoreScanPageSize
	} else if c.RestoreScanPageSize < 0 {
		return fmt.Errorf("config: restore scan page size must be > 0")
	}
	if c.RestoreRetries == 0 {
		c.RestoreRetries = DefaultRestoreRetries
	} else if c.RestoreRetries < 0 {
		return fmt.Errorf("config: restore retries must be >= 0")
	}
	if c.RestoreRetryDelay == 0 {
		c.RestoreRetryDelay = DefaultRestoreRetryDelay
	} else if c.RestoreRetryDelay < 0 {
		return fmt.Errorf("config: restore retry delay must be > 0")
	}
	if c.RestoreStartupDelay == 0 {
		c.RestoreStartupDelay = DefaultRestoreStartupDelay
	} else if c.RestoreStartupDelay < 0 {
		return fmt.Errorf("config: restore startup delay must be >= 0")
	}
	if c.StorageRetryMaxAttempts == 0 {
		c.StorageRetryMaxAttempts = DefaultStorageRetryMaxAttempts
	} else if c.StorageRetryMaxAttempts < 0 {
		return fmt.Errorf("config: storage retry max attempts must be > 0")
	}
	if c.StorageRetryBaseDelay == 0 {
		c.StorageRetryBaseDelay = DefaultStorageRetryBaseDelay
	} else if c.StorageRetryBaseDelay < 0 {
		return fmt.Errorf("config: storage retry base delay must be > 0")
	}
	if c.StorageRetryMaxDelay == 0 {
		c.StorageRetryMaxDelay = DefaultStorageRetryMaxDelay
	} else if c.StorageRetryMaxDelay < 0 {
		return fmt.Errorf("config: storage retry max delay must be > 0")
	}
	if c.StorageRetryMultiplier == 0 {
		c.StorageRetryMultiplier = DefaultStorageRetryMultiplier
	} else if c.StorageRetryMultiplier < 1 {
		return fmt.Errorf("config: storage retry multiplier must be >= 1")
	}
	return nil
}
