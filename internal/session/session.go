// Package session owns the per-session lifecycle: one connector instance per
// session id, driven through connecting → open → closed by the connector's
// event stream, protected by a shared-store lease so at most one process in
// the fleet drives a given session at a time. Reconnects back off
// exponentially; authoritative closures (logged out, superseded) terminate
// the session instead of retrying.
package session

import (
	"time"

	"github.com/sessium/sessiond/internal/clock"
	"github.com/sessium/sessiond/internal/connector"
	"github.com/sessium/sessiond/internal/lease"

	"github.com/rs/xid"
)

// Status is the lifecycle state of a session record.
type Status string

const (
	StatusConnecting Status = "connecting"
	StatusOpen       Status = "open"
	StatusClosed     Status = "closed"
)

// NewID generates a fresh session identifier for callers that do not supply
// their own.
func NewID() string {
	return xid.New().String()
}

// Info is a point-in-time snapshot of a session record handed to callers
// outside the manager.
type Info struct {
	ID       string
	Status   Status
	Identity string
	// HasArtifact reports whether a pairing artifact is cached and available
	// for retrieval.
	HasArtifact bool
}

// backoffState tracks the active reconnection timer for one session.
// pending=true prevents duplicate scheduling; delay carries the current
// doubled-and-capped value and resets to zero when the connection opens.
type backoffState struct {
	delay   time.Duration
	pending bool
	timer   clock.Timer
}

// record is the in-memory session state. Exactly one record exists per id per
// process; all mutation happens under the manager lock.
type record struct {
	id       string
	status   Status
	handle   connector.Handle
	lease    *lease.Lease
	identity string
	pairing  []byte
	backoff  backoffState
}

func (r *record) info() Info {
	return Info{
		ID:          r.id,
		Status:      r.status,
		Identity:    r.identity,
		HasArtifact: len(r.pairing) > 0,
	}
}

// cancelTimer stops a pending backoff timer. Callers hold the manager lock.
func (r *record) cancelTimer() {
	if r.backoff.timer != nil {
		r.backoff.timer.Stop()
		r.backoff.timer = nil
	}
	r.backoff.pending = false
}
