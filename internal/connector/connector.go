// Package connector defines the contract with the external protocol client.
// The connector is a black box: sessiond dials it with persisted credentials,
// forwards sends, and reacts to its three event streams. Nothing in this
// repository implements the protocol itself.
package connector

import (
	"context"

	"github.com/sessium/sessiond/internal/credstore"
)

// Event names a connector callback stream.
type Event string

const (
	// EventCredentials fires when the connector updates its authentication
	// state; the payload is the refreshed credential blob to persist.
	EventCredentials Event = "credentials"
	// EventStatus fires on connection state changes; the payload is a Status.
	EventStatus Event = "status"
	// EventPairing fires when the connector emits a fresh pairing artifact
	// (for example a scannable code) during initial authentication.
	EventPairing Event = "pairing"
)

// State is the connector's reported connection state.
type State string

const (
	StateConnecting State = "connecting"
	StateOpen       State = "open"
	StateClosed     State = "closed"
)

// Cause classifies why a connection closed.
type Cause string

const (
	// CauseLoggedOut means the account logged this device out; credentials
	// are no longer valid for the identity.
	CauseLoggedOut Cause = "logged-out"
	// CauseSuperseded means another connection took over the session.
	CauseSuperseded Cause = "superseded"
	CauseTimeout    Cause = "timeout"
	CauseNetwork    Cause = "network"
	CauseUnknown    Cause = "unknown"
)

// Authoritative reports whether the cause is terminal for the session id:
// reconnecting is pointless because the credentials were invalidated.
func (c Cause) Authoritative() bool {
	return c == CauseLoggedOut || c == CauseSuperseded
}

// Status is the payload of EventStatus.
type Status struct {
	State State
	Cause Cause
}

// Payload carries one event delivery. Exactly one field is set, matching the
// event the callback was registered for.
type Payload struct {
	Credentials *credstore.Credentials
	Status      *Status
	Pairing     []byte
}

// Handle is a live connector instance bound to one session's credentials.
type Handle interface {
	// Send delivers payload to target over the live connection.
	Send(ctx context.Context, target string, payload []byte) error
	// Logout invalidates the connector's registration with the remote end.
	Logout(ctx context.Context) error
	// Identity returns the account identity resolved by the connector, empty
	// until the connection opens.
	Identity() string
	// On registers the callback for event, replacing any previous one.
	On(event Event, fn func(Payload))
	// Off removes the callback for event.
	Off(event Event)
}

// Dialer constructs connector handles. Implementations start connecting
// immediately; progress is reported through the handle's event callbacks.
type Dialer interface {
	Dial(ctx context.Context, creds *credstore.Credentials) (Handle, error)
}
