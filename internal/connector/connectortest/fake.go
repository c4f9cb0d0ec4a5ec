// Package connectortest provides a scripted connector implementation for the
// session test suite.
package connectortest

import (
	"context"
	"errors"
	"sync"

	"github.com/sessium/sessiond/internal/connector"
	"github.com/sessium/sessiond/internal/credstore"
)

// Dialer fabricates Handle values and records every dial.
type Dialer struct {
	mu      sync.Mutex
	handles []*Handle
	// DialErr, when set, fails the next Dial and then clears itself.
	DialErr error
	// FailDials fails every Dial while positive, decrementing per call.
	FailDials int
}

// NewDialer returns an empty fake dialer.
func NewDialer() *Dialer {
	return &Dialer{}
}

// Dial returns a fresh handle bound to creds.
func (d *Dialer) Dial(_ context.Context, creds *credstore.Credentials) (connector.Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.DialErr != nil {
		err := d.DialErr
		d.DialErr = nil
		return nil, err
	}
	if d.FailDials > 0 {
		d.FailDials--
		return nil, errors.New("connectortest: dial refused")
	}
	h := &Handle{
		creds:     creds,
		callbacks: make(map[connector.Event]func(connector.Payload)),
	}
	d.handles = append(d.handles, h)
	return h, nil
}

// Dials returns how many handles have been created.
func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.handles)
}

// Last returns the most recently dialed handle, or nil.
func (d *Dialer) Last() *Handle {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.handles) == 0 {
		return nil
	}
	return d.handles[len(d.handles)-1]
}

// Handle is a scripted connector.Handle. Tests drive it by emitting events.
type Handle struct {
	mu        sync.Mutex
	creds     *credstore.Credentials
	callbacks map[connector.Event]func(connector.Payload)
	identity  string

	sent      [][3]string
	logouts   int
	LogoutErr error
	SendErr   error
}

// Send records the delivery.
func (h *Handle) Send(_ context.Context, target string, payload []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.SendErr != nil {
		return h.SendErr
	}
	h.sent = append(h.sent, [3]string{target, string(payload), ""})
	return nil
}

// Logout records the call and returns LogoutErr.
func (h *Handle) Logout(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.logouts++
	return h.LogoutErr
}

// Identity returns the scripted identity.
func (h *Handle) Identity() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.identity
}

// On registers fn for event.
func (h *Handle) On(event connector.Event, fn func(connector.Payload)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.callbacks[event] = fn
}

// Off removes the callback for event.
func (h *Handle) Off(event connector.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.callbacks, event)
}

// Subscribed reports whether a callback is registered for event.
func (h *Handle) Subscribed(event connector.Event) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.callbacks[event]
	return ok
}

// Sent returns the recorded (target, payload) deliveries.
func (h *Handle) Sent() [][3]string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([][3]string(nil), h.sent...)
}

// Logouts returns how many times Logout was invoked.
func (h *Handle) Logouts() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.logouts
}

func (h *Handle) callback(event connector.Event) func(connector.Payload) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.callbacks[event]
}

// EmitOpen scripts a successful open with the given identity.
func (h *Handle) EmitOpen(identity string) {
	h.mu.Lock()
	h.identity = identity
	h.mu.Unlock()
	h.EmitStatus(connector.Status{State: connector.StateOpen})
}

// EmitClose scripts a closure with the given cause.
func (h *Handle) EmitClose(cause connector.Cause) {
	h.EmitStatus(connector.Status{State: connector.StateClosed, Cause: cause})
}

// EmitStatus delivers a raw status event.
func (h *Handle) EmitStatus(status connector.Status) {
	if fn := h.callback(connector.EventStatus); fn != nil {
		fn(connector.Payload{Status: &status})
	}
}

// EmitPairing delivers a pairing artifact.
func (h *Handle) EmitPairing(artifact []byte) {
	if fn := h.callback(connector.EventPairing); fn != nil {
		fn(connector.Payload{Pairing: artifact})
	}
}

// EmitCredentials delivers a credential-update event.
func (h *Handle) EmitCredentials(creds *credstore.Credentials) {
	if fn := h.callback(connector.EventCredentials); fn != nil {
		fn(connector.Payload{Credentials: creds})
	}
}
