package connector

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/xid"

	"github.com/sessium/sessiond/internal/clock"
	"github.com/sessium/sessiond/internal/credstore"
)

// LoopbackDialer is a development stand-in for the real protocol client. An
// unregistered session first emits a pairing artifact, then "pairs" itself
// and opens; a registered session opens directly. Sends succeed while open.
// It exists so the server binary and local deployments can exercise the full
// session lifecycle without the proprietary connector linked in.
type LoopbackDialer struct {
	// OpenDelay is the simulated connect latency per stage.
	OpenDelay time.Duration
	Clock     clock.Clock
}

// Dial starts a loopback connection bound to creds.
func (d *LoopbackDialer) Dial(_ context.Context, creds *credstore.Credentials) (Handle, error) {
	clk := d.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	delay := d.OpenDelay
	if delay <= 0 {
		delay = 50 * time.Millisecond
	}
	h := &loopbackHandle{
		callbacks: make(map[Event]func(Payload)),
	}
	registered := creds.Registered
	identity := creds.Identity
	if identity == "" {
		identity = "loopback:" + xid.New().String()
	}
	clk.AfterFunc(delay, func() {
		if !registered {
			h.emit(EventPairing, Payload{Pairing: []byte("loopback-pair-" + xid.New().String())})
			clk.AfterFunc(delay, func() {
				h.emit(EventCredentials, Payload{Credentials: &credstore.Credentials{
					Registered: true,
					Identity:   identity,
				}})
				h.open(identity)
			})
			return
		}
		h.open(identity)
	})
	return h, nil
}

type loopbackHandle struct {
	mu        sync.Mutex
	callbacks map[Event]func(Payload)
	identity  string
	isOpen    bool
	loggedOut bool
}

func (h *loopbackHandle) open(identity string) {
	h.mu.Lock()
	if h.loggedOut {
		h.mu.Unlock()
		return
	}
	h.identity = identity
	h.isOpen = true
	h.mu.Unlock()
	h.emit(EventStatus, Payload{Status: &Status{State: StateOpen}})
}

func (h *loopbackHandle) emit(event Event, p Payload) {
	h.mu.Lock()
	fn := h.callbacks[event]
	h.mu.Unlock()
	if fn != nil {
		fn(p)
	}
}

// Send succeeds while the loopback connection is open.
func (h *loopbackHandle) Send(_ context.Context, target string, _ []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.isOpen {
		return fmt.Errorf("loopback: not open (target %q)", target)
	}
	return nil
}

// Logout closes the loopback connection for good.
func (h *loopbackHandle) Logout(context.Context) error {
	h.mu.Lock()
	h.isOpen = false
	h.loggedOut = true
	h.mu.Unlock()
	return nil
}

// Identity returns the resolved loopback identity, empty until open.
func (h *loopbackHandle) Identity() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.identity
}

// On registers the callback for event, replacing any previous one.
func (h *loopbackHandle) On(event Event, fn func(Payload)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.callbacks[event] = fn
}

// Off removes the callback for event.
func (h *loopbackHandle) Off(event Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.callbacks, event)
}
