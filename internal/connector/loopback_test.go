package connector

import (
	"context"
	"testing"
	"time"

	"github.com/sessium/sessiond/internal/clock"
	"github.com/sessium/sessiond/internal/credstore"
)

func TestLoopbackPairsThenOpens(t *testing.T) {
	clk := clock.NewManual(time.Unix(1000, 0))
	d := &LoopbackDialer{Clock: clk, OpenDelay: 50 * time.Millisecond}

	h, err := d.Dial(context.Background(), credstore.NewCredentials())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	var pairing []byte
	var saved *credstore.Credentials
	var status *Status
	h.On(EventPairing, func(p Payload) { pairing = p.Pairing })
	h.On(EventCredentials, func(p Payload) { saved = p.Credentials })
	h.On(EventStatus, func(p Payload) { status = p.Status })

	clk.Advance(50 * time.Millisecond)
	if len(pairing) == 0 {
		t.Fatalf("expected pairing artifact for unregistered credentials")
	}
	if status != nil {
		t.Fatalf("opened before pairing completed")
	}

	clk.Advance(50 * time.Millisecond)
	if saved == nil || !saved.Registered {
		t.Fatalf("expected registered credential update, got %+v", saved)
	}
	if status == nil || status.State != StateOpen {
		t.Fatalf("expected open status, got %+v", status)
	}
	if h.Identity() == "" {
		t.Fatalf("expected resolved identity")
	}
	if err := h.Send(context.Background(), "target", []byte("m")); err != nil {
		t.Fatalf("send while open: %v", err)
	}
}

func TestLoopbackRegisteredOpensDirectly(t *testing.T) {
	clk := clock.NewManual(time.Unix(1000, 0))
	d := &LoopbackDialer{Clock: clk, OpenDelay: 50 * time.Millisecond}

	h, err := d.Dial(context.Background(), &credstore.Credentials{Registered: true, Identity: "acct:1"})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	var pairing []byte
	var status *Status
	h.On(EventPairing, func(p Payload) { pairing = p.Pairing })
	h.On(EventStatus, func(p Payload) { status = p.Status })

	clk.Advance(50 * time.Millisecond)
	if len(pairing) != 0 {
		t.Fatalf("registered credentials should not re-pair")
	}
	if status == nil || status.State != StateOpen {
		t.Fatalf("expected open status, got %+v", status)
	}
	if h.Identity() != "acct:1" {
		t.Fatalf("identity not preserved: %q", h.Identity())
	}
}

func TestLoopbackLogoutStopsSends(t *testing.T) {
	clk := clock.NewManual(time.Unix(1000, 0))
	d := &LoopbackDialer{Clock: clk, OpenDelay: 50 * time.Millisecond}

	h, err := d.Dial(context.Background(), &credstore.Credentials{Registered: true})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	clk.Advance(50 * time.Millisecond)
	if err := h.Logout(context.Background()); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if err := h.Send(context.Background(), "target", []byte("m")); err == nil {
		t.Fatalf("send succeeded after logout")
	}
}
