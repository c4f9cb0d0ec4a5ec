package sessiond

import (
	"context"
	"errors"
	"testing"

	"github.com/sessium/sessiond/internal/connector/connectortest"
	"github.com/sessium/sessiond/internal/credstore"
	"github.com/sessium/sessiond/internal/session"
)

func newTestServer(t *testing.T) (*Server, *connectortest.Dialer) {
	t.Helper()
	dialer := connectortest.NewDialer()
	srv, err := NewServer(Config{
		Store:                 "mem://",
		Dialer:                dialer,
		DisableStartupRestore: true,
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return srv, dialer
}

func TestServerSessionLifecycle(t *testing.T) {
	srv, dialer := newTestServer(t)
	ctx := context.Background()
	if err := srv.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer srv.Shutdown(ctx)

	info, err := srv.CreateSession(ctx, "", false)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if info.ID == "" {
		t.Fatalf("expected generated session id")
	}
	if info.Status != session.StatusConnecting {
		t.Fatalf("unexpected status %s", info.Status)
	}

	dialer.Last().EmitOpen("acct:1")
	info, err = srv.SessionInfo(info.ID)
	if err != nil {
		t.Fatalf("session info: %v", err)
	}
	if info.Status != session.StatusOpen || info.Identity != "acct:1" {
		t.Fatalf("unexpected info %+v", info)
	}

	if err := srv.Send(ctx, info.ID, "target", []byte("hi")); err != nil {
		t.Fatalf("send: %v", err)
	}
	ids := srv.Sessions()
	if len(ids) != 1 || ids[0] != info.ID {
		t.Fatalf("unexpected session list %v", ids)
	}

	if err := srv.TerminateSession(ctx, info.ID); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if _, err := srv.SessionInfo(info.ID); !errors.Is(err, session.ErrUnknownSession) {
		t.Fatalf("expected unknown session after terminate, got %v", err)
	}
}

func TestServerTokens(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()

	if err := srv.RegisterToken(ctx, "s1", "tok-a"); err != nil {
		t.Fatalf("register token: %v", err)
	}
	tokens, err := srv.SessionTokens(ctx, "s1")
	if err != nil {
		t.Fatalf("session tokens: %v", err)
	}
	if len(tokens) != 1 || tokens[0] != "tok-a" {
		t.Fatalf("unexpected tokens %v", tokens)
	}
}

func TestServerRestoreOnDemand(t *testing.T) {
	srv, dialer := newTestServer(t)
	ctx := context.Background()

	// A prior process left a session behind: persisted credentials, no lock.
	if _, err := srv.CreateSession(ctx, "persisted", false); err != nil {
		t.Fatalf("create session: %v", err)
	}
	dialer.Last().EmitOpen("acct:1")
	srv.sessions.Shutdown(ctx)

	restored := srv.RestoreAll(ctx)
	if len(restored) != 0 {
		// Shutdown does not persist credentials by itself; nothing to restore
		// unless the connector reported them.
		t.Fatalf("unexpected restore of credential-less session: %v", restored)
	}

	// With credentials on record the session comes back.
	if err := srv.creds.Save(ctx, "persisted", &credstore.Credentials{Registered: true}); err != nil {
		t.Fatalf("seed creds: %v", err)
	}
	restored = srv.RestoreAll(ctx)
	if len(restored) != 1 || restored[0] != "persisted" {
		t.Fatalf("restore returned %v", restored)
	}
}

func TestServerStartIsSingleShot(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()
	if err := srv.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer srv.Shutdown(ctx)
	if err := srv.Start(ctx); err == nil {
		t.Fatalf("expected error on second start")
	}
}

func TestServerMetricsListener(t *testing.T) {
	dialer := connectortest.NewDialer()
	srv, err := NewServer(Config{
		Store:                 "mem://",
		Dialer:                dialer,
		MetricsListen:         "127.0.0.1:0",
		DisableStartupRestore: true,
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ctx := context.Background()
	if err := srv.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if srv.telemetry.listener == nil {
		t.Fatalf("expected metrics listener")
	}
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
