// Package sessiond multiplexes many long-lived, stateful protocol sessions
// behind an embeddable server, coordinating an arbitrary number of processes
// over a shared key-value store. Each session owns one connector instance (an
// opaque client for the real-time messaging protocol); a TTL lease in the
// shared store guarantees that at most one process drives a given session at
// a time, persisted credentials survive crashes and redeploys without fresh
// pairing, and transient disconnects trigger bounded exponential-backoff
// reconnection instead of thundering-herd retries or silent death.
//
// # Running a server
//
//	cfg := sessiond.Config{
//	    Store:  "disk:///var/lib/sessiond",
//	    Dialer: myConnectorDialer,
//	}
//	srv, err := sessiond.NewServer(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := srv.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer srv.Shutdown(context.Background())
//
// Start arms a delayed restore scan that rehydrates every session persisted
// in the store, skipping the ones another live process already holds a lease
// on. The HTTP facade, request authentication, and the protocol connector
// itself are external collaborators: the facade routes REST calls onto
// Server methods (CreateSession, Send, PairingArtifact, TerminateSession),
// and the connector is supplied as a connector.Dialer.
//
// # Exclusivity model
//
// Mutual exclusion is lease-based, not consensual: a lease is a random token
// written with a TTL under a conditional create, renewed and released only
// while the stored value still equals the token. A crashed holder's lease
// expires passively, so the maximum double-ownership window after a crash is
// the lease TTL plus network latency. That bound is acceptable because the
// protected resource is a single external socket per session, where brief
// double-ownership causes duplicate traffic, not corruption.
package sessiond
