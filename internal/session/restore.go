package session

import (
	"context"
	"errors"
	"sort"

	"github.com/sessium/sessiond/internal/credstore"
	"github.com/sessium/sessiond/internal/lease"
)

// RestoreAll rehydrates persisted sessions after a crash or redeploy. It
// enumerates session ids from the credential-blob and token-index namespaces,
// excludes ids whose lease is already held by a live owner, and drives each
// remaining candidate through Ensure. A candidate that turns out to be locked
// anyway (a race against another process starting up) is retried a bounded
// number of times with a fixed delay, then skipped. Individual failures are
// isolated and logged; RestoreAll itself never fails and returns the ids it
// restored.
func (m *Manager) RestoreAll(ctx context.Context) []string {
	candidates := make(map[string]struct{})
	for _, prefix := range []string{credstore.CredsPrefix, credstore.TokenIndexPrefix} {
		m.scanSessions(ctx, prefix, func(id string) {
			candidates[id] = struct{}{}
		})
	}
	m.scanSessions(ctx, lease.KeyPrefix, func(id string) {
		if _, ok := candidates[id]; ok {
			m.logger.Info("session.restore.skip_locked", "session", id)
			m.countRestore("skipped_locked")
		}
		delete(candidates, id)
	})

	ids := make([]string, 0, len(candidates))
	for id := range candidates {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	restored := make([]string, 0, len(ids))
	for _, id := range ids {
		if m.restoreOne(ctx, id) {
			restored = append(restored, id)
		}
	}
	m.logger.Info("session.restore.done", "candidates", len(ids), "restored", len(restored))
	return restored
}

func (m *Manager) restoreOne(ctx context.Context, id string) bool {
	for attempt := 0; ; attempt++ {
		_, err := m.Ensure(ctx, id, false)
		switch {
		case err == nil:
			m.logger.Info("session.restore.ok", "session", id, "attempts", attempt+1)
			m.countRestore("restored")
			return true
		case errors.Is(err, ErrLockedElsewhere):
			if attempt >= m.retries {
				m.logger.Info("session.restore.skip_locked", "session", id, "attempts", attempt+1)
				m.countRestore("skipped_locked")
				return false
			}
			m.clk.Sleep(m.retryDelay)
		default:
			m.logger.Warn("session.restore.failed", "session", id, "error", err)
			m.countRestore("failed")
			return false
		}
	}
}

// scanSessions pages through prefix and feeds each extracted session id to
// fn. Scan consistency is best-effort; a failed page aborts this prefix only.
func (m *Manager) scanSessions(ctx context.Context, prefix string, fn func(id string)) {
	cursor := ""
	for {
		page, err := m.store.Scan(ctx, prefix, cursor, m.scanPageSize)
		if err != nil {
			m.logger.Warn("session.restore.scan_failed", "prefix", prefix, "error", err)
			return
		}
		for _, key := range page.Keys {
			if id := credstore.SessionFromKey(prefix, key); id != "" {
				fn(id)
			}
		}
		if page.Cursor == "" {
			return
		}
		cursor = page.Cursor
	}
}

func (m *Manager) countRestore(result string) {
	if m.metrics != nil {
		m.metrics.RestoreResults.WithLabelValues(result).Inc()
	}
}
