package sessiond

import (
	"fmt"
	"strings"

	"github.com/sessium/sessiond/internal/clock"
	"github.com/sessium/sessiond/internal/storage"
	"github.com/sessium/sessiond/internal/storage/disk"
	"github.com/sessium/sessiond/internal/storage/memory"
)

// openStore resolves the Store URL to a backend. Supported schemes:
//
//   - mem://            in-memory store, single-process only
//   - disk:///var/lib/… one file per key on a shared filesystem
func openStore(cfg *Config, clk clock.Clock) (storage.Backend, error) {
	raw := strings.TrimSpace(cfg.Store)
	scheme, rest, ok := strings.Cut(raw, "://")
	if !ok {
		return nil, fmt.Errorf("store: %q has no scheme (want mem:// or disk://)", raw)
	}
	switch scheme {
	case "mem":
		return memory.NewWithConfig(memory.Config{Clock: clk}), nil
	case "disk":
		if rest == "" {
			return nil, fmt.Errorf("store: disk:// requires a directory path")
		}
		return disk.New(disk.Config{Dir: rest, Clock: clk})
	default:
		return nil, fmt.Errorf("store: unknown scheme %q", scheme)
	}
}
