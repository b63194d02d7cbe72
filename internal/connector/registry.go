// Package connector hosts the fixed set of recognized agent adapters and
// the registry the ingest orchestrator (C11) uses to discover sessions
// across all of them, mirroring contextd's own services registry pattern
// for wiring named providers without a central switch statement.
package connector

import (
	"fmt"
	"sort"
	"sync"

	"github.com/fyrsmithlabs/cass/pkg/connectorsdk"
)

// Registry holds every registered connectorsdk.Adapter, keyed by its
// AgentSlug. Registration happens once at startup from each adapter
// package's init, matching spec.md §3's "Agent... Fixed set; reconciled
// at startup."
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]connectorsdk.Adapter
}

var global = &Registry{adapters: make(map[string]connectorsdk.Adapter)}

// Register adds an adapter to the global registry. Adapter packages call
// this from an init() function; registering the same slug twice panics,
// since that indicates two compiled-in adapters claim the same agent.
func Register(a connectorsdk.Adapter) {
	global.mu.Lock()
	defer global.mu.Unlock()
	slug := a.AgentSlug()
	if _, exists := global.adapters[slug]; exists {
		panic(fmt.Sprintf("connector: duplicate registration for agent slug %q", slug))
	}
	global.adapters[slug] = a
}

// All returns every registered adapter, sorted by agent slug for
// deterministic iteration order (startup reconciliation, CLI listing).
func All() []connectorsdk.Adapter {
	global.mu.RLock()
	defer global.mu.RUnlock()
	out := make([]connectorsdk.Adapter, 0, len(global.adapters))
	for _, a := range global.adapters {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentSlug() < out[j].AgentSlug() })
	return out
}

// Lookup returns the adapter registered for slug, or false if none is.
func Lookup(slug string) (connectorsdk.Adapter, bool) {
	global.mu.RLock()
	defer global.mu.RUnlock()
	a, ok := global.adapters[slug]
	return a, ok
}

// Detected returns every registered adapter whose Detect reports true for
// root, used by `cass index` to pick which connectors to run without an
// explicit --agent flag.
func Detected(root string) []connectorsdk.Adapter {
	var out []connectorsdk.Adapter
	for _, a := range All() {
		if a.Detect(root) {
			out = append(out, a)
		}
	}
	return out
}
