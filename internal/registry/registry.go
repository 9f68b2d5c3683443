// Package registry implements the agent registry: an in-memory map of
// DID to agent handle plus a lazily-created, cached storage handle per
// owned DID. Shared resources (the handle map and the storage cache) are
// guarded by a single reader-writer lock, per the concurrency model's
// "registry and storage-handle cache guarded by a reader-writer lock" rule.
//
// Called by: internal/pipeline (ownership checks), internal/router
// (internal-handoff routing), node.go (RegisterAgent)
// Calls: internal/storage, internal/events
package registry

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/tap-rsvp/tap-node/internal/events"
	"github.com/tap-rsvp/tap-node/internal/storage"
)

// Handle is a registered agent: the DID it's identified by plus whatever
// capability metadata the host supplies at registration time.
type Handle struct {
	DID          string
	Capabilities []string

	// KeyRef names the key material (held by the node's crypto.KeyOps
	// implementation) this agent decrypts and signs with. Declared as a
	// plain string rather than importing internal/crypto, since
	// crypto.KeyRef is itself string-based and the registry has no other
	// reason to depend on the crypto package.
	KeyRef string
}

// ResourceError reports a registry that has reached its configured ceiling.
type ResourceError struct {
	Reason string
}

func (e *ResourceError) Error() string { return fmt.Sprintf("registry: %s", e.Reason) }

// Registry is the node's shared agent registry and storage-handle cache.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*Handle
	stores map[string]*storage.Store

	root         string
	dbConns      int
	limit        int
	legacyDBPath string
	bus          *events.Bus
}

// New builds a Registry rooted at root (the per-agent storage directory
// base), capped at limit registered agents, sizing each storage pool with
// dbConns connections, and publishing AgentRegistered/AgentUnregistered to
// bus.
func New(root string, limit, dbConns int, legacyDBPath string, bus *events.Bus) *Registry {
	return &Registry{
		agents:       make(map[string]*Handle),
		stores:       make(map[string]*storage.Store),
		root:         root,
		dbConns:      dbConns,
		limit:        limit,
		legacyDBPath: legacyDBPath,
		bus:          bus,
	}
}

// Register adds a new agent handle, failing with ResourceError if the
// registration ceiling is already reached.
func (r *Registry) Register(h *Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[h.DID]; exists {
		r.agents[h.DID] = h
		return nil
	}
	if len(r.agents) >= r.limit {
		return &ResourceError{Reason: fmt.Sprintf("registration ceiling %d reached", r.limit)}
	}
	r.agents[h.DID] = h

	if r.bus != nil {
		r.bus.Publish(events.Event{Kind: events.KindAgentRegistered, AgentDID: h.DID})
	}
	return nil
}

// Unregister removes an agent handle. Its cached storage handle, if any, is
// left open (in-flight operations may still reference it); it is closed on
// node shutdown, not here.
func (r *Registry) Unregister(did string) {
	r.mu.Lock()
	_, existed := r.agents[did]
	delete(r.agents, did)
	r.mu.Unlock()

	if existed && r.bus != nil {
		r.bus.Publish(events.Event{Kind: events.KindAgentUnregistered, AgentDID: did})
	}
}

// Get returns the handle for did, if registered.
func (r *Registry) Get(did string) (*Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.agents[did]
	return h, ok
}

// ListDIDs returns every currently registered DID.
func (r *Registry) ListDIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.agents))
	for did := range r.agents {
		out = append(out, did)
	}
	return out
}

// StorageFor returns the storage handle owned by did, lazily opening (and
// caching) its database file on first access.
func (r *Registry) StorageFor(did string) (*storage.Store, error) {
	r.mu.RLock()
	if s, ok := r.stores[did]; ok {
		r.mu.RUnlock()
		return s, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.stores[did]; ok {
		return s, nil
	}

	path := r.legacyDBPath
	if path == "" {
		path = filepath.Join(r.root, storage.Sanitize(did), "transactions.db")
	}
	s, err := storage.Open(path, r.dbConns)
	if err != nil {
		return nil, err
	}
	s.DID = did
	r.stores[did] = s
	return s, nil
}

// CloseAll closes every cached storage handle, used during node shutdown's
// drain phase.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for did, s := range r.stores {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing storage for %s: %w", did, err)
		}
	}
	return firstErr
}
