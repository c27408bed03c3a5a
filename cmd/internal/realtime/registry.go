package realtime

import (
	"log/slog"
	"os"
	"sync"
)

// Registry is the in-memory scope membership multimap.
//
// It maps each scope to the set of connection ids subscribed to it and keeps
// a reverse index so that removing a terminated connection is O(scopes held
// by that connection), not O(total scopes). The registry holds only
// back-references: session lifetime is owned by the gateway.
//
// A single mutex serializes mutations (gateway command paths) against reads
// (emission path); joins, leaves, and removals can race with concurrent
// emissions otherwise.
type Registry struct {
	log *slog.Logger

	mu      sync.RWMutex
	byScope map[Scope]map[string]struct{}
	byConn  map[string]map[Scope]struct{}
}

// NewRegistry constructs an empty Registry. A nil logger falls back to JSON
// on stdout, same as the gateway.
func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Registry{
		log:     log,
		byScope: make(map[Scope]map[string]struct{}),
		byConn:  make(map[string]map[Scope]struct{}),
	}
}

// Join subscribes a connection to a scope. Re-joining is a no-op.
func (r *Registry) Join(scope Scope, connID string) {
	if r == nil || connID == "" || scope.Kind == 0 {
		return
	}

	r.mu.Lock()
	members := r.byScope[scope]
	if members == nil {
		members = make(map[string]struct{})
		r.byScope[scope] = members
	}
	if _, ok := members[connID]; ok {
		r.mu.Unlock()
		return
	}
	members[connID] = struct{}{}

	held := r.byConn[connID]
	if held == nil {
		held = make(map[Scope]struct{})
		r.byConn[connID] = held
	}
	held[scope] = struct{}{}
	r.mu.Unlock()

	r.log.Info("registry.join", "scope", scope.String(), "connection_id", connID)
}

// Leave unsubscribes a connection from a scope. Leaving a scope the
// connection is not a member of is a no-op.
func (r *Registry) Leave(scope Scope, connID string) {
	if r == nil || connID == "" {
		return
	}

	r.mu.Lock()
	removed := r.removeLocked(scope, connID)
	r.mu.Unlock()

	if removed {
		r.log.Info("registry.leave", "scope", scope.String(), "connection_id", connID)
	}
}

// MembersOf returns a snapshot of the connection ids subscribed to scope.
func (r *Registry) MembersOf(scope Scope) []string {
	if r == nil {
		return nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.byScope[scope]
	if len(members) == 0 {
		return nil
	}
	out := make([]string, 0, len(members))
	for id := range members {
		out = append(out, id)
	}
	return out
}

// ScopesOf returns a snapshot of the scopes a connection currently holds.
func (r *Registry) ScopesOf(connID string) []Scope {
	if r == nil {
		return nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	held := r.byConn[connID]
	if len(held) == 0 {
		return nil
	}
	out := make([]Scope, 0, len(held))
	for s := range held {
		out = append(out, s)
	}
	return out
}

// IsMember reports whether the connection is subscribed to scope.
func (r *Registry) IsMember(scope Scope, connID string) bool {
	if r == nil {
		return false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.byScope[scope][connID]
	return ok
}

// RemoveConnection purges the connection from every scope it holds. Used on
// termination so that subsequent emissions never target it.
func (r *Registry) RemoveConnection(connID string) {
	if r == nil || connID == "" {
		return
	}

	r.mu.Lock()
	held := r.byConn[connID]
	scopes := make([]Scope, 0, len(held))
	for s := range held {
		scopes = append(scopes, s)
	}
	for _, s := range scopes {
		r.removeLocked(s, connID)
	}
	r.mu.Unlock()

	if len(scopes) > 0 {
		r.log.Info("registry.remove_connection", "connection_id", connID, "scopes", len(scopes))
	}
}

// removeLocked deletes one membership entry and prunes empty sets.
// Caller holds r.mu.
func (r *Registry) removeLocked(scope Scope, connID string) bool {
	members := r.byScope[scope]
	if _, ok := members[connID]; !ok {
		return false
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(r.byScope, scope)
	}

	held := r.byConn[connID]
	delete(held, scope)
	if len(held) == 0 {
		delete(r.byConn, connID)
	}
	return true
}
