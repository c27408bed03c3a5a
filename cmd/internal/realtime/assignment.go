package realtime

import (
	"context"
	"strings"
	"sync"
)

// AssignmentStore is the authorization boundary for route scope joins: a
// driver may subscribe to a route's scope only while assigned to that route.
// Administrators bypass this check entirely.
type AssignmentStore interface {
	// IsAssigned returns true if driverID is currently assigned to routeID.
	IsAssigned(ctx context.Context, driverID, routeID string) (bool, error)
}

// MemoryAssignmentStore is a dev/test fallback when the DB is not configured.
type MemoryAssignmentStore struct {
	mu     sync.RWMutex
	routes map[string]map[string]struct{} // driver_id -> route_id set
}

// NewMemoryAssignmentStore constructs an empty in-memory assignment store.
func NewMemoryAssignmentStore() *MemoryAssignmentStore {
	return &MemoryAssignmentStore{routes: make(map[string]map[string]struct{})}
}

// Assign records a driver-route assignment.
func (s *MemoryAssignmentStore) Assign(driverID, routeID string) {
	driverID = strings.TrimSpace(driverID)
	routeID = strings.TrimSpace(routeID)
	if driverID == "" || routeID == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	set := s.routes[driverID]
	if set == nil {
		set = make(map[string]struct{})
		s.routes[driverID] = set
	}
	set[routeID] = struct{}{}
}

// Unassign removes a driver-route assignment.
func (s *MemoryAssignmentStore) Unassign(driverID, routeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.routes[driverID], routeID)
}

// IsAssigned checks if driverID is assigned to routeID.
func (s *MemoryAssignmentStore) IsAssigned(_ context.Context, driverID, routeID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.routes[driverID][routeID]
	return ok, nil
}
