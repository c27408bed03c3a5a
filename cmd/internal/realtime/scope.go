package realtime

import (
	"fmt"

	"waybill/cmd/internal/auth/token"
	v1 "waybill/shared/contracts/realtime/v1"
)

// ScopeKind discriminates subscription scope variants.
type ScopeKind uint8

// Scope kinds.
const (
	ScopeKindRoute ScopeKind = iota + 1
	ScopeKindDriver
	ScopeKindAdmin
)

func (k ScopeKind) String() string {
	switch k {
	case ScopeKindRoute:
		return v1.ScopeKindRoute
	case ScopeKindDriver:
		return v1.ScopeKindDriver
	case ScopeKindAdmin:
		return v1.ScopeKindAdmin
	default:
		return "unknown"
	}
}

// Scope is a multicast target: a specific route, a specific driver, or the
// shared admin scope. The zero value is not a valid scope. Scope is
// comparable and used directly as a registry key.
type Scope struct {
	Kind ScopeKind
	ID   string
}

// RouteScope returns the scope for one route.
func RouteScope(routeID string) Scope { return Scope{Kind: ScopeKindRoute, ID: routeID} }

// DriverScope returns the scope for one driver.
func DriverScope(driverID string) Scope { return Scope{Kind: ScopeKindDriver, ID: driverID} }

// AdminScope returns the shared administrator scope.
func AdminScope() Scope { return Scope{Kind: ScopeKindAdmin} }

func (s Scope) String() string {
	if s.ID == "" {
		return s.Kind.String()
	}
	return s.Kind.String() + ":" + s.ID
}

// Ref converts the scope to its wire representation.
func (s Scope) Ref() v1.ScopeRef {
	return v1.ScopeRef{Kind: s.Kind.String(), ID: s.ID}
}

// ScopeFromRef parses a wire scope reference.
func ScopeFromRef(ref v1.ScopeRef) (Scope, error) {
	if err := ref.Validate(); err != nil {
		return Scope{}, err
	}
	switch ref.Kind {
	case v1.ScopeKindRoute:
		return RouteScope(ref.ID), nil
	case v1.ScopeKindDriver:
		return DriverScope(ref.ID), nil
	case v1.ScopeKindAdmin:
		return AdminScope(), nil
	default:
		return Scope{}, fmt.Errorf("unknown scope kind: %q", ref.Kind)
	}
}

// DefaultScopes returns the role-implied scopes a session joins on
// (re)authentication: drivers get their own driver scope, administrators get
// the shared admin scope.
func DefaultScopes(claims token.Claims) []Scope {
	if claims.Role.IsAdmin() {
		return []Scope{AdminScope()}
	}
	if claims.Role == token.RoleDriver {
		return []Scope{DriverScope(claims.SubjectID)}
	}
	return nil
}
