// Package v1 defines the Waybill Realtime Protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between server and clients to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is the websocket subprotocol negotiated at handshake time.
const Subprotocol = "waybill.realtime.v1"

// Type constants (wire-stable).
const (
	// TypeHello starts the session handshake and carries the bearer token
	// (client -> server). The token travels in the payload, not a header,
	// because the transport is not plain request/response.
	TypeHello = "hello"
	// TypeHelloAck acknowledges the handshake once the session is
	// authenticated (server -> client).
	TypeHelloAck = "hello_ack"

	// TypeReauthenticate carries a replacement token for a session whose
	// previous token expired (client -> server).
	TypeReauthenticate = "reauthenticate"
	// TypeReauthenticated reports the outcome of a reauthenticate command
	// (server -> client).
	TypeReauthenticated = "reauthenticated"

	// TypeAuthError reports an authentication failure (server -> client).
	TypeAuthError = "auth_error"

	// TypeScopeJoin subscribes the session to a scope (client -> server).
	TypeScopeJoin = "scope_join"
	// TypeScopeLeave unsubscribes the session from a scope (client -> server).
	TypeScopeLeave = "scope_leave"
	// TypeScopeJoined echoes an accepted scope join (server -> client).
	TypeScopeJoined = "scope_joined"
	// TypeScopeLeft echoes a scope leave (server -> client).
	TypeScopeLeft = "scope_left"

	// Business events (server -> scope members). Payloads are flat: only the
	// identifiers and fields a UI needs to patch local state, never the full
	// entity.
	TypeStopStatusChanged     = "stop_status_changed"
	TypeRouteStatusChanged    = "route_status_changed"
	TypeAdminNoteCreated      = "admin_note_created"
	TypeDriverLocationChanged = "driver_location_changed"

	// TypeError is a generic protocol error envelope (server -> client).
	TypeError = "error"
)

// Auth error types (wire-stable).
const (
	AuthErrTokenExpired      = "TOKEN_EXPIRED"
	AuthErrInvalidToken      = "INVALID_TOKEN"
	AuthErrVerificationError = "VERIFICATION_ERROR"
	AuthErrMissingToken      = "MISSING_TOKEN"
)

// Auth error codes refining the error type.
const (
	AuthCodeReauthTokenExpired = "REAUTH_TOKEN_EXPIRED"
)

// Scope kinds (wire-stable).
const (
	ScopeKindRoute  = "route"
	ScopeKindDriver = "driver"
	ScopeKindAdmin  = "admin"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHello,
		TypeHelloAck,
		TypeReauthenticate,
		TypeReauthenticated,
		TypeAuthError,
		TypeScopeJoin,
		TypeScopeLeave,
		TypeScopeJoined,
		TypeScopeLeft,
		TypeStopStatusChanged,
		TypeRouteStatusChanged,
		TypeAdminNoteCreated,
		TypeDriverLocationChanged,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ScopeRef identifies a subscription scope on the wire.
// ID is empty for the admin scope.
type ScopeRef struct {
	Kind string `json:"kind"`
	ID   string `json:"id,omitempty"`
}

// Validate checks the scope reference shape.
func (s ScopeRef) Validate() error {
	switch s.Kind {
	case ScopeKindRoute, ScopeKindDriver:
		if strings.TrimSpace(s.ID) == "" {
			return fmt.Errorf("missing id for scope kind %q", s.Kind)
		}
		return nil
	case ScopeKindAdmin:
		return nil
	default:
		return fmt.Errorf("unknown scope kind: %q", s.Kind)
	}
}

// ---- Handshake payloads ----

// HelloPayload initiates a session and carries the bearer token.
type HelloPayload struct {
	Token string `json:"token"`
}

// HelloAckPayload acknowledges a successful handshake.
type HelloAckPayload struct {
	ConnectionID string `json:"connection_id"`
	SubjectID    string `json:"subject_id"`
	Role         string `json:"role"`
}

// ReauthenticatePayload carries a replacement token.
type ReauthenticatePayload struct {
	Token string `json:"token"`
}

// ReauthenticatedPayload reports a reauthentication outcome.
type ReauthenticatedPayload struct {
	Success bool `json:"success"`
}

// AuthErrorPayload reports an authentication failure.
type AuthErrorPayload struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// ---- Scope payloads ----

// ScopeJoinPayload requests membership in a scope.
type ScopeJoinPayload struct {
	Scope ScopeRef `json:"scope"`
}

// ScopeLeavePayload requests leaving a scope.
type ScopeLeavePayload struct {
	Scope ScopeRef `json:"scope"`
}

// ScopeJoinedPayload echoes an accepted scope join.
type ScopeJoinedPayload struct {
	Scope ScopeRef `json:"scope"`
}

// ScopeLeftPayload echoes a scope leave.
type ScopeLeftPayload struct {
	Scope ScopeRef `json:"scope"`
}

// ---- Business event payloads ----

// StopStatusChangedPayload notifies that a stop's delivery status changed.
type StopStatusChangedPayload struct {
	StopID    string    `json:"stop_id"`
	RouteID   string    `json:"route_id"`
	DriverID  string    `json:"driver_id,omitempty"`
	Status    string    `json:"status"`
	Note      string    `json:"note,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RouteStatusChangedPayload notifies that a route's status changed.
type RouteStatusChangedPayload struct {
	RouteID   string    `json:"route_id"`
	DriverID  string    `json:"driver_id,omitempty"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AdminNoteCreatedPayload notifies that an administrator attached a note to a stop.
type AdminNoteCreatedPayload struct {
	NoteID    string    `json:"note_id"`
	StopID    string    `json:"stop_id"`
	RouteID   string    `json:"route_id"`
	DriverID  string    `json:"driver_id,omitempty"`
	AdminID   string    `json:"admin_id"`
	Note      string    `json:"note"`
	CreatedAt time.Time `json:"created_at"`
}

// DriverLocationChangedPayload notifies about a driver position update.
type DriverLocationChangedPayload struct {
	DriverID   string    `json:"driver_id"`
	Lat        float64   `json:"lat"`
	Lng        float64   `json:"lng"`
	RecordedAt time.Time `json:"recorded_at"`
}

// ErrorPayload is a generic protocol error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
