package realtime

import (
	"log/slog"
	"time"

	v1 "waybill/shared/contracts/realtime/v1"
)

// Broadcaster is the fanout surface the emitter publishes through.
// *WSGateway implements it; tests substitute a recorder.
type Broadcaster interface {
	Broadcast(ev Event)
}

// Emitter is the fire-and-forget emission API handed to business-layer
// mutation handlers. Each method resolves the target-scope set for its event
// kind and publishes once; delivery to individual subscribers is best-effort
// and never reported back to the caller.
type Emitter struct {
	log *slog.Logger
	bus Broadcaster
}

// NewEmitter constructs an Emitter publishing through bus.
func NewEmitter(log *slog.Logger, bus Broadcaster) *Emitter {
	if log == nil {
		log = slog.Default()
	}
	return &Emitter{log: log, bus: bus}
}

// EmitStopStatusUpdate publishes a stop status change to the admin scope and
// the stop's route scope.
func (e *Emitter) EmitStopStatusUpdate(p v1.StopStatusChangedPayload) {
	e.publish(v1.TypeStopStatusChanged, p, []Scope{
		AdminScope(),
		RouteScope(p.RouteID),
	})
}

// EmitRouteStatusUpdate publishes a route status change to the admin scope,
// the route scope, and the assigned driver's scope.
func (e *Emitter) EmitRouteStatusUpdate(p v1.RouteStatusChangedPayload) {
	e.publish(v1.TypeRouteStatusChanged, p, []Scope{
		AdminScope(),
		RouteScope(p.RouteID),
		DriverScope(p.DriverID),
	})
}

// EmitAdminNoteCreated publishes a new admin note to the admin scope, the
// route scope, and the targeted driver's scope.
func (e *Emitter) EmitAdminNoteCreated(p v1.AdminNoteCreatedPayload) {
	e.publish(v1.TypeAdminNoteCreated, p, []Scope{
		AdminScope(),
		RouteScope(p.RouteID),
		DriverScope(p.DriverID),
	})
}

// EmitDriverLocationUpdate publishes a driver position sample to the admin
// scope and the driver's own scope. Route subscribers do not receive raw
// position samples.
func (e *Emitter) EmitDriverLocationUpdate(p v1.DriverLocationChangedPayload) {
	e.publish(v1.TypeDriverLocationChanged, p, []Scope{
		AdminScope(),
		DriverScope(p.DriverID),
	})
}

func (e *Emitter) publish(kind string, payload any, targets []Scope) {
	if e == nil || e.bus == nil {
		return
	}

	// Scopes with blank IDs come from payloads missing a route or driver
	// reference; they can never have members, so they are filtered here to
	// keep registry lookups clean.
	kept := targets[:0]
	for _, s := range targets {
		if s.Kind != ScopeKindAdmin && s.ID == "" {
			continue
		}
		kept = append(kept, s)
	}
	if len(kept) == 0 {
		e.log.Debug("emit.no_targets", "kind", kind)
		return
	}

	e.bus.Broadcast(Event{
		Kind:    kind,
		Payload: payload,
		Targets: kept,
		TS:      time.Now().UTC(),
	})
}
