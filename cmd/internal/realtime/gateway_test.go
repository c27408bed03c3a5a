package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"waybill/cmd/internal/auth/token"
	v1 "waybill/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func newTestTokens(t *testing.T, ttl time.Duration) token.Manager {
	t.Helper()

	cfg := token.DefaultConfig()
	cfg.Secret = []byte(testSecret)
	if ttl > 0 {
		cfg.TTL = ttl
	}

	m, err := token.NewHMACManager(cfg)
	if err != nil {
		t.Fatalf("NewHMACManager: %v", err)
	}
	return m
}

func issueToken(t *testing.T, m token.Manager, subjectID string, role token.Role, now time.Time) string {
	t.Helper()
	tok, _, err := m.Issue(subjectID, "", role, now)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return tok
}

func newTestGateway(t *testing.T, tokens token.Manager, assignments AssignmentStore) *WSGateway {
	t.Helper()
	t.Setenv("WAYBILL_WS_ORIGIN_REQUIRED", "false")
	return NewWSGateway(testLog(), tokens, nil, assignments, NewMetrics(nil))
}

func startWSTestServer(t *testing.T, gw *WSGateway) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.Handle("/ws", gw)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func dialWS(t *testing.T, baseHTTPURL string) *websocket.Conn {
	t.Helper()

	u, err := url.Parse(baseHTTPURL)
	if err != nil {
		t.Fatalf("url.Parse: %v", err)
	}
	u.Scheme = "ws"
	u.Path = "/ws"

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
	})
	if err != nil {
		t.Fatalf("websocket.Dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") })
	return conn
}

func writeEnvelopeWS(t *testing.T, conn *websocket.Conn, typ string, payload any) {
	t.Helper()

	raw := mustJSONRaw(t, payload)
	b, err := json.Marshal(v1.Envelope{V: v1.Version, Type: typ, TS: time.Now().UTC(), Payload: raw})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		t.Fatalf("conn.Write: %v", err)
	}
}

func readUntilType(t *testing.T, conn *websocket.Conn, typ string, maxReads int) v1.Envelope {
	t.Helper()
	if maxReads <= 0 {
		maxReads = 1
	}
	for i := 0; i < maxReads; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, b, err := conn.Read(ctx)
		cancel()
		if err != nil {
			t.Fatalf("conn.Read (waiting for %q): %v", typ, err)
		}
		var env v1.Envelope
		if err := json.Unmarshal(b, &env); err != nil {
			t.Fatalf("unmarshal envelope: %v", err)
		}
		if env.Type == typ {
			return env
		}
	}
	t.Fatalf("did not receive envelope type %q", typ)
	return v1.Envelope{}
}

func mustJSONRaw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("json.Marshal: %v", err)
	}
	return b
}

func helloAndAck(t *testing.T, conn *websocket.Conn, tok string) v1.HelloAckPayload {
	t.Helper()

	writeEnvelopeWS(t, conn, v1.TypeHello, v1.HelloPayload{Token: tok})
	env := readUntilType(t, conn, v1.TypeHelloAck, 4)

	var ack v1.HelloAckPayload
	if err := json.Unmarshal(env.Payload, &ack); err != nil {
		t.Fatalf("decode hello_ack: %v", err)
	}
	return ack
}

func TestWSGateway_HelloAuthenticatesAndJoinsDefaults(t *testing.T) {
	tokens := newTestTokens(t, time.Hour)
	gw := newTestGateway(t, tokens, nil)
	ts := startWSTestServer(t, gw)

	conn := dialWS(t, ts.URL)
	tok := issueToken(t, tokens, "driver-1", token.RoleDriver, time.Now().UTC())

	ack := helloAndAck(t, conn, tok)
	if ack.SubjectID != "driver-1" || ack.Role != string(token.RoleDriver) {
		t.Fatalf("hello_ack: %+v", ack)
	}
	if ack.ConnectionID == "" {
		t.Fatalf("hello_ack missing connection_id")
	}

	if !gw.Registry().IsMember(DriverScope("driver-1"), ack.ConnectionID) {
		t.Fatalf("driver must be auto-joined to their own scope")
	}
}

func TestWSGateway_AdminHelloJoinsAdminScope(t *testing.T) {
	tokens := newTestTokens(t, time.Hour)
	gw := newTestGateway(t, tokens, nil)
	ts := startWSTestServer(t, gw)

	conn := dialWS(t, ts.URL)
	tok := issueToken(t, tokens, "admin-1", token.RoleAdmin, time.Now().UTC())

	ack := helloAndAck(t, conn, tok)
	if !gw.Registry().IsMember(AdminScope(), ack.ConnectionID) {
		t.Fatalf("admin must be auto-joined to the admin scope")
	}
}

func TestWSGateway_InvalidTokenTerminates(t *testing.T) {
	tokens := newTestTokens(t, time.Hour)
	gw := newTestGateway(t, tokens, nil)
	ts := startWSTestServer(t, gw)

	conn := dialWS(t, ts.URL)
	writeEnvelopeWS(t, conn, v1.TypeHello, v1.HelloPayload{Token: "not-a-token"})

	env := readUntilType(t, conn, v1.TypeAuthError, 2)
	var p v1.AuthErrorPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("decode auth_error: %v", err)
	}
	if p.Type != v1.AuthErrInvalidToken {
		t.Fatalf("auth_error type: want %s, got %s", v1.AuthErrInvalidToken, p.Type)
	}

	// Connection must be closed by the server.
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, _, err := conn.Read(ctx); err == nil {
		t.Fatalf("expected connection to be terminated")
	}
}

func TestWSGateway_MissingTokenTerminates(t *testing.T) {
	tokens := newTestTokens(t, time.Hour)
	gw := newTestGateway(t, tokens, nil)
	ts := startWSTestServer(t, gw)

	conn := dialWS(t, ts.URL)
	writeEnvelopeWS(t, conn, v1.TypeHello, v1.HelloPayload{Token: "   "})

	env := readUntilType(t, conn, v1.TypeAuthError, 2)
	var p v1.AuthErrorPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("decode auth_error: %v", err)
	}
	if p.Type != v1.AuthErrMissingToken {
		t.Fatalf("auth_error type: want %s, got %s", v1.AuthErrMissingToken, p.Type)
	}
}

func TestWSGateway_AuthTimeoutTerminates(t *testing.T) {
	t.Setenv("WAYBILL_WS_AUTH_TIMEOUT", "150ms")

	tokens := newTestTokens(t, time.Hour)
	gw := newTestGateway(t, tokens, nil)
	ts := startWSTestServer(t, gw)

	conn := dialWS(t, ts.URL)

	// Send nothing: the handshake deadline must yield MISSING_TOKEN and close.
	env := readUntilType(t, conn, v1.TypeAuthError, 2)
	var p v1.AuthErrorPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("decode auth_error: %v", err)
	}
	if p.Type != v1.AuthErrMissingToken {
		t.Fatalf("auth_error type: want %s, got %s", v1.AuthErrMissingToken, p.Type)
	}

	// After the error frame the server closes the connection.
	readCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, _, err := conn.Read(readCtx); err == nil {
		t.Fatalf("connection must close after the handshake deadline")
	}
}

func TestWSGateway_ExpiredHelloGraceThenReauth(t *testing.T) {
	tokens := newTestTokens(t, time.Hour)
	gw := newTestGateway(t, tokens, nil)
	ts := startWSTestServer(t, gw)

	conn := dialWS(t, ts.URL)
	now := time.Now().UTC()

	expired := issueToken(t, tokens, "driver-9", token.RoleDriver, now.Add(-2*time.Hour))
	writeEnvelopeWS(t, conn, v1.TypeHello, v1.HelloPayload{Token: expired})

	env := readUntilType(t, conn, v1.TypeAuthError, 2)
	var p v1.AuthErrorPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("decode auth_error: %v", err)
	}
	if p.Type != v1.AuthErrTokenExpired || p.Code != "" {
		t.Fatalf("auth_error: %+v", p)
	}

	// Expired-at-hello sessions do not get default scopes yet.
	if len(gw.Registry().MembersOf(DriverScope("driver-9"))) != 0 {
		t.Fatalf("grace-from-hello session must not hold default scopes")
	}

	// The session is in the grace window: a fresh token recovers it.
	fresh := issueToken(t, tokens, "driver-9", token.RoleDriver, now)
	writeEnvelopeWS(t, conn, v1.TypeReauthenticate, v1.ReauthenticatePayload{Token: fresh})

	reauth := readUntilType(t, conn, v1.TypeReauthenticated, 2)
	var rp v1.ReauthenticatedPayload
	if err := json.Unmarshal(reauth.Payload, &rp); err != nil {
		t.Fatalf("decode reauthenticated: %v", err)
	}
	if !rp.Success {
		t.Fatalf("reauthentication must succeed")
	}

	// Default scopes are joined on successful reauthentication.
	if len(gw.Registry().MembersOf(DriverScope("driver-9"))) != 1 {
		t.Fatalf("reauthenticated session must hold its default scope")
	}
}

func TestWSGateway_ReauthWithBadTokenTerminates(t *testing.T) {
	tokens := newTestTokens(t, time.Hour)
	gw := newTestGateway(t, tokens, nil)
	ts := startWSTestServer(t, gw)

	conn := dialWS(t, ts.URL)
	now := time.Now().UTC()

	expired := issueToken(t, tokens, "driver-10", token.RoleDriver, now.Add(-2*time.Hour))
	writeEnvelopeWS(t, conn, v1.TypeHello, v1.HelloPayload{Token: expired})
	_ = readUntilType(t, conn, v1.TypeAuthError, 2)

	stillExpired := issueToken(t, tokens, "driver-10", token.RoleDriver, now.Add(-90*time.Minute))
	writeEnvelopeWS(t, conn, v1.TypeReauthenticate, v1.ReauthenticatePayload{Token: stillExpired})

	env := readUntilType(t, conn, v1.TypeAuthError, 2)
	var p v1.AuthErrorPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("decode auth_error: %v", err)
	}
	if p.Type != v1.AuthErrTokenExpired || p.Code != v1.AuthCodeReauthTokenExpired {
		t.Fatalf("auth_error: %+v", p)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, _, err := conn.Read(ctx); err == nil {
		t.Fatalf("expected connection to be terminated")
	}
}

func TestWSGateway_GraceDeadlineTerminates(t *testing.T) {
	t.Setenv("WAYBILL_WS_GRACE_PERIOD", "150ms")

	tokens := newTestTokens(t, time.Hour)
	gw := newTestGateway(t, tokens, nil)
	ts := startWSTestServer(t, gw)

	conn := dialWS(t, ts.URL)
	expired := issueToken(t, tokens, "driver-11", token.RoleDriver, time.Now().UTC().Add(-2*time.Hour))
	writeEnvelopeWS(t, conn, v1.TypeHello, v1.HelloPayload{Token: expired})
	_ = readUntilType(t, conn, v1.TypeAuthError, 2)

	// No reauthentication: the grace deadline must close the connection.
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, _, err := conn.Read(ctx); err == nil {
		t.Fatalf("expected connection to be terminated after the grace window")
	}
}

func TestWSGateway_ExpiryDuringSessionOpensGrace(t *testing.T) {
	shortCfg := token.DefaultConfig()
	shortCfg.Secret = []byte(testSecret)
	shortCfg.TTL = 300 * time.Millisecond
	shortTokens, err := token.NewHMACManager(shortCfg)
	if err != nil {
		t.Fatalf("NewHMACManager: %v", err)
	}

	gw := newTestGateway(t, shortTokens, nil)
	ts := startWSTestServer(t, gw)

	conn := dialWS(t, ts.URL)
	now := time.Now().UTC()
	tok := issueToken(t, shortTokens, "driver-12", token.RoleDriver, now)

	ack := helloAndAck(t, conn, tok)

	// The validity window elapses mid-session: the server must push
	// TOKEN_EXPIRED and keep the session (and its memberships) alive.
	env := readUntilType(t, conn, v1.TypeAuthError, 4)
	var p v1.AuthErrorPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("decode auth_error: %v", err)
	}
	if p.Type != v1.AuthErrTokenExpired {
		t.Fatalf("auth_error type: %s", p.Type)
	}

	if !gw.Registry().IsMember(DriverScope("driver-12"), ack.ConnectionID) {
		t.Fatalf("grace session must retain its scope memberships")
	}

	fresh := issueToken(t, shortTokens, "driver-12", token.RoleDriver, time.Now().UTC())
	writeEnvelopeWS(t, conn, v1.TypeReauthenticate, v1.ReauthenticatePayload{Token: fresh})
	_ = readUntilType(t, conn, v1.TypeReauthenticated, 2)

	if !gw.Registry().IsMember(DriverScope("driver-12"), ack.ConnectionID) {
		t.Fatalf("membership must survive reauthentication")
	}
}

func TestWSGateway_UnauthorizedJoinSilentlyIgnored(t *testing.T) {
	tokens := newTestTokens(t, time.Hour)
	gw := newTestGateway(t, tokens, NewMemoryAssignmentStore())
	ts := startWSTestServer(t, gw)

	conn := dialWS(t, ts.URL)
	tok := issueToken(t, tokens, "driver-20", token.RoleDriver, time.Now().UTC())
	ack := helloAndAck(t, conn, tok)

	// Denied joins: someone else's driver scope, an unassigned route, the
	// admin scope. None of them may produce a frame or a membership.
	for _, ref := range []v1.ScopeRef{
		{Kind: v1.ScopeKindDriver, ID: "driver-21"},
		{Kind: v1.ScopeKindRoute, ID: "route-1"},
		{Kind: v1.ScopeKindAdmin},
	} {
		writeEnvelopeWS(t, conn, v1.TypeScopeJoin, v1.ScopeJoinPayload{Scope: ref})
	}

	// An authorized join afterwards: its echo must be the next frame,
	// proving the denied joins were answered with silence.
	writeEnvelopeWS(t, conn, v1.TypeScopeJoin, v1.ScopeJoinPayload{
		Scope: v1.ScopeRef{Kind: v1.ScopeKindDriver, ID: "driver-20"},
	})

	env := readUntilType(t, conn, v1.TypeScopeJoined, 1)
	var p v1.ScopeJoinedPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("decode scope_joined: %v", err)
	}
	if p.Scope.Kind != v1.ScopeKindDriver || p.Scope.ID != "driver-20" {
		t.Fatalf("join echo: %+v", p.Scope)
	}

	if gw.Registry().IsMember(DriverScope("driver-21"), ack.ConnectionID) ||
		gw.Registry().IsMember(RouteScope("route-1"), ack.ConnectionID) ||
		gw.Registry().IsMember(AdminScope(), ack.ConnectionID) {
		t.Fatalf("denied joins must not create memberships")
	}
}

func TestWSGateway_AssignedDriverJoinsRoute(t *testing.T) {
	tokens := newTestTokens(t, time.Hour)
	assignments := NewMemoryAssignmentStore()
	assignments.Assign("driver-30", "route-7")

	gw := newTestGateway(t, tokens, assignments)
	ts := startWSTestServer(t, gw)

	conn := dialWS(t, ts.URL)
	tok := issueToken(t, tokens, "driver-30", token.RoleDriver, time.Now().UTC())
	ack := helloAndAck(t, conn, tok)

	writeEnvelopeWS(t, conn, v1.TypeScopeJoin, v1.ScopeJoinPayload{
		Scope: v1.ScopeRef{Kind: v1.ScopeKindRoute, ID: "route-7"},
	})
	_ = readUntilType(t, conn, v1.TypeScopeJoined, 2)

	if !gw.Registry().IsMember(RouteScope("route-7"), ack.ConnectionID) {
		t.Fatalf("assigned driver must be able to join the route scope")
	}
}

func TestWSGateway_SingleRouteScopePerConnection(t *testing.T) {
	tokens := newTestTokens(t, time.Hour)
	assignments := NewMemoryAssignmentStore()
	assignments.Assign("driver-31", "route-a")
	assignments.Assign("driver-31", "route-b")

	gw := newTestGateway(t, tokens, assignments)
	ts := startWSTestServer(t, gw)

	conn := dialWS(t, ts.URL)
	tok := issueToken(t, tokens, "driver-31", token.RoleDriver, time.Now().UTC())
	ack := helloAndAck(t, conn, tok)

	writeEnvelopeWS(t, conn, v1.TypeScopeJoin, v1.ScopeJoinPayload{
		Scope: v1.ScopeRef{Kind: v1.ScopeKindRoute, ID: "route-a"},
	})
	_ = readUntilType(t, conn, v1.TypeScopeJoined, 2)

	// Joining a second route must implicitly leave the first.
	writeEnvelopeWS(t, conn, v1.TypeScopeJoin, v1.ScopeJoinPayload{
		Scope: v1.ScopeRef{Kind: v1.ScopeKindRoute, ID: "route-b"},
	})

	left := readUntilType(t, conn, v1.TypeScopeLeft, 2)
	var lp v1.ScopeLeftPayload
	if err := json.Unmarshal(left.Payload, &lp); err != nil {
		t.Fatalf("decode scope_left: %v", err)
	}
	if lp.Scope.ID != "route-a" {
		t.Fatalf("scope_left: %+v", lp.Scope)
	}
	_ = readUntilType(t, conn, v1.TypeScopeJoined, 2)

	if gw.Registry().IsMember(RouteScope("route-a"), ack.ConnectionID) {
		t.Fatalf("old route membership must be dropped")
	}
	if !gw.Registry().IsMember(RouteScope("route-b"), ack.ConnectionID) {
		t.Fatalf("new route membership must be active")
	}
}

func TestWSGateway_BroadcastFanoutAndDedupe(t *testing.T) {
	tokens := newTestTokens(t, time.Hour)
	assignments := NewMemoryAssignmentStore()
	assignments.Assign("driver-40", "route-z")

	gw := newTestGateway(t, tokens, assignments)
	ts := startWSTestServer(t, gw)
	emitter := NewEmitter(testLog(), gw)

	adminConn := dialWS(t, ts.URL)
	adminTok := issueToken(t, tokens, "admin-40", token.RoleAdmin, time.Now().UTC())
	_ = helloAndAck(t, adminConn, adminTok)

	driverConn := dialWS(t, ts.URL)
	driverTok := issueToken(t, tokens, "driver-40", token.RoleDriver, time.Now().UTC())
	_ = helloAndAck(t, driverConn, driverTok)

	writeEnvelopeWS(t, driverConn, v1.TypeScopeJoin, v1.ScopeJoinPayload{
		Scope: v1.ScopeRef{Kind: v1.ScopeKindRoute, ID: "route-z"},
	})
	_ = readUntilType(t, driverConn, v1.TypeScopeJoined, 2)

	// route_status_changed targets admin, route, and driver scopes; the
	// driver holds two of them but must receive the frame exactly once.
	emitter.EmitRouteStatusUpdate(v1.RouteStatusChangedPayload{
		RouteID:  "route-z",
		DriverID: "driver-40",
		Status:   "IN_PROGRESS",
	})

	adminEnv := readUntilType(t, adminConn, v1.TypeRouteStatusChanged, 2)
	var ap v1.RouteStatusChangedPayload
	if err := json.Unmarshal(adminEnv.Payload, &ap); err != nil {
		t.Fatalf("decode admin event: %v", err)
	}
	if ap.RouteID != "route-z" || ap.Status != "IN_PROGRESS" {
		t.Fatalf("admin event payload: %+v", ap)
	}

	_ = readUntilType(t, driverConn, v1.TypeRouteStatusChanged, 2)

	// Sentinel: the next event frame on the driver connection must be the
	// location update, not a duplicate of the route status event.
	emitter.EmitDriverLocationUpdate(v1.DriverLocationChangedPayload{
		DriverID:   "driver-40",
		Lat:        1,
		Lng:        2,
		RecordedAt: time.Now().UTC(),
	})

	next := readUntilType(t, driverConn, v1.TypeDriverLocationChanged, 1)
	if next.Type != v1.TypeDriverLocationChanged {
		t.Fatalf("expected sentinel event, got %s", next.Type)
	}
}

func TestWSGateway_EventsNotDeliveredToOtherScopes(t *testing.T) {
	tokens := newTestTokens(t, time.Hour)
	gw := newTestGateway(t, tokens, nil)
	ts := startWSTestServer(t, gw)
	emitter := NewEmitter(testLog(), gw)

	conn := dialWS(t, ts.URL)
	tok := issueToken(t, tokens, "driver-50", token.RoleDriver, time.Now().UTC())
	_ = helloAndAck(t, conn, tok)

	// An event for a different driver and route must not reach this session.
	emitter.EmitStopStatusUpdate(v1.StopStatusChangedPayload{
		StopID:  "stop-1",
		RouteID: "route-other",
		Status:  "FAILED",
	})

	// The next frame must be this driver's own event, not the foreign one.
	emitter.EmitDriverLocationUpdate(v1.DriverLocationChangedPayload{
		DriverID:   "driver-50",
		Lat:        3,
		Lng:        4,
		RecordedAt: time.Now().UTC(),
	})

	env := readUntilType(t, conn, v1.TypeDriverLocationChanged, 1)
	if env.Type != v1.TypeDriverLocationChanged {
		t.Fatalf("got %s", env.Type)
	}
}

func TestWSGateway_SubprotocolRequired(t *testing.T) {
	tokens := newTestTokens(t, time.Hour)
	gw := newTestGateway(t, tokens, nil)
	ts := startWSTestServer(t, gw)

	u, err := url.Parse(ts.URL)
	if err != nil {
		t.Fatalf("url.Parse: %v", err)
	}
	u.Scheme = "ws"
	u.Path = "/ws"

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, u.String(), nil)
	if err != nil {
		// Some dial paths surface the rejection immediately.
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	readCtx, readCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer readCancel()
	if _, _, err := conn.Read(readCtx); err == nil {
		t.Fatalf("expected close for missing subprotocol")
	}
}
