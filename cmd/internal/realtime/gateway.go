package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"waybill/cmd/internal/auth/token"
	v1 "waybill/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

const (
	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3

	// Security defaults:
	// - Origin is required by default.
	// - Only localhost is allowed by default (secure-by-default for dev).
	wsDefaultOriginRequired = true
	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// Log context tags for state-transition entries.
const (
	logCtxAuth = "AUTH"
	logCtxConn = "CONNECTION"
)

// WSGateway is the WebSocket entrypoint for Waybill realtime.
//
// It enforces origin policy and subprotocol selection, drives each session
// through the authentication state machine, relays scope commands to the
// Registry, and exposes Broadcast for the business-layer emission path.
type WSGateway struct {
	log         *slog.Logger
	tokens      token.Manager
	registry    *Registry
	assignments AssignmentStore
	metrics     *Metrics
	authLog     *logLimiter

	devInsecure    bool
	originRequired bool
	allowedOrigins []string

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string

	writeTimeout    time.Duration
	readIdleTimeout time.Duration
	sendQueueSize   int

	heartbeatEvery   time.Duration
	heartbeatTimeout time.Duration

	rateEvents int
	rateWindow time.Duration

	gracePeriod time.Duration
	authTimeout time.Duration

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewWSGateway constructs a gateway with secure defaults.
// When registry/assignments/metrics are nil, in-memory fallbacks are used.
func NewWSGateway(log *slog.Logger, tokens token.Manager, registry *Registry, assignments AssignmentStore, metrics *Metrics) *WSGateway {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if registry == nil {
		registry = NewRegistry(log)
	}
	if assignments == nil {
		assignments = NewMemoryAssignmentStore()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}

	g := &WSGateway{
		log:         log,
		tokens:      tokens,
		registry:    registry,
		assignments: assignments,
		metrics:     metrics,
		authLog:     newLogLimiter(authLogWindow, authLogMaxKeys),
		sessions:    make(map[string]*Session),
	}

	// NOTE: InsecureSkipVerify is a dev-only knob (TLS verification). It is not an origin policy.
	g.devInsecure = envBool("WAYBILL_WS_DEV_INSECURE", false)

	g.originRequired = envBool("WAYBILL_WS_ORIGIN_REQUIRED", wsDefaultOriginRequired)
	g.allowedOrigins = envCSV("WAYBILL_WS_ALLOWED_ORIGINS", wsDefaultAllowedOrigins)
	g.originPatterns = deriveOriginPatternsFromAllowedOrigins(g.allowedOrigins)

	g.writeTimeout = envDuration("WAYBILL_WS_WRITE_TIMEOUT", wsDefaultWriteTimeout)
	g.readIdleTimeout = envDuration("WAYBILL_WS_READ_IDLE_TIMEOUT", wsDefaultReadIdle)

	g.sendQueueSize = envInt("WAYBILL_WS_SEND_QUEUE", wsDefaultSendQueueSize)
	if g.sendQueueSize < wsMinSendQueueSize {
		g.sendQueueSize = wsMinSendQueueSize
	}

	g.heartbeatEvery = envDuration("WAYBILL_WS_HEARTBEAT_INTERVAL", heartbeatInterval)
	g.heartbeatTimeout = envDuration("WAYBILL_WS_HEARTBEAT_TIMEOUT", heartbeatTimeout)

	g.rateEvents = envInt("WAYBILL_WS_RATE_EVENTS", rateLimitEvents)
	g.rateWindow = envDuration("WAYBILL_WS_RATE_WINDOW", rateLimitWindow)

	g.gracePeriod = envDuration("WAYBILL_WS_GRACE_PERIOD", defaultGracePeriod)
	g.authTimeout = envDuration("WAYBILL_WS_AUTH_TIMEOUT", defaultAuthTimeout)

	return g
}

// Registry exposes the scope membership registry (read access for tests).
func (g *WSGateway) Registry() *Registry { return g.registry }

// ServeHTTP adapter so the gateway can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a WebSocket session and runs the realtime loop.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.devInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	connID, err := NewConnectionID(time.Now().UTC())
	if err != nil {
		g.log.Error("ws.connection_id.fail", "err", err)
		_ = conn.Close(websocket.StatusInternalError, "id generation failed")
		return
	}

	sess := NewSession(connID, g.sendQueueSize)
	g.addSession(sess)
	g.metrics.Connections.Inc()
	g.log.Info("ws.connection.open", "context", logCtxConn, "connection_id", connID, "remote", r.RemoteAddr)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var closeOnce sync.Once

	// shutdown is idempotent. It does NOT close sess.Send.
	// Fanout safety: membership removal happens before the session terminates,
	// so concurrent Broadcast calls stop seeing the connection first.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			g.registry.RemoveConnection(connID)
			g.removeSession(connID)
			sess.Terminate()
			_ = conn.Close(code, reason)
			cancel()
			g.metrics.Connections.Dec()
			g.log.Info("ws.connection.close", "context", logCtxConn, "connection_id", connID, "reason", reason)
		})
	}

	rl := NewRateLimiter(g.rateEvents, g.rateWindow)

	// The handshake deadline is a session timer, not a read deadline: letting
	// the read context expire would tear the transport down before the
	// auth_error frame could reach the client.
	sess.ArmAuthDeadline(g.authTimeout, func(gen uint64) {
		g.onAuthDeadline(ctx, conn, sess, gen, shutdown)
	})

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-sess.Done():
				return
			case env := <-sess.Send:
				if err := writeEnvelope(ctx, conn, env, g.writeTimeout); err != nil {
					g.log.Info("ws.write.fail", "connection_id", connID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.heartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-sess.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.heartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "connection_id", connID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.readIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.trySendError(ctx, sess, "bad_json", "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "connection_id", connID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		now := time.Now().UTC()
		if !rl.Allow(now) {
			g.trySendError(ctx, sess, "rate_limited", "too many commands")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(ctx, sess, "bad_envelope", err.Error())
			continue readLoop
		}

		switch env.Type {
		case v1.TypeHello:
			if fatal := g.onHello(ctx, conn, sess, env, now, shutdown); fatal {
				shutdown(websocket.StatusPolicyViolation, "authentication failed")
				break readLoop
			}

		case v1.TypeReauthenticate:
			if fatal := g.onReauthenticate(ctx, conn, sess, env, now, shutdown); fatal {
				shutdown(websocket.StatusPolicyViolation, "reauthentication failed")
				break readLoop
			}

		case v1.TypeScopeJoin:
			g.onScopeJoin(ctx, sess, env)

		case v1.TypeScopeLeave:
			g.onScopeLeave(ctx, sess, env)

		default:
			g.trySendError(ctx, sess, "unsupported", fmt.Sprintf("unsupported type: %s", env.Type))
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// ---- authentication state machine ----

// onHello processes the handshake command. It reports fatal=true when the
// connection must be terminated (the auth_error frame has already been
// written synchronously).
func (g *WSGateway) onHello(ctx context.Context, conn *websocket.Conn, sess *Session, env v1.Envelope, now time.Time, shutdown func(websocket.StatusCode, string)) bool {
	if sess.State() != StateUnauthenticated {
		g.trySendError(ctx, sess, "already_authenticated", "hello accepted once per connection")
		return false
	}

	var p v1.HelloPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		g.sendAuthErrorSync(ctx, conn, v1.AuthErrVerificationError, "", "invalid hello payload")
		return true
	}

	if strings.TrimSpace(p.Token) == "" {
		g.metrics.AuthResults.WithLabelValues("missing").Inc()
		g.log.Warn("ws.auth.missing_token", "context", logCtxAuth, "connection_id", sess.ConnectionID)
		g.sendAuthErrorSync(ctx, conn, v1.AuthErrMissingToken, "", "token required")
		return true
	}
	if g.tokens == nil {
		g.sendAuthErrorSync(ctx, conn, v1.AuthErrVerificationError, "", "verification unavailable")
		return true
	}

	claims, err := g.tokens.Verify(p.Token, now)
	switch {
	case err == nil:
		g.authenticate(sess, claims, now, shutdown)
		g.metrics.AuthResults.WithLabelValues("ok").Inc()

		ackPayload, _ := json.Marshal(v1.HelloAckPayload{
			ConnectionID: sess.ConnectionID,
			SubjectID:    claims.SubjectID,
			Role:         string(claims.Role),
		})
		g.enqueue(ctx, sess, newEnvelope(v1.TypeHelloAck, ackPayload, now))
		g.log.Info("ws.auth.ok", "context", logCtxAuth, "connection_id", sess.ConnectionID, "subject_id", claims.SubjectID, "role", claims.Role)
		return false

	case errors.Is(err, token.ErrTokenExpired):
		// The signature verified: identity is trustworthy, the window is
		// over. Recoverable through the grace period.
		g.metrics.AuthResults.WithLabelValues("expired").Inc()
		g.logAuthExpiry(sess.ConnectionID, claims.SubjectID, "ws.auth.expired_at_hello")

		gen := sess.EnterGraceFromHello(claims)
		if gen == 0 {
			return false
		}
		sess.ArmGrace(gen, g.gracePeriod, func(gen uint64) { g.onGraceDeadline(sess, gen, shutdown) })
		g.sendAuthErrorSync(ctx, conn, v1.AuthErrTokenExpired, "", "token expired, reauthenticate within grace period")
		return false

	case errors.Is(err, token.ErrTokenMalformed), errors.Is(err, token.ErrSignatureInvalid):
		// Security-relevant: logged unconditionally, never rate limited.
		g.metrics.AuthResults.WithLabelValues("invalid").Inc()
		g.log.Warn("ws.auth.invalid_token", "context", logCtxAuth, "connection_id", sess.ConnectionID, "err", err)
		g.sendAuthErrorSync(ctx, conn, v1.AuthErrInvalidToken, "", "invalid token")
		return true

	default:
		g.metrics.AuthResults.WithLabelValues("invalid").Inc()
		g.log.Warn("ws.auth.verification_error", "context", logCtxAuth, "connection_id", sess.ConnectionID, "err", err)
		g.sendAuthErrorSync(ctx, conn, v1.AuthErrVerificationError, "", "token verification failed")
		return true
	}
}

// onReauthenticate processes a replacement token, normally during the grace
// period but also accepted while authenticated (early renewal).
func (g *WSGateway) onReauthenticate(ctx context.Context, conn *websocket.Conn, sess *Session, env v1.Envelope, now time.Time, shutdown func(websocket.StatusCode, string)) bool {
	state := sess.State()
	if state != StateAuthenticated && state != StateGracePeriod {
		g.trySendError(ctx, sess, "not_authenticated", "hello first")
		return false
	}

	var p v1.ReauthenticatePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		g.trySendError(ctx, sess, "bad_payload", "invalid reauthenticate payload")
		return false
	}

	claims, err := g.tokens.Verify(p.Token, now)
	if err != nil {
		g.metrics.AuthResults.WithLabelValues("reauth_failed").Inc()
		g.logAuthExpiry(sess.ConnectionID, sess.Identity().SubjectID, "ws.auth.reauth.failed")
		g.sendAuthErrorSync(ctx, conn, v1.AuthErrTokenExpired, v1.AuthCodeReauthTokenExpired, "reauthentication token rejected")
		return true
	}

	old := sess.Identity()
	if old.SubjectID != claims.SubjectID || old.Role != claims.Role {
		for _, scope := range DefaultScopes(old) {
			g.registry.Leave(scope, sess.ConnectionID)
		}
	}

	g.authenticate(sess, claims, now, shutdown)
	g.metrics.AuthResults.WithLabelValues("reauth_ok").Inc()

	ackPayload, _ := json.Marshal(v1.ReauthenticatedPayload{Success: true})
	g.enqueue(ctx, sess, newEnvelope(v1.TypeReauthenticated, ackPayload, now))
	g.log.Info("ws.auth.reauth.ok", "context", logCtxAuth, "connection_id", sess.ConnectionID, "subject_id", claims.SubjectID)
	return false
}

// authenticate moves the session to AUTHENTICATED, joins role-implied
// scopes, and arms the expiry timer that later opens the grace period.
func (g *WSGateway) authenticate(sess *Session, claims token.Claims, now time.Time, shutdown func(websocket.StatusCode, string)) {
	gen := sess.SetAuthenticated(claims)
	if gen == 0 {
		// The session terminated while the token was being verified.
		return
	}

	for _, scope := range DefaultScopes(claims) {
		g.registry.Join(scope, sess.ConnectionID)
	}

	sess.ArmExpiry(gen, claims.ExpiresAt.Sub(now), func(gen uint64) {
		g.onTokenExpiry(sess, gen, shutdown)
	})
}

// onTokenExpiry fires when an authenticated session's token validity window
// ends. Scope memberships are retained during the grace window.
func (g *WSGateway) onTokenExpiry(sess *Session, gen uint64, shutdown func(websocket.StatusCode, string)) {
	newGen, ok := sess.EnterGraceIf(gen)
	if !ok {
		// Stale timer: the session reauthenticated or terminated first.
		return
	}

	g.metrics.AuthResults.WithLabelValues("expired").Inc()
	g.logAuthExpiry(sess.ConnectionID, sess.Identity().SubjectID, "ws.auth.grace.enter")

	p, _ := json.Marshal(v1.AuthErrorPayload{
		Type:    v1.AuthErrTokenExpired,
		Message: "token expired, reauthenticate within grace period",
	})
	sess.TrySend(newEnvelope(v1.TypeAuthError, p, time.Now().UTC()))

	sess.ArmGrace(newGen, g.gracePeriod, func(gen uint64) { g.onGraceDeadline(sess, gen, shutdown) })
}

// onAuthDeadline fires when no credentials arrived inside the handshake
// window. The auth_error is written synchronously: the writer goroutine is
// already winding down once the session terminates.
func (g *WSGateway) onAuthDeadline(ctx context.Context, conn *websocket.Conn, sess *Session, gen uint64, shutdown func(websocket.StatusCode, string)) {
	if !sess.TimeoutIfUnauthenticated(gen) {
		return
	}
	g.metrics.AuthResults.WithLabelValues("missing").Inc()
	g.log.Warn("ws.auth.timeout", "context", logCtxAuth, "connection_id", sess.ConnectionID)
	g.sendAuthErrorSync(ctx, conn, v1.AuthErrMissingToken, "", "no credentials supplied before handshake deadline")
	shutdown(websocket.StatusPolicyViolation, "authentication timeout")
}

// onGraceDeadline fires when the grace window elapses without a successful
// reauthentication.
func (g *WSGateway) onGraceDeadline(sess *Session, gen uint64, shutdown func(websocket.StatusCode, string)) {
	if !sess.TerminateIf(gen) {
		return
	}
	g.log.Warn("ws.auth.grace.deadline", "context", logCtxAuth, "connection_id", sess.ConnectionID, "subject_id", sess.Identity().SubjectID)
	shutdown(websocket.StatusPolicyViolation, "grace period expired")
}

// logAuthExpiry logs expiry-class failures with per-subject rate limiting.
// The key is the subject, not the connection: one principal's fleet of
// devices expiring at once is a single incident and gets a single line per
// window. The connection id still lands in the line for correlation.
func (g *WSGateway) logAuthExpiry(connID, subjectID, msg string) {
	key := msg + "|" + subjectID
	if !g.authLog.Allow(key, time.Now().UTC()) {
		return
	}
	g.log.Warn(msg, "context", logCtxAuth, "connection_id", connID, "subject_id", subjectID)
}

// ---- scope commands ----

func (g *WSGateway) onScopeJoin(ctx context.Context, sess *Session, env v1.Envelope) {
	state := sess.State()
	if state != StateAuthenticated && state != StateGracePeriod {
		g.trySendError(ctx, sess, "not_authenticated", "hello first")
		return
	}

	var p v1.ScopeJoinPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		g.trySendError(ctx, sess, "bad_payload", "invalid scope_join payload")
		return
	}

	scope, err := ScopeFromRef(p.Scope)
	if err != nil {
		g.trySendError(ctx, sess, "bad_scope", err.Error())
		return
	}

	if !g.authorizeJoin(ctx, sess.Identity(), scope) {
		// Silently dropped: no error frame, so clients cannot probe for the
		// existence of other drivers' scopes.
		g.metrics.ScopeJoinsDenied.Inc()
		g.log.Debug("ws.scope.join.denied", "connection_id", sess.ConnectionID, "scope", scope.String())
		return
	}

	// At most one active route scope per connection: joining a new route
	// leaves the previous one first.
	if scope.Kind == ScopeKindRoute {
		for _, held := range g.registry.ScopesOf(sess.ConnectionID) {
			if held.Kind == ScopeKindRoute && held != scope {
				g.registry.Leave(held, sess.ConnectionID)
				leftPayload, _ := json.Marshal(v1.ScopeLeftPayload{Scope: held.Ref()})
				g.enqueue(ctx, sess, newEnvelope(v1.TypeScopeLeft, leftPayload, time.Now().UTC()))
			}
		}
	}

	g.registry.Join(scope, sess.ConnectionID)

	echoPayload, _ := json.Marshal(v1.ScopeJoinedPayload{Scope: scope.Ref()})
	g.enqueue(ctx, sess, newEnvelope(v1.TypeScopeJoined, echoPayload, time.Now().UTC()))
}

func (g *WSGateway) onScopeLeave(ctx context.Context, sess *Session, env v1.Envelope) {
	state := sess.State()
	if state != StateAuthenticated && state != StateGracePeriod {
		g.trySendError(ctx, sess, "not_authenticated", "hello first")
		return
	}

	var p v1.ScopeLeavePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		g.trySendError(ctx, sess, "bad_payload", "invalid scope_leave payload")
		return
	}

	scope, err := ScopeFromRef(p.Scope)
	if err != nil {
		g.trySendError(ctx, sess, "bad_scope", err.Error())
		return
	}

	g.registry.Leave(scope, sess.ConnectionID)

	echoPayload, _ := json.Marshal(v1.ScopeLeftPayload{Scope: scope.Ref()})
	g.enqueue(ctx, sess, newEnvelope(v1.TypeScopeLeft, echoPayload, time.Now().UTC()))
}

// authorizeJoin enforces the scope authorization invariant: administrators
// may subscribe to anything; drivers only to their own driver scope and to
// routes they are assigned to. Lookup failures deny (fail closed).
func (g *WSGateway) authorizeJoin(ctx context.Context, claims token.Claims, scope Scope) bool {
	if claims.Role.IsAdmin() {
		return true
	}
	if claims.Role != token.RoleDriver {
		return false
	}

	switch scope.Kind {
	case ScopeKindDriver:
		return scope.ID == claims.SubjectID
	case ScopeKindRoute:
		ok, err := g.assignments.IsAssigned(ctx, claims.SubjectID, scope.ID)
		if err != nil {
			g.log.Warn("ws.scope.assignment_check.fail", "subject_id", claims.SubjectID, "route_id", scope.ID, "err", err)
			return false
		}
		return ok
	default:
		return false
	}
}

// ---- emission path ----

// Event is a transient notification published by the business layer with an
// explicit target-scope set. Events are never persisted here.
type Event struct {
	Kind    string
	Payload any
	Targets []Scope
	TS      time.Time
}

// Broadcast fans an event out to every deliverable session subscribed to at
// least one target scope. Non-blocking and isolated per connection: a slow
// or failing subscriber is dropped, never waited on, and cannot affect
// delivery to others. Emission order is preserved per connection (single
// emission path, per-connection FIFO queue).
func (g *WSGateway) Broadcast(ev Event) {
	if ev.TS.IsZero() {
		ev.TS = time.Now().UTC()
	}

	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		g.log.Error("ws.emit.marshal_fail", "kind", ev.Kind, "err", err)
		return
	}
	env := newEnvelope(ev.Kind, payload, ev.TS)
	g.metrics.EventsEmitted.WithLabelValues(ev.Kind).Inc()

	// A connection in several target scopes still gets exactly one frame.
	seen := make(map[string]struct{})
	for _, scope := range ev.Targets {
		for _, connID := range g.registry.MembersOf(scope) {
			if _, dup := seen[connID]; dup {
				continue
			}
			seen[connID] = struct{}{}

			sess := g.session(connID)
			if sess == nil || !sess.Deliverable() {
				continue
			}
			if sess.TrySend(env) {
				g.metrics.EventsDelivered.Inc()
			} else {
				g.metrics.EventsDropped.Inc()
				g.log.Info("ws.emit.drop", "kind", ev.Kind, "connection_id", connID)
			}
		}
	}
}

// ---- session bookkeeping ----

func (g *WSGateway) addSession(sess *Session) {
	g.mu.Lock()
	g.sessions[sess.ConnectionID] = sess
	g.mu.Unlock()
}

func (g *WSGateway) removeSession(connID string) {
	g.mu.Lock()
	delete(g.sessions, connID)
	g.mu.Unlock()
}

func (g *WSGateway) session(connID string) *Session {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sessions[connID]
}

// ---- send helpers ----

func (g *WSGateway) trySendError(ctx context.Context, sess *Session, code, msg string) {
	p, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: msg})
	g.enqueue(ctx, sess, newEnvelope(v1.TypeError, p, time.Now().UTC()))
}

// sendAuthErrorSync writes an auth_error frame directly instead of through
// the send queue, so it reaches the peer before a terminating close races
// the writer goroutine. coder/websocket serializes concurrent writers.
func (g *WSGateway) sendAuthErrorSync(ctx context.Context, conn *websocket.Conn, typ, code, msg string) {
	p, _ := json.Marshal(v1.AuthErrorPayload{Type: typ, Code: code, Message: msg})
	env := newEnvelope(v1.TypeAuthError, p, time.Now().UTC())
	if err := writeEnvelope(ctx, conn, env, g.writeTimeout); err != nil {
		g.log.Info("ws.auth_error.write_fail", "type", typ, "err", err)
	}
}

func (g *WSGateway) enqueue(ctx context.Context, sess *Session, env v1.Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	case <-sess.Done():
		return false
	default:
	}
	return sess.TrySend(env)
}

// ---- envelope IO ----

func newEnvelope(typ string, payload json.RawMessage, ts time.Time) v1.Envelope {
	id, _ := NewEnvelopeID(ts)
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      id,
		TS:      ts,
		Payload: payload,
	}
}

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}

	// JSON decode errors are typically returned by json.Unmarshal, not conn.Read.
	// This fallback exists for robustness when error strings are propagated.
	s := err.Error()
	if strings.Contains(s, "unexpected end of JSON input") || strings.Contains(s, "invalid character") {
		return readErrBadJSON
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.originRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.allowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.allowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			// Strongly discouraged, but honored if explicitly configured.
			return nil
		}

		// Full origin match (scheme + host + optional port).
		if origin == a {
			return nil
		}

		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	// URL form.
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	// host[:port] form.
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	// websocket.Accept matches OriginPatterns against the origin host, so
	// only hosts extracted from the allowlist are authorized.
	seen := make(map[string]struct{}, len(allowed))

	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

// ---- env helpers ----

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func envCSV(key string, def string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		raw = def
	}
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
