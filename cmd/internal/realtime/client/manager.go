package client

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"waybill/cmd/internal/auth/token"
	v1 "waybill/shared/contracts/realtime/v1"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"
)

// ErrNoToken is returned by a TokenSource when no credentials exist (the
// user is logged out). The manager treats this as a silent condition: no
// alert, no retry storm, just idle until credentials appear.
var ErrNoToken = errors.New("client: no token available")

// TokenSource supplies session tokens to the manager. Implementations
// typically wrap the app's auth/session storage.
type TokenSource interface {
	// Token returns the currently stored token, or ErrNoToken.
	Token(ctx context.Context) (string, error)
	// Refresh obtains a replacement token from the auth backend.
	Refresh(ctx context.Context) (string, error)
}

// State is the observable connection state.
type State uint8

// Manager states.
const (
	// StateIdle: not running, or running without credentials.
	StateIdle State = iota
	// StateConnecting: dialing or mid-handshake.
	StateConnecting
	// StateConnected: authenticated session established.
	StateConnected
	// StateReconnecting: session lost, waiting out backoff before redialing.
	StateReconnecting
	// StateStopped: Disconnect was called.
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Alert kinds surfaced through OnAlert. Authentication failures are
// deliberately NOT alert-worthy: routine session expiry on a fleet of devices
// must not raise error banners, so those are logged and recovered silently.
const (
	// AlertTransport: an established realtime link dropped and is being
	// retried. UIs show a non-blocking "reconnect" affordance.
	AlertTransport = "transport"
)

// Alert is a recoverable problem the UI may want to surface.
type Alert struct {
	Kind string
	Err  error
}

// Config configures a Manager.
type Config struct {
	// URL is the websocket endpoint, e.g. "wss://api.example.com/ws".
	URL string

	// DialTimeout bounds a single dial + handshake attempt. Default 10s.
	DialTimeout time.Duration

	// RefreshSkew: a token expiring within this window is refreshed before
	// dialing, so the session does not start life already in the grace
	// period. Default 30s.
	RefreshSkew time.Duration

	// SettleDelay debounces connectivity flaps: after an online/foreground
	// transition the manager waits this long before dialing. Default 500ms.
	SettleDelay time.Duration

	// HTTPClient is used for the websocket dial. Defaults to http.DefaultClient.
	HTTPClient *http.Client

	// Logger defaults to a JSON slog logger on stderr.
	Logger *slog.Logger

	// OnStateChange is invoked (synchronously) on every state transition.
	OnStateChange func(State)

	// OnAlert is invoked for recoverable problems worth surfacing.
	OnAlert func(Alert)
}

func (c *Config) fillDefaults() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.RefreshSkew <= 0 {
		c.RefreshSkew = 30 * time.Second
	}
	if c.SettleDelay <= 0 {
		c.SettleDelay = 500 * time.Millisecond
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
}

type scopeKey struct {
	kind string
	id   string
}

func keyOf(ref v1.ScopeRef) scopeKey { return scopeKey{kind: ref.Kind, id: ref.ID} }

// Manager maintains one realtime connection on behalf of a frontend.
type Manager struct {
	cfg    Config
	log    *slog.Logger
	tokens TokenSource

	mu    sync.Mutex
	state State
	conn  *websocket.Conn // nil unless connected

	// want is the desired subscription set; it survives reconnects and is
	// replayed after every successful handshake. sent tracks what has been
	// sent on the CURRENT connection so joins are never duplicated.
	want map[scopeKey]v1.ScopeRef
	sent map[scopeKey]struct{}

	online     bool
	foreground bool

	// everConnected gates transport alerts: only a previously working
	// connection warrants a user-facing reconnect affordance. Cold-start
	// failures stay silent and just keep retrying.
	everConnected bool

	subs   map[string]map[uint64]func(v1.Envelope)
	nextID uint64

	cancelRun context.CancelFunc
	runDone   chan struct{}

	// kick wakes the run loop out of idle/backoff waits.
	kick chan struct{}
}

// NewManager constructs a Manager. Connect must be called to start it.
func NewManager(cfg Config, tokens TokenSource) *Manager {
	cfg.fillDefaults()
	return &Manager{
		cfg:        cfg,
		log:        cfg.Logger,
		tokens:     tokens,
		want:       make(map[scopeKey]v1.ScopeRef),
		sent:       make(map[scopeKey]struct{}),
		subs:       make(map[string]map[uint64]func(v1.Envelope)),
		online:     true,
		foreground: true,
		kick:       make(chan struct{}, 1),
	}
}

// Connect starts the connection loop. Calling it on a running manager is a
// no-op. The loop runs until Disconnect or ctx cancellation.
func (m *Manager) Connect(ctx context.Context) {
	m.mu.Lock()
	if m.cancelRun != nil {
		m.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancelRun = cancel
	m.runDone = make(chan struct{})
	done := m.runDone
	m.mu.Unlock()

	go func() {
		defer close(done)
		m.run(runCtx)
	}()
}

// Disconnect stops the loop and closes any live connection. Blocks until the
// loop has exited.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	cancel := m.cancelRun
	done := m.runDone
	m.cancelRun = nil
	m.runDone = nil
	conn := m.conn
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	<-done
	m.setState(StateStopped)
}

// Reconnect drops the current session (if any) and dials again immediately,
// skipping any remaining backoff wait.
func (m *Manager) Reconnect() {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "client reconnect")
	}
	m.wake()
}

// SetOnline informs the manager about network reachability. Going offline
// closes the session quietly; coming back online redials after SettleDelay.
func (m *Manager) SetOnline(online bool) {
	m.mu.Lock()
	changed := m.online != online
	m.online = online
	conn := m.conn
	m.mu.Unlock()

	if !changed {
		return
	}
	if !online && conn != nil {
		_ = conn.Close(websocket.StatusGoingAway, "offline")
	}
	m.wake()
}

// SetForeground informs the manager about app visibility. Backgrounded apps
// keep no realtime connection; foregrounding redials after SettleDelay.
func (m *Manager) SetForeground(fg bool) {
	m.mu.Lock()
	changed := m.foreground != fg
	m.foreground = fg
	conn := m.conn
	m.mu.Unlock()

	if !changed {
		return
	}
	if !fg && conn != nil {
		_ = conn.Close(websocket.StatusGoingAway, "backgrounded")
	}
	m.wake()
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// JoinScope adds a scope to the desired subscription set and, when a session
// is live, sends the join command. The desired set survives reconnects: after
// every successful handshake the manager re-establishes exactly this set.
func (m *Manager) JoinScope(ref v1.ScopeRef) {
	if ref.Validate() != nil {
		m.log.Warn("realtime.client.join.bad_scope", "kind", ref.Kind, "id", ref.ID)
		return
	}

	m.mu.Lock()
	k := keyOf(ref)
	m.want[k] = ref
	conn := m.conn
	_, alreadySent := m.sent[k]
	if conn != nil && !alreadySent {
		m.sent[k] = struct{}{}
	}
	m.mu.Unlock()

	if conn != nil && !alreadySent {
		m.send(conn, v1.TypeScopeJoin, v1.ScopeJoinPayload{Scope: ref})
	}
}

// LeaveScope removes a scope from the desired set and, when connected, sends
// the leave command.
func (m *Manager) LeaveScope(ref v1.ScopeRef) {
	m.mu.Lock()
	k := keyOf(ref)
	delete(m.want, k)
	_, wasSent := m.sent[k]
	delete(m.sent, k)
	conn := m.conn
	m.mu.Unlock()

	if conn != nil && wasSent {
		m.send(conn, v1.TypeScopeLeave, v1.ScopeLeavePayload{Scope: ref})
	}
}

// Subscribe registers a handler for one envelope type. The subscription
// survives reconnects. The returned function cancels it.
func (m *Manager) Subscribe(envelopeType string, fn func(v1.Envelope)) func() {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	set := m.subs[envelopeType]
	if set == nil {
		set = make(map[uint64]func(v1.Envelope))
		m.subs[envelopeType] = set
	}
	set[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.subs[envelopeType], id)
		m.mu.Unlock()
	}
}

// ---- internals ----

func (m *Manager) wake() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	if m.state == s {
		m.mu.Unlock()
		return
	}
	m.state = s
	m.mu.Unlock()

	m.log.Info("realtime.client.state", "state", s.String())
	if m.cfg.OnStateChange != nil {
		m.cfg.OnStateChange(s)
	}
}

func (m *Manager) alert(kind string, err error) {
	m.log.Warn("realtime.client.alert", "kind", kind, "err", err)
	if m.cfg.OnAlert != nil {
		m.cfg.OnAlert(Alert{Kind: kind, Err: err})
	}
}

func (m *Manager) shouldRun() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online && m.foreground
}

func (m *Manager) hasEverConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.everConnected
}

func (m *Manager) dispatch(env v1.Envelope) {
	m.mu.Lock()
	set := m.subs[env.Type]
	fns := make([]func(v1.Envelope), 0, len(set))
	for _, fn := range set {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	for _, fn := range fns {
		fn(env)
	}
}

// send marshals and writes one envelope. Write failures are left to the read
// loop, which will observe the broken connection and trigger recovery.
func (m *Manager) send(conn *websocket.Conn, typ string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		m.log.Error("realtime.client.marshal_fail", "type", typ, "err", err)
		return
	}
	env := v1.Envelope{V: v1.Version, Type: typ, TS: time.Now().UTC(), Payload: raw}

	b, err := json.Marshal(env)
	if err != nil {
		m.log.Error("realtime.client.marshal_fail", "type", typ, "err", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.DialTimeout)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		m.log.Info("realtime.client.write_fail", "type", typ, "err", err)
	}
}

// freshToken returns a token good for at least RefreshSkew, refreshing when
// the stored one is missing its margin or already expired.
func (m *Manager) freshToken(ctx context.Context) (string, error) {
	tok, err := m.tokens.Token(ctx)
	if err != nil {
		return "", err
	}

	exp, err := token.PeekExpiry(tok)
	if err == nil && time.Until(exp) > m.cfg.RefreshSkew {
		return tok, nil
	}

	refreshed, err := m.tokens.Refresh(ctx)
	if err != nil {
		// A stale-but-parseable token is still worth presenting: the server
		// grants a grace window for reauthentication.
		if tok != "" {
			return tok, nil
		}
		return "", err
	}
	return refreshed, nil
}

// run is the connection loop: wait for runnable conditions and credentials,
// establish a session, pump it until it dies, back off, repeat.
func (m *Manager) run(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0 // retry forever

	for {
		if ctx.Err() != nil {
			return
		}

		if !m.shouldRun() {
			m.setState(StateIdle)
			select {
			case <-ctx.Done():
				return
			case <-m.kick:
			}
			// Debounce flapping connectivity before dialing.
			if !sleepCtx(ctx, m.cfg.SettleDelay) {
				return
			}
			bo.Reset()
			continue
		}

		tok, err := m.freshToken(ctx)
		if err != nil {
			if errors.Is(err, ErrNoToken) {
				// Logged out: silent by design. Wait for a kick (login flow
				// calls Reconnect) rather than spinning on refresh.
				m.setState(StateIdle)
				select {
				case <-ctx.Done():
					return
				case <-m.kick:
				}
				bo.Reset()
				continue
			}
			// Refresh failures are routine on a multi-device fleet; logged,
			// never surfaced as an alert, retried with backoff.
			m.log.Warn("realtime.client.token_unavailable", "err", err)
			m.setState(StateReconnecting)
			if !m.waitBackoff(ctx, bo) {
				return
			}
			continue
		}

		m.setState(StateConnecting)
		err = m.session(ctx, tok)
		if ctx.Err() != nil {
			return
		}

		if err != nil {
			var authErr *authRejectedError
			switch {
			case errors.As(err, &authErr):
				m.log.Warn("realtime.client.auth_rejected", "err", err)
			case m.hasEverConnected():
				m.alert(AlertTransport, err)
			default:
				m.log.Info("realtime.client.connect_fail", "err", err)
			}
		}

		if !m.shouldRun() {
			// Deliberate close (offline/background): no alert, no backoff.
			continue
		}

		m.setState(StateReconnecting)
		if !m.waitBackoff(ctx, bo) {
			return
		}
	}
}

// waitBackoff sleeps for the next backoff interval; a kick cuts it short and
// resets the schedule. Returns false when ctx is done.
func (m *Manager) waitBackoff(ctx context.Context, bo *backoff.ExponentialBackOff) bool {
	d := bo.NextBackOff()
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-m.kick:
		bo.Reset()
		return true
	case <-t.C:
		return true
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
