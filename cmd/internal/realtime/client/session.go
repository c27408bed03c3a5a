package client

import (
	"context"
	"encoding/json"
	"fmt"

	v1 "waybill/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

// authRejectedError marks a session ended because the server rejected our
// credentials (as opposed to transport trouble).
type authRejectedError struct {
	typ  string
	code string
}

func (e *authRejectedError) Error() string {
	if e.code != "" {
		return fmt.Sprintf("client: auth rejected: %s (%s)", e.typ, e.code)
	}
	return fmt.Sprintf("client: auth rejected: %s", e.typ)
}

// session runs one connection from dial to disconnect. It returns nil on a
// clean close, an *authRejectedError on credential rejection, or the
// transport error otherwise.
func (m *Manager) session(ctx context.Context, tok string) error {
	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
	conn, _, err := websocket.Dial(dialCtx, m.cfg.URL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPClient:   m.cfg.HTTPClient,
	})
	cancel()
	if err != nil {
		return fmt.Errorf("client: dial: %w", err)
	}

	defer func() {
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
		m.mu.Lock()
		if m.conn == conn {
			m.conn = nil
		}
		// The server forgot this connection's joins with it.
		m.sent = make(map[scopeKey]struct{})
		m.mu.Unlock()
	}()

	m.send(conn, v1.TypeHello, v1.HelloPayload{Token: tok})

	for {
		env, err := readOne(ctx, conn)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("client: read: %w", err)
		}

		switch env.Type {
		case v1.TypeHelloAck:
			m.onHelloAck(conn)

		case v1.TypeAuthError:
			if rejected := m.onAuthError(ctx, conn, env); rejected != nil {
				return rejected
			}

		case v1.TypeReauthenticated:
			m.log.Info("realtime.client.reauthenticated")

		case v1.TypeScopeJoined, v1.TypeScopeLeft:
			m.dispatch(env)

		default:
			m.dispatch(env)
		}
	}
}

// onHelloAck marks the session live and replays the desired subscription set.
func (m *Manager) onHelloAck(conn *websocket.Conn) {
	m.mu.Lock()
	m.conn = conn
	m.everConnected = true
	m.sent = make(map[scopeKey]struct{})
	replay := make([]v1.ScopeRef, 0, len(m.want))
	for k, ref := range m.want {
		m.sent[k] = struct{}{}
		replay = append(replay, ref)
	}
	m.mu.Unlock()

	m.setState(StateConnected)

	for _, ref := range replay {
		m.send(conn, v1.TypeScopeJoin, v1.ScopeJoinPayload{Scope: ref})
	}
}

// onAuthError handles server-side auth failures. A plain TOKEN_EXPIRED is
// recoverable in place: the server holds the session open for a grace window
// while we fetch and present a fresh token. Everything else ends the session.
func (m *Manager) onAuthError(ctx context.Context, conn *websocket.Conn, env v1.Envelope) error {
	var p v1.AuthErrorPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return &authRejectedError{typ: "malformed auth_error"}
	}

	if p.Type == v1.AuthErrTokenExpired && p.Code != v1.AuthCodeReauthTokenExpired {
		m.log.Info("realtime.client.token_expired.reauthenticating")

		refreshCtx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
		tok, err := m.tokens.Refresh(refreshCtx)
		cancel()
		if err != nil {
			// Could not refresh inside the grace window; the server will
			// terminate the session and the run loop will recover.
			m.log.Warn("realtime.client.refresh_fail", "err", err)
			return nil
		}

		m.send(conn, v1.TypeReauthenticate, v1.ReauthenticatePayload{Token: tok})
		return nil
	}

	return &authRejectedError{typ: p.Type, code: p.Code}
}

func readOne(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}
