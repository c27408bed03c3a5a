// Package main provides a CI-friendly WebSocket smoke test for Waybill realtime.
//
// It validates:
//   - handshake + subprotocol selection
//   - hello/ack session establishment with a freshly minted token
//   - scope join echo
//   - expired-token hello -> grace period -> reauthenticate -> reauthenticated
//
// The tool mints tokens locally, so -secret must match the server's
// WAYBILL_TOKEN_SECRET.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"waybill/cmd/internal/auth/token"
	v1 "waybill/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

const maxReadBytes = 1 << 20 // 1MiB

type smokeClient struct {
	name string
	conn *websocket.Conn
}

func main() {
	var (
		wsURL    = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin   = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		secret   = flag.String("secret", "", "Token signing secret (must match the server, >= 32 bytes)")
		issuer   = flag.String("issuer", "waybill", "Token issuer (must match the server)")
		driverID = flag.String("driver", "smoke-driver-1", "Driver subject id")
		adminID  = flag.String("admin", "smoke-admin-1", "Admin subject id")
		timeout  = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose  = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if strings.TrimSpace(*secret) == "" {
		fatalf("-secret is required")
	}

	tokens, err := token.NewHMACManager(token.Config{
		Secret: []byte(*secret),
		Issuer: *issuer,
		TTL:    5 * time.Minute,
	})
	if err != nil {
		fatalf("token manager: %v", err)
	}

	root := context.Background()
	now := time.Now().UTC()

	driverTok, _, err := tokens.Issue(*driverID, "smoke-driver", token.RoleDriver, now)
	if err != nil {
		fatalf("issue driver token: %v", err)
	}
	adminTok, _, err := tokens.Issue(*adminID, "smoke-admin", token.RoleAdmin, now)
	if err != nil {
		fatalf("issue admin token: %v", err)
	}

	// Part 1: fresh tokens authenticate and scope joins echo back.
	driver := mustConnect(root, "driver", *wsURL, *origin, *timeout)
	defer closeWS(driver.conn)
	admin := mustConnect(root, "admin", *wsURL, *origin, *timeout)
	defer closeWS(admin.conn)

	driverAck := mustHello(root, driver, driverTok, *timeout)
	adminAck := mustHello(root, admin, adminTok, *timeout)
	if *verbose {
		fmt.Printf("authenticated: driver=%s admin=%s\n", driverAck.ConnectionID, adminAck.ConnectionID)
	}

	mustJoin(root, driver, v1.ScopeRef{Kind: v1.ScopeKindDriver, ID: *driverID}, *timeout)
	mustJoin(root, admin, v1.ScopeRef{Kind: v1.ScopeKindAdmin}, *timeout)

	// Part 2: an expired token opens a grace window; a fresh token recovers it.
	past := now.Add(-time.Hour)
	expiredTok, _, err := tokens.Issue(*driverID, "smoke-driver", token.RoleDriver, past)
	if err != nil {
		fatalf("issue expired token: %v", err)
	}

	stale := mustConnect(root, "stale", *wsURL, *origin, *timeout)
	defer closeWS(stale.conn)

	sendEnvelope(root, stale, v1.TypeHello, v1.HelloPayload{Token: expiredTok}, *timeout)
	authErr := mustReadType(root, stale, v1.TypeAuthError, *timeout)

	var ap v1.AuthErrorPayload
	mustUnmarshal(authErr.Payload, &ap)
	if ap.Type != v1.AuthErrTokenExpired {
		fatalf("stale hello: want %s, got %s", v1.AuthErrTokenExpired, ap.Type)
	}

	sendEnvelope(root, stale, v1.TypeReauthenticate, v1.ReauthenticatePayload{Token: driverTok}, *timeout)
	reauth := mustReadType(root, stale, v1.TypeReauthenticated, *timeout)

	var rp v1.ReauthenticatedPayload
	mustUnmarshal(reauth.Payload, &rp)
	if !rp.Success {
		fatalf("reauthenticate: success=false")
	}

	fmt.Printf("OK: driver=%s admin=%s grace-recovery verified\n", driverAck.ConnectionID, adminAck.ConnectionID)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func mustConnect(parent context.Context, name, wsURL, origin string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	opts := &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
	}
	if strings.TrimSpace(origin) != "" {
		opts.HTTPHeader = map[string][]string{"Origin": {origin}}
	}

	conn, _, err := websocket.Dial(ctx, wsURL, opts)
	if err != nil {
		fatalf("%s: dial: %v", name, err)
	}
	conn.SetReadLimit(maxReadBytes)

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		fatalf("%s: subprotocol: want %q, got %q", name, v1.Subprotocol, sp)
	}
	return &smokeClient{name: name, conn: conn}
}

func mustHello(parent context.Context, c *smokeClient, tok string, stepTimeout time.Duration) v1.HelloAckPayload {
	sendEnvelope(parent, c, v1.TypeHello, v1.HelloPayload{Token: tok}, stepTimeout)
	env := mustReadType(parent, c, v1.TypeHelloAck, stepTimeout)

	var ack v1.HelloAckPayload
	mustUnmarshal(env.Payload, &ack)
	if ack.ConnectionID == "" {
		fatalf("%s: hello_ack missing connection_id", c.name)
	}
	return ack
}

func mustJoin(parent context.Context, c *smokeClient, scope v1.ScopeRef, stepTimeout time.Duration) {
	sendEnvelope(parent, c, v1.TypeScopeJoin, v1.ScopeJoinPayload{Scope: scope}, stepTimeout)
	env := mustReadType(parent, c, v1.TypeScopeJoined, stepTimeout)

	var p v1.ScopeJoinedPayload
	mustUnmarshal(env.Payload, &p)
	if p.Scope.Kind != scope.Kind || p.Scope.ID != scope.ID {
		fatalf("%s: join echo mismatch: want %v, got %v", c.name, scope, p.Scope)
	}
}

func sendEnvelope(parent context.Context, c *smokeClient, typ string, payload any, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	raw, err := json.Marshal(payload)
	if err != nil {
		fatalf("%s: marshal %s: %v", c.name, typ, err)
	}
	env := v1.Envelope{V: v1.Version, Type: typ, TS: time.Now().UTC(), Payload: raw}
	b, err := json.Marshal(env)
	if err != nil {
		fatalf("%s: marshal envelope: %v", c.name, err)
	}
	if err := c.conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("%s: write %s: %v", c.name, typ, err)
	}
}

// mustReadType reads until an envelope of the wanted type arrives, skipping
// unrelated frames (join echoes from default scopes, events).
func mustReadType(parent context.Context, c *smokeClient, want string, stepTimeout time.Duration) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			fatalf("%s: read (waiting for %s): %v", c.name, want, err)
		}
		var env v1.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			fatalf("%s: decode: %v", c.name, err)
		}
		if env.Type == want {
			return env
		}
		if env.Type == v1.TypeError || env.Type == v1.TypeAuthError {
			fatalf("%s: got %s while waiting for %s: %s", c.name, env.Type, want, string(env.Payload))
		}
	}
}

func mustUnmarshal(raw json.RawMessage, v any) {
	if err := json.Unmarshal(raw, v); err != nil {
		fatalf("unmarshal payload: %v", err)
	}
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "SMOKE FAIL: "+format+"\n", args...)
	os.Exit(1)
}
