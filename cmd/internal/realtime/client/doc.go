// Package client implements the Waybill realtime connection manager used by
// driver and dispatcher frontends (and by the smoke tooling).
//
// The manager owns the websocket lifecycle end to end: credential lookup and
// refresh, dialing, the authentication handshake, scope subscription replay
// after reconnects, and exponential-backoff recovery. Its public API never
// returns errors; callers observe state transitions and alerts instead, which
// keeps UI call sites free of error plumbing for a connection that is
// expected to drop and heal on its own.
package client
