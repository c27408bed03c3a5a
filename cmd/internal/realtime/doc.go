// Package realtime is the event distribution core of the Waybill server.
//
// It accepts authenticated websocket connections, drives each one through the
// session state machine (unauthenticated -> authenticated -> grace period ->
// terminated), tracks scope subscriptions in an in-memory registry, and fans
// business events out to exactly the connections subscribed to the events'
// target scopes. Events are transient: the CRUD layer remains the source of
// truth and a missed event is recoverable by a client-initiated refresh.
package realtime
