// Package token issues and verifies the signed session tokens that
// authenticate realtime connections.
//
// Tokens are compact JWS (HS256) strings signed with a server-held secret and
// carry the subject id, username, role, and validity window. The verifier
// classifies failures so callers can distinguish a recoverable expiry (grace
// period, reauthentication) from fatal credential errors (malformed token,
// bad signature).
package token
