package token

import "errors"

// Public, stable errors for callers.
var (
	// ErrConfig indicates an unusable manager configuration (e.g. short secret).
	ErrConfig = errors.New("token: invalid config")

	// ErrTokenExpired means the signature verified but the validity window is
	// over. Verify still returns the embedded claims so callers can keep the
	// subject identity through a reauthentication grace period.
	ErrTokenExpired = errors.New("token: expired")

	// ErrTokenMalformed means the string is not a parseable token at all.
	ErrTokenMalformed = errors.New("token: malformed")

	// ErrSignatureInvalid means the token parsed but was not signed with the
	// server-held secret.
	ErrSignatureInvalid = errors.New("token: signature invalid")

	// ErrTokenInvalid covers every other verification failure (wrong issuer,
	// not yet valid, missing claims).
	ErrTokenInvalid = errors.New("token: invalid")
)
