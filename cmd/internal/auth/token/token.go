package token

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Role is the coarse authorization role carried inside a session token.
type Role string

// Roles known to the realtime core.
const (
	RoleDriver     Role = "DRIVER"
	RoleAdmin      Role = "ADMIN"
	RoleSuperAdmin Role = "SUPER_ADMIN"
)

// IsAdmin reports whether the role has administrator privileges.
func (r Role) IsAdmin() bool {
	return r == RoleAdmin || r == RoleSuperAdmin
}

// Valid reports whether the role is one the core understands.
func (r Role) Valid() bool {
	switch r {
	case RoleDriver, RoleAdmin, RoleSuperAdmin:
		return true
	default:
		return false
	}
}

// Claims is the verified identity envelope extracted from a session token.
type Claims struct {
	SubjectID string
	Username  string
	Role      Role
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Manager issues and verifies signed session tokens.
type Manager interface {
	Issue(subjectID, username string, role Role, now time.Time) (token string, exp time.Time, err error)
	Verify(token string, now time.Time) (Claims, error)
}

type wireClaims struct {
	jwt.RegisteredClaims
	Username string `json:"name,omitempty"`
	Role     string `json:"role"`
}

type hmacManager struct {
	cfg Config
}

// NewHMACManager builds a Manager signing with HMAC-SHA256 and the
// server-held secret from cfg.
func NewHMACManager(cfg Config) (Manager, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &hmacManager{cfg: cfg}, nil
}

func (m *hmacManager) Issue(subjectID, username string, role Role, now time.Time) (string, time.Time, error) {
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" || !role.Valid() {
		return "", time.Time{}, ErrTokenInvalid
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	exp := now.Add(m.cfg.TTL)

	claims := wireClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subjectID,
			Issuer:    m.cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		Username: username,
		Role:     string(role),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.cfg.Secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// Verify checks signature, issuer, and validity window.
//
// On ErrTokenExpired the returned Claims are still populated: the signature
// verified, so the identity is trustworthy even though the window is over.
// The gateway relies on this to keep an expired session's identity during
// the reauthentication grace period.
func (m *hmacManager) Verify(tokenString string, now time.Time) (Claims, error) {
	if strings.TrimSpace(tokenString) == "" {
		return Claims{}, ErrTokenMalformed
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	var wc wireClaims
	_, err := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(m.cfg.Issuer),
		jwt.WithLeeway(m.cfg.ClockSkew),
		jwt.WithTimeFunc(func() time.Time { return now }),
		jwt.WithExpirationRequired(),
	).ParseWithClaims(tokenString, &wc, func(t *jwt.Token) (any, error) {
		return m.cfg.Secret, nil
	})
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			claims, cErr := fromWireClaims(wc)
			if cErr != nil {
				return Claims{}, cErr
			}
			return claims, ErrTokenExpired
		case errors.Is(err, jwt.ErrTokenMalformed):
			return Claims{}, ErrTokenMalformed
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return Claims{}, ErrSignatureInvalid
		default:
			return Claims{}, ErrTokenInvalid
		}
	}

	return fromWireClaims(wc)
}

func fromWireClaims(wc wireClaims) (Claims, error) {
	role := Role(wc.Role)
	if strings.TrimSpace(wc.Subject) == "" || !role.Valid() {
		return Claims{}, ErrTokenInvalid
	}

	c := Claims{
		SubjectID: wc.Subject,
		Username:  wc.Username,
		Role:      role,
	}
	if wc.IssuedAt != nil {
		c.IssuedAt = wc.IssuedAt.Time
	}
	if wc.ExpiresAt != nil {
		c.ExpiresAt = wc.ExpiresAt.Time
	}
	return c, nil
}

// PeekExpiry extracts the expiry claim without verifying the signature.
//
// Clients use this to decide whether to refresh a token before dialing; it
// must never be used for authorization decisions.
func PeekExpiry(tokenString string) (time.Time, error) {
	var wc wireClaims
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, &wc); err != nil {
		return time.Time{}, ErrTokenMalformed
	}
	if wc.ExpiresAt == nil {
		return time.Time{}, ErrTokenInvalid
	}
	return wc.ExpiresAt.Time, nil
}
