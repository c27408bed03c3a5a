package token

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func testManager(t *testing.T, ttl time.Duration) Manager {
	t.Helper()

	cfg := DefaultConfig()
	cfg.Secret = []byte("0123456789abcdef0123456789abcdef")
	if ttl > 0 {
		cfg.TTL = ttl
	}

	m, err := NewHMACManager(cfg)
	if err != nil {
		t.Fatalf("NewHMACManager: %v", err)
	}
	return m
}

func TestHMACManager_IssueVerifyRoundtrip(t *testing.T) {
	m := testManager(t, 15*time.Minute)
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	tok, exp, err := m.Issue("driver-1", "dana", RoleDriver, now)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if want := now.Add(15 * time.Minute); !exp.Equal(want) {
		t.Fatalf("exp: want %v, got %v", want, exp)
	}

	claims, err := m.Verify(tok, now.Add(1*time.Minute))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.SubjectID != "driver-1" || claims.Username != "dana" || claims.Role != RoleDriver {
		t.Fatalf("claims mismatch: %+v", claims)
	}
	if !claims.ExpiresAt.Equal(exp.Truncate(time.Second)) {
		t.Fatalf("claims exp: want %v, got %v", exp.Truncate(time.Second), claims.ExpiresAt)
	}
}

func TestHMACManager_ExpiredStillReturnsIdentity(t *testing.T) {
	m := testManager(t, 1*time.Minute)
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	tok, _, err := m.Issue("driver-2", "drew", RoleDriver, now)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	// Past TTL plus the default clock skew.
	claims, err := m.Verify(tok, now.Add(5*time.Minute))
	if !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("want ErrTokenExpired, got %v", err)
	}
	if claims.SubjectID != "driver-2" || claims.Role != RoleDriver {
		t.Fatalf("expired token must still carry identity, got %+v", claims)
	}
}

func TestHMACManager_ClockSkewTolerated(t *testing.T) {
	m := testManager(t, 1*time.Minute)
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	tok, _, err := m.Issue("driver-3", "", RoleDriver, now)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	// 10s past expiry is inside the default 30s skew.
	if _, err := m.Verify(tok, now.Add(70*time.Second)); err != nil {
		t.Fatalf("Verify within skew: %v", err)
	}
}

func TestHMACManager_Malformed(t *testing.T) {
	m := testManager(t, 0)

	for _, tok := range []string{"", "   ", "garbage", "a.b", "a.b.c.d"} {
		if _, err := m.Verify(tok, time.Now().UTC()); !errors.Is(err, ErrTokenMalformed) {
			t.Fatalf("Verify(%q): want ErrTokenMalformed, got %v", tok, err)
		}
	}
}

func TestHMACManager_WrongKeyIsSignatureInvalid(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	m1 := testManager(t, time.Hour)

	cfg := DefaultConfig()
	cfg.Secret = []byte("ffffffffffffffffffffffffffffffff")
	m2, err := NewHMACManager(cfg)
	if err != nil {
		t.Fatalf("NewHMACManager: %v", err)
	}

	tok, _, err := m1.Issue("admin-1", "ada", RoleAdmin, now)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	if _, err := m2.Verify(tok, now); !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("want ErrSignatureInvalid, got %v", err)
	}
}

func TestHMACManager_WrongIssuerRejected(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	cfg := DefaultConfig()
	cfg.Secret = []byte("0123456789abcdef0123456789abcdef")
	cfg.Issuer = "somebody-else"
	other, err := NewHMACManager(cfg)
	if err != nil {
		t.Fatalf("NewHMACManager: %v", err)
	}

	tok, _, err := other.Issue("admin-2", "", RoleAdmin, now)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	m := testManager(t, 0)
	if _, err := m.Verify(tok, now); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("want ErrTokenInvalid, got %v", err)
	}
}

func TestHMACManager_UnknownRoleRejected(t *testing.T) {
	m := testManager(t, 0)
	if _, _, err := m.Issue("x", "", Role("INTERN"), time.Now().UTC()); err == nil {
		t.Fatalf("expected error for unknown role")
	}
}

func TestNewHMACManager_ShortSecretRejected(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Secret = []byte("too-short")
	if _, err := NewHMACManager(cfg); !errors.Is(err, ErrConfig) {
		t.Fatalf("want ErrConfig, got %v", err)
	}
}

func TestPeekExpiry(t *testing.T) {
	m := testManager(t, 30*time.Minute)
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	tok, exp, err := m.Issue("driver-4", "", RoleDriver, now)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	got, err := PeekExpiry(tok)
	if err != nil {
		t.Fatalf("PeekExpiry: %v", err)
	}
	if !got.Equal(exp.Truncate(time.Second)) {
		t.Fatalf("PeekExpiry: want %v, got %v", exp.Truncate(time.Second), got)
	}

	if _, err := PeekExpiry("not-a-token"); !errors.Is(err, ErrTokenMalformed) {
		t.Fatalf("want ErrTokenMalformed, got %v", err)
	}
}

func TestRolePredicates(t *testing.T) {
	if !RoleAdmin.IsAdmin() || !RoleSuperAdmin.IsAdmin() {
		t.Fatalf("admin roles must report IsAdmin")
	}
	if RoleDriver.IsAdmin() {
		t.Fatalf("driver must not report IsAdmin")
	}
	if Role(strings.ToLower(string(RoleDriver))).Valid() {
		t.Fatalf("roles are case-sensitive")
	}
}
