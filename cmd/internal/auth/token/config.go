package token

import "time"

const (
	// Minimum secret length for HMAC-SHA256. Shorter keys weaken the MAC.
	minSecretBytes = 32

	defaultIssuer    = "waybill"
	defaultTTL       = 15 * time.Minute
	defaultClockSkew = 30 * time.Second
)

// Config describes a token manager.
type Config struct {
	// Secret is the server-held HMAC key. Must be at least 32 bytes.
	Secret []byte

	// Issuer is stamped into every token and enforced on verification.
	Issuer string

	// TTL is the validity window applied by Issue.
	TTL time.Duration

	// ClockSkew is the leeway applied to time-based claims during
	// verification to tolerate minor clock differences.
	ClockSkew time.Duration
}

// DefaultConfig returns a Config with production defaults and no secret.
func DefaultConfig() Config {
	return Config{
		Issuer:    defaultIssuer,
		TTL:       defaultTTL,
		ClockSkew: defaultClockSkew,
	}
}

func (c Config) validate() error {
	if len(c.Secret) < minSecretBytes {
		return ErrConfig
	}
	if c.Issuer == "" || c.TTL <= 0 {
		return ErrConfig
	}
	return nil
}
