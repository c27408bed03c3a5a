package app

import "time"

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr string
	LogLevel string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32
	DBSchema    string

	// If true, /readyz returns 503 unless the DB is configured and reachable.
	ReadinessRequireDB bool

	// Session token verification. TokenSecret MUST be at least 32 bytes;
	// startup fails otherwise (tokens gate every realtime subscription).
	TokenSecret    string
	TokenIssuer    string
	TokenTTL       time.Duration
	TokenClockSkew time.Duration

	// If true, /metrics is exposed on the main listener.
	MetricsEnabled bool
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr: EnvString("WAYBILL_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel: EnvString("WAYBILL_LOG_LEVEL", "info"),

		ReadHeaderTimeout: EnvDuration("WAYBILL_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("WAYBILL_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("WAYBILL_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("WAYBILL_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("WAYBILL_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("WAYBILL_DATABASE_URL", ""),
		DBMaxConns:  EnvInt32("WAYBILL_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("WAYBILL_DB_MIN_CONNS", 0),
		DBSchema:    EnvString("WAYBILL_DB_SCHEMA", "waybill"),

		ReadinessRequireDB: EnvBool("WAYBILL_READINESS_REQUIRE_DB", false),

		TokenSecret:    EnvString("WAYBILL_TOKEN_SECRET", ""),
		TokenIssuer:    EnvString("WAYBILL_TOKEN_ISSUER", "waybill"),
		TokenTTL:       EnvDuration("WAYBILL_TOKEN_TTL", 15*time.Minute),
		TokenClockSkew: EnvDuration("WAYBILL_TOKEN_CLOCK_SKEW", 30*time.Second),

		MetricsEnabled: EnvBool("WAYBILL_METRICS_ENABLED", true),
	}
}
