package app

import "time"

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32

	// Per-subscriber hub queue size for live feeds.
	HubQueueSize int

	// If true:
	// - /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("CHATTR_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("CHATTR_LOG_LEVEL", "info"),
		LogFormat: EnvString("CHATTR_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("CHATTR_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("CHATTR_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("CHATTR_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("CHATTR_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("CHATTR_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("CHATTR_DATABASE_URL", ""),
		DBMaxConns:  EnvInt32("CHATTR_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("CHATTR_DB_MIN_CONNS", 0),

		HubQueueSize: EnvInt("CHATTR_HUB_QUEUE_SIZE", 128),

		ReadinessRequireDB: EnvBool("CHATTR_READINESS_REQUIRE_DB", false),
	}
}
