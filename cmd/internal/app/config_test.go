package app

import (
	"testing"
	"time"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg := LoadConfig()

	if cfg.HTTPAddr != "0.0.0.0:8080" {
		t.Fatalf("HTTPAddr=%q", cfg.HTTPAddr)
	}
	if cfg.LogLevel != "info" || cfg.LogFormat != "json" {
		t.Fatalf("log config: level=%q format=%q", cfg.LogLevel, cfg.LogFormat)
	}
	if cfg.DatabaseURL != "" {
		t.Fatalf("DatabaseURL should default empty, got %q", cfg.DatabaseURL)
	}
	if cfg.HubQueueSize != 128 {
		t.Fatalf("HubQueueSize=%d", cfg.HubQueueSize)
	}
	if cfg.ReadHeaderTimeout != 5*time.Second {
		t.Fatalf("ReadHeaderTimeout=%v", cfg.ReadHeaderTimeout)
	}
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("CHATTR_HTTP_ADDR", "127.0.0.1:9999")
	t.Setenv("CHATTR_LOG_LEVEL", "debug")
	t.Setenv("CHATTR_LOG_FORMAT", "pretty")
	t.Setenv("CHATTR_HUB_QUEUE_SIZE", "64")
	t.Setenv("CHATTR_HTTP_READ_TIMEOUT", "30s")
	t.Setenv("CHATTR_READINESS_REQUIRE_DB", "true")

	cfg := LoadConfig()

	if cfg.HTTPAddr != "127.0.0.1:9999" {
		t.Fatalf("HTTPAddr=%q", cfg.HTTPAddr)
	}
	if cfg.LogLevel != "debug" || cfg.LogFormat != "pretty" {
		t.Fatalf("log config: level=%q format=%q", cfg.LogLevel, cfg.LogFormat)
	}
	if cfg.HubQueueSize != 64 {
		t.Fatalf("HubQueueSize=%d", cfg.HubQueueSize)
	}
	if cfg.ReadTimeout != 30*time.Second {
		t.Fatalf("ReadTimeout=%v", cfg.ReadTimeout)
	}
	if !cfg.ReadinessRequireDB {
		t.Fatalf("ReadinessRequireDB=false")
	}
}

func TestEnvHelpers_IgnoreInvalid(t *testing.T) {
	t.Setenv("CHATTR_TEST_INT", "not-a-number")
	t.Setenv("CHATTR_TEST_DUR", "-5s")
	t.Setenv("CHATTR_TEST_BOOL", "maybe")

	if got := EnvInt("CHATTR_TEST_INT", 42); got != 42 {
		t.Fatalf("EnvInt=%d", got)
	}
	if got := EnvDuration("CHATTR_TEST_DUR", time.Minute); got != time.Minute {
		t.Fatalf("EnvDuration=%v", got)
	}
	if got := EnvBool("CHATTR_TEST_BOOL", true); got != true {
		t.Fatalf("EnvBool=%v", got)
	}
}
