package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("ENV", "")
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("SWEEP_INTERVAL", "")
	t.Setenv("USE_MEMORY_QUEUE", "")
	cfg := Load()
	if cfg.Port != "8080" {
		t.Fatalf("expected default port, got %s", cfg.Port)
	}
	if cfg.Env != "development" {
		t.Fatalf("expected default env, got %s", cfg.Env)
	}
	if cfg.UseMemoryQueue {
		t.Fatalf("expected memory queue disabled by default")
	}
	if cfg.SweepInterval != 30*time.Second {
		t.Fatalf("expected default sweep interval, got %s", cfg.SweepInterval)
	}
	if cfg.GatewayBreakerFailures != 5 {
		t.Fatalf("expected default breaker failures, got %d", cfg.GatewayBreakerFailures)
	}
	if cfg.DefaultTimezone != "UTC" {
		t.Fatalf("expected UTC default timezone, got %s", cfg.DefaultTimezone)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("ENV", "production")
	t.Setenv("DATABASE_URL", "postgres://user@host/db")
	t.Setenv("USE_MEMORY_QUEUE", "true")
	t.Setenv("SWEEP_INTERVAL", "5s")
	t.Setenv("DISPATCH_RETRY_BASE_DELAY", "1m")
	t.Setenv("GATEWAY_BREAKER_FAILURES", "9")
	t.Setenv("SLOT_EVENTS_QUEUE_URL", "http://localhost:4566/000000000000/slot-events")
	cfg := Load()
	if cfg.Port != "9090" {
		t.Fatalf("expected override port, got %s", cfg.Port)
	}
	if cfg.Env != "production" {
		t.Fatalf("expected env override, got %s", cfg.Env)
	}
	if cfg.DatabaseURL != "postgres://user@host/db" {
		t.Fatalf("expected db override, got %s", cfg.DatabaseURL)
	}
	if !cfg.UseMemoryQueue {
		t.Fatalf("expected memory queue override")
	}
	if cfg.SweepInterval != 5*time.Second {
		t.Fatalf("expected sweep override, got %s", cfg.SweepInterval)
	}
	if cfg.DispatchRetryBaseDelay != time.Minute {
		t.Fatalf("expected retry delay override, got %s", cfg.DispatchRetryBaseDelay)
	}
	if cfg.GatewayBreakerFailures != 9 {
		t.Fatalf("expected breaker override, got %d", cfg.GatewayBreakerFailures)
	}
	if cfg.SlotEventsQueueURL == "" {
		t.Fatalf("expected queue url override")
	}
}

func TestLoadIgnoresMalformedValues(t *testing.T) {
	t.Setenv("SWEEP_INTERVAL", "soon")
	t.Setenv("GATEWAY_BREAKER_FAILURES", "many")
	t.Setenv("REDIS_TLS", "perhaps")
	cfg := Load()
	if cfg.SweepInterval != 30*time.Second {
		t.Fatalf("expected fallback sweep interval, got %s", cfg.SweepInterval)
	}
	if cfg.GatewayBreakerFailures != 5 {
		t.Fatalf("expected fallback breaker failures, got %d", cfg.GatewayBreakerFailures)
	}
	if cfg.RedisTLS {
		t.Fatalf("expected fallback redis tls false")
	}
}

func TestLoadFallbackSender(t *testing.T) {
	t.Setenv("TELNYX_FALLBACK_PROFILE_ID", "profile-sms")
	t.Setenv("TELNYX_FALLBACK_FROM_NUMBER", "+15550009999")
	cfg := Load()
	if cfg.TelnyxFallbackProfileID != "profile-sms" || cfg.TelnyxFallbackFromNumber != "+15550009999" {
		t.Fatalf("expected fallback sender, got %q %q", cfg.TelnyxFallbackProfileID, cfg.TelnyxFallbackFromNumber)
	}
}
