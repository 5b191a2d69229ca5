package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"PORT", "DB_DSN", "REPORT_CRON", "CLAIM_RETRY_LIMIT", "RELAY_POLL_INTERVAL_MS", "DEFAULT_TIMEZONE"} {
		t.Setenv(key, "")
	}
	cfg := Load()
	if cfg.Port != "8080" {
		t.Fatalf("expected default port, got %s", cfg.Port)
	}
	if cfg.ReportCron != "0 22 * * *" {
		t.Fatalf("expected default report cron, got %s", cfg.ReportCron)
	}
	if cfg.ClaimRetryLimit != 3 || cfg.RelayPollInterval != time.Second {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.Location() != time.UTC {
		t.Fatalf("expected UTC location")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("CLAIM_RETRY_LIMIT", "5")
	t.Setenv("RATE_LIMIT_BURST", "not-a-number")
	t.Setenv("TRUST_GATEWAY_IDENTITY", "false")
	t.Setenv("ANOMALY_WAIT_THRESHOLD_SECONDS", "60")
	t.Setenv("DEFAULT_TIMEZONE", "Nowhere/Atlantis")
	t.Setenv("OTEL_TRACES_SAMPLE_RATIO", "0.1")
	t.Setenv("OTEL_EXPORTER_OTLP_INSECURE", "true")
	cfg := Load()
	if cfg.TraceSampleRatio != 0.1 || !cfg.TraceInsecure {
		t.Fatalf("expected trace overrides, got ratio=%v insecure=%v", cfg.TraceSampleRatio, cfg.TraceInsecure)
	}
	if cfg.Port != "9090" || cfg.ClaimRetryLimit != 5 {
		t.Fatalf("expected overrides, got %+v", cfg)
	}
	if cfg.RateLimitBurst != 30 {
		t.Fatalf("expected fallback for invalid int, got %d", cfg.RateLimitBurst)
	}
	if cfg.TrustGatewayIdentity {
		t.Fatalf("expected TRUST_GATEWAY_IDENTITY=false")
	}
	if cfg.AnomalyWaitThreshold != time.Minute {
		t.Fatalf("expected 1m threshold, got %v", cfg.AnomalyWaitThreshold)
	}
	if cfg.Location() != time.UTC {
		t.Fatalf("expected UTC fallback for unknown timezone")
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("SEED_PATH=seed.json\n"), 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })
	t.Setenv("SEED_PATH", "")
	os.Unsetenv("SEED_PATH")

	cfg := Load()
	if cfg.SeedPath != "seed.json" {
		t.Fatalf("expected SEED_PATH from .env, got %q", cfg.SeedPath)
	}
}
