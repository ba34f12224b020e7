package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relay.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoad_DefaultsFillGaps(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("explicit port lost: %d", cfg.Server.Port)
	}
	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("host default missing: %q", cfg.Server.Host)
	}
	if cfg.Upstream.BaseURL != "https://api.anthropic.com" {
		t.Errorf("upstream default missing: %q", cfg.Upstream.BaseURL)
	}
	if cfg.Credentials.CacheTTL != time.Hour || cfg.Credentials.CacheMaxSize != 100 {
		t.Errorf("credential cache defaults missing: %+v", cfg.Credentials)
	}
	if cfg.Retry.MaxAttempts != 3 || cfg.Retry.Factor != 2 {
		t.Errorf("retry defaults missing: %+v", cfg.Retry)
	}
	if cfg.Circuit.FailureThreshold != 5 || cfg.Circuit.Window != 60*time.Second {
		t.Errorf("circuit defaults missing: %+v", cfg.Circuit)
	}
}

func TestLoad_ExpandsEnvInFile(t *testing.T) {
	t.Setenv("TEST_RELAY_DB", "/var/lib/relay/test.db")
	path := writeConfig(t, `
storage:
  path: ${TEST_RELAY_DB}
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Storage.Path != "/var/lib/relay/test.db" {
		t.Errorf("env expansion failed: %q", cfg.Storage.Path)
	}
}

func TestLoad_EnvOverridesWin(t *testing.T) {
	t.Setenv(EnvCredentialsDir, "/etc/relay/creds")
	t.Setenv(EnvSlowQueryMs, "250")
	t.Setenv(EnvSQLDebug, "1")
	t.Setenv(EnvTelemetryEndpoint, "https://telemetry.internal/events")

	path := writeConfig(t, `
credentials:
  dir: ./from-file
storage:
  slow_query_threshold: 5s
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Credentials.Dir != "/etc/relay/creds" {
		t.Errorf("credentials dir override lost: %q", cfg.Credentials.Dir)
	}
	if cfg.Storage.SlowQueryThreshold != 250*time.Millisecond {
		t.Errorf("slow query override lost: %v", cfg.Storage.SlowQueryThreshold)
	}
	if !cfg.Storage.Debug {
		t.Error("sql debug override lost")
	}
	if !cfg.Telemetry.Enabled || cfg.Telemetry.Endpoint != "https://telemetry.internal/events" {
		t.Errorf("telemetry override lost: %+v", cfg.Telemetry)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Credentials.Dir = t.TempDir()
	if err := cfg.Validate(); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}

	cfg.Server.Port = 0
	if err := cfg.Validate(); err == nil {
		t.Error("port 0 must be rejected")
	}
	cfg.Server.Port = 8080

	cfg.Credentials.Dir = filepath.Join(t.TempDir(), "missing")
	if err := cfg.Validate(); err == nil {
		t.Error("missing credentials dir must be rejected")
	}
}
