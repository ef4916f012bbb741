package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()
	if cfg.ListenAddr != ":8080" {
		t.Errorf("expected :8080, got %s", cfg.ListenAddr)
	}
	if cfg.Mode != ModeLocal {
		t.Errorf("expected local mode, got %s", cfg.Mode)
	}
	if cfg.SSEMaxClients != 256 {
		t.Errorf("expected 256 max clients, got %d", cfg.SSEMaxClients)
	}
	if !cfg.Standalone() {
		t.Error("expected standalone with no Postgres DSN configured")
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(`
listen_addr: ":9090"
mode: cloud
domain: gateway.example.com
admin_usernames: ["Alice", "BOB"]
sse_max_clients: 10
`), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ListenAddr != ":9090" {
		t.Errorf("expected :9090, got %s", cfg.ListenAddr)
	}
	if cfg.Mode != ModeCloud {
		t.Errorf("expected cloud mode, got %s", cfg.Mode)
	}
	if cfg.SSEMaxClients != 10 {
		t.Errorf("expected 10, got %d", cfg.SSEMaxClients)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(`listen_addr: ":9090"`), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("GATEWAY_LISTEN_ADDR", ":7070")
	t.Setenv("GATEWAY_MODE", "cloud")
	t.Setenv("DOMAIN", "gateway.example.com")
	t.Setenv("ADMIN_USERNAMES", "Alice,bob")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ListenAddr != ":7070" {
		t.Errorf("env should override file: got %s", cfg.ListenAddr)
	}
	if cfg.Mode != ModeCloud {
		t.Errorf("expected cloud mode from env, got %s", cfg.Mode)
	}
	if !cfg.IsAdmin("ALICE") || !cfg.IsAdmin("Bob") {
		t.Errorf("expected case-insensitive admin match, got %v", cfg.AdminUsernames)
	}
}

func TestLoadFromEnvOnly(t *testing.T) {
	t.Setenv("GATEWAY_SSE_HEARTBEAT", "30s")
	t.Setenv("GATEWAY_TRACE_RETENTION_DAYS", "7")
	t.Setenv("GATEWAY_TRACING_ENDPOINT", "collector.internal:4317")

	cfg := LoadFromEnv()
	if cfg.SSEHeartbeat != 30*time.Second {
		t.Errorf("expected 30s heartbeat, got %s", cfg.SSEHeartbeat)
	}
	if cfg.TraceRetentionDays != 7 {
		t.Errorf("expected 7 day retention, got %d", cfg.TraceRetentionDays)
	}
	if cfg.TracingEndpoint != "collector.internal:4317" {
		t.Errorf("expected tracing endpoint to be set from env, got %q", cfg.TracingEndpoint)
	}
}

func TestDefaultConfigHasNoTracingEndpoint(t *testing.T) {
	if Default().TracingEndpoint != "" {
		t.Error("expected tracing to be disabled (no endpoint) by default")
	}
}

func TestSaveAndReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.yaml")

	cfg := Default()
	cfg.ListenAddr = ":3000"
	cfg.Domain = "gateway.example.com"

	if err := cfg.Save(path); err != nil {
		t.Fatal(err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.ListenAddr != ":3000" {
		t.Errorf("expected :3000, got %s", loaded.ListenAddr)
	}
	if loaded.Domain != "gateway.example.com" {
		t.Errorf("expected domain to round-trip, got %s", loaded.Domain)
	}
}

func TestStandaloneReflectsPostgresDSN(t *testing.T) {
	cfg := Default()
	if !cfg.Standalone() {
		t.Error("expected standalone with empty DSN")
	}
	cfg.PostgresDSN = "postgres://localhost/gateway"
	if cfg.Standalone() {
		t.Error("expected non-standalone once a DSN is set")
	}
}
