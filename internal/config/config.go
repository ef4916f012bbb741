// Package config loads gateway configuration. Sources, in priority order:
// environment variables, then an optional YAML file, then defaults —
// the same precedence and Default()/Load()/LoadFromEnv() shape as the
// teacher's internal/controlplane/config, generalized from a JSON file
// format to YAML (gopkg.in/yaml.v3) and from one LEGATOR_* prefix to the
// gateway's GATEWAY_* prefix plus the three bare env vars the spec names
// literally.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Mode mirrors auth.Mode's values without importing internal/auth, so
// this package stays free of a dependency on the HTTP layer.
type Mode string

const (
	ModeLocal Mode = "local"
	ModeCloud Mode = "cloud"
)

// Config holds every setting cmd/emergated needs to assemble the gateway.
type Config struct {
	// ListenAddr is the HTTP bind address (default ":8080").
	ListenAddr string `yaml:"listen_addr"`
	// Mode selects the auth gate: "local" (open) or "cloud" (key-gated).
	Mode Mode `yaml:"mode"`
	// Domain is the public hostname used for the CORS origin in cloud mode.
	Domain string `yaml:"domain"`
	// AdminUsernames is a case-insensitive allow-list, comma-separated in
	// the environment and normalized to lowercase here.
	AdminUsernames []string `yaml:"admin_usernames"`

	// LogLevel selects zap's production ("info"+) or development (debug)
	// core, matching the teacher's plain string log_level setting.
	LogLevel string `yaml:"log_level"`

	// PostgresDSN is the external relational store's connection string.
	// Empty means "run standalone" against the embedded SQLite cache.
	PostgresDSN string `yaml:"postgres_dsn,omitempty"`
	// SQLiteCachePath is the embedded database file used when
	// PostgresDSN is empty ("" defaults to an in-memory database).
	SQLiteCachePath string `yaml:"sqlite_cache_path,omitempty"`

	// SSEMaxClients bounds the Events Stream Manager's client pool.
	SSEMaxClients int `yaml:"sse_max_clients"`
	// SSEHeartbeat is the configured interval between heartbeat frames. It
	// is loaded and overlaid from the environment but not read when serving
	// GET /events/stream, which always sends a heartbeat every 15s.
	SSEHeartbeat time.Duration `yaml:"sse_heartbeat"`

	// PoolSizePerBackend bounds the Connection Pool's per-backend size.
	PoolSizePerBackend int `yaml:"pool_size_per_backend"`

	// DashboardOrigin is where GET /dashboard 302-redirects to.
	DashboardOrigin string `yaml:"dashboard_origin,omitempty"`

	// TraceRetentionDays feeds the Algorithm Tracer's cleanup(days) sweep.
	TraceRetentionDays int `yaml:"trace_retention_days"`
	// TracingEndpoint is the OTLP gRPC collector the Algorithm Tracer
	// exports decision spans to. Empty disables span export entirely.
	TracingEndpoint string `yaml:"tracing_endpoint,omitempty"`

	// ApprovalTTL bounds how long a GateHIL task waits for an operator
	// decision before its request expires and the task is treated as denied.
	ApprovalTTL time.Duration `yaml:"approval_ttl"`
	// ApprovalQueueSize caps how many GateHIL requests can be outstanding
	// at once.
	ApprovalQueueSize int `yaml:"approval_queue_size"`

	// RateLimitPerMinute bounds how many requests one API key can make per
	// minute. 0 disables rate limiting entirely.
	RateLimitPerMinute int `yaml:"rate_limit_per_minute,omitempty"`

	// MCPServers are the Connection Pool's statically known backends,
	// dialed lazily on first use. Runtime-discovered backends (if any)
	// register through the same internal/mcptools.Bridge API; this list
	// only seeds what's known at startup.
	MCPServers []MCPServer `yaml:"mcp_servers,omitempty"`

	// SandboxCommand is the isolated runtime executable the Sandbox
	// Worker Bridge spawns one subprocess of per pml:execute code call.
	// Empty disables inline code execution (pml:execute still serves
	// capability_id and tasks forms).
	SandboxCommand string `yaml:"sandbox_command,omitempty"`
	// SandboxArgs are flags appended after the permission-derived deny
	// flags when launching SandboxCommand.
	SandboxArgs []string `yaml:"sandbox_args,omitempty"`
	// SandboxTimeout bounds one sandboxed execution.
	SandboxTimeout time.Duration `yaml:"sandbox_timeout"`
}

// MCPServer is one backend tool server the gateway can pool connections
// against.
type MCPServer struct {
	Name        string        `yaml:"name"`
	Endpoint    string        `yaml:"endpoint"`
	MaxSize     int           `yaml:"max_size,omitempty"`
	AcquireWait time.Duration `yaml:"acquire_wait,omitempty"`
}

// Default returns configuration with sensible defaults for local,
// standalone operation.
func Default() Config {
	return Config{
		ListenAddr:         ":8080",
		Mode:               ModeLocal,
		LogLevel:           "info",
		SSEMaxClients:      256,
		SSEHeartbeat:       15 * time.Second,
		PoolSizePerBackend: 8,
		TraceRetentionDays: 30,
		ApprovalTTL:        10 * time.Minute,
		ApprovalQueueSize:  100,
		SandboxTimeout:     30 * time.Second,
	}
}

// Load reads configuration from a YAML file (if path is non-empty), then
// overlays environment variables, following the teacher's file-then-env
// precedence.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables only.
func LoadFromEnv() Config {
	cfg := Default()
	applyEnv(&cfg)
	return cfg
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("GATEWAY_MODE"); v != "" {
		cfg.Mode = Mode(strings.ToLower(v))
	}
	if v := os.Getenv("DOMAIN"); v != "" {
		cfg.Domain = v
	}
	if v := os.Getenv("ADMIN_USERNAMES"); v != "" {
		cfg.AdminUsernames = splitLowerCSV(v)
	}
	if v := os.Getenv("GATEWAY_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("GATEWAY_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("GATEWAY_POSTGRES_DSN"); v != "" {
		cfg.PostgresDSN = v
	}
	if v := os.Getenv("GATEWAY_SQLITE_CACHE_PATH"); v != "" {
		cfg.SQLiteCachePath = v
	}
	if v := os.Getenv("GATEWAY_DASHBOARD_ORIGIN"); v != "" {
		cfg.DashboardOrigin = v
	}
	if v := os.Getenv("GATEWAY_SSE_MAX_CLIENTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SSEMaxClients = n
		}
	}
	if v := os.Getenv("GATEWAY_SSE_HEARTBEAT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.SSEHeartbeat = d
		}
	}
	if v := os.Getenv("GATEWAY_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSizePerBackend = n
		}
	}
	if v := os.Getenv("GATEWAY_TRACE_RETENTION_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.TraceRetentionDays = n
		}
	}
	if v := os.Getenv("GATEWAY_TRACING_ENDPOINT"); v != "" {
		cfg.TracingEndpoint = v
	}
	if v := os.Getenv("GATEWAY_APPROVAL_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.ApprovalTTL = d
		}
	}
	if v := os.Getenv("GATEWAY_APPROVAL_QUEUE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ApprovalQueueSize = n
		}
	}
	if v := os.Getenv("GATEWAY_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RateLimitPerMinute = n
		}
	}
	if v := os.Getenv("GATEWAY_SANDBOX_COMMAND"); v != "" {
		cfg.SandboxCommand = v
	}
	if v := os.Getenv("GATEWAY_SANDBOX_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.SandboxTimeout = d
		}
	}
}

func splitLowerCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// IsAdmin reports whether username (case-insensitive) is in AdminUsernames.
func (c Config) IsAdmin(username string) bool {
	username = strings.ToLower(username)
	for _, u := range c.AdminUsernames {
		if u == username {
			return true
		}
	}
	return false
}

// Standalone reports whether the gateway should run against the embedded
// SQLite cache instead of a configured Postgres backend.
func (c Config) Standalone() bool {
	return c.PostgresDSN == ""
}

// Save writes configuration to a YAML file.
func (c Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o640)
}
