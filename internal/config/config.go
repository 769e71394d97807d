// Package config loads daemon configuration from ~/.gobby/config.json
// (JSON5: comments and trailing commas tolerated), overlays GOBBY_* env
// vars, and persists only values that differ from the defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/titanous/json5"
)

// DaemonConfig is the HTTP listener and logging surface.
type DaemonConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	RateLimitRPM int    `json:"rate_limit_rpm"`
}

// StoreConfig locates the embedded database.
type StoreConfig struct {
	Path string `json:"path"` // empty = ~/.gobby/gobby.sqlite
}

// WorkflowsConfig locates workflow and skill definitions.
type WorkflowsConfig struct {
	GlobalDir string `json:"global_dir"` // default ~/.gobby/workflows
	SkillsDir string `json:"skills_dir"` // default ~/.gobby/skills
}

// OrchestrationConfig bounds agent spawning.
type OrchestrationConfig struct {
	MaxConcurrent   int    `json:"max_concurrent"`
	MaxSpawnDepth   int    `json:"max_spawn_depth"`
	WorktreeBase    string `json:"worktree_base"` // empty = {tmp}/gobby-worktrees
	TerminalCommand string `json:"terminal_command,omitempty"`
	ReapSchedule    string `json:"reap_schedule"` // cron expression
	Provider        string `json:"provider"`
	Model           string `json:"model,omitempty"`
}

// MCPConfig tunes the MCP client manager.
type MCPConfig struct {
	ConnectTimeoutSec      int `json:"connect_timeout_sec"`
	ToolTimeoutSec         int `json:"tool_timeout_sec"`
	HealthCheckIntervalSec int `json:"health_check_interval_sec"`
	MaxConnectionRetries   int `json:"max_connection_retries"`
	BreakerThreshold       int `json:"breaker_threshold"`
	BreakerCooldownSec     int `json:"breaker_cooldown_sec"`
}

// LoggingConfig controls the rotating file logger.
type LoggingConfig struct {
	Level      string `json:"level"` // debug, info, warn, error
	Dir        string `json:"dir"`   // empty = ~/.gobby/logs
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
}

// TelemetryConfig configures the optional OTLP trace exporter.
type TelemetryConfig struct {
	Enabled  bool   `json:"enabled"`
	Endpoint string `json:"endpoint,omitempty"` // host:port
	Insecure bool   `json:"insecure,omitempty"`
}

// Config is the daemon's root configuration.
type Config struct {
	Daemon        DaemonConfig        `json:"daemon"`
	Store         StoreConfig         `json:"store"`
	Workflows     WorkflowsConfig     `json:"workflows"`
	Orchestration OrchestrationConfig `json:"orchestration"`
	MCP           MCPConfig           `json:"mcp"`
	Logging       LoggingConfig       `json:"logging"`
	Telemetry     TelemetryConfig     `json:"telemetry"`
}

// Default returns the configuration used when no file and no env exist.
func Default() *Config {
	return &Config{
		Daemon: DaemonConfig{
			Host:         "127.0.0.1",
			Port:         7077,
			RateLimitRPM: 0,
		},
		Workflows: WorkflowsConfig{
			GlobalDir: "~/.gobby/workflows",
			SkillsDir: "~/.gobby/skills",
		},
		Orchestration: OrchestrationConfig{
			MaxConcurrent: 3,
			MaxSpawnDepth: 3,
			ReapSchedule:  "0 * * * *",
			Provider:      "claude",
		},
		MCP: MCPConfig{
			ConnectTimeoutSec:      30,
			ToolTimeoutSec:         60,
			HealthCheckIntervalSec: 30,
			MaxConnectionRetries:   3,
			BreakerThreshold:       3,
			BreakerCooldownSec:     60,
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 5,
		},
	}
}

// Load reads path (JSON5), overlaying env vars. A missing file yields the
// defaults plus env.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides overlays GOBBY_* env vars. Env wins over the file.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	envBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			*dst = v == "1" || v == "true"
		}
	}

	envStr("GOBBY_HOST", &c.Daemon.Host)
	envInt("GOBBY_PORT", &c.Daemon.Port)
	envInt("GOBBY_RATE_LIMIT_RPM", &c.Daemon.RateLimitRPM)
	envStr("GOBBY_DB_PATH", &c.Store.Path)
	envStr("GOBBY_WORKFLOWS_DIR", &c.Workflows.GlobalDir)
	envStr("GOBBY_SKILLS_DIR", &c.Workflows.SkillsDir)
	envInt("GOBBY_MAX_CONCURRENT", &c.Orchestration.MaxConcurrent)
	envInt("GOBBY_MAX_SPAWN_DEPTH", &c.Orchestration.MaxSpawnDepth)
	envStr("GOBBY_WORKTREE_BASE", &c.Orchestration.WorktreeBase)
	envStr("GOBBY_TERMINAL_COMMAND", &c.Orchestration.TerminalCommand)
	envStr("GOBBY_PROVIDER", &c.Orchestration.Provider)
	envStr("GOBBY_MODEL", &c.Orchestration.Model)
	envStr("GOBBY_LOG_LEVEL", &c.Logging.Level)
	envStr("GOBBY_LOG_DIR", &c.Logging.Dir)
	envBool("GOBBY_TELEMETRY_ENABLED", &c.Telemetry.Enabled)
	envStr("GOBBY_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envBool("GOBBY_TELEMETRY_INSECURE", &c.Telemetry.Insecure)
}

// Validate rejects values the daemon cannot run with.
func (c *Config) Validate() error {
	if c.Daemon.Port < 0 || c.Daemon.Port > 65535 {
		return fmt.Errorf("daemon.port %d out of range", c.Daemon.Port)
	}
	if c.Orchestration.MaxConcurrent < 1 {
		return fmt.Errorf("orchestration.max_concurrent must be at least 1")
	}
	if c.Orchestration.MaxSpawnDepth < 1 {
		return fmt.Errorf("orchestration.max_spawn_depth must be at least 1")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q unknown", c.Logging.Level)
	}
	return nil
}

// GobbyDir returns ~/.gobby, creating it if needed.
func GobbyDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("home dir: %w", err)
	}
	dir := filepath.Join(home, ".gobby")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", dir, err)
	}
	return dir, nil
}

// DBPath resolves the store file path.
func (c *Config) DBPath(gobbyDir string) string {
	if c.Store.Path != "" {
		return ExpandHome(c.Store.Path)
	}
	return filepath.Join(gobbyDir, "gobby.sqlite")
}

// LogDir resolves the log directory.
func (c *Config) LogDir(gobbyDir string) string {
	if c.Logging.Dir != "" {
		return ExpandHome(c.Logging.Dir)
	}
	return filepath.Join(gobbyDir, "logs")
}

// SummariesDir is where handoff failback files land.
func SummariesDir(gobbyDir string) string {
	return filepath.Join(gobbyDir, "session_summaries")
}

// ExpandHome replaces a leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
