package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Daemon.Host != "127.0.0.1" || cfg.Daemon.Port != 7077 {
		t.Fatalf("daemon defaults = %+v", cfg.Daemon)
	}
	if cfg.Orchestration.MaxConcurrent != 3 || cfg.Orchestration.Provider != "claude" {
		t.Fatalf("orchestration defaults = %+v", cfg.Orchestration)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
}

func TestLoadJSON5File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	content := `{
  // local overrides
  daemon: { port: 9000, },
  orchestration: { max_concurrent: 5 },
}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Daemon.Port != 9000 {
		t.Fatalf("port = %d, want 9000", cfg.Daemon.Port)
	}
	if cfg.Orchestration.MaxConcurrent != 5 {
		t.Fatalf("max_concurrent = %d, want 5", cfg.Orchestration.MaxConcurrent)
	}
	// Untouched sections keep defaults.
	if cfg.MCP.ConnectTimeoutSec != 30 {
		t.Fatalf("mcp defaults lost: %+v", cfg.MCP)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Daemon.Port != 7077 {
		t.Fatalf("port = %d", cfg.Daemon.Port)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{daemon: {port: 9000}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("GOBBY_PORT", "9100")
	t.Setenv("GOBBY_LOG_LEVEL", "debug")
	t.Setenv("GOBBY_TELEMETRY_ENABLED", "true")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Daemon.Port != 9100 {
		t.Fatalf("port = %d, want env value 9100", cfg.Daemon.Port)
	}
	if cfg.Logging.Level != "debug" || !cfg.Telemetry.Enabled {
		t.Fatalf("env overrides missing: %+v %+v", cfg.Logging, cfg.Telemetry)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{logging: {level: "verbose"}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for unknown log level")
	}
}

func TestSetValuesPersistsOnlyDiff(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	m := NewManager(path, Default())

	cfg, err := m.SetValues(map[string]any{
		"daemon": map[string]any{"port": 8080},
	})
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	if cfg.Daemon.Port != 8080 {
		t.Fatalf("port = %d", cfg.Daemon.Port)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read persisted file: %v", err)
	}
	var persisted map[string]any
	if err := json.Unmarshal(data, &persisted); err != nil {
		t.Fatalf("persisted file not JSON: %v", err)
	}
	if len(persisted) != 1 {
		t.Fatalf("persisted = %v, want only daemon section", persisted)
	}
	daemon := persisted["daemon"].(map[string]any)
	if daemon["port"] != float64(8080) || len(daemon) != 1 {
		t.Fatalf("daemon diff = %v", daemon)
	}

	// Reloading merges the diff back over defaults.
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if loaded.Daemon.Port != 8080 || loaded.Daemon.Host != "127.0.0.1" {
		t.Fatalf("reloaded = %+v", loaded.Daemon)
	}
}

func TestSetValuesRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	m := NewManager(path, Default())

	if _, err := m.SetValues(map[string]any{
		"orchestration": map[string]any{"max_concurrent": 0},
	}); err == nil {
		t.Fatal("expected validation error")
	}
	// Active config untouched on failure.
	if m.Current().Orchestration.MaxConcurrent != 3 {
		t.Fatalf("config mutated after failed set: %+v", m.Current().Orchestration)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("file should not exist after failed set")
	}
}

func TestResetRemovesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	m := NewManager(path, Default())
	if _, err := m.SetValues(map[string]any{"daemon": map[string]any{"port": 8080}}); err != nil {
		t.Fatal(err)
	}

	cfg, err := m.Reset()
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if cfg.Daemon.Port != 7077 {
		t.Fatalf("port = %d after reset", cfg.Daemon.Port)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("config file should be removed on reset")
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(filepath.Join(dir, "config.json"), Default())
	if _, err := m.SetValues(map[string]any{
		"daemon":  map[string]any{"port": 8081},
		"logging": map[string]any{"level": "warn"},
	}); err != nil {
		t.Fatal(err)
	}

	exported, err := m.Export()
	if err != nil {
		t.Fatalf("export: %v", err)
	}

	m2 := NewManager(filepath.Join(dir, "config2.json"), Default())
	cfg, err := m2.Import(exported)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if cfg.Daemon.Port != 8081 || cfg.Logging.Level != "warn" {
		t.Fatalf("imported = %+v %+v", cfg.Daemon, cfg.Logging)
	}
}

func TestExpandHome(t *testing.T) {
	home, _ := os.UserHomeDir()
	if got := ExpandHome("~/x"); got != filepath.Join(home, "x") {
		t.Fatalf("ExpandHome(~/x) = %s", got)
	}
	if got := ExpandHome("/abs/path"); got != "/abs/path" {
		t.Fatalf("ExpandHome(/abs/path) = %s", got)
	}
	if got := ExpandHome(""); got != "" {
		t.Fatalf("ExpandHome(\"\") = %q", got)
	}
}
