package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sync"

	"github.com/titanous/json5"
)

// Manager serves config reads and writes for the HTTP API. The file on disk
// keeps only values that differ from Default; defaults live in code so that
// upgrading the daemon upgrades the defaults.
type Manager struct {
	path string

	mu  sync.RWMutex
	cfg *Config
}

func NewManager(path string, cfg *Config) *Manager {
	return &Manager{path: path, cfg: cfg}
}

// Current returns a snapshot of the active configuration.
func (m *Manager) Current() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return *m.cfg
}

// Values returns the active configuration as a nested map.
func (m *Manager) Values() (map[string]any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return toMap(m.cfg)
}

// SetValues merges partial updates into the active config, validates the
// result, and persists the non-default diff. On validation failure nothing
// changes.
func (m *Manager) SetValues(updates map[string]any) (*Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	merged, err := toMap(m.cfg)
	if err != nil {
		return nil, err
	}
	mergeMaps(merged, updates)

	next, err := fromMap(merged)
	if err != nil {
		return nil, fmt.Errorf("apply config updates: %w", err)
	}
	if err := next.Validate(); err != nil {
		return nil, err
	}
	if err := m.persist(next); err != nil {
		return nil, err
	}
	m.cfg = next
	return next, nil
}

// ValidateValues checks what SetValues would produce without applying or
// persisting anything.
func (m *Manager) ValidateValues(updates map[string]any) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	merged, err := toMap(m.cfg)
	if err != nil {
		return err
	}
	mergeMaps(merged, updates)
	next, err := fromMap(merged)
	if err != nil {
		return fmt.Errorf("apply config updates: %w", err)
	}
	return next.Validate()
}

// Reset restores the defaults and removes the config file.
func (m *Manager) Reset() (*Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.Remove(m.path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("remove config: %w", err)
	}
	m.cfg = Default()
	return m.cfg, nil
}

// Template renders a commented JSON5 config with every default spelled out,
// for users who want a full file to edit.
func (m *Manager) Template() (string, error) {
	data, err := json.MarshalIndent(Default(), "", "  ")
	if err != nil {
		return "", fmt.Errorf("render template: %w", err)
	}
	header := "// gobby configuration. Values here override the built-in defaults;\n" +
		"// delete a key to fall back to the default. GOBBY_* env vars win over\n" +
		"// this file.\n"
	return header + string(data) + "\n", nil
}

// SaveTemplate writes the template to the config path unless a file exists.
func (m *Manager) SaveTemplate() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := os.Stat(m.path); err == nil {
		return fmt.Errorf("config file already exists at %s", m.path)
	}
	tmpl, err := m.Template()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return os.WriteFile(m.path, []byte(tmpl), 0o644)
}

// Export returns the full active configuration as JSON, for backup.
func (m *Manager) Export() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, err := json.MarshalIndent(m.cfg, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("export config: %w", err)
	}
	return data, nil
}

// Import replaces the active configuration with a previously exported one.
func (m *Manager) Import(data []byte) (*Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := Default()
	if err := json5.Unmarshal(data, next); err != nil {
		return nil, fmt.Errorf("parse imported config: %w", err)
	}
	if err := next.Validate(); err != nil {
		return nil, err
	}
	if err := m.persist(next); err != nil {
		return nil, err
	}
	m.cfg = next
	return next, nil
}

// persist writes only the keys that differ from Default. An empty diff
// removes the file.
func (m *Manager) persist(cfg *Config) error {
	cur, err := toMap(cfg)
	if err != nil {
		return err
	}
	def, err := toMap(Default())
	if err != nil {
		return err
	}
	diff := pruneDefaults(cur, def)
	if len(diff) == 0 {
		if err := os.Remove(m.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove config: %w", err)
		}
		return nil
	}
	data, err := json.MarshalIndent(diff, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := os.WriteFile(m.path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func toMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return out, nil
}

func fromMap(values map[string]any) (*Config, error) {
	data, err := json.Marshal(values)
	if err != nil {
		return nil, err
	}
	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// mergeMaps overlays src onto dst, descending into nested maps.
func mergeMaps(dst, src map[string]any) {
	for k, v := range src {
		if sub, ok := v.(map[string]any); ok {
			if existing, ok := dst[k].(map[string]any); ok {
				mergeMaps(existing, sub)
				continue
			}
		}
		dst[k] = v
	}
}

// pruneDefaults returns the subset of cur that differs from def.
func pruneDefaults(cur, def map[string]any) map[string]any {
	out := make(map[string]any)
	for k, v := range cur {
		dv, ok := def[k]
		if !ok {
			out[k] = v
			continue
		}
		if sub, ok := v.(map[string]any); ok {
			if dsub, ok := dv.(map[string]any); ok {
				if pruned := pruneDefaults(sub, dsub); len(pruned) > 0 {
					out[k] = pruned
				}
				continue
			}
		}
		if !reflect.DeepEqual(v, dv) {
			out[k] = v
		}
	}
	return out
}
