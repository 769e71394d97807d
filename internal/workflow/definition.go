// Package workflow implements the YAML-driven hook workflow engine: trigger
// evaluation, built-in actions, and per-session persisted state.
package workflow

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/gobbyhq/gobby/internal/hooks"
)

// Definition is one named workflow document.
type Definition struct {
	Name       string              `yaml:"name"`
	Triggers   []Trigger           `yaml:"triggers"`
	Lifecycles map[string][]Action `yaml:"lifecycles"`
	// Templates are named markdown skeletons referenced by actions.
	Templates map[string]string `yaml:"templates"`
}

// Trigger pairs a condition with an action list.
type Trigger struct {
	When    When     `yaml:"when"`
	Actions []Action `yaml:"actions"`
}

// When selects events: a unified event type plus an optional condition
// expression over event data and workflow variables.
type When struct {
	Event     string `yaml:"event"`
	Condition string `yaml:"condition"`
}

// Action is one built-in verb invocation. Params carries the verb-specific
// keys (source, template, require, content, ...).
type Action struct {
	Name   string
	Params map[string]any
}

// UnmarshalYAML accepts both the compact form (`- inject_context`) and the
// map form (`- action: inject_context\n  source: handoff`).
func (a *Action) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		a.Name = node.Value
		a.Params = map[string]any{}
		return nil
	}
	var raw map[string]any
	if err := node.Decode(&raw); err != nil {
		return err
	}
	name, _ := raw["action"].(string)
	if name == "" {
		return fmt.Errorf("workflow action missing 'action' key")
	}
	delete(raw, "action")
	a.Name = name
	a.Params = raw
	return nil
}

// String reads a string parameter.
func (a *Action) String(key string) string {
	s, _ := a.Params[key].(string)
	return s
}

// Bool reads a bool parameter.
func (a *Action) Bool(key string) bool {
	b, _ := a.Params[key].(bool)
	return b
}

// Sources reads the `source` parameter, which may be a string or a list.
func (a *Action) Sources() []string {
	switch v := a.Params["source"].(type) {
	case string:
		return []string{v}
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Parse decodes one workflow document.
func Parse(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse workflow: %w", err)
	}
	if def.Name == "" {
		return nil, fmt.Errorf("workflow has no name")
	}
	for i, tr := range def.Triggers {
		if tr.When.Event == "" {
			return nil, fmt.Errorf("workflow %s trigger %d has no event", def.Name, i)
		}
		if !validEventType(tr.When.Event) {
			return nil, fmt.Errorf("workflow %s trigger %d: unknown event %q", def.Name, i, tr.When.Event)
		}
	}
	return &def, nil
}

func validEventType(t string) bool {
	switch t {
	case hooks.SessionStart, hooks.SessionEnd, hooks.BeforeAgent, hooks.AfterAgent,
		hooks.BeforeTool, hooks.AfterTool, hooks.PreCompact, hooks.SubagentStart,
		hooks.SubagentStop, hooks.PermissionRequest, hooks.Notification,
		hooks.BeforeToolSelection, hooks.BeforeModel, hooks.AfterModel:
		return true
	}
	return false
}
