package hooks

import (
	"context"
	"fmt"
	"time"
)

// Sources, matching store session sources.
const (
	SourceClaude      = "claude"
	SourceGemini      = "gemini"
	SourceCodex       = "codex"
	SourceAntigravity = "antigravity"
)

// Dispatch is the surface adapters hand events to. The dispatcher never
// returns an error; failures become allow responses (fail-open).
type Dispatch interface {
	Handle(ctx context.Context, event *HookEvent) *HookResponse
}

// Adapter translates between one CLI's native hook payloads and the unified
// model.
type Adapter interface {
	Source() string
	// TranslateToEvent parses a native payload into a HookEvent. Unknown hook
	// names map to NOTIFICATION rather than failing.
	TranslateToEvent(hookType string, input map[string]any) (*HookEvent, error)
	// TranslateFromResponse renders the unified response in the CLI's native
	// shape for the given hook type.
	TranslateFromResponse(resp *HookResponse, hookType string) map[string]any
	// HandleNative is the HTTP surface: translate, dispatch, translate back.
	HandleNative(ctx context.Context, d Dispatch, hookType string, input map[string]any) (map[string]any, error)
}

// Registry maps sources to adapters.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry builds the default adapter set.
func NewRegistry() *Registry {
	r := &Registry{adapters: map[string]Adapter{}}
	for _, a := range []Adapter{
		NewClaudeAdapter(),
		NewGeminiAdapter(),
		NewCodexAdapter(),
		NewAntigravityAdapter(),
	} {
		r.adapters[a.Source()] = a
	}
	return r
}

// ForSource returns the adapter for a source.
func (r *Registry) ForSource(source string) (Adapter, error) {
	a, ok := r.adapters[source]
	if !ok {
		return nil, fmt.Errorf("unknown hook source %q", source)
	}
	return a, nil
}

// dispatchNative is the shared translate/dispatch/translate path used by
// every synchronous adapter.
func dispatchNative(ctx context.Context, a Adapter, d Dispatch, hookType string, input map[string]any) (map[string]any, error) {
	event, err := a.TranslateToEvent(hookType, input)
	if err != nil {
		return nil, err
	}
	resp := d.Handle(ctx, event)
	return a.TranslateFromResponse(resp, hookType), nil
}

// payloadString reads a string field from a native payload, checking keys in
// order.
func payloadString(input map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := input[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func eventTimestamp(input map[string]any) time.Time {
	if raw := payloadString(input, "timestamp"); raw != "" {
		if ts, err := time.Parse(time.RFC3339, raw); err == nil {
			return ts
		}
	}
	return time.Now().UTC()
}
