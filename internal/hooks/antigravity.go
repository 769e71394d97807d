package hooks

import (
	"context"
)

// AntigravityAdapter reuses the Claude payload dialect under its own source.
type AntigravityAdapter struct {
	claude *ClaudeAdapter
}

func NewAntigravityAdapter() *AntigravityAdapter {
	return &AntigravityAdapter{claude: NewClaudeAdapter()}
}

func (a *AntigravityAdapter) Source() string { return SourceAntigravity }

func (a *AntigravityAdapter) TranslateToEvent(hookType string, input map[string]any) (*HookEvent, error) {
	event, err := a.claude.TranslateToEvent(hookType, input)
	if err != nil {
		return nil, err
	}
	event.Source = a.Source()
	return event, nil
}

func (a *AntigravityAdapter) TranslateFromResponse(resp *HookResponse, hookType string) map[string]any {
	return a.claude.TranslateFromResponse(resp, hookType)
}

func (a *AntigravityAdapter) HandleNative(ctx context.Context, d Dispatch, hookType string, input map[string]any) (map[string]any, error) {
	return dispatchNative(ctx, a, d, hookType, input)
}
