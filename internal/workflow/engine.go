package workflow

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"github.com/gobbyhq/gobby/internal/git"
	"github.com/gobbyhq/gobby/internal/hooks"
	"github.com/gobbyhq/gobby/internal/store"
)

// Orchestrator is the engine's view of orchestrate_ready_tasks.
type Orchestrator interface {
	Orchestrate(ctx context.Context, parentSessionID uuid.UUID, params map[string]any) (map[string]any, error)
}

// Summarizer produces the LLM-backed handoff summary.
type Summarizer interface {
	Summarize(ctx context.Context, transcript *TranscriptSummary, sess *store.Session) (string, error)
}

// Engine evaluates workflow triggers against hook events and executes their
// actions against per-session persisted state.
type Engine struct {
	loader       *Loader
	stores       *store.Stores
	git          *git.Runner
	orch         Orchestrator
	summarizer   Summarizer
	summariesDir string
	skillsDir    string
	logger       *slog.Logger
}

// EngineOptions wires the engine's collaborators. Orchestrator and
// Summarizer may be nil; the corresponding actions then no-op with a log.
type EngineOptions struct {
	Loader       *Loader
	Stores       *store.Stores
	Git          *git.Runner
	Orchestrator Orchestrator
	Summarizer   Summarizer
	SummariesDir string
	SkillsDir    string
	Logger       *slog.Logger
}

func NewEngine(opts EngineOptions) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	g := opts.Git
	if g == nil {
		g = &git.Runner{}
	}
	return &Engine{
		loader:       opts.Loader,
		stores:       opts.Stores,
		git:          g,
		orch:         opts.Orchestrator,
		summarizer:   opts.Summarizer,
		summariesDir: opts.SummariesDir,
		skillsDir:    opts.SkillsDir,
		logger:       logger,
	}
}

// Evaluate runs matching triggers in file order. The first action returning
// a non-allow decision short-circuits; accumulated context from earlier
// actions is carried on the response.
func (e *Engine) Evaluate(ctx context.Context, event *hooks.HookEvent, sessionID uuid.UUID) (*hooks.HookResponse, error) {
	var resp *hooks.HookResponse

	for _, def := range e.loader.All() {
		for i := range def.Triggers {
			tr := &def.Triggers[i]
			if tr.When.Event != event.Type {
				continue
			}

			state, err := e.stores.WorkflowState.EnsureState(ctx, sessionID, def.Name)
			if err != nil {
				return nil, err
			}
			scope := e.buildScope(event, state)

			match, err := Eval(tr.When.Condition, scope)
			if err != nil {
				e.logger.Warn("workflow.condition_error",
					"workflow", def.Name, "condition", tr.When.Condition, "error", err)
				continue
			}
			if !match {
				continue
			}

			if resp == nil {
				resp = hooks.Allow("")
			}
			if stop := e.runActions(ctx, def, tr.Actions, event, sessionID, resp); stop {
				return resp, nil
			}
		}
	}
	return resp, nil
}

// RunLifecycle executes a named lifecycle's actions for every workflow that
// declares it. Results never affect the hook response.
func (e *Engine) RunLifecycle(ctx context.Context, lifecycle string, event *hooks.HookEvent, sessionID uuid.UUID) {
	for _, def := range e.loader.All() {
		actions, ok := def.Lifecycles[lifecycle]
		if !ok {
			continue
		}
		if _, err := e.stores.WorkflowState.EnsureState(ctx, sessionID, def.Name); err != nil {
			e.logger.Warn("workflow.state_ensure_failed",
				"workflow", def.Name, "session_id", sessionID, "error", err)
			continue
		}
		resp := hooks.Allow("")
		e.runActions(ctx, def, actions, event, sessionID, resp)
		e.logger.Debug("workflow.lifecycle_done", "workflow", def.Name, "lifecycle", lifecycle)
	}
}

// runActions executes actions in order, mutating resp. It returns true when
// a non-allow decision short-circuited the list.
func (e *Engine) runActions(ctx context.Context, def *Definition, actions []Action, event *hooks.HookEvent, sessionID uuid.UUID, resp *hooks.HookResponse) bool {
	for i := range actions {
		a := &actions[i]
		result := e.runAction(ctx, def, a, event, sessionID, i)
		resp.AppendContext(result.context)
		if result.systemMessage != "" {
			resp.SystemMessage = result.systemMessage
		}
		if result.decision != "" && result.decision != hooks.DecisionAllow {
			resp.Decision = result.decision
			resp.Reason = result.reason
			return true
		}
		if result.stop {
			return true
		}
	}
	return false
}

func (e *Engine) buildScope(event *hooks.HookEvent, state *store.WorkflowState) map[string]any {
	obs := make([]any, len(state.Observations))
	for i, o := range state.Observations {
		obs[i] = o
	}
	return map[string]any{
		"event": map[string]any{
			"type":       event.Type,
			"source":     event.Source,
			"session_id": event.SessionID,
			"cwd":        event.CWD,
		},
		"data":         event.Data,
		"metadata":     event.Metadata,
		"variables":    state.Variables,
		"observations": obs,
		"step":         state.Step,
	}
}

// sessionFor loads the session row, logging on failure.
func (e *Engine) sessionFor(ctx context.Context, sessionID uuid.UUID) *store.Session {
	sess, err := e.stores.Sessions.Get(ctx, sessionID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			e.logger.Warn("workflow.session_load_failed", "session_id", sessionID, "error", err)
		}
		return nil
	}
	return sess
}
