// Package dispatch routes unified hook events to internal handlers with
// fail-open semantics: no error in this path may ever block a CLI.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/gobbyhq/gobby/internal/hooks"
	"github.com/gobbyhq/gobby/internal/store"
)

// WorkflowEngine is the dispatch-side view of the workflow engine.
type WorkflowEngine interface {
	// Evaluate runs matching workflow triggers for the event. A nil response
	// means no trigger fired.
	Evaluate(ctx context.Context, event *hooks.HookEvent, sessionID uuid.UUID) (*hooks.HookResponse, error)
	// RunLifecycle fires a named lifecycle (e.g. "on_session_end") without
	// affecting the hook response.
	RunLifecycle(ctx context.Context, lifecycle string, event *hooks.HookEvent, sessionID uuid.UUID)
}

// Broadcaster receives fire-and-forget (event, response) pairs.
type Broadcaster interface {
	TryBroadcast(event *hooks.HookEvent, resp *hooks.HookResponse)
}

// Options configures a Dispatcher.
type Options struct {
	Stores       *store.Stores
	Projects     ProjectResolver
	Gate         *HealthGate
	Engine       WorkflowEngine // optional
	Broadcaster  Broadcaster    // optional
	Logger       *slog.Logger
	SummariesDir string // handoff failback files
}

// Dispatcher implements hooks.Dispatch.
type Dispatcher struct {
	stores       *store.Stores
	resolver     *sessionResolver
	gate         *HealthGate
	engine       WorkflowEngine
	broadcaster  Broadcaster
	logger       *slog.Logger
	tracer       trace.Tracer
	summariesDir string
}

func New(opts Options) *Dispatcher {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		stores:       opts.Stores,
		resolver:     newSessionResolver(opts.Stores.Sessions, opts.Projects),
		gate:         opts.Gate,
		engine:       opts.Engine,
		broadcaster:  opts.Broadcaster,
		logger:       logger,
		tracer:       otel.Tracer("gobby/dispatch"),
		summariesDir: opts.SummariesDir,
	}
}

// Handle processes one event and always returns a response. It is the single
// place that converts unexpected errors and panics into allow.
func (d *Dispatcher) Handle(ctx context.Context, event *hooks.HookEvent) (resp *hooks.HookResponse) {
	ctx, span := d.tracer.Start(ctx, "dispatch.handle", trace.WithAttributes(
		attribute.String("event.type", event.Type),
		attribute.String("event.source", event.Source),
	))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("dispatch.panic",
				"event_type", event.Type, "session_id", event.SessionID, "panic", r)
			resp = hooks.Allow(fmt.Sprintf("internal error: %v", r))
		}
		if resp != nil && d.broadcaster != nil {
			d.broadcaster.TryBroadcast(event, resp)
		}
	}()

	if d.gate != nil {
		if status := d.gate.Current(); !status.Ready {
			reason := fmt.Sprintf("daemon not ready (status=%s)", status.Status)
			if status.Err != nil {
				reason += ": " + status.Err.Error()
			}
			return hooks.Allow(reason)
		}
	}

	sessionID, err := d.resolver.resolve(ctx, event)
	if err != nil {
		d.logger.Warn("dispatch.session_resolve_failed",
			"event_type", event.Type, "session_id", event.SessionID, "error", err)
		return hooks.Allow(fmt.Sprintf("session resolution failed: %v", err))
	}
	event.SetMeta(hooks.MetaPlatformSessionID, sessionID.String())
	d.attachActiveTask(ctx, event, sessionID)

	if d.engine != nil {
		engineResp, err := d.engine.Evaluate(ctx, event, sessionID)
		if err != nil {
			d.logger.Warn("dispatch.workflow_failed",
				"event_type", event.Type, "session_id", event.SessionID, "error", err)
		} else if engineResp != nil && engineResp.Decision != hooks.DecisionAllow {
			return engineResp
		} else if engineResp != nil {
			defer func() {
				if resp != nil && resp.Decision == hooks.DecisionAllow {
					resp.AppendContext(engineResp.Context)
				}
			}()
		}
	}

	resp = d.route(ctx, event, sessionID)
	return resp
}

func (d *Dispatcher) attachActiveTask(ctx context.Context, event *hooks.HookEvent, sessionID uuid.UUID) {
	task, err := d.stores.Sessions.ActiveTask(ctx, sessionID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			d.logger.Warn("dispatch.active_task_lookup_failed", "session_id", sessionID, "error", err)
		}
		return
	}
	event.TaskID = &task.ID
	event.SetMeta(hooks.MetaActiveTaskTitle, task.Title)
}

// route is total over event types; unknown types fall through to allow.
func (d *Dispatcher) route(ctx context.Context, event *hooks.HookEvent, sessionID uuid.UUID) *hooks.HookResponse {
	switch event.Type {
	case hooks.SessionStart:
		return d.handleSessionStart(ctx, event, sessionID)
	case hooks.SessionEnd:
		if d.engine != nil {
			d.engine.RunLifecycle(ctx, "on_session_end", event, sessionID)
		}
		return hooks.Allow("")
	case hooks.BeforeAgent:
		return d.handleBeforeAgent(ctx, event, sessionID)
	case hooks.AfterAgent:
		d.setStatus(ctx, sessionID, store.SessionPaused)
		return hooks.Allow("")
	case hooks.Notification:
		d.setStatus(ctx, sessionID, store.SessionPaused)
		return hooks.Allow("")
	case hooks.AfterTool:
		if failed, _ := event.Meta(hooks.MetaIsFailure).(bool); failed {
			d.logger.Info("dispatch.tool_failed",
				"session_id", sessionID, "tool", event.DataString("tool_name"))
		}
		return hooks.Allow("")
	case hooks.BeforeTool, hooks.PreCompact, hooks.SubagentStart, hooks.SubagentStop,
		hooks.PermissionRequest, hooks.BeforeToolSelection, hooks.BeforeModel, hooks.AfterModel:
		return hooks.Allow("")
	default:
		return hooks.Allow("")
	}
}

func (d *Dispatcher) setStatus(ctx context.Context, sessionID uuid.UUID, status string) {
	if err := d.stores.Sessions.UpdateStatus(ctx, sessionID, status); err != nil {
		d.logger.Warn("dispatch.status_update_failed",
			"session_id", sessionID, "status", status, "error", err)
	}
}

func (d *Dispatcher) handleBeforeAgent(ctx context.Context, event *hooks.HookEvent, sessionID uuid.UUID) *hooks.HookResponse {
	prompt := event.DataString("prompt")
	if prompt == "/clear" || prompt == "/exit" {
		if d.engine != nil {
			d.engine.RunLifecycle(ctx, "on_session_end", event, sessionID)
		}
		return hooks.Allow("")
	}
	d.setStatus(ctx, sessionID, store.SessionActive)
	return hooks.Allow("")
}

func (d *Dispatcher) handleSessionStart(ctx context.Context, event *hooks.HookEvent, sessionID uuid.UUID) *hooks.HookResponse {
	trigger := event.DataString("source")
	if trigger == "" {
		trigger = event.DataString("trigger")
	}
	if trigger != "clear" {
		return hooks.Allow("")
	}

	sess, err := d.stores.Sessions.Get(ctx, sessionID)
	if err != nil {
		d.logger.Warn("dispatch.handoff_session_missing", "session_id", sessionID, "error", err)
		return hooks.Allow("")
	}
	parent, err := d.stores.Sessions.FindParentSession(ctx, sess.MachineID, sess.Source, sess.ProjectID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			d.logger.Warn("dispatch.handoff_lookup_failed", "session_id", sessionID, "error", err)
		}
		return hooks.Allow("")
	}

	summary := parent.SummaryMarkdown
	if summary == "" {
		summary = d.readSummaryFile(parent)
	}

	if err := d.stores.Sessions.SetParent(ctx, sessionID, parent.ID); err != nil {
		d.logger.Warn("dispatch.handoff_link_failed", "session_id", sessionID, "error", err)
	}
	if err := d.stores.Sessions.MarkExpired(ctx, parent.ID); err != nil {
		d.logger.Warn("dispatch.handoff_expire_failed", "parent_id", parent.ID, "error", err)
	}
	d.resolver.forget(parent.ExternalID, parent.Source, parent.MachineID)

	resp := hooks.Allow("")
	resp.AppendContext(summary)
	if title, _ := event.Meta(hooks.MetaActiveTaskTitle).(string); title != "" {
		resp.AppendContext("Active task: " + title)
	}
	resp.SystemMessage = "Context restored from previous session"
	d.logger.Info("dispatch.session_handoff",
		"session_id", sessionID, "parent_id", parent.ID)
	return resp
}

// readSummaryFile loads the deterministic failback file written by
// generate_handoff when the DB field is empty.
func (d *Dispatcher) readSummaryFile(parent *store.Session) string {
	if d.summariesDir == "" {
		return ""
	}
	name := fmt.Sprintf("session_%s_%s.md",
		parent.CreatedAt.Format("20060102"), parent.ExternalID)
	data, err := os.ReadFile(filepath.Join(d.summariesDir, name))
	if err != nil {
		return ""
	}
	return string(data)
}

// Shutdown stops the health gate timer.
func (d *Dispatcher) Shutdown() {
	if d.gate != nil {
		d.gate.Shutdown()
	}
}
