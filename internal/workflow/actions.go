package workflow

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gobbyhq/gobby/internal/hooks"
	"github.com/gobbyhq/gobby/internal/store"
)

// actionResult is the outcome of a single action.
type actionResult struct {
	decision      string // empty means no decision change
	reason        string
	context       string
	systemMessage string
	stop          bool
}

func (e *Engine) runAction(ctx context.Context, def *Definition, a *Action, event *hooks.HookEvent, sessionID uuid.UUID, actionIndex int) actionResult {
	switch a.Name {
	case "inject_context":
		return e.actionInjectContext(ctx, def, a, event, sessionID)
	case "inject_message":
		return e.actionInjectMessage(ctx, def, a, event, sessionID, actionIndex)
	case "set_variable":
		return e.actionSetVariable(ctx, a, sessionID)
	case "append_observation":
		return e.actionAppendObservation(ctx, a, event, sessionID)
	case "extract_handoff_context":
		return e.actionExtractHandoff(ctx, event, sessionID)
	case "generate_handoff":
		return e.actionGenerateHandoff(ctx, event, sessionID)
	case "orchestrate_ready_tasks":
		return e.actionOrchestrate(ctx, a, sessionID)
	case "block":
		reason := a.String("reason")
		if reason == "" {
			reason = "blocked by workflow " + def.Name
		}
		return actionResult{decision: hooks.DecisionDeny, reason: reason}
	case "allow":
		return actionResult{stop: true}
	default:
		e.logger.Warn("workflow.unknown_action", "workflow", def.Name, "action", a.Name)
		return actionResult{}
	}
}

func (e *Engine) actionInjectContext(ctx context.Context, def *Definition, a *Action, event *hooks.HookEvent, sessionID uuid.UUID) actionResult {
	var parts []string
	for _, source := range a.Sources() {
		if text := e.resolveContextSource(ctx, source, a, event, sessionID); text != "" {
			parts = append(parts, text)
		}
	}
	text := strings.Join(parts, "\n\n")

	if tplName := a.String("template"); tplName != "" {
		if tpl, ok := def.Templates[tplName]; ok {
			state, err := e.stores.WorkflowState.GetState(ctx, sessionID)
			scope := map[string]any{"context": text, "data": event.Data}
			if err == nil {
				scope["variables"] = state.Variables
			}
			text = Render(tpl, scope)
		}
	}

	if text == "" {
		if a.Bool("require") {
			return actionResult{
				decision: hooks.DecisionDeny,
				reason:   fmt.Sprintf("required context source %v resolved to nothing", a.Sources()),
			}
		}
		return actionResult{}
	}

	if err := e.stores.WorkflowState.SetContextInjected(ctx, sessionID, true); err != nil {
		e.logger.Warn("workflow.context_flag_failed", "session_id", sessionID, "error", err)
	}
	return actionResult{context: text}
}

func (e *Engine) resolveContextSource(ctx context.Context, source string, a *Action, event *hooks.HookEvent, sessionID uuid.UUID) string {
	switch source {
	case "handoff", "previous_session_summary":
		sess := e.sessionFor(ctx, sessionID)
		if sess == nil {
			return ""
		}
		if sess.ParentSessionID != nil {
			if parent, err := e.stores.Sessions.Get(ctx, *sess.ParentSessionID); err == nil && parent.SummaryMarkdown != "" {
				return parent.SummaryMarkdown
			}
		}
		if parent, err := e.stores.Sessions.FindParentSession(ctx, sess.MachineID, sess.Source, sess.ProjectID); err == nil {
			return parent.SummaryMarkdown
		}
		return ""

	case "compact_handoff":
		if sess := e.sessionFor(ctx, sessionID); sess != nil {
			return sess.CompactMarkdown
		}
		return ""

	case "observations":
		state, err := e.stores.WorkflowState.GetState(ctx, sessionID)
		if err != nil || len(state.Observations) == 0 {
			return ""
		}
		var b strings.Builder
		b.WriteString("## Observations\n")
		for _, obs := range state.Observations {
			fmt.Fprintf(&b, "- %v\n", obs)
		}
		return b.String()

	case "workflow_state":
		state, err := e.stores.WorkflowState.GetState(ctx, sessionID)
		if err != nil {
			return ""
		}
		var b strings.Builder
		if state.Step != "" {
			fmt.Fprintf(&b, "Current step: %s\n", state.Step)
		}
		for k, v := range state.Variables {
			fmt.Fprintf(&b, "- %s: %v\n", k, v)
		}
		return strings.TrimRight(b.String(), "\n")

	case "skills":
		return e.loadSkills(a.String("filter"))

	case "task_context":
		if event.TaskID == nil {
			return ""
		}
		task, err := e.stores.Tasks.GetTask(ctx, *event.TaskID)
		if err != nil {
			return ""
		}
		text := fmt.Sprintf("## Active task\n\n%s (#%d)", task.Title, task.SeqNum)
		if task.Description != "" {
			text += "\n\n" + task.Description
		}
		return text

	case "memories":
		// Memory retrieval needs a prompt to search with; without one the
		// source is empty by contract.
		if a.String("prompt_text") == "" {
			return ""
		}
		state, err := e.stores.WorkflowState.GetState(ctx, sessionID)
		if err != nil {
			return ""
		}
		if mem, ok := state.Variables["memories"].(string); ok {
			return mem
		}
		return ""

	default:
		e.logger.Warn("workflow.unknown_context_source", "source", source)
		return ""
	}
}

// loadSkills reads markdown skill files; filter="always_apply" keeps only
// files declaring `always_apply: true` in their header.
func (e *Engine) loadSkills(filter string) string {
	if e.skillsDir == "" {
		return ""
	}
	entries, err := os.ReadDir(e.skillsDir)
	if err != nil {
		return ""
	}
	var parts []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(e.skillsDir, entry.Name()))
		if err != nil {
			continue
		}
		text := string(data)
		if filter == "always_apply" && !strings.Contains(text, "always_apply: true") {
			continue
		}
		parts = append(parts, strings.TrimSpace(text))
	}
	return strings.Join(parts, "\n\n")
}

func (e *Engine) actionInjectMessage(ctx context.Context, def *Definition, a *Action, event *hooks.HookEvent, sessionID uuid.UUID, actionIndex int) actionResult {
	content := a.String("content")
	if content == "" {
		return actionResult{}
	}
	scope := map[string]any{
		"data":              event.Data,
		"step_action_count": actionIndex + 1,
	}
	if state, err := e.stores.WorkflowState.GetState(ctx, sessionID); err == nil {
		scope["variables"] = state.Variables
		scope["step"] = state.Step
	}
	if sess := e.sessionFor(ctx, sessionID); sess != nil {
		scope["session"] = map[string]any{
			"external_id": sess.ExternalID,
			"source":      sess.Source,
			"status":      sess.Status,
		}
	}
	for k, v := range a.Params {
		if k != "content" {
			scope[k] = v
		}
	}
	return actionResult{context: Render(content, scope)}
}

func (e *Engine) actionSetVariable(ctx context.Context, a *Action, sessionID uuid.UUID) actionResult {
	name := a.String("name")
	if name == "" {
		name = a.String("key")
	}
	if name == "" {
		e.logger.Warn("workflow.set_variable_missing_name")
		return actionResult{}
	}
	err := e.stores.WorkflowState.UpdateVariables(ctx, sessionID, map[string]any{name: a.Params["value"]})
	if err != nil {
		e.logger.Warn("workflow.set_variable_failed", "session_id", sessionID, "error", err)
	}
	return actionResult{}
}

func (e *Engine) actionAppendObservation(ctx context.Context, a *Action, event *hooks.HookEvent, sessionID uuid.UUID) actionResult {
	obs := map[string]any{
		"event_type": event.Type,
		"at":         time.Now().UTC().Format(time.RFC3339),
	}
	if data, ok := a.Params["data"].(map[string]any); ok {
		for k, v := range data {
			obs[k] = v
		}
	} else if tool := event.DataString("tool_name"); tool != "" {
		obs["tool_name"] = tool
	}
	if err := e.stores.WorkflowState.AppendObservation(ctx, sessionID, obs); err != nil {
		e.logger.Warn("workflow.observation_failed", "session_id", sessionID, "error", err)
	}
	return actionResult{}
}

func (e *Engine) actionExtractHandoff(ctx context.Context, event *hooks.HookEvent, sessionID uuid.UUID) actionResult {
	sess := e.sessionFor(ctx, sessionID)
	if sess == nil {
		return actionResult{}
	}
	path := sess.JSONLPath
	if path == "" {
		path = event.DataString("transcript_path")
	}
	if path == "" {
		return actionResult{}
	}

	summary, err := AnalyzeTranscript(path)
	if err != nil {
		e.logger.Warn("workflow.transcript_failed", "session_id", sessionID, "error", err)
		return actionResult{}
	}

	var gitStatus string
	var commits []string
	var branch string
	if proj, err := e.stores.Projects.Get(ctx, sess.ProjectID); err == nil && proj.Path != "" {
		if out, err := e.git.Status(ctx, proj.Path); err == nil {
			gitStatus = out
		}
		if out, err := e.git.RecentCommits(ctx, proj.Path, 5); err == nil {
			commits = out
		}
	}
	if event.TaskID != nil {
		if wt, err := e.stores.Worktrees.GetByTask(ctx, *event.TaskID); err == nil {
			branch = wt.BranchName
		}
	}

	markdown := summary.Markdown(gitStatus, commits, branch)
	if err := e.stores.Sessions.UpdateCompactMarkdown(ctx, sessionID, markdown); err != nil {
		e.logger.Warn("workflow.compact_store_failed", "session_id", sessionID, "error", err)
	}
	return actionResult{}
}

func (e *Engine) actionGenerateHandoff(ctx context.Context, event *hooks.HookEvent, sessionID uuid.UUID) actionResult {
	sess := e.sessionFor(ctx, sessionID)
	if sess == nil {
		return actionResult{}
	}

	var transcript *TranscriptSummary
	if sess.JSONLPath != "" {
		if sum, err := AnalyzeTranscript(sess.JSONLPath); err == nil {
			transcript = sum
		}
	}
	if transcript == nil {
		transcript = &TranscriptSummary{ToolCalls: map[string]int{}}
	}

	var summary string
	if e.summarizer != nil {
		out, err := e.summarizer.Summarize(ctx, transcript, sess)
		if err != nil {
			e.logger.Warn("workflow.summarize_failed", "session_id", sessionID, "error", err)
		} else {
			summary = out
		}
	}
	if summary == "" {
		// No LLM available; the structured transcript summary is the handoff.
		summary = transcript.Markdown("", nil, "")
	}

	if err := e.stores.Sessions.UpdateSummary(ctx, sessionID, summary); err != nil {
		e.logger.Warn("workflow.summary_store_failed", "session_id", sessionID, "error", err)
	}
	if err := e.stores.Sessions.UpdateStatus(ctx, sessionID, store.SessionHandoffReady); err != nil {
		e.logger.Warn("workflow.handoff_status_failed", "session_id", sessionID, "error", err)
	}
	e.writeSummaryFailback(sess, summary)
	return actionResult{}
}

// writeSummaryFailback persists the handoff next to the DB so /clear can
// restore it even if summary_markdown is lost.
func (e *Engine) writeSummaryFailback(sess *store.Session, summary string) {
	if e.summariesDir == "" || summary == "" {
		return
	}
	if err := os.MkdirAll(e.summariesDir, 0o755); err != nil {
		e.logger.Warn("workflow.summary_dir_failed", "error", err)
		return
	}
	name := fmt.Sprintf("session_%s_%s.md", sess.CreatedAt.Format("20060102"), sess.ExternalID)
	if err := os.WriteFile(filepath.Join(e.summariesDir, name), []byte(summary), 0o644); err != nil {
		e.logger.Warn("workflow.summary_write_failed", "file", name, "error", err)
	}
}

func (e *Engine) actionOrchestrate(ctx context.Context, a *Action, sessionID uuid.UUID) actionResult {
	if e.orch == nil {
		e.logger.Warn("workflow.orchestrator_unavailable")
		return actionResult{}
	}
	result, err := e.orch.Orchestrate(ctx, sessionID, a.Params)
	if err != nil {
		e.logger.Warn("workflow.orchestrate_failed", "session_id", sessionID, "error", err)
		return actionResult{}
	}
	spawned, _ := result["spawned_count"].(int)
	skipped, _ := result["skipped_count"].(int)
	if spawned == 0 && skipped == 0 {
		return actionResult{}
	}
	return actionResult{
		context: fmt.Sprintf("Orchestration: %d agent(s) spawned, %d skipped.", spawned, skipped),
	}
}
