// Package orchestrator spawns child agents for ready tasks, each in its own
// git worktree, bounded by an atomically reserved slot count on the parent
// session's workflow state.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"

	"github.com/gobbyhq/gobby/internal/git"
	"github.com/gobbyhq/gobby/internal/project"
	"github.com/gobbyhq/gobby/internal/store"
)

// Defaults applied when neither params nor parent workflow variables choose.
const (
	DefaultProvider      = "claude"
	DefaultMode          = ModeTerminal
	DefaultMaxConcurrent = 3
	DefaultMaxDepth      = 3
)

const skipReasonCapacity = "max_concurrent limit reached"

// gitClient is the slice of git.Runner the orchestrator uses.
type gitClient interface {
	DefaultBranch(ctx context.Context, repo string) string
	AddWorktree(ctx context.Context, repo, path, branch, base string) error
	RemoveWorktree(ctx context.Context, repo, path, branch string, deleteBranch bool) error
}

// Options configures an Orchestrator.
type Options struct {
	Stores   *store.Stores
	Git      gitClient
	Spawners *Registry
	// WorktreeBase is the root directory for created worktrees; empty means
	// {tmp}/gobby-worktrees.
	WorktreeBase string
	// MaxDepth bounds how deep session parent chains may grow before a
	// session loses the right to spawn children.
	MaxDepth int
	// InstallHooks installs provider hook configuration into a fresh
	// worktree. Nil skips hook installation.
	InstallHooks func(ctx context.Context, worktreePath, provider string) error
	Logger       *slog.Logger
}

// Orchestrator implements the orchestrate_ready_tasks workflow action.
type Orchestrator struct {
	stores       *store.Stores
	git          gitClient
	spawners     *Registry
	worktreeBase string
	maxDepth     int
	installHooks func(ctx context.Context, worktreePath, provider string) error
	logger       *slog.Logger
}

func New(opts Options) *Orchestrator {
	base := opts.WorktreeBase
	if base == "" {
		base = filepath.Join(os.TempDir(), "gobby-worktrees")
	}
	depth := opts.MaxDepth
	if depth <= 0 {
		depth = DefaultMaxDepth
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	spawners := opts.Spawners
	if spawners == nil {
		spawners = DefaultRegistry("")
	}
	var g gitClient = opts.Git
	if g == nil {
		g = &git.Runner{}
	}
	return &Orchestrator{
		stores:       opts.Stores,
		git:          g,
		spawners:     spawners,
		worktreeBase: base,
		maxDepth:     depth,
		installHooks: opts.InstallHooks,
		logger:       logger,
	}
}

func failure(err error) map[string]any {
	return map[string]any{
		"success": false,
		"error":   err.Error(),
		"spawned": []map[string]any{},
		"skipped": []map[string]any{},
	}
}

// Orchestrate runs the full spawn batch for the parent session. Resolution
// and validation failures come back as success:false result maps rather than
// Go errors so workflow actions can surface them to the agent.
func (o *Orchestrator) Orchestrate(ctx context.Context, parentSessionID uuid.UUID, params map[string]any) (map[string]any, error) {
	parentRef := paramString(params, "parent_task_id")
	if parentRef == "" {
		return failure(fmt.Errorf("parent_task_id is required")), nil
	}

	parentSess, err := o.stores.Sessions.Get(ctx, parentSessionID)
	if err != nil {
		return failure(fmt.Errorf("parent session: %w", err)), nil
	}
	proj, err := o.stores.Projects.Get(ctx, parentSess.ProjectID)
	if err != nil {
		return failure(fmt.Errorf("project: %w", err)), nil
	}
	projectPath := paramString(params, "project_path")
	if projectPath == "" {
		projectPath = proj.Path
	}

	parentTask, err := o.stores.Tasks.ResolveTaskRef(ctx, proj.ID, parentRef)
	if err != nil {
		return failure(fmt.Errorf("resolve task %q: %w", parentRef, err)), nil
	}

	ready, err := o.stores.Tasks.ListReadyDescendants(ctx, parentTask.ID)
	if err != nil {
		return failure(fmt.Errorf("list ready descendants: %w", err)), nil
	}

	// Sessions that never hit a workflow trigger have no state row yet;
	// reservations need one.
	if _, err := o.stores.WorkflowState.EnsureState(ctx, parentSessionID, "orchestrate"); err != nil {
		return failure(fmt.Errorf("ensure workflow state: %w", err)), nil
	}

	maxConcurrent := paramInt(params, "max_concurrent", DefaultMaxConcurrent)
	granted, err := o.stores.WorkflowState.CheckAndReserveSlots(ctx, parentSessionID, maxConcurrent, len(ready))
	if err != nil {
		return failure(fmt.Errorf("reserve slots: %w", err)), nil
	}

	provider, model, mode := o.effectiveProviderModel(ctx, parentSessionID, params)
	baseBranch := paramString(params, "base_branch")
	if baseBranch == "" {
		baseBranch = o.git.DefaultBranch(ctx, projectPath)
	}

	batch := ready[:granted]
	overflow := ready[granted:]
	skipped := make([]map[string]any, 0, len(overflow))
	for _, t := range overflow {
		skipped = append(skipped, skipEntry(t, skipReasonCapacity))
	}

	if paramBool(params, "dry_run") {
		planned := make([]map[string]any, 0, len(batch))
		for _, t := range batch {
			planned = append(planned, map[string]any{
				"task_id": t.ID.String(),
				"title":   t.Title,
				"branch":  branchFor(t),
				"prompt":  BuildPrompt(t),
			})
		}
		o.release(ctx, parentSessionID, granted, nil)
		return map[string]any{
			"success":        true,
			"dry_run":        true,
			"parent_task_id": parentTask.ID.String(),
			"planned":        planned,
			"skipped":        skipped,
			"planned_count":  len(planned),
			"skipped_count":  len(skipped),
			"max_concurrent": maxConcurrent,
		}, nil
	}

	spawner, err := o.spawners.Get(mode)
	if err != nil {
		o.release(ctx, parentSessionID, granted, nil)
		return failure(err), nil
	}

	canSpawn := o.canSpawn(ctx, parentSess)

	var spawned []map[string]any
	var agents []store.SpawnedAgent
	for _, task := range batch {
		if !canSpawn {
			skipped = append(skipped, skipEntry(task, "max spawn depth reached"))
			continue
		}
		entry, agent, reason := o.spawnOne(ctx, spawnContext{
			parent:      parentSess,
			project:     proj,
			projectPath: projectPath,
			baseBranch:  baseBranch,
			provider:    provider,
			model:       model,
			spawner:     spawner,
		}, task)
		if reason != "" {
			skipped = append(skipped, skipEntry(task, reason))
			continue
		}
		spawned = append(spawned, entry)
		agents = append(agents, *agent)
	}

	o.release(ctx, parentSessionID, granted, agents)

	if spawned == nil {
		spawned = []map[string]any{}
	}
	return map[string]any{
		"success":        true,
		"parent_task_id": parentTask.ID.String(),
		"spawned":        spawned,
		"skipped":        skipped,
		"spawned_count":  len(spawned),
		"skipped_count":  len(skipped),
		"max_concurrent": maxConcurrent,
	}, nil
}

// release appends the batch's successful agents and frees every reservation,
// used or not. Failed spawns are not in spawned_agents, so their slots come
// back here.
func (o *Orchestrator) release(ctx context.Context, sessionID uuid.UUID, granted int, agents []store.SpawnedAgent) {
	if len(agents) > 0 {
		if err := o.stores.WorkflowState.AppendSpawnedAgents(ctx, sessionID, agents); err != nil {
			o.logger.Error("orchestrate.append_spawned_failed", "session_id", sessionID, "error", err)
		}
	}
	if granted > 0 {
		if err := o.stores.WorkflowState.ReleaseReservedSlots(ctx, sessionID, granted); err != nil {
			o.logger.Error("orchestrate.release_failed", "session_id", sessionID, "error", err)
		}
	}
}

type spawnContext struct {
	parent      *store.Session
	project     *store.Project
	projectPath string
	baseBranch  string
	provider    string
	model       string
	spawner     Spawner
}

// spawnOne runs steps (a) through (h) for a single task. A non-empty reason
// means the task was skipped; entry and agent are set only on success.
func (o *Orchestrator) spawnOne(ctx context.Context, sc spawnContext, task *store.Task) (map[string]any, *store.SpawnedAgent, string) {
	wt, created, reason := o.worktreeFor(ctx, sc, task)
	if reason != "" {
		return nil, nil, reason
	}

	rollback := func() {
		if !created {
			return
		}
		if err := o.stores.Worktrees.Delete(ctx, wt.ID); err != nil {
			o.logger.Error("orchestrate.rollback_row_failed", "worktree_id", wt.ID, "error", err)
		}
		if err := o.git.RemoveWorktree(ctx, sc.projectPath, wt.WorktreePath, wt.BranchName, true); err != nil {
			o.logger.Error("orchestrate.rollback_git_failed", "path", wt.WorktreePath, "error", err)
		}
	}

	if created {
		if err := o.initWorktree(ctx, sc, wt); err != nil {
			rollback()
			return nil, nil, fmt.Sprintf("worktree init failed: %v", err)
		}
	}

	prompt := BuildPrompt(task)

	child, err := o.stores.Sessions.Register(ctx, store.RegisterSessionRequest{
		ExternalID:      "agent-" + uuid.NewString()[:8],
		Source:          sc.parent.Source,
		MachineID:       sc.parent.MachineID,
		ProjectID:       sc.project.ID,
		ParentSessionID: &sc.parent.ID,
	})
	if err != nil {
		rollback()
		return nil, nil, fmt.Sprintf("register child session: %v", err)
	}

	if err := o.stores.Worktrees.Claim(ctx, wt.ID, child.ID); err != nil {
		rollback()
		return nil, nil, fmt.Sprintf("claim worktree: %v", err)
	}

	agentID, err := sc.spawner.Spawn(ctx, SpawnRequest{
		Provider:     sc.provider,
		Model:        sc.model,
		Prompt:       prompt,
		WorktreePath: wt.WorktreePath,
		BranchName:   wt.BranchName,
		TaskID:       task.ID.String(),
		SessionID:    child.ID.String(),
	})
	if err != nil {
		if relErr := o.stores.Worktrees.Release(ctx, wt.ID); relErr != nil {
			o.logger.Error("orchestrate.release_worktree_failed", "worktree_id", wt.ID, "error", relErr)
		}
		rollback()
		return nil, nil, fmt.Sprintf("spawn failed: %v", err)
	}

	status := store.TaskInProgress
	if _, err := o.stores.Tasks.UpdateTask(ctx, task.ID, store.TaskUpdate{Status: &status}); err != nil {
		o.logger.Error("orchestrate.task_status_failed", "task_id", task.ID, "error", err)
	}

	o.logger.Info("orchestrate.spawned",
		"task_id", task.ID, "session_id", child.ID, "branch", wt.BranchName, "agent_id", agentID)

	entry := map[string]any{
		"task_id":     task.ID.String(),
		"title":       task.Title,
		"session_id":  child.ID.String(),
		"agent_id":    agentID,
		"worktree_id": wt.ID.String(),
		"branch":      wt.BranchName,
	}
	agent := &store.SpawnedAgent{
		TaskID:     task.ID,
		AgentID:    agentID,
		SessionID:  child.ID,
		WorktreeID: wt.ID,
		BranchName: wt.BranchName,
	}
	return entry, agent, ""
}

// worktreeFor resolves or creates the task's worktree. A non-empty reason
// means skip; created reports whether this call made a fresh worktree that
// must be rolled back on later failure.
func (o *Orchestrator) worktreeFor(ctx context.Context, sc spawnContext, task *store.Task) (*store.Worktree, bool, string) {
	if wt, err := o.stores.Worktrees.GetByTask(ctx, task.ID); err == nil {
		if wt.Claimed() {
			return nil, false, "task worktree already has an active agent"
		}
		return wt, false, ""
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, false, fmt.Sprintf("lookup worktree: %v", err)
	}

	branch := branchFor(task)
	if wt, err := o.stores.Worktrees.GetByBranch(ctx, sc.project.ID, branch); err == nil {
		if wt.Claimed() {
			return nil, false, "branch worktree already has an active agent"
		}
		if wt.TaskID == nil || *wt.TaskID != task.ID {
			if err := o.stores.Worktrees.SetTask(ctx, wt.ID, task.ID); err != nil {
				return nil, false, fmt.Sprintf("link worktree task: %v", err)
			}
		}
		return wt, false, ""
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, false, fmt.Sprintf("lookup branch worktree: %v", err)
	}

	path := filepath.Join(o.worktreeBase, sc.project.Name, branch)
	if err := o.git.AddWorktree(ctx, sc.projectPath, path, branch, sc.baseBranch); err != nil {
		return nil, false, fmt.Sprintf("create worktree: %v", err)
	}
	wt := &store.Worktree{
		ProjectID:    sc.project.ID,
		BranchName:   branch,
		WorktreePath: path,
		BaseBranch:   sc.baseBranch,
		TaskID:       &task.ID,
	}
	if err := o.stores.Worktrees.Create(ctx, wt); err != nil {
		if gitErr := o.git.RemoveWorktree(ctx, sc.projectPath, path, branch, true); gitErr != nil {
			o.logger.Error("orchestrate.rollback_git_failed", "path", path, "error", gitErr)
		}
		return nil, false, fmt.Sprintf("register worktree: %v", err)
	}
	return wt, true, ""
}

func (o *Orchestrator) initWorktree(ctx context.Context, sc spawnContext, wt *store.Worktree) error {
	if err := project.CopyMarker(sc.projectPath, wt.WorktreePath); err != nil {
		return fmt.Errorf("copy project marker: %w", err)
	}
	if o.installHooks != nil {
		if err := o.installHooks(ctx, wt.WorktreePath, sc.provider); err != nil {
			return fmt.Errorf("install hooks: %w", err)
		}
	}
	return nil
}

// effectiveProviderModel applies the selection priority: explicit params,
// then the parent session's workflow variables, then defaults.
func (o *Orchestrator) effectiveProviderModel(ctx context.Context, sessionID uuid.UUID, params map[string]any) (provider, model, mode string) {
	var vars map[string]any
	if state, err := o.stores.WorkflowState.GetState(ctx, sessionID); err == nil {
		vars = state.Variables
	}
	pick := func(key, varKey, def string) string {
		if v := paramString(params, key); v != "" {
			return v
		}
		if varKey != "" && vars != nil {
			if v, ok := vars[varKey].(string); ok && v != "" {
				return v
			}
		}
		return def
	}
	provider = pick("coding_provider", "coding_provider", "")
	if provider == "" {
		provider = pick("provider", "", DefaultProvider)
	}
	model = pick("coding_model", "coding_model", "")
	if model == "" {
		model = pick("model", "", "")
	}
	mode = pick("mode", "terminal", DefaultMode)
	return provider, model, mode
}

// canSpawn walks the parent chain and rejects spawning once the chain is
// maxDepth deep, so runaway recursive orchestration cannot fork-bomb.
func (o *Orchestrator) canSpawn(ctx context.Context, sess *store.Session) bool {
	depth := 1
	cur := sess
	for cur.ParentSessionID != nil && depth < o.maxDepth+1 {
		parent, err := o.stores.Sessions.Get(ctx, *cur.ParentSessionID)
		if err != nil {
			break
		}
		depth++
		cur = parent
	}
	return depth <= o.maxDepth
}

func branchFor(task *store.Task) string {
	return git.SafeBranchName(task.ID.String())
}

func skipEntry(t *store.Task, reason string) map[string]any {
	return map[string]any{
		"task_id": t.ID.String(),
		"title":   t.Title,
		"reason":  reason,
	}
}

func paramString(params map[string]any, key string) string {
	if v, ok := params[key].(string); ok {
		return v
	}
	return ""
}

func paramInt(params map[string]any, key string, def int) int {
	switch v := params[key].(type) {
	case int:
		if v > 0 {
			return v
		}
	case float64:
		if v > 0 {
			return int(v)
		}
	case string:
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func paramBool(params map[string]any, key string) bool {
	switch v := params[key].(type) {
	case bool:
		return v
	case string:
		return v == "true" || v == "1"
	}
	return false
}
