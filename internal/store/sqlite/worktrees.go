package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/gobbyhq/gobby/internal/store"
)

// WorktreeStore implements store.WorktreeStore.
type WorktreeStore struct {
	*base
}

const worktreeCols = `id, project_id, branch_name, worktree_path, base_branch,
	status, task_id, agent_session_id, created_at, updated_at`

func scanWorktree(row interface{ Scan(...any) error }) (*store.Worktree, error) {
	var w store.Worktree
	var id, projectID string
	var taskID, agentID sql.NullString
	err := row.Scan(&id, &projectID, &w.BranchName, &w.WorktreePath, &w.BaseBranch,
		&w.Status, &taskID, &agentID, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, err
	}
	w.ID = uuid.MustParse(id)
	w.ProjectID = uuid.MustParse(projectID)
	if taskID.Valid {
		tid := uuid.MustParse(taskID.String)
		w.TaskID = &tid
	}
	if agentID.Valid {
		aid := uuid.MustParse(agentID.String)
		w.AgentSessionID = &aid
	}
	return &w, nil
}

func (s *WorktreeStore) Create(ctx context.Context, wt *store.Worktree) error {
	if wt.BranchName == "" || wt.WorktreePath == "" {
		return store.Validationf("branch_name and worktree_path are required")
	}
	if wt.ID == uuid.Nil {
		wt.ID = uuid.New()
	}
	if wt.Status == "" {
		wt.Status = store.WorktreeActive
	}
	if wt.BaseBranch == "" {
		wt.BaseBranch = "main"
	}
	ts := now()
	wt.CreatedAt, wt.UpdatedAt = ts, ts

	var taskID, agentID any
	if wt.TaskID != nil {
		taskID = wt.TaskID.String()
	}
	if wt.AgentSessionID != nil {
		agentID = wt.AgentSessionID.String()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO worktrees (id, project_id, branch_name, worktree_path, base_branch,
		    status, task_id, agent_session_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		wt.ID.String(), wt.ProjectID.String(), wt.BranchName, wt.WorktreePath,
		wt.BaseBranch, wt.Status, taskID, agentID, ts, ts)
	if err != nil {
		if isUniqueViolation(err) {
			return store.Conflictf("active worktree for branch %q already exists", wt.BranchName)
		}
		return fmt.Errorf("create worktree: %w", err)
	}
	s.notify("worktree", "create", wt.ID.String())
	return nil
}

func (s *WorktreeStore) Get(ctx context.Context, id uuid.UUID) (*store.Worktree, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+worktreeCols+` FROM worktrees WHERE id = ?`, id.String())
	wt, err := scanWorktree(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.NotFoundf("worktree %s", id)
	}
	return wt, err
}

func (s *WorktreeStore) GetByTask(ctx context.Context, taskID uuid.UUID) (*store.Worktree, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+worktreeCols+` FROM worktrees
		 WHERE task_id = ? AND status = ? ORDER BY created_at DESC LIMIT 1`,
		taskID.String(), store.WorktreeActive)
	wt, err := scanWorktree(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.NotFoundf("worktree for task %s", taskID)
	}
	return wt, err
}

func (s *WorktreeStore) GetByBranch(ctx context.Context, projectID uuid.UUID, branch string) (*store.Worktree, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+worktreeCols+` FROM worktrees
		 WHERE project_id = ? AND branch_name = ? AND status = ?`,
		projectID.String(), branch, store.WorktreeActive)
	wt, err := scanWorktree(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.NotFoundf("worktree for branch %q", branch)
	}
	return wt, err
}

func (s *WorktreeStore) Claim(ctx context.Context, id, agentSessionID uuid.UUID) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE worktrees SET agent_session_id = ?, updated_at = ?
		 WHERE id = ? AND status = ? AND agent_session_id IS NULL`,
		agentSessionID.String(), now(), id.String(), store.WorktreeActive)
	if err != nil {
		return fmt.Errorf("claim worktree: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		wt, err := s.Get(ctx, id)
		if err != nil {
			return err
		}
		if wt.Claimed() {
			return store.Conflictf("worktree %s is already claimed by session %s", id, wt.AgentSessionID)
		}
		return store.Conflictf("worktree %s is not active (status %s)", id, wt.Status)
	}
	s.notify("worktree", "update", id.String())
	return nil
}

func (s *WorktreeStore) Release(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE worktrees SET agent_session_id = NULL, status = ?, updated_at = ? WHERE id = ?`,
		store.WorktreeReleased, now(), id.String())
	if err != nil {
		return fmt.Errorf("release worktree: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.NotFoundf("worktree %s", id)
	}
	s.notify("worktree", "update", id.String())
	return nil
}

func (s *WorktreeStore) SetTask(ctx context.Context, id, taskID uuid.UUID) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE worktrees SET task_id = ?, updated_at = ? WHERE id = ?`,
		taskID.String(), now(), id.String())
	if err != nil {
		return fmt.Errorf("set worktree task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.NotFoundf("worktree %s", id)
	}
	s.notify("worktree", "update", id.String())
	return nil
}

func (s *WorktreeStore) MarkDeleted(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE worktrees SET status = ?, agent_session_id = NULL, updated_at = ? WHERE id = ?`,
		store.WorktreeDeleted, now(), id.String())
	if err != nil {
		return fmt.Errorf("mark worktree deleted: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.NotFoundf("worktree %s", id)
	}
	s.notify("worktree", "update", id.String())
	return nil
}

func (s *WorktreeStore) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM worktrees WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("delete worktree: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.NotFoundf("worktree %s", id)
	}
	s.notify("worktree", "delete", id.String())
	return nil
}

func (s *WorktreeStore) List(ctx context.Context, projectID uuid.UUID, status string) ([]*store.Worktree, error) {
	query := `SELECT ` + worktreeCols + ` FROM worktrees WHERE project_id = ?`
	args := []any{projectID.String()}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list worktrees: %w", err)
	}
	defer rows.Close()

	var out []*store.Worktree
	for rows.Next() {
		wt, err := scanWorktree(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, wt)
	}
	return out, rows.Err()
}
