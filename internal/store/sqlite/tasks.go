package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/gobbyhq/gobby/internal/store"
)

// TaskStore implements store.TaskStore.
type TaskStore struct {
	*base
}

// maxIDRetries bounds retry on the (astronomically unlikely) UUID collision.
const maxIDRetries = 3

const taskCols = `t.id, t.project_id, t.parent_task_id, t.title, t.description, t.status,
	t.priority, t.task_type, t.labels, t.assignee, t.commits, t.workflow_name,
	t.sequence_order, t.closed_in_session_id, t.closed_commit_sha, t.closed_reason,
	t.closed_at, t.validation_status, t.escalation_reason, t.seq_num, t.path_cache,
	t.created_at, t.updated_at`

func scanTask(row interface{ Scan(...any) error }) (*store.Task, error) {
	var t store.Task
	var id, projectID, labels, commits string
	var parentID, closedSession sql.NullString
	var seqOrder sql.NullInt64
	var closedAt sql.NullTime
	err := row.Scan(&id, &projectID, &parentID, &t.Title, &t.Description, &t.Status,
		&t.Priority, &t.TaskType, &labels, &t.Assignee, &commits, &t.WorkflowName,
		&seqOrder, &closedSession, &t.ClosedCommitSHA, &t.ClosedReason,
		&closedAt, &t.ValidationStatus, &t.EscalationReason, &t.SeqNum, &t.PathCache,
		&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.ID = uuid.MustParse(id)
	t.ProjectID = uuid.MustParse(projectID)
	if parentID.Valid {
		pid := uuid.MustParse(parentID.String)
		t.ParentTaskID = &pid
	}
	if closedSession.Valid {
		sid := uuid.MustParse(closedSession.String)
		t.ClosedInSessionID = &sid
	}
	if seqOrder.Valid {
		v := int(seqOrder.Int64)
		t.SequenceOrder = &v
	}
	if closedAt.Valid {
		v := closedAt.Time
		t.ClosedAt = &v
	}
	t.Labels = unmarshalStrings(labels)
	t.Commits = unmarshalStrings(commits)
	return &t, nil
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func (s *TaskStore) CreateTask(ctx context.Context, req store.CreateTaskRequest) (*store.Task, error) {
	if req.Title == "" {
		return nil, store.Validationf("title is required")
	}
	if req.ProjectID == uuid.Nil {
		return nil, store.Validationf("project_id is required")
	}

	priority := store.PriorityUnknown
	if req.Priority != nil {
		priority = *req.Priority
	}

	var created *store.Task
	err := s.withTx(ctx, func(tx *sql.Tx, queue *[]store.Change) error {
		var parentPath string
		if req.ParentTaskID != nil {
			row := tx.QueryRowContext(ctx,
				`SELECT path_cache FROM tasks WHERE id = ? AND project_id = ?`,
				req.ParentTaskID.String(), req.ProjectID.String())
			if err := row.Scan(&parentPath); err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					return store.NotFoundf("parent task %s", req.ParentTaskID)
				}
				return err
			}
		}

		var seq int
		row := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(seq_num), 0) + 1 FROM tasks WHERE project_id = ?`,
			req.ProjectID.String())
		if err := row.Scan(&seq); err != nil {
			return err
		}

		path := strconv.Itoa(seq)
		if parentPath != "" {
			path = parentPath + "." + path
		}

		ts := now()
		t := &store.Task{
			ProjectID:        req.ProjectID,
			ParentTaskID:     req.ParentTaskID,
			Title:            req.Title,
			Description:      req.Description,
			Status:           store.TaskOpen,
			Priority:         priority,
			TaskType:         req.TaskType,
			Labels:           dedupe(req.Labels),
			Assignee:         req.Assignee,
			Commits:          []string{},
			WorkflowName:     req.WorkflowName,
			SequenceOrder:    req.SequenceOrder,
			ValidationStatus: store.ValidationNone,
			SeqNum:           seq,
			PathCache:        path,
			CreatedAt:        ts,
			UpdatedAt:        ts,
		}

		var parent, seqOrder any
		if t.ParentTaskID != nil {
			parent = t.ParentTaskID.String()
		}
		if t.SequenceOrder != nil {
			seqOrder = *t.SequenceOrder
		}

		var lastErr error
		for attempt := 0; attempt < maxIDRetries; attempt++ {
			t.ID = uuid.New()
			_, lastErr = tx.ExecContext(ctx,
				`INSERT INTO tasks (id, project_id, parent_task_id, title, description, status,
				    priority, task_type, labels, assignee, commits, workflow_name, sequence_order,
				    validation_status, seq_num, path_cache, created_at, updated_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				t.ID.String(), t.ProjectID.String(), parent, t.Title, t.Description, t.Status,
				t.Priority, t.TaskType, marshalJSON(t.Labels, "[]"), t.Assignee, "[]",
				t.WorkflowName, seqOrder, t.ValidationStatus, t.SeqNum, t.PathCache, ts, ts)
			if lastErr == nil {
				created = t
				*queue = append(*queue, store.Change{Entity: "task", Op: "create", ID: t.ID.String()})
				return nil
			}
			if !isUniqueViolation(lastErr) || !strings.Contains(lastErr.Error(), "tasks.id") {
				break
			}
		}
		if isUniqueViolation(lastErr) {
			return store.Conflictf("task id collision after %d attempts", maxIDRetries)
		}
		return fmt.Errorf("create task: %w", lastErr)
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (s *TaskStore) GetTask(ctx context.Context, id uuid.UUID) (*store.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskCols+` FROM tasks t WHERE t.id = ?`, id.String())
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.NotFoundf("task %s", id)
	}
	return t, err
}

// ResolveTaskRef accepts a UUID, "#N", bare "N", or a dotted path "1.2.3".
func (s *TaskStore) ResolveTaskRef(ctx context.Context, projectID uuid.UUID, ref string) (*store.Task, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, store.Validationf("empty task reference")
	}
	if id, err := uuid.Parse(ref); err == nil {
		return s.GetTask(ctx, id)
	}

	var query string
	var arg any
	switch {
	case strings.HasPrefix(ref, "#"):
		n, err := strconv.Atoi(ref[1:])
		if err != nil {
			return nil, store.Validationf("invalid task reference %q", ref)
		}
		query, arg = `SELECT `+taskCols+` FROM tasks t WHERE t.project_id = ? AND t.seq_num = ?`, n
	case strings.Contains(ref, "."):
		query, arg = `SELECT `+taskCols+` FROM tasks t WHERE t.project_id = ? AND t.path_cache = ?`, ref
	default:
		n, err := strconv.Atoi(ref)
		if err != nil {
			return nil, store.Validationf("invalid task reference %q", ref)
		}
		query, arg = `SELECT `+taskCols+` FROM tasks t WHERE t.project_id = ? AND t.seq_num = ?`, n
	}

	row := s.db.QueryRowContext(ctx, query, projectID.String(), arg)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.NotFoundf("task %q", ref)
	}
	return t, err
}

func (s *TaskStore) UpdateTask(ctx context.Context, id uuid.UUID, upd store.TaskUpdate) (*store.Task, error) {
	var out *store.Task
	err := s.withTx(ctx, func(tx *sql.Tx, queue *[]store.Change) error {
		row := tx.QueryRowContext(ctx, `SELECT `+taskCols+` FROM tasks t WHERE t.id = ?`, id.String())
		cur, err := scanTask(row)
		if errors.Is(err, sql.ErrNoRows) {
			return store.NotFoundf("task %s", id)
		}
		if err != nil {
			return err
		}

		set := func(field *string, v *string) {
			if v != nil {
				*field = *v
			}
		}
		set(&cur.Title, upd.Title)
		set(&cur.Description, upd.Description)
		set(&cur.Status, upd.Status)
		set(&cur.TaskType, upd.TaskType)
		set(&cur.Assignee, upd.Assignee)
		set(&cur.WorkflowName, upd.WorkflowName)
		set(&cur.ValidationStatus, upd.ValidationStatus)
		set(&cur.EscalationReason, upd.EscalationReason)
		if upd.Priority != nil {
			cur.Priority = *upd.Priority
		}
		if upd.SequenceOrder != nil {
			cur.SequenceOrder = upd.SequenceOrder
		}
		if upd.Labels != nil {
			if *upd.Labels == nil {
				cur.Labels = []string{}
			} else {
				cur.Labels = dedupe(*upd.Labels)
			}
		}

		parentChanged := false
		if upd.ClearParent {
			cur.ParentTaskID = nil
			parentChanged = true
		} else if upd.ParentTaskID != nil {
			if *upd.ParentTaskID == id {
				return store.Validationf("task cannot be its own parent")
			}
			cur.ParentTaskID = upd.ParentTaskID
			parentChanged = true
		}

		if parentChanged {
			newPath := strconv.Itoa(cur.SeqNum)
			if cur.ParentTaskID != nil {
				var parentPath string
				row := tx.QueryRowContext(ctx,
					`SELECT path_cache FROM tasks WHERE id = ?`, cur.ParentTaskID.String())
				if err := row.Scan(&parentPath); err != nil {
					if errors.Is(err, sql.ErrNoRows) {
						return store.NotFoundf("parent task %s", cur.ParentTaskID)
					}
					return err
				}
				if strings.HasPrefix(parentPath+".", cur.PathCache+".") {
					return store.Conflictf("cannot reparent task under its own descendant")
				}
				newPath = parentPath + "." + newPath
			}
			if err := repathSubtree(ctx, tx, cur.PathCache, newPath); err != nil {
				return err
			}
			cur.PathCache = newPath
		}

		cur.UpdatedAt = now()
		var parent, seqOrder any
		if cur.ParentTaskID != nil {
			parent = cur.ParentTaskID.String()
		}
		if cur.SequenceOrder != nil {
			seqOrder = *cur.SequenceOrder
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE tasks SET parent_task_id = ?, title = ?, description = ?, status = ?,
			    priority = ?, task_type = ?, labels = ?, assignee = ?, workflow_name = ?,
			    sequence_order = ?, validation_status = ?, escalation_reason = ?,
			    path_cache = ?, updated_at = ?
			 WHERE id = ?`,
			parent, cur.Title, cur.Description, cur.Status, cur.Priority, cur.TaskType,
			marshalJSON(cur.Labels, "[]"), cur.Assignee, cur.WorkflowName, seqOrder,
			cur.ValidationStatus, cur.EscalationReason, cur.PathCache, cur.UpdatedAt,
			id.String())
		if err != nil {
			return fmt.Errorf("update task: %w", err)
		}
		out = cur
		*queue = append(*queue, store.Change{Entity: "task", Op: "update", ID: id.String()})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// repathSubtree rewrites path_cache for every descendant when a task moves.
func repathSubtree(ctx context.Context, tx *sql.Tx, oldPath, newPath string) error {
	if oldPath == newPath {
		return nil
	}
	_, err := tx.ExecContext(ctx,
		`UPDATE tasks SET path_cache = ? || SUBSTR(path_cache, ?)
		 WHERE path_cache LIKE ? ESCAPE '\'`,
		newPath, len(oldPath)+1, likeEscape(oldPath)+".%")
	return err
}

func likeEscape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	return strings.ReplaceAll(s, "_", `\_`)
}

func (s *TaskStore) CloseTask(ctx context.Context, id uuid.UUID, req store.CloseTaskRequest) (*store.Task, error) {
	err := s.withTx(ctx, func(tx *sql.Tx, queue *[]store.Change) error {
		var status string
		row := tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?`, id.String())
		if err := row.Scan(&status); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return store.NotFoundf("task %s", id)
			}
			return err
		}
		if status == store.TaskClosed {
			return store.Conflictf("task %s is already closed", id)
		}

		if !req.Force {
			var openChildren int
			row := tx.QueryRowContext(ctx,
				`SELECT COUNT(*) FROM tasks WHERE parent_task_id = ? AND status != ?`,
				id.String(), store.TaskClosed)
			if err := row.Scan(&openChildren); err != nil {
				return err
			}
			if openChildren > 0 {
				return store.Conflictf("task has %d open children; close them first or pass force", openChildren)
			}
		}

		var sessionID any
		if req.SessionID != nil {
			sessionID = req.SessionID.String()
		}
		ts := now()
		_, err := tx.ExecContext(ctx,
			`UPDATE tasks SET status = ?, closed_reason = ?, closed_commit_sha = ?,
			    closed_in_session_id = ?, closed_at = ?, updated_at = ?
			 WHERE id = ?`,
			store.TaskClosed, req.Reason, req.CommitSHA, sessionID, ts, ts, id.String())
		if err != nil {
			return fmt.Errorf("close task: %w", err)
		}
		if req.CommitSHA != "" {
			if err := addCommitTx(ctx, tx, id, req.CommitSHA); err != nil {
				return err
			}
		}
		*queue = append(*queue, store.Change{Entity: "task", Op: "update", ID: id.String()})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetTask(ctx, id)
}

func (s *TaskStore) ReopenTask(ctx context.Context, id uuid.UUID, reason string) (*store.Task, error) {
	err := s.withTx(ctx, func(tx *sql.Tx, queue *[]store.Change) error {
		var status, description string
		row := tx.QueryRowContext(ctx, `SELECT status, description FROM tasks WHERE id = ?`, id.String())
		if err := row.Scan(&status, &description); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return store.NotFoundf("task %s", id)
			}
			return err
		}
		if status != store.TaskClosed {
			return store.Conflictf("task %s is not closed", id)
		}
		if reason != "" {
			if description != "" {
				description += "\n"
			}
			description += "[Reopened: " + reason + "]"
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE tasks SET status = ?, description = ?, closed_reason = '',
			    closed_commit_sha = '', closed_in_session_id = NULL, closed_at = NULL,
			    updated_at = ?
			 WHERE id = ?`,
			store.TaskOpen, description, now(), id.String())
		if err != nil {
			return fmt.Errorf("reopen task: %w", err)
		}
		*queue = append(*queue, store.Change{Entity: "task", Op: "update", ID: id.String()})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetTask(ctx, id)
}

func (s *TaskStore) DeescalateTask(ctx context.Context, id uuid.UUID, reason string) (*store.Task, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, escalation_reason = '', updated_at = ?
		 WHERE id = ? AND status = ?`,
		store.TaskOpen, now(), id.String(), store.TaskEscalated)
	if err != nil {
		return nil, fmt.Errorf("de-escalate task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		t, err := s.GetTask(ctx, id)
		if err != nil {
			return nil, err
		}
		return nil, store.Conflictf("task %s is not escalated (status %s)", id, t.Status)
	}
	s.notify("task", "update", id.String())
	return s.GetTask(ctx, id)
}

func (s *TaskStore) DeleteTask(ctx context.Context, id uuid.UUID, cascade, unlink bool) error {
	return s.withTx(ctx, func(tx *sql.Tx, queue *[]store.Change) error {
		var exists int
		row := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE id = ?`, id.String())
		if err := row.Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return store.NotFoundf("task %s", id)
		}

		if !cascade && !unlink {
			var openDeps int
			row := tx.QueryRowContext(ctx,
				`SELECT COUNT(*) FROM task_dependencies d
				 JOIN tasks t ON t.id = d.task_id
				 WHERE d.depends_on_task_id = ? AND t.status != ?`,
				id.String(), store.TaskClosed)
			if err := row.Scan(&openDeps); err != nil {
				return err
			}
			var openChildren int
			row = tx.QueryRowContext(ctx,
				`SELECT COUNT(*) FROM tasks WHERE parent_task_id = ? AND status != ?`,
				id.String(), store.TaskClosed)
			if err := row.Scan(&openChildren); err != nil {
				return err
			}
			if openDeps > 0 || openChildren > 0 {
				return store.Conflictf("task has open dependents; pass cascade or unlink")
			}
		}

		victims := []string{id.String()}
		if cascade {
			// Breadth-first walk over children and dependents. The visited set
			// keeps parent↔child dependency cycles from re-scheduling nodes.
			visited := map[string]struct{}{id.String(): {}}
			frontier := []string{id.String()}
			for len(frontier) > 0 {
				cur := frontier[0]
				frontier = frontier[1:]

				rows, err := tx.QueryContext(ctx,
					`SELECT id FROM tasks WHERE parent_task_id = ?
					 UNION
					 SELECT task_id FROM task_dependencies WHERE depends_on_task_id = ?`,
					cur, cur)
				if err != nil {
					return err
				}
				var next []string
				for rows.Next() {
					var tid string
					if err := rows.Scan(&tid); err != nil {
						rows.Close()
						return err
					}
					next = append(next, tid)
				}
				rows.Close()
				if err := rows.Err(); err != nil {
					return err
				}
				for _, tid := range next {
					if _, ok := visited[tid]; ok {
						continue
					}
					visited[tid] = struct{}{}
					victims = append(victims, tid)
					frontier = append(frontier, tid)
				}
			}
		}

		for _, v := range victims {
			if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, v); err != nil {
				return fmt.Errorf("delete task %s: %w", v, err)
			}
			*queue = append(*queue, store.Change{Entity: "task", Op: "delete", ID: v})
		}
		return nil
	})
}

func (s *TaskStore) ListTasks(ctx context.Context, f store.TaskFilter) ([]*store.Task, error) {
	query := `SELECT ` + taskCols + ` FROM tasks t WHERE t.project_id = ?`
	args := []any{f.ProjectID.String()}
	if f.Status != "" {
		query += ` AND t.status = ?`
		args = append(args, f.Status)
	}
	if f.Assignee != "" {
		query += ` AND t.assignee = ?`
		args = append(args, f.Assignee)
	}
	if f.ParentID != nil {
		query += ` AND t.parent_task_id = ?`
		args = append(args, f.ParentID.String())
	}
	query += ` ORDER BY t.priority, t.seq_num`
	if f.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, f.Limit, f.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []*store.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		if f.Label != "" && !containsString(t.Labels, f.Label) {
			continue
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func containsString(ss []string, v string) bool {
	for _, s := range ss {
		if s == v {
			return true
		}
	}
	return false
}

// openBlockers returns the non-closed "blocks" dependencies of each task in
// the project, keyed by task id.
func (s *TaskStore) openBlockers(ctx context.Context, projectID uuid.UUID) (map[string][]*store.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT d.task_id, `+taskCols+` FROM task_dependencies d
		 JOIN tasks t ON t.id = d.depends_on_task_id
		 WHERE d.dep_type = ? AND t.status != ? AND t.project_id = ?`,
		store.DepBlocks, store.TaskClosed, projectID.String())
	if err != nil {
		return nil, fmt.Errorf("load blockers: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]*store.Task)
	for rows.Next() {
		var taskID string
		var blocker store.Task
		var bid, bproject, labels, commits string
		var parentID, closedSession sql.NullString
		var seqOrder sql.NullInt64
		var closedAt sql.NullTime
		err := rows.Scan(&taskID, &bid, &bproject, &parentID, &blocker.Title, &blocker.Description,
			&blocker.Status, &blocker.Priority, &blocker.TaskType, &labels, &blocker.Assignee,
			&commits, &blocker.WorkflowName, &seqOrder, &closedSession, &blocker.ClosedCommitSHA,
			&blocker.ClosedReason, &closedAt, &blocker.ValidationStatus, &blocker.EscalationReason,
			&blocker.SeqNum, &blocker.PathCache, &blocker.CreatedAt, &blocker.UpdatedAt)
		if err != nil {
			return nil, err
		}
		blocker.ID = uuid.MustParse(bid)
		out[taskID] = append(out[taskID], &blocker)
	}
	return out, rows.Err()
}

// isDescendantPath reports whether childPath sits strictly below parentPath.
func isDescendantPath(childPath, parentPath string) bool {
	return parentPath != "" && strings.HasPrefix(childPath, parentPath+".")
}

func (s *TaskStore) ListReadyTasks(ctx context.Context, projectID uuid.UUID) ([]*store.Task, error) {
	tasks, err := s.listNonClosed(ctx, projectID)
	if err != nil {
		return nil, err
	}
	blockers, err := s.openBlockers(ctx, projectID)
	if err != nil {
		return nil, err
	}

	var ready []*store.Task
	for _, t := range tasks {
		if !hasExternalBlocker(t, blockers[t.ID.String()]) {
			ready = append(ready, t)
		}
	}
	return ready, nil
}

func (s *TaskStore) ListBlockedTasks(ctx context.Context, projectID uuid.UUID) ([]*store.Task, error) {
	tasks, err := s.listNonClosed(ctx, projectID)
	if err != nil {
		return nil, err
	}
	blockers, err := s.openBlockers(ctx, projectID)
	if err != nil {
		return nil, err
	}

	var blocked []*store.Task
	for _, t := range tasks {
		if hasExternalBlocker(t, blockers[t.ID.String()]) {
			blocked = append(blocked, t)
		}
	}
	return blocked, nil
}

// hasExternalBlocker ignores blockers that are the task's own descendants:
// children blocking a parent means "cannot close until children done", not
// "cannot start".
func hasExternalBlocker(t *store.Task, blockers []*store.Task) bool {
	for _, b := range blockers {
		if !isDescendantPath(b.PathCache, t.PathCache) {
			return true
		}
	}
	return false
}

func (s *TaskStore) listNonClosed(ctx context.Context, projectID uuid.UUID) ([]*store.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskCols+` FROM tasks t
		 WHERE t.project_id = ? AND t.status != ?
		 ORDER BY t.priority, t.seq_num`,
		projectID.String(), store.TaskClosed)
	if err != nil {
		return nil, fmt.Errorf("list open tasks: %w", err)
	}
	defer rows.Close()

	var out []*store.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *TaskStore) ListReadyDescendants(ctx context.Context, parentID uuid.UUID) ([]*store.Task, error) {
	parent, err := s.GetTask(ctx, parentID)
	if err != nil {
		return nil, err
	}
	ready, err := s.ListReadyTasks(ctx, parent.ProjectID)
	if err != nil {
		return nil, err
	}
	var out []*store.Task
	for _, t := range ready {
		if isDescendantPath(t.PathCache, parent.PathCache) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *TaskStore) AddDependency(ctx context.Context, dep store.TaskDependency) error {
	if dep.TaskID == dep.DependsOnTaskID {
		return store.Validationf("task cannot depend on itself")
	}
	if dep.DepType == "" {
		dep.DepType = store.DepBlocks
	}
	if dep.DepType != store.DepBlocks && dep.DepType != store.DepRelated {
		return store.Validationf("invalid dep_type %q", dep.DepType)
	}

	return s.withTx(ctx, func(tx *sql.Tx, queue *[]store.Change) error {
		// Reject the edge if depends_on can already reach task: that would
		// close a cycle. Walk is bounded by the visited set.
		visited := map[string]struct{}{}
		frontier := []string{dep.DependsOnTaskID.String()}
		target := dep.TaskID.String()
		for len(frontier) > 0 {
			cur := frontier[0]
			frontier = frontier[1:]
			if cur == target {
				return store.Conflictf("dependency would create a cycle")
			}
			if _, ok := visited[cur]; ok {
				continue
			}
			visited[cur] = struct{}{}

			rows, err := tx.QueryContext(ctx,
				`SELECT depends_on_task_id FROM task_dependencies WHERE task_id = ?`, cur)
			if err != nil {
				return err
			}
			for rows.Next() {
				var next string
				if err := rows.Scan(&next); err != nil {
					rows.Close()
					return err
				}
				frontier = append(frontier, next)
			}
			rows.Close()
			if err := rows.Err(); err != nil {
				return err
			}
		}

		_, err := tx.ExecContext(ctx,
			`INSERT INTO task_dependencies (task_id, depends_on_task_id, dep_type) VALUES (?, ?, ?)`,
			dep.TaskID.String(), dep.DependsOnTaskID.String(), dep.DepType)
		if err != nil {
			if isUniqueViolation(err) {
				return nil // idempotent
			}
			return fmt.Errorf("add dependency: %w", err)
		}
		*queue = append(*queue, store.Change{Entity: "task", Op: "update", ID: dep.TaskID.String()})
		return nil
	})
}

func (s *TaskStore) RemoveDependency(ctx context.Context, taskID, dependsOn uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM task_dependencies WHERE task_id = ? AND depends_on_task_id = ?`,
		taskID.String(), dependsOn.String())
	if err != nil {
		return fmt.Errorf("remove dependency: %w", err)
	}
	return nil
}

func (s *TaskStore) ListDependencies(ctx context.Context, taskID uuid.UUID) ([]store.TaskDependency, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT task_id, depends_on_task_id, dep_type FROM task_dependencies WHERE task_id = ?`,
		taskID.String())
	if err != nil {
		return nil, fmt.Errorf("list dependencies: %w", err)
	}
	defer rows.Close()

	var out []store.TaskDependency
	for rows.Next() {
		var d store.TaskDependency
		var tid, dep string
		if err := rows.Scan(&tid, &dep, &d.DepType); err != nil {
			return nil, err
		}
		d.TaskID = uuid.MustParse(tid)
		d.DependsOnTaskID = uuid.MustParse(dep)
		out = append(out, d)
	}
	return out, rows.Err()
}

func addCommitTx(ctx context.Context, tx *sql.Tx, taskID uuid.UUID, sha string) error {
	var raw string
	row := tx.QueryRowContext(ctx, `SELECT commits FROM tasks WHERE id = ?`, taskID.String())
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.NotFoundf("task %s", taskID)
		}
		return err
	}
	commits := unmarshalStrings(raw)
	if containsString(commits, sha) {
		return nil
	}
	commits = append(commits, sha)
	_, err := tx.ExecContext(ctx,
		`UPDATE tasks SET commits = ?, updated_at = ? WHERE id = ?`,
		marshalJSON(commits, "[]"), now(), taskID.String())
	return err
}

func (s *TaskStore) LinkCommit(ctx context.Context, taskID uuid.UUID, sha string) (*store.Task, error) {
	if sha == "" {
		return nil, store.Validationf("commit sha is required")
	}
	err := s.withTx(ctx, func(tx *sql.Tx, queue *[]store.Change) error {
		if err := addCommitTx(ctx, tx, taskID, sha); err != nil {
			return err
		}
		*queue = append(*queue, store.Change{Entity: "task", Op: "update", ID: taskID.String()})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetTask(ctx, taskID)
}

func (s *TaskStore) UnlinkCommit(ctx context.Context, taskID uuid.UUID, sha string) (*store.Task, error) {
	err := s.withTx(ctx, func(tx *sql.Tx, queue *[]store.Change) error {
		var raw string
		row := tx.QueryRowContext(ctx, `SELECT commits FROM tasks WHERE id = ?`, taskID.String())
		if err := row.Scan(&raw); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return store.NotFoundf("task %s", taskID)
			}
			return err
		}
		commits := unmarshalStrings(raw)
		kept := commits[:0]
		for _, c := range commits {
			if c != sha {
				kept = append(kept, c)
			}
		}
		if len(kept) == len(commits) {
			return nil // not linked; unlink is idempotent
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE tasks SET commits = ?, updated_at = ? WHERE id = ?`,
			marshalJSON(kept, "[]"), now(), taskID.String())
		if err != nil {
			return err
		}
		*queue = append(*queue, store.Change{Entity: "task", Op: "update", ID: taskID.String()})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetTask(ctx, taskID)
}

func (s *TaskStore) AddComment(ctx context.Context, c *store.TaskComment) error {
	if c.Body == "" {
		return store.Validationf("comment body is required")
	}
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO task_comments (id, task_id, author, body, created_at) VALUES (?, ?, ?, ?, ?)`,
		c.ID.String(), c.TaskID.String(), c.Author, c.Body, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("add comment: %w", err)
	}
	return nil
}

func (s *TaskStore) ListComments(ctx context.Context, taskID uuid.UUID) ([]store.TaskComment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, author, body, created_at FROM task_comments
		 WHERE task_id = ? ORDER BY created_at`,
		taskID.String())
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	var out []store.TaskComment
	for rows.Next() {
		var c store.TaskComment
		var id, tid string
		if err := rows.Scan(&id, &tid, &c.Author, &c.Body, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.ID = uuid.MustParse(id)
		c.TaskID = uuid.MustParse(tid)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *TaskStore) DeleteComment(ctx context.Context, commentID uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM task_comments WHERE id = ?`, commentID.String())
	if err != nil {
		return fmt.Errorf("delete comment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.NotFoundf("comment %s", commentID)
	}
	return nil
}
