package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/gobbyhq/gobby/internal/store"
)

// SessionStore implements store.SessionStore.
type SessionStore struct {
	*base
}

const sessionCols = `id, external_id, source, machine_id, project_id, parent_session_id,
	status, jsonl_path, summary_markdown, compact_markdown, created_at, updated_at`

func scanSession(row interface{ Scan(...any) error }) (*store.Session, error) {
	var s store.Session
	var id, projectID string
	var parentID sql.NullString
	err := row.Scan(&id, &s.ExternalID, &s.Source, &s.MachineID, &projectID, &parentID,
		&s.Status, &s.JSONLPath, &s.SummaryMarkdown, &s.CompactMarkdown, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	s.ID = uuid.MustParse(id)
	s.ProjectID = uuid.MustParse(projectID)
	if parentID.Valid {
		pid := uuid.MustParse(parentID.String)
		s.ParentSessionID = &pid
	}
	return &s, nil
}

func (s *SessionStore) Register(ctx context.Context, req store.RegisterSessionRequest) (*store.Session, error) {
	if req.ExternalID == "" || req.Source == "" {
		return nil, store.Validationf("external_id and source are required")
	}

	// Existing non-expired row wins: registration is idempotent.
	if existing, err := s.FindByExternal(ctx, req.ExternalID, req.Source, req.MachineID); err == nil {
		return existing, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	sess := &store.Session{
		ID:              uuid.New(),
		ExternalID:      req.ExternalID,
		Source:          req.Source,
		MachineID:       req.MachineID,
		ProjectID:       req.ProjectID,
		ParentSessionID: req.ParentSessionID,
		Status:          store.SessionActive,
		JSONLPath:       req.JSONLPath,
	}
	ts := now()
	sess.CreatedAt, sess.UpdatedAt = ts, ts

	var parent any
	if req.ParentSessionID != nil {
		parent = req.ParentSessionID.String()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, external_id, source, machine_id, project_id, parent_session_id,
		    status, jsonl_path, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID.String(), sess.ExternalID, sess.Source, sess.MachineID,
		sess.ProjectID.String(), parent, sess.Status, sess.JSONLPath, ts, ts)
	if err != nil {
		// A concurrent Register won the partial unique index; return its row.
		if isUniqueViolation(err) {
			return s.FindByExternal(ctx, req.ExternalID, req.Source, req.MachineID)
		}
		return nil, fmt.Errorf("register session: %w", err)
	}
	s.notify("session", "create", sess.ID.String())
	return sess, nil
}

func (s *SessionStore) Get(ctx context.Context, id uuid.UUID) (*store.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionCols+` FROM sessions WHERE id = ?`, id.String())
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.NotFoundf("session %s", id)
	}
	return sess, err
}

func (s *SessionStore) FindByExternal(ctx context.Context, externalID, source, machineID string) (*store.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionCols+` FROM sessions
		 WHERE external_id = ? AND source = ? AND machine_id = ? AND status != ?
		 ORDER BY created_at DESC LIMIT 1`,
		externalID, source, machineID, store.SessionExpired)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.NotFoundf("session for %s/%s", source, externalID)
	}
	return sess, err
}

func (s *SessionStore) FindParentSession(ctx context.Context, machineID, source string, projectID uuid.UUID) (*store.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionCols+` FROM sessions
		 WHERE machine_id = ? AND source = ? AND project_id = ? AND status = ?
		 ORDER BY updated_at DESC LIMIT 1`,
		machineID, source, projectID.String(), store.SessionHandoffReady)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.NotFoundf("handoff-ready session for %s/%s", source, machineID)
	}
	return sess, err
}

func (s *SessionStore) UpdateStatus(ctx context.Context, id uuid.UUID, status string) error {
	return s.exec(ctx, id, `UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`, status)
}

func (s *SessionStore) MarkExpired(ctx context.Context, id uuid.UUID) error {
	return s.UpdateStatus(ctx, id, store.SessionExpired)
}

func (s *SessionStore) SetParent(ctx context.Context, id, parentID uuid.UUID) error {
	return s.exec(ctx, id, `UPDATE sessions SET parent_session_id = ?, updated_at = ? WHERE id = ?`, parentID.String())
}

func (s *SessionStore) UpdateSummary(ctx context.Context, id uuid.UUID, markdown string) error {
	return s.exec(ctx, id, `UPDATE sessions SET summary_markdown = ?, updated_at = ? WHERE id = ?`, markdown)
}

func (s *SessionStore) UpdateCompactMarkdown(ctx context.Context, id uuid.UUID, markdown string) error {
	return s.exec(ctx, id, `UPDATE sessions SET compact_markdown = ?, updated_at = ? WHERE id = ?`, markdown)
}

func (s *SessionStore) SetJSONLPath(ctx context.Context, id uuid.UUID, path string) error {
	return s.exec(ctx, id, `UPDATE sessions SET jsonl_path = ?, updated_at = ? WHERE id = ?`, path)
}

// exec runs a single-value update of the form SET col = ?, updated_at = ?.
func (s *SessionStore) exec(ctx context.Context, id uuid.UUID, query string, value any) error {
	res, err := s.db.ExecContext(ctx, query, value, now(), id.String())
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.NotFoundf("session %s", id)
	}
	s.notify("session", "update", id.String())
	return nil
}

func (s *SessionStore) LinkTask(ctx context.Context, link store.SessionTaskLink) error {
	if link.CreatedAt.IsZero() {
		link.CreatedAt = now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_tasks (session_id, task_id, action, created_at) VALUES (?, ?, ?, ?)`,
		link.SessionID.String(), link.TaskID.String(), link.Action, link.CreatedAt)
	if err != nil {
		return fmt.Errorf("link task: %w", err)
	}
	return nil
}

func (s *SessionStore) ActiveTask(ctx context.Context, sessionID uuid.UUID) (*store.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskCols+` FROM tasks t
		 JOIN session_tasks st ON st.task_id = t.id
		 WHERE st.session_id = ? AND st.action = ?
		 ORDER BY st.created_at DESC LIMIT 1`,
		sessionID.String(), store.LinkWorkedOn)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.NotFoundf("active task for session %s", sessionID)
	}
	return t, err
}

func (s *SessionStore) List(ctx context.Context, projectID uuid.UUID, limit int) ([]*store.Session, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionCols+` FROM sessions WHERE project_id = ?
		 ORDER BY updated_at DESC LIMIT ?`, projectID.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*store.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}
