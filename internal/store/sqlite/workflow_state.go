package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/gobbyhq/gobby/internal/store"
)

// WorkflowStateStore implements store.WorkflowStateStore.
type WorkflowStateStore struct {
	*base
}

const workflowStateCols = `session_id, workflow_name, step, variables, observations,
	reserved_slots, spawned_agents, context_injected, updated_at`

func scanWorkflowState(row interface{ Scan(...any) error }) (*store.WorkflowState, error) {
	var st store.WorkflowState
	var sessionID, variables, observations, spawned string
	var injected int
	err := row.Scan(&sessionID, &st.WorkflowName, &st.Step, &variables, &observations,
		&st.ReservedSlots, &spawned, &injected, &st.UpdatedAt)
	if err != nil {
		return nil, err
	}
	st.SessionID = uuid.MustParse(sessionID)
	st.ContextInjected = injected != 0
	if err := json.Unmarshal([]byte(variables), &st.Variables); err != nil || st.Variables == nil {
		st.Variables = map[string]any{}
	}
	if err := json.Unmarshal([]byte(observations), &st.Observations); err != nil || st.Observations == nil {
		st.Observations = []map[string]any{}
	}
	if err := json.Unmarshal([]byte(spawned), &st.SpawnedAgents); err != nil || st.SpawnedAgents == nil {
		st.SpawnedAgents = []store.SpawnedAgent{}
	}
	return &st, nil
}

func (s *WorkflowStateStore) GetState(ctx context.Context, sessionID uuid.UUID) (*store.WorkflowState, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+workflowStateCols+` FROM workflow_states WHERE session_id = ?`,
		sessionID.String())
	st, err := scanWorkflowState(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.NotFoundf("workflow state for session %s", sessionID)
	}
	return st, err
}

func (s *WorkflowStateStore) EnsureState(ctx context.Context, sessionID uuid.UUID, workflowName string) (*store.WorkflowState, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workflow_states (session_id, workflow_name, updated_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT (session_id) DO NOTHING`,
		sessionID.String(), workflowName, now())
	if err != nil {
		return nil, fmt.Errorf("ensure workflow state: %w", err)
	}
	return s.GetState(ctx, sessionID)
}

func (s *WorkflowStateStore) SetStep(ctx context.Context, sessionID uuid.UUID, step string) error {
	return s.exec(ctx, sessionID,
		`UPDATE workflow_states SET step = ?, updated_at = ? WHERE session_id = ?`, step)
}

// UpdateVariables merges vars into the stored map. The merge runs inside one
// transaction so concurrent hooks on the same session cannot lose keys.
func (s *WorkflowStateStore) UpdateVariables(ctx context.Context, sessionID uuid.UUID, vars map[string]any) error {
	return s.withTx(ctx, func(tx *sql.Tx, queue *[]store.Change) error {
		var raw string
		row := tx.QueryRowContext(ctx,
			`SELECT variables FROM workflow_states WHERE session_id = ?`, sessionID.String())
		if err := row.Scan(&raw); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return store.NotFoundf("workflow state for session %s", sessionID)
			}
			return err
		}
		merged := map[string]any{}
		if err := json.Unmarshal([]byte(raw), &merged); err != nil {
			merged = map[string]any{}
		}
		for k, v := range vars {
			merged[k] = v
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE workflow_states SET variables = ?, updated_at = ? WHERE session_id = ?`,
			marshalJSON(merged, "{}"), now(), sessionID.String())
		return err
	})
}

func (s *WorkflowStateStore) AppendObservation(ctx context.Context, sessionID uuid.UUID, obs map[string]any) error {
	return s.withTx(ctx, func(tx *sql.Tx, queue *[]store.Change) error {
		var raw string
		row := tx.QueryRowContext(ctx,
			`SELECT observations FROM workflow_states WHERE session_id = ?`, sessionID.String())
		if err := row.Scan(&raw); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return store.NotFoundf("workflow state for session %s", sessionID)
			}
			return err
		}
		var list []map[string]any
		if err := json.Unmarshal([]byte(raw), &list); err != nil {
			list = nil
		}
		list = append(list, obs)
		_, err := tx.ExecContext(ctx,
			`UPDATE workflow_states SET observations = ?, updated_at = ? WHERE session_id = ?`,
			marshalJSON(list, "[]"), now(), sessionID.String())
		return err
	})
}

func (s *WorkflowStateStore) SetContextInjected(ctx context.Context, sessionID uuid.UUID, v bool) error {
	injected := 0
	if v {
		injected = 1
	}
	return s.exec(ctx, sessionID,
		`UPDATE workflow_states SET context_injected = ?, updated_at = ? WHERE session_id = ?`, injected)
}

func (s *WorkflowStateStore) CheckAndReserveSlots(ctx context.Context, sessionID uuid.UUID, maxConcurrent, requested int) (int, error) {
	if requested <= 0 {
		return 0, nil
	}
	granted := 0
	err := s.withTx(ctx, func(tx *sql.Tx, queue *[]store.Change) error {
		var reserved int
		var spawnedRaw string
		row := tx.QueryRowContext(ctx,
			`SELECT reserved_slots, spawned_agents FROM workflow_states WHERE session_id = ?`,
			sessionID.String())
		if err := row.Scan(&reserved, &spawnedRaw); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return store.NotFoundf("workflow state for session %s", sessionID)
			}
			return err
		}

		var spawned []store.SpawnedAgent
		if err := json.Unmarshal([]byte(spawnedRaw), &spawned); err != nil {
			spawned = nil
		}
		// Agents whose sessions are still live count against the cap.
		running := 0
		for _, a := range spawned {
			var status string
			row := tx.QueryRowContext(ctx,
				`SELECT status FROM sessions WHERE id = ?`, a.SessionID.String())
			if err := row.Scan(&status); err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					continue
				}
				return err
			}
			if status == store.SessionActive {
				running++
			}
		}

		free := maxConcurrent - running - reserved
		if free <= 0 {
			return nil
		}
		granted = requested
		if granted > free {
			granted = free
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE workflow_states SET reserved_slots = reserved_slots + ?, updated_at = ?
			 WHERE session_id = ?`,
			granted, now(), sessionID.String())
		return err
	})
	if err != nil {
		return 0, err
	}
	return granted, nil
}

func (s *WorkflowStateStore) ReleaseReservedSlots(ctx context.Context, sessionID uuid.UUID, n int) error {
	if n <= 0 {
		return nil
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflow_states
		 SET reserved_slots = MAX(0, reserved_slots - ?), updated_at = ?
		 WHERE session_id = ?`,
		n, now(), sessionID.String())
	if err != nil {
		return fmt.Errorf("release slots: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return store.NotFoundf("workflow state for session %s", sessionID)
	}
	return nil
}

func (s *WorkflowStateStore) AppendSpawnedAgents(ctx context.Context, sessionID uuid.UUID, agents []store.SpawnedAgent) error {
	if len(agents) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx, queue *[]store.Change) error {
		var raw string
		row := tx.QueryRowContext(ctx,
			`SELECT spawned_agents FROM workflow_states WHERE session_id = ?`, sessionID.String())
		if err := row.Scan(&raw); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return store.NotFoundf("workflow state for session %s", sessionID)
			}
			return err
		}
		var list []store.SpawnedAgent
		if err := json.Unmarshal([]byte(raw), &list); err != nil {
			list = nil
		}
		list = append(list, agents...)
		_, err := tx.ExecContext(ctx,
			`UPDATE workflow_states SET spawned_agents = ?, updated_at = ? WHERE session_id = ?`,
			marshalJSON(list, "[]"), now(), sessionID.String())
		return err
	})
}

func (s *WorkflowStateStore) ResetLeakedReservations(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflow_states SET reserved_slots = 0, updated_at = ? WHERE reserved_slots > 0`,
		now())
	if err != nil {
		return 0, fmt.Errorf("reset reservations: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *WorkflowStateStore) exec(ctx context.Context, sessionID uuid.UUID, query string, value any) error {
	res, err := s.db.ExecContext(ctx, query, value, now(), sessionID.String())
	if err != nil {
		return fmt.Errorf("update workflow state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.NotFoundf("workflow state for session %s", sessionID)
	}
	return nil
}
