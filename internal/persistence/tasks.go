package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/basket/warden/internal/shared"
)

// TaskRecord is the persisted status of one task. The set of legal states and
// transitions is owned by the task package; the store only enforces that a
// transition starts from the state the caller observed.
type TaskRecord struct {
	TaskID          string    `json:"task_id"`
	SessionID       string    `json:"session_id,omitempty"`
	State           string    `json:"state"`
	Description     string    `json:"description,omitempty"`
	Input           string    `json:"input,omitempty"`
	Error           string    `json:"error,omitempty"`
	CancelRequested bool      `json:"cancel_requested"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// TaskEvent is one persisted transition.
type TaskEvent struct {
	EventID   int64     `json:"event_id"`
	TaskID    string    `json:"task_id"`
	SessionID string    `json:"session_id,omitempty"`
	TraceID   string    `json:"trace_id,omitempty"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

const taskColumns = `task_id, session_id, state, description, input, error, cancel_requested, created_at, updated_at`

func scanTask(scanFn func(dest ...any) error, rec *TaskRecord) error {
	var cancel int
	if err := scanFn(
		&rec.TaskID,
		&rec.SessionID,
		&rec.State,
		&rec.Description,
		&rec.Input,
		&rec.Error,
		&cancel,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	); err != nil {
		return err
	}
	rec.CancelRequested = cancel == 1
	return nil
}

// CreateTask inserts a new task record in rec.State.
func (s *Store) CreateTask(ctx context.Context, rec TaskRecord) error {
	now := time.Now().UTC()
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO task_states (task_id, session_id, state, description, input, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?);
		`, rec.TaskID, rec.SessionID, rec.State, rec.Description, rec.Input, now, now)
		if err != nil {
			return fmt.Errorf("insert task %s: %w", rec.TaskID, err)
		}
		return nil
	})
}

// TaskTransition describes one state change. Error, when set, is stored as
// the task's failure reason.
type TaskTransition struct {
	TaskID string
	From   string
	To     string
	Reason string
	Error  string
}

// TransitionTask applies t and appends a task event in the same transaction.
// It returns ErrConflict when the stored state is not t.From.
func (s *Store) TransitionTask(ctx context.Context, t TaskTransition) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transition tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if err := s.transitionTaskTx(ctx, tx, t); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit transition tx: %w", err)
		}
		return nil
	})
}

func (s *Store) transitionTaskTx(ctx context.Context, tx *sql.Tx, t TaskTransition) error {
	var sessionID string
	if err := tx.QueryRowContext(ctx, `SELECT session_id FROM task_states WHERE task_id = ?;`, t.TaskID).Scan(&sessionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("select task for transition: %w", err)
	}

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `
		UPDATE task_states
		SET state = ?,
			description = ?,
			error = CASE WHEN ? != '' THEN ? ELSE error END,
			updated_at = ?
		WHERE task_id = ? AND state = ?;
	`, t.To, t.Reason, t.Error, t.Error, now, t.TaskID, t.From)
	if err != nil {
		return fmt.Errorf("update task transition: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition rows affected: %w", err)
	}
	if affected != 1 {
		return fmt.Errorf("task %s not in state %s: %w", t.TaskID, t.From, ErrConflict)
	}

	traceID := shared.TraceID(ctx)
	if traceID == "-" {
		traceID = ""
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO task_events (task_id, session_id, trace_id, state_from, state_to, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?);
	`, t.TaskID, sessionID, traceID, t.From, t.To, t.Reason, now); err != nil {
		return fmt.Errorf("insert task_event: %w", err)
	}
	return nil
}

// RequestTaskCancel sets the durable cancellation flag for a task that is not
// yet in one of the terminal states.
func (s *Store) RequestTaskCancel(ctx context.Context, taskID string, terminal []string) (bool, error) {
	args := []any{time.Now().UTC(), taskID}
	query := `UPDATE task_states SET cancel_requested = 1, updated_at = ? WHERE task_id = ?`
	if len(terminal) > 0 {
		query += ` AND state NOT IN (` + placeholders(len(terminal)) + `)`
		for _, st := range terminal {
			args = append(args, st)
		}
	}
	res, err := s.db.ExecContext(ctx, query+";", args...)
	if err != nil {
		return false, fmt.Errorf("request cancel: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// GetTask returns the task record or ErrNotFound.
func (s *Store) GetTask(ctx context.Context, taskID string) (*TaskRecord, error) {
	var rec TaskRecord
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM task_states WHERE task_id = ?;`, taskID)
	if err := scanTask(row.Scan, &rec); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	return &rec, nil
}

// ListTasksInStates returns tasks whose state is one of states.
func (s *Store) ListTasksInStates(ctx context.Context, states []string) ([]TaskRecord, error) {
	if len(states) == 0 {
		return nil, nil
	}
	args := make([]any, len(states))
	for i, st := range states {
		args[i] = st
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM task_states
		WHERE state IN (`+placeholders(len(states))+`)
		ORDER BY created_at ASC;
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks by state: %w", err)
	}
	defer rows.Close()

	var out []TaskRecord
	for rows.Next() {
		var rec TaskRecord
		if err := scanTask(rows.Scan, &rec); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task rows: %w", err)
	}
	return out, nil
}

// ListTaskEvents returns the transition history of a task in order.
func (s *Store) ListTaskEvents(ctx context.Context, taskID string) ([]TaskEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, task_id, session_id, trace_id, state_from, state_to, reason, created_at
		FROM task_events
		WHERE task_id = ?
		ORDER BY event_id ASC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query task events: %w", err)
	}
	defer rows.Close()

	var out []TaskEvent
	for rows.Next() {
		var ev TaskEvent
		if err := rows.Scan(&ev.EventID, &ev.TaskID, &ev.SessionID, &ev.TraceID, &ev.From, &ev.To, &ev.Reason, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan task event: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task event rows: %w", err)
	}
	return out, nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
