package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/basket/warden/internal/action"
)

// Resolution is the operator decision recorded on a DLQ entry.
type Resolution string

const (
	ResolutionPending   Resolution = "PENDING"
	ResolutionRetried   Resolution = "RETRIED"
	ResolutionDiscarded Resolution = "DISCARDED"
)

// FailureRecord is one failed attempt of a dispatch.
type FailureRecord struct {
	Attempt int       `json:"attempt"`
	Class   string    `json:"class"`
	Error   string    `json:"error"`
	At      time.Time `json:"at"`
}

// DLQEntry is an action parked after exhausting its retries.
type DLQEntry struct {
	ID             string          `json:"id"`
	IdempotencyKey string          `json:"idempotency_key"`
	TaskID         string          `json:"task_id"`
	Request        action.Request  `json:"request"`
	Failures       []FailureRecord `json:"failures"`
	Permanent      bool            `json:"permanent"`
	ParkedAt       time.Time       `json:"parked_at"`
	Resolution     Resolution      `json:"resolution"`
	ResolvedAt     *time.Time      `json:"resolved_at,omitempty"`
	ResolvedBy     string          `json:"resolved_by,omitempty"`
	RetryKey       string          `json:"retry_key,omitempty"`
}

const dlqColumns = `id, idempotency_key, task_id, request_json, failures_json, permanent,
	parked_at, resolution, resolved_at, resolved_by, retry_key`

func scanDLQ(scanFn func(dest ...any) error, e *DLQEntry) error {
	var (
		requestJSON  string
		failuresJSON string
		permanent    int
		resolvedAt   sql.NullTime
	)
	if err := scanFn(
		&e.ID,
		&e.IdempotencyKey,
		&e.TaskID,
		&requestJSON,
		&failuresJSON,
		&permanent,
		&e.ParkedAt,
		&e.Resolution,
		&resolvedAt,
		&e.ResolvedBy,
		&e.RetryKey,
	); err != nil {
		return err
	}
	e.Permanent = permanent == 1
	e.ResolvedAt = nullTime(resolvedAt)
	if err := json.Unmarshal([]byte(requestJSON), &e.Request); err != nil {
		return fmt.Errorf("decode dlq request %s: %w", e.ID, err)
	}
	if err := json.Unmarshal([]byte(failuresJSON), &e.Failures); err != nil {
		return fmt.Errorf("decode dlq failures %s: %w", e.ID, err)
	}
	return nil
}

// InsertDLQEntry parks e. At most one entry exists per idempotency key; when
// one already exists it is returned with created=false.
func (s *Store) InsertDLQEntry(ctx context.Context, e DLQEntry) (DLQEntry, bool, error) {
	reqJSON, err := json.Marshal(e.Request)
	if err != nil {
		return DLQEntry{}, false, fmt.Errorf("encode dlq request: %w", err)
	}
	if e.Failures == nil {
		e.Failures = []FailureRecord{}
	}
	failJSON, err := json.Marshal(e.Failures)
	if err != nil {
		return DLQEntry{}, false, fmt.Errorf("encode dlq failures: %w", err)
	}
	if e.ParkedAt.IsZero() {
		e.ParkedAt = time.Now().UTC()
	}
	e.Resolution = ResolutionPending

	var (
		out     DLQEntry
		created bool
	)
	err = retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin dlq tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `
			INSERT INTO dlq_entries (id, idempotency_key, task_id, request_json, failures_json, permanent, parked_at, resolution)
			VALUES (?, ?, ?, ?, ?, ?, ?, 'PENDING')
			ON CONFLICT(idempotency_key) DO NOTHING;
		`, e.ID, e.IdempotencyKey, e.TaskID, string(reqJSON), string(failJSON), boolToInt(e.Permanent), e.ParkedAt)
		if err != nil {
			return fmt.Errorf("insert dlq entry: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("dlq rows affected: %w", err)
		}
		row := tx.QueryRowContext(ctx, `SELECT `+dlqColumns+` FROM dlq_entries WHERE idempotency_key = ?;`, e.IdempotencyKey)
		if err := scanDLQ(row.Scan, &out); err != nil {
			return fmt.Errorf("read dlq entry: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit dlq tx: %w", err)
		}
		created = n == 1
		return nil
	})
	if err != nil {
		return DLQEntry{}, false, err
	}
	return out, created, nil
}

// GetDLQEntry returns the entry with id or ErrNotFound.
func (s *Store) GetDLQEntry(ctx context.Context, id string) (*DLQEntry, error) {
	var e DLQEntry
	row := s.db.QueryRowContext(ctx, `SELECT `+dlqColumns+` FROM dlq_entries WHERE id = ?;`, id)
	if err := scanDLQ(row.Scan, &e); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get dlq entry: %w", err)
	}
	return &e, nil
}

// ListDLQEntries returns entries with the given resolution (all when empty),
// oldest first.
func (s *Store) ListDLQEntries(ctx context.Context, resolution Resolution) ([]DLQEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+dlqColumns+`
		FROM dlq_entries
		WHERE (? = '' OR resolution = ?)
		ORDER BY parked_at ASC, id ASC;
	`, resolution, resolution)
	if err != nil {
		return nil, fmt.Errorf("query dlq: %w", err)
	}
	defer rows.Close()

	var out []DLQEntry
	for rows.Next() {
		var e DLQEntry
		if err := scanDLQ(rows.Scan, &e); err != nil {
			return nil, fmt.Errorf("scan dlq: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dlq rows: %w", err)
	}
	return out, nil
}

// CountDLQEntries counts entries with the given resolution.
func (s *Store) CountDLQEntries(ctx context.Context, resolution Resolution) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dlq_entries WHERE resolution = ?;`, resolution).Scan(&n); err != nil {
		return 0, fmt.Errorf("count dlq: %w", err)
	}
	return n, nil
}

// ResolveDLQEntry records an operator decision on a PENDING entry. It returns
// ErrNotFound for an unknown id and ErrConflict when already resolved.
func (s *Store) ResolveDLQEntry(ctx context.Context, id string, resolution Resolution, actor, retryKey string) error {
	if resolution == ResolutionPending {
		return fmt.Errorf("resolve dlq %s: resolution must be RETRIED or DISCARDED", id)
	}
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE dlq_entries
			SET resolution = ?, resolved_at = ?, resolved_by = ?, retry_key = ?
			WHERE id = ? AND resolution = 'PENDING';
		`, resolution, time.Now().UTC(), actor, retryKey, id)
		if err != nil {
			return fmt.Errorf("resolve dlq entry: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("resolve rows affected: %w", err)
		}
		if n == 1 {
			return nil
		}
		var exists int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dlq_entries WHERE id = ?;`, id).Scan(&exists); err != nil {
			return fmt.Errorf("check dlq entry: %w", err)
		}
		if exists == 0 {
			return ErrNotFound
		}
		return ErrConflict
	})
}

// ReopenDLQEntry returns a RETRIED entry to PENDING when its re-submission
// could not be started.
func (s *Store) ReopenDLQEntry(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE dlq_entries
		SET resolution = 'PENDING', resolved_at = NULL, resolved_by = '', retry_key = ''
		WHERE id = ? AND resolution = 'RETRIED';
	`, id)
	if err != nil {
		return fmt.Errorf("reopen dlq entry: %w", err)
	}
	return nil
}

// SetDLQRetryKey records the idempotency key of the re-submitted request.
func (s *Store) SetDLQRetryKey(ctx context.Context, id, retryKey string) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE dlq_entries SET retry_key = ? WHERE id = ?;`, retryKey, id); err != nil {
		return fmt.Errorf("set dlq retry key: %w", err)
	}
	return nil
}
