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

// LedgerStatus is the lifecycle of one side-effecting dispatch.
type LedgerStatus string

const (
	LedgerPending LedgerStatus = "PENDING"
	LedgerSent    LedgerStatus = "SENT"
	LedgerFailed  LedgerStatus = "FAILED"
)

// IdempotencyRecord is one row of the outbox ledger.
type IdempotencyRecord struct {
	Key         string         `json:"key"`
	TaskID      string         `json:"task_id"`
	ToolName    string         `json:"tool_name"`
	Operation   string         `json:"operation"`
	Request     action.Request `json:"request"`
	Status      LedgerStatus   `json:"status"`
	Attempts    int            `json:"attempts"`
	Result      string         `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	ResolvedBy  string         `json:"resolved_by,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

const ledgerColumns = `key, task_id, tool_name, operation, request_json, status, attempts,
	result_json, error, resolved_by, created_at, updated_at, completed_at`

func scanLedger(scanFn func(dest ...any) error, rec *IdempotencyRecord) error {
	var (
		requestJSON string
		completedAt sql.NullTime
	)
	if err := scanFn(
		&rec.Key,
		&rec.TaskID,
		&rec.ToolName,
		&rec.Operation,
		&requestJSON,
		&rec.Status,
		&rec.Attempts,
		&rec.Result,
		&rec.Error,
		&rec.ResolvedBy,
		&rec.CreatedAt,
		&rec.UpdatedAt,
		&completedAt,
	); err != nil {
		return err
	}
	rec.CompletedAt = nullTime(completedAt)
	if err := json.Unmarshal([]byte(requestJSON), &rec.Request); err != nil {
		return fmt.Errorf("decode ledger request %s: %w", rec.Key, err)
	}
	return nil
}

// ClaimIdempotencyKey durably records intent to dispatch req under key. The
// returned bool reports whether the caller won the claim: a fresh key is
// inserted PENDING, a FAILED key is re-claimed to PENDING. A PENDING or SENT
// key is returned unchanged with claimed=false.
func (s *Store) ClaimIdempotencyKey(ctx context.Context, key string, req action.Request) (IdempotencyRecord, bool, error) {
	reqJSON, err := json.Marshal(req)
	if err != nil {
		return IdempotencyRecord{}, false, fmt.Errorf("encode ledger request: %w", err)
	}

	var (
		rec     IdempotencyRecord
		claimed bool
	)
	err = retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		now := time.Now().UTC()
		res, err := tx.ExecContext(ctx, `
			INSERT INTO idempotency_ledger (key, task_id, tool_name, operation, request_json, status, attempts, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, 'PENDING', 1, ?, ?)
			ON CONFLICT(key) DO UPDATE SET
				status = 'PENDING',
				attempts = idempotency_ledger.attempts + 1,
				error = '',
				updated_at = excluded.updated_at
			WHERE idempotency_ledger.status = 'FAILED';
		`, key, req.TaskID, req.ToolName, req.Operation, string(reqJSON), now, now)
		if err != nil {
			return fmt.Errorf("claim idempotency key: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("claim rows affected: %w", err)
		}

		row := tx.QueryRowContext(ctx, `SELECT `+ledgerColumns+` FROM idempotency_ledger WHERE key = ?;`, key)
		if err := scanLedger(row.Scan, &rec); err != nil {
			return fmt.Errorf("read claimed key: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit claim tx: %w", err)
		}
		claimed = n == 1
		return nil
	})
	if err != nil {
		return IdempotencyRecord{}, false, err
	}
	return rec, claimed, nil
}

// CompleteIdempotencyKey moves a PENDING key to SENT with the serialized result.
func (s *Store) CompleteIdempotencyKey(ctx context.Context, key, resultJSON string) error {
	return s.finishKey(ctx, key, LedgerSent, resultJSON, "", "")
}

// FailIdempotencyKey moves a PENDING key to FAILED.
func (s *Store) FailIdempotencyKey(ctx context.Context, key, errMsg string) error {
	return s.finishKey(ctx, key, LedgerFailed, "", errMsg, "")
}

// ResolveAmbiguousKey is the operator path for a PENDING key whose outcome was
// confirmed out of band.
func (s *Store) ResolveAmbiguousKey(ctx context.Context, key string, sent bool, actor, note string) error {
	if sent {
		return s.finishKey(ctx, key, LedgerSent, "", "", actor)
	}
	if note == "" {
		note = "confirmed not sent"
	}
	return s.finishKey(ctx, key, LedgerFailed, "", note, actor)
}

func (s *Store) finishKey(ctx context.Context, key string, to LedgerStatus, resultJSON, errMsg, actor string) error {
	return retryOnBusy(ctx, 5, func() error {
		now := time.Now().UTC()
		res, err := s.db.ExecContext(ctx, `
			UPDATE idempotency_ledger
			SET status = ?,
				result_json = CASE WHEN ? != '' THEN ? ELSE result_json END,
				error = ?,
				resolved_by = CASE WHEN ? != '' THEN ? ELSE resolved_by END,
				updated_at = ?,
				completed_at = ?
			WHERE key = ? AND status = 'PENDING';
		`, to, resultJSON, resultJSON, errMsg, actor, actor, now, now, key)
		if err != nil {
			return fmt.Errorf("update ledger %s -> %s: %w", key, to, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("ledger rows affected: %w", err)
		}
		if n != 1 {
			return fmt.Errorf("ledger key %s is not PENDING: %w", key, ErrConflict)
		}
		return nil
	})
}

// GetIdempotencyRecord returns the ledger row for key or ErrNotFound.
func (s *Store) GetIdempotencyRecord(ctx context.Context, key string) (*IdempotencyRecord, error) {
	var rec IdempotencyRecord
	row := s.db.QueryRowContext(ctx, `SELECT `+ledgerColumns+` FROM idempotency_ledger WHERE key = ?;`, key)
	if err := scanLedger(row.Scan, &rec); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get ledger record: %w", err)
	}
	return &rec, nil
}

// ListIdempotencyRecords returns rows in status (all when empty), oldest first.
func (s *Store) ListIdempotencyRecords(ctx context.Context, status LedgerStatus, limit int) ([]IdempotencyRecord, error) {
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+ledgerColumns+`
		FROM idempotency_ledger
		WHERE (? = '' OR status = ?)
		ORDER BY updated_at ASC
		LIMIT ?;
	`, status, status, limit)
	if err != nil {
		return nil, fmt.Errorf("query ledger: %w", err)
	}
	defer rows.Close()

	var out []IdempotencyRecord
	for rows.Next() {
		var rec IdempotencyRecord
		if err := scanLedger(rows.Scan, &rec); err != nil {
			return nil, fmt.Errorf("scan ledger: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger rows: %w", err)
	}
	return out, nil
}

// CountIdempotencyRecords counts rows in status.
func (s *Store) CountIdempotencyRecords(ctx context.Context, status LedgerStatus) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM idempotency_ledger WHERE status = ?;`, status).Scan(&n); err != nil {
		return 0, fmt.Errorf("count ledger: %w", err)
	}
	return n, nil
}
