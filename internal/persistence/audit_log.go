package persistence

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// AuditRecord is one row of the audit_log table.
type AuditRecord struct {
	ID        int64
	Timestamp time.Time
	Severity  string
	Category  string
	TaskID    string
	TraceID   string
	Action    string
	Outcome   string
	Payload   string
}

// AuditQuery filters ScanAudit. Zero values mean "no constraint".
type AuditQuery struct {
	Category   string
	Severities []string
	TaskID     string
	Since      time.Time
	Until      time.Time
	Limit      int
}

// InsertAudit appends one audit row.
func (s *Store) InsertAudit(ctx context.Context, rec AuditRecord) error {
	if rec.Payload == "" {
		rec.Payload = "{}"
	}
	return retryOnBusy(ctx, 3, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO audit_log (ts_unix_nano, severity, category, task_id, trace_id, action, outcome, payload_json)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?);
		`, rec.Timestamp.UTC().UnixNano(), rec.Severity, rec.Category, rec.TaskID, rec.TraceID, rec.Action, rec.Outcome, rec.Payload)
		if err != nil {
			return fmt.Errorf("insert audit_log: %w", err)
		}
		return nil
	})
}

const auditPageSize = 256

// ScanAudit streams matching rows in timestamp order to fn until fn returns
// false or rows are exhausted. Rows are fetched in keyset pages; the single
// connection is released between pages.
func (s *Store) ScanAudit(ctx context.Context, q AuditQuery, fn func(AuditRecord) bool) error {
	var (
		where []string
		args  []any
	)
	if q.Category != "" {
		where = append(where, "category = ?")
		args = append(args, q.Category)
	}
	if len(q.Severities) > 0 {
		where = append(where, "severity IN ("+placeholders(len(q.Severities))+")")
		for _, sev := range q.Severities {
			args = append(args, sev)
		}
	}
	if q.TaskID != "" {
		where = append(where, "task_id = ?")
		args = append(args, q.TaskID)
	}
	if !q.Since.IsZero() {
		where = append(where, "ts_unix_nano >= ?")
		args = append(args, q.Since.UTC().UnixNano())
	}
	if !q.Until.IsZero() {
		where = append(where, "ts_unix_nano < ?")
		args = append(args, q.Until.UTC().UnixNano())
	}

	var (
		lastTS   int64
		lastID   int64
		started  bool
		returned int
	)
	for {
		pageWhere := append([]string(nil), where...)
		pageArgs := append([]any(nil), args...)
		if started {
			pageWhere = append(pageWhere, "(ts_unix_nano, id) > (?, ?)")
			pageArgs = append(pageArgs, lastTS, lastID)
		}
		limit := auditPageSize
		if q.Limit > 0 && q.Limit-returned < limit {
			limit = q.Limit - returned
		}
		if limit <= 0 {
			return nil
		}

		query := `SELECT id, ts_unix_nano, severity, category, task_id, trace_id, action, outcome, payload_json FROM audit_log`
		if len(pageWhere) > 0 {
			query += " WHERE " + strings.Join(pageWhere, " AND ")
		}
		query += " ORDER BY ts_unix_nano ASC, id ASC LIMIT ?;"
		pageArgs = append(pageArgs, limit)

		page, err := s.auditPage(ctx, query, pageArgs)
		if err != nil {
			return err
		}
		for _, rec := range page {
			returned++
			if !fn(rec) {
				return nil
			}
		}
		if len(page) < limit {
			return nil
		}
		last := page[len(page)-1]
		lastTS, lastID, started = last.Timestamp.UnixNano(), last.ID, true
	}
}

func (s *Store) auditPage(ctx context.Context, query string, args []any) ([]AuditRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit_log: %w", err)
	}
	defer rows.Close()

	var page []AuditRecord
	for rows.Next() {
		var (
			rec AuditRecord
			ts  int64
		)
		if err := rows.Scan(&rec.ID, &ts, &rec.Severity, &rec.Category, &rec.TaskID, &rec.TraceID, &rec.Action, &rec.Outcome, &rec.Payload); err != nil {
			return nil, fmt.Errorf("scan audit_log: %w", err)
		}
		rec.Timestamp = time.Unix(0, ts).UTC()
		page = append(page, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit_log rows: %w", err)
	}
	return page, nil
}

// CountAudit returns the number of audit rows in category with outcome.
func (s *Store) CountAudit(ctx context.Context, category, outcome string) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM audit_log WHERE category = ? AND outcome = ?;
	`, category, outcome).Scan(&n); err != nil {
		return 0, fmt.Errorf("count audit_log: %w", err)
	}
	return n, nil
}
