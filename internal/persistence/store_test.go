package persistence_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/warden/internal/action"
	"github.com/basket/warden/internal/persistence"
)

func openTestStore(t *testing.T) (*persistence.Store, string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "warden.db")
	store, err := persistence.Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store, dbPath
}

func TestStore_OpenConfiguresWALAndSchema(t *testing.T) {
	store, _ := openTestStore(t)
	db := store.DB()

	var journal string
	if err := db.QueryRow("PRAGMA journal_mode;").Scan(&journal); err != nil {
		t.Fatalf("pragma journal_mode: %v", err)
	}
	if journal != "wal" {
		t.Fatalf("expected journal_mode=wal, got %q", journal)
	}
	var synchronous int
	if err := db.QueryRow("PRAGMA synchronous;").Scan(&synchronous); err != nil {
		t.Fatalf("pragma synchronous: %v", err)
	}
	if synchronous != 2 {
		t.Fatalf("expected synchronous FULL(2), got %d", synchronous)
	}

	for _, table := range []string{"schema_migrations", "idempotency_ledger", "dlq_entries", "task_states", "task_events", "audit_log", "kv_store"} {
		var got string
		if err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name = ?", table).Scan(&got); err != nil {
			t.Fatalf("table %s not found: %v", table, err)
		}
	}
}

func TestStore_ReopenIsIdempotent(t *testing.T) {
	store, dbPath := openTestStore(t)
	if err := store.KVSet(context.Background(), "k", "v"); err != nil {
		t.Fatalf("kv set: %v", err)
	}
	_ = store.Close()

	again, err := persistence.Open(dbPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer again.Close()
	got, err := again.KVGet(context.Background(), "k")
	if err != nil || got != "v" {
		t.Fatalf("expected persisted value, got %q err=%v", got, err)
	}
}

func TestStore_OpenRejectsFutureSchemaVersion(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "warden.db")
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		t.Fatalf("open raw db: %v", err)
	}
	if _, err := db.Exec(`CREATE TABLE schema_migrations (version INTEGER PRIMARY KEY, checksum TEXT NOT NULL, applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP);`); err != nil {
		t.Fatalf("create schema_migrations: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO schema_migrations(version, checksum) VALUES(999, 'future');`); err != nil {
		t.Fatalf("insert future version: %v", err)
	}
	_ = db.Close()

	_, err = persistence.Open(dbPath)
	if err == nil || !strings.Contains(err.Error(), "newer than supported") {
		t.Fatalf("expected newer-version error, got %v", err)
	}
}

func TestStore_OpenRejectsChecksumMismatch(t *testing.T) {
	store, dbPath := openTestStore(t)
	if _, err := store.DB().Exec(`UPDATE schema_migrations SET checksum='tampered';`); err != nil {
		t.Fatalf("tamper checksum: %v", err)
	}
	_ = store.Close()

	_, err := persistence.Open(dbPath)
	if err == nil || !strings.Contains(err.Error(), "checksum mismatch") {
		t.Fatalf("expected checksum mismatch error, got %v", err)
	}
}

func TestKVGet_MissingKeyReturnsEmpty(t *testing.T) {
	store, _ := openTestStore(t)
	got, err := store.KVGet(context.Background(), "absent")
	if err != nil || got != "" {
		t.Fatalf("expected empty value, got %q err=%v", got, err)
	}
}

func TestLedger_ClaimLifecycle(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	req := action.NewRequest("task-1", "", "notes", "append", map[string]any{"text": "a"})
	key := req.IdempotencyKey()

	rec, claimed, err := store.ClaimIdempotencyKey(ctx, key, req)
	if err != nil || !claimed {
		t.Fatalf("expected first claim to win, claimed=%v err=%v", claimed, err)
	}
	if rec.Status != persistence.LedgerPending || rec.Attempts != 1 {
		t.Fatalf("expected PENDING attempt 1, got %s/%d", rec.Status, rec.Attempts)
	}
	if rec.Request.ToolName != "notes" {
		t.Fatalf("expected request round-trip, got %+v", rec.Request)
	}

	// A second claim while PENDING must not win.
	rec, claimed, err = store.ClaimIdempotencyKey(ctx, key, req)
	if err != nil || claimed {
		t.Fatalf("expected PENDING claim to lose, claimed=%v err=%v", claimed, err)
	}

	if err := store.FailIdempotencyKey(ctx, key, "boom"); err != nil {
		t.Fatalf("fail key: %v", err)
	}
	rec, claimed, err = store.ClaimIdempotencyKey(ctx, key, req)
	if err != nil || !claimed || rec.Attempts != 2 {
		t.Fatalf("expected FAILED key re-claim with attempt 2, claimed=%v attempts=%d err=%v", claimed, rec.Attempts, err)
	}

	if err := store.CompleteIdempotencyKey(ctx, key, `{"output":"ok"}`); err != nil {
		t.Fatalf("complete key: %v", err)
	}
	rec, claimed, err = store.ClaimIdempotencyKey(ctx, key, req)
	if err != nil || claimed {
		t.Fatalf("expected SENT claim to lose, claimed=%v err=%v", claimed, err)
	}
	if rec.Status != persistence.LedgerSent || rec.Result != `{"output":"ok"}` || rec.CompletedAt == nil {
		t.Fatalf("unexpected SENT record %+v", rec)
	}

	if err := store.CompleteIdempotencyKey(ctx, key, "{}"); !errors.Is(err, persistence.ErrConflict) {
		t.Fatalf("expected conflict completing a SENT key, got %v", err)
	}
}

func TestLedger_ConcurrentClaimsHaveOneWinner(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	req := action.NewRequest("task-1", "", "mail", "send", map[string]any{"to": "x"})
	key := req.IdempotencyKey()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, claimed, err := store.ClaimIdempotencyKey(ctx, key, req)
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			if claimed {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
}

func TestLedger_ResolveAmbiguous(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	req := action.NewRequest("task-1", "", "payments", "transfer", map[string]any{"amount": 5})
	key := req.IdempotencyKey()
	if _, _, err := store.ClaimIdempotencyKey(ctx, key, req); err != nil {
		t.Fatalf("claim: %v", err)
	}

	pending, err := store.ListIdempotencyRecords(ctx, persistence.LedgerPending, 0)
	if err != nil || len(pending) != 1 {
		t.Fatalf("expected one pending record, got %d err=%v", len(pending), err)
	}

	if err := store.ResolveAmbiguousKey(ctx, key, false, "alice", ""); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	rec, err := store.GetIdempotencyRecord(ctx, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Status != persistence.LedgerFailed || rec.ResolvedBy != "alice" {
		t.Fatalf("unexpected record after resolve: %+v", rec)
	}
	if _, err := store.GetIdempotencyRecord(ctx, "nope"); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDLQ_InsertIsUniquePerKey(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	req := action.NewRequest("task-1", "", "notes", "append", map[string]any{"text": "x"})
	entry := persistence.DLQEntry{
		ID:             "dlq-1",
		IdempotencyKey: req.IdempotencyKey(),
		TaskID:         req.TaskID,
		Request:        req,
		Failures:       []persistence.FailureRecord{{Attempt: 1, Class: "SIDE_EFFECT_FAILURE", Error: "e", At: time.Now().UTC()}},
	}
	got, created, err := store.InsertDLQEntry(ctx, entry)
	if err != nil || !created {
		t.Fatalf("expected created entry, created=%v err=%v", created, err)
	}
	if got.Resolution != persistence.ResolutionPending || len(got.Failures) != 1 {
		t.Fatalf("unexpected entry %+v", got)
	}

	entry.ID = "dlq-2"
	got, created, err = store.InsertDLQEntry(ctx, entry)
	if err != nil || created {
		t.Fatalf("expected existing entry, created=%v err=%v", created, err)
	}
	if got.ID != "dlq-1" {
		t.Fatalf("expected existing id dlq-1, got %s", got.ID)
	}
	n, err := store.CountDLQEntries(ctx, persistence.ResolutionPending)
	if err != nil || n != 1 {
		t.Fatalf("expected one pending entry, got %d err=%v", n, err)
	}
}

func TestDLQ_ResolveOnce(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	req := action.NewRequest("task-1", "", "notes", "append", nil)
	if _, _, err := store.InsertDLQEntry(ctx, persistence.DLQEntry{ID: "d1", IdempotencyKey: req.IdempotencyKey(), TaskID: "task-1", Request: req}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if err := store.ResolveDLQEntry(ctx, "d1", persistence.ResolutionDiscarded, "bob", ""); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := store.ResolveDLQEntry(ctx, "d1", persistence.ResolutionRetried, "bob", ""); !errors.Is(err, persistence.ErrConflict) {
		t.Fatalf("expected conflict on second resolve, got %v", err)
	}
	if err := store.ResolveDLQEntry(ctx, "missing", persistence.ResolutionDiscarded, "bob", ""); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	e, err := store.GetDLQEntry(ctx, "d1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if e.Resolution != persistence.ResolutionDiscarded || e.ResolvedAt == nil || e.ResolvedBy != "bob" {
		t.Fatalf("unexpected resolved entry %+v", e)
	}
	pending, err := store.ListDLQEntries(ctx, persistence.ResolutionPending)
	if err != nil || len(pending) != 0 {
		t.Fatalf("expected no pending entries, got %d err=%v", len(pending), err)
	}
}

func TestDLQ_ReopenAfterFailedRetry(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	req := action.NewRequest("task-1", "", "notes", "append", nil)
	if _, _, err := store.InsertDLQEntry(ctx, persistence.DLQEntry{ID: "d1", IdempotencyKey: req.IdempotencyKey(), TaskID: "task-1", Request: req}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := store.ResolveDLQEntry(ctx, "d1", persistence.ResolutionRetried, "ops", ""); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := store.ReopenDLQEntry(ctx, "d1"); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	e, _ := store.GetDLQEntry(ctx, "d1")
	if e.Resolution != persistence.ResolutionPending {
		t.Fatalf("expected PENDING after reopen, got %s", e.Resolution)
	}
}

func TestTasks_TransitionIsCompareAndSwap(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	if err := store.CreateTask(ctx, persistence.TaskRecord{TaskID: "t1", SessionID: "s1", State: "IDLE"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.TransitionTask(ctx, persistence.TaskTransition{TaskID: "t1", From: "IDLE", To: "PARSING_INTENT", Reason: "start"}); err != nil {
		t.Fatalf("transition: %v", err)
	}
	err := store.TransitionTask(ctx, persistence.TaskTransition{TaskID: "t1", From: "IDLE", To: "THINKING"})
	if !errors.Is(err, persistence.ErrConflict) {
		t.Fatalf("expected conflict for stale from-state, got %v", err)
	}
	if err := store.TransitionTask(ctx, persistence.TaskTransition{TaskID: "t1", From: "PARSING_INTENT", To: "FAILED", Reason: "boom", Error: "boom"}); err != nil {
		t.Fatalf("transition to failed: %v", err)
	}

	rec, err := store.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.State != "FAILED" || rec.Error != "boom" {
		t.Fatalf("unexpected record %+v", rec)
	}
	events, err := store.ListTaskEvents(ctx, "t1")
	if err != nil || len(events) != 2 {
		t.Fatalf("expected two events, got %d err=%v", len(events), err)
	}
	if events[0].From != "IDLE" || events[1].To != "FAILED" {
		t.Fatalf("unexpected events %+v", events)
	}
	if err := store.TransitionTask(ctx, persistence.TaskTransition{TaskID: "nope", From: "IDLE", To: "FAILED"}); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestTasks_CancelFlagAndStateListing(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	for i, st := range []string{"IDLE", "EXECUTING", "COMPLETED"} {
		if err := store.CreateTask(ctx, persistence.TaskRecord{TaskID: fmt.Sprintf("t%d", i), State: st}); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	terminal := []string{"COMPLETED", "FAILED", "CANCELLED"}
	ok, err := store.RequestTaskCancel(ctx, "t1", terminal)
	if err != nil || !ok {
		t.Fatalf("expected cancel flag set, ok=%v err=%v", ok, err)
	}
	ok, err = store.RequestTaskCancel(ctx, "t2", terminal)
	if err != nil || ok {
		t.Fatalf("expected no cancel on terminal task, ok=%v err=%v", ok, err)
	}
	rec, _ := store.GetTask(ctx, "t1")
	if !rec.CancelRequested {
		t.Fatalf("expected cancel_requested")
	}

	live, err := store.ListTasksInStates(ctx, []string{"IDLE", "EXECUTING"})
	if err != nil || len(live) != 2 {
		t.Fatalf("expected two live tasks, got %d err=%v", len(live), err)
	}
}

func TestAudit_ScanFiltersAndPages(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 600; i++ {
		cat := "policy"
		if i%2 == 1 {
			cat = "outbox"
		}
		rec := persistence.AuditRecord{
			Timestamp: base.Add(time.Duration(i) * time.Second),
			Severity:  "info",
			Category:  cat,
			Action:    "test",
			Outcome:   "allow",
		}
		if err := store.InsertAudit(ctx, rec); err != nil {
			t.Fatalf("insert audit %d: %v", i, err)
		}
	}

	var (
		count int
		prev  time.Time
	)
	err := store.ScanAudit(ctx, persistence.AuditQuery{Category: "policy"}, func(r persistence.AuditRecord) bool {
		if r.Timestamp.Before(prev) {
			t.Fatalf("records out of order")
		}
		prev = r.Timestamp
		count++
		return true
	})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if count != 300 {
		t.Fatalf("expected 300 policy rows across pages, got %d", count)
	}

	count = 0
	_ = store.ScanAudit(ctx, persistence.AuditQuery{Limit: 10}, func(persistence.AuditRecord) bool { count++; return true })
	if count != 10 {
		t.Fatalf("expected limit 10, got %d", count)
	}

	count = 0
	_ = store.ScanAudit(ctx, persistence.AuditQuery{}, func(persistence.AuditRecord) bool { count++; return count < 3 })
	if count != 3 {
		t.Fatalf("expected early stop after 3, got %d", count)
	}

	count = 0
	_ = store.ScanAudit(ctx, persistence.AuditQuery{Since: base.Add(590 * time.Second), Until: base.Add(595 * time.Second)}, func(persistence.AuditRecord) bool { count++; return true })
	if count != 5 {
		t.Fatalf("expected 5 rows in range, got %d", count)
	}
}
