package persistence

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/basket/warden/internal/action"
)

func TestIsSQLiteBusy(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		expect bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("some other error"), false},
		{"busy code", sqlite3.Error{Code: sqlite3.ErrBusy}, true},
		{"locked code wrapped", fmt.Errorf("claim idempotency key: %w", sqlite3.Error{Code: sqlite3.ErrLocked}), true},
		{"constraint code", fmt.Errorf("insert dlq: %w", sqlite3.Error{Code: sqlite3.ErrConstraint}), false},
		{"locked text", errors.New("database is locked"), true},
		{"table locked text", errors.New("wrapped: database table is locked"), true},
		{"digit in message", errors.New("tool mail.send failed on attempt (5)"), false},
	}
	for _, tt := range tests {
		if got := isSQLiteBusy(tt.err); got != tt.expect {
			t.Errorf("%s: isSQLiteBusy(%v) = %v, want %v", tt.name, tt.err, got, tt.expect)
		}
	}
}

func TestRetryOnBusy_StopsOnNonBusyError(t *testing.T) {
	calls := 0
	err := retryOnBusy(context.Background(), 3, func() error {
		calls++
		return fmt.Errorf("claim idempotency key: %w", sqlite3.Error{Code: sqlite3.ErrConstraint})
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Fatalf("expected 1 call (no retry on non-busy), got %d", calls)
	}
}

func TestRetryOnBusy_BusyThenSuccess(t *testing.T) {
	calls := 0
	err := retryOnBusy(context.Background(), 3, func() error {
		calls++
		if calls < 3 {
			return fmt.Errorf("commit claim tx: %w", sqlite3.Error{Code: sqlite3.ErrBusy})
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestRetryOnBusy_ExhaustedRetries(t *testing.T) {
	calls := 0
	err := retryOnBusy(context.Background(), 2, func() error {
		calls++
		return sqlite3.Error{Code: sqlite3.ErrLocked}
	})
	if !isSQLiteBusy(err) {
		t.Fatalf("expected the last busy error, got %v", err)
	}
	// maxRetries=2 means attempts 0,1,2.
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestRetryOnBusy_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := retryOnBusy(ctx, 5, func() error {
		calls++
		cancel()
		return errors.New("database is locked")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected no retry after cancel, got %d calls", calls)
	}
}

// openPair opens two independent handles on one database file, the way the
// CLI and a running service share warden.db.
func openPair(t *testing.T) (*Store, *Store) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "warden.db")
	a, err := Open(path)
	if err != nil {
		t.Fatalf("open first handle: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	b, err := Open(path)
	if err != nil {
		t.Fatalf("open second handle: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return a, b
}

func TestWriterWaitsForOtherHandle(t *testing.T) {
	a, b := openPair(t)
	ctx := context.Background()

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO kv_store (key, value) VALUES ('lock', 'held');`); err != nil {
		t.Fatalf("take write lock: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- b.CreateTask(ctx, TaskRecord{TaskID: "task-blocked", SessionID: "s", State: "IDLE"})
	}()

	select {
	case err := <-done:
		t.Fatalf("create task finished while the other handle held the write lock: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("create task after lock release: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("create task never completed")
	}
	if rec, err := a.GetTask(ctx, "task-blocked"); err != nil || rec.State != "IDLE" {
		t.Fatalf("task via first handle: rec=%+v err=%v", rec, err)
	}
}

func TestClaimsAcrossHandlesKeepOneWinner(t *testing.T) {
	a, b := openPair(t)
	ctx := context.Background()
	shared := action.NewRequest("task-shared", "s", "payment", "charge", map[string]any{"amount": 42})

	const workers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := range workers {
		store := a
		if i%2 == 1 {
			store = b
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			taskID := fmt.Sprintf("task-%d", i)
			if err := store.CreateTask(ctx, TaskRecord{TaskID: taskID, SessionID: "s", State: "IDLE"}); err != nil {
				t.Errorf("create %s: %v", taskID, err)
				return
			}
			own := action.NewRequest(taskID, "s", "mail", "send", map[string]any{"n": i})
			if _, claimed, err := store.ClaimIdempotencyKey(ctx, own.IdempotencyKey(), own); err != nil || !claimed {
				t.Errorf("claim own key for %s: claimed=%v err=%v", taskID, claimed, err)
				return
			}
			_, claimed, err := store.ClaimIdempotencyKey(ctx, shared.IdempotencyKey(), shared)
			if err != nil {
				t.Errorf("claim shared key: %v", err)
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
		t.Fatalf("shared key claimed %d times across handles, want 1", wins)
	}
	pending, err := b.CountIdempotencyRecords(ctx, LedgerPending)
	if err != nil {
		t.Fatalf("count pending: %v", err)
	}
	if pending != workers+1 {
		t.Fatalf("pending keys = %d, want %d", pending, workers+1)
	}
	tasks, err := a.ListTasksInStates(ctx, []string{"IDLE"})
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != workers {
		t.Fatalf("tasks = %d, want %d", len(tasks), workers)
	}
}
