//go:build ignore

// backup_restore_drill fills a store with tasks, parked DLQ entries and
// outbox keys, backs it up with Store.Backup, restores the copy and checks
// that every row survived.
//
// Usage:
//
//	go run ./tools/verify/backup_restore_drill/
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/basket/warden/internal/action"
	"github.com/basket/warden/internal/persistence"
)

const rows = 40

type counts struct {
	tasks     int
	dlq       int
	delivered int
	inDoubt   int
}

func main() {
	if err := run(); err != nil {
		fmt.Printf("FAIL: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("VERDICT PASS (backup_restore_drill)")
}

func run() error {
	ctx := context.Background()
	baseDir, err := os.MkdirTemp("", "warden-backup-drill-*")
	if err != nil {
		return fmt.Errorf("mktemp: %w", err)
	}
	defer os.RemoveAll(baseDir)

	dbPath := filepath.Join(baseDir, "warden.db")
	backupPath := filepath.Join(baseDir, "backup.db")
	restorePath := filepath.Join(baseDir, "restore.db")

	store, err := persistence.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	if err := seed(ctx, store); err != nil {
		return err
	}
	want, err := count(ctx, store)
	if err != nil {
		return fmt.Errorf("count source: %w", err)
	}

	backupStart := time.Now()
	if err := store.Backup(ctx, backupPath); err != nil {
		return err
	}
	fmt.Printf("backup_ms=%d\n", time.Since(backupStart).Milliseconds())

	if err := store.Backup(ctx, backupPath); err == nil {
		return fmt.Errorf("backup over an existing file should fail")
	}

	raw, err := os.ReadFile(backupPath)
	if err != nil {
		return fmt.Errorf("read backup: %w", err)
	}
	if err := os.WriteFile(restorePath, raw, 0o600); err != nil {
		return fmt.Errorf("write restore: %w", err)
	}
	restoreStart := time.Now()
	restored, err := persistence.Open(restorePath)
	if err != nil {
		return fmt.Errorf("open restore: %w", err)
	}
	defer restored.Close()
	got, err := count(ctx, restored)
	if err != nil {
		return fmt.Errorf("count restore: %w", err)
	}
	fmt.Printf("restore_ms=%d\n", time.Since(restoreStart).Milliseconds())

	fmt.Printf("tasks=%d/%d dlq_pending=%d/%d outbox_sent=%d/%d outbox_pending=%d/%d\n",
		got.tasks, want.tasks, got.dlq, want.dlq, got.delivered, want.delivered, got.inDoubt, want.inDoubt)
	if got != want {
		return fmt.Errorf("restored counts %+v differ from source %+v", got, want)
	}

	// A restored in-doubt key must still refuse a second claim.
	req := action.NewRequest("task-1", "drill", "email", "send", map[string]any{"n": 1})
	if _, claimed, err := restored.ClaimIdempotencyKey(ctx, req.IdempotencyKey(), req); err != nil || claimed {
		return fmt.Errorf("restored key re-claimed: claimed=%v err=%v", claimed, err)
	}
	return nil
}

// seed writes rows tasks. Even tasks complete with a delivered email; odd
// ones leave the key in doubt and park a DLQ entry.
func seed(ctx context.Context, store *persistence.Store) error {
	for i := range rows {
		taskID := fmt.Sprintf("task-%d", i)
		if err := store.CreateTask(ctx, persistence.TaskRecord{TaskID: taskID, SessionID: "drill", State: "IDLE"}); err != nil {
			return err
		}
		req := action.NewRequest(taskID, "drill", "email", "send", map[string]any{"n": i})
		key := req.IdempotencyKey()
		if _, _, err := store.ClaimIdempotencyKey(ctx, key, req); err != nil {
			return err
		}
		if i%2 == 0 {
			if err := store.CompleteIdempotencyKey(ctx, key, `{"sent":true}`); err != nil {
				return err
			}
			continue
		}
		if _, _, err := store.InsertDLQEntry(ctx, persistence.DLQEntry{
			ID:             fmt.Sprintf("dlq-%d", i),
			IdempotencyKey: key,
			TaskID:         taskID,
			Request:        req,
			Failures:       []persistence.FailureRecord{{Attempt: 1, Class: "TRANSIENT", Error: "smtp timeout", At: time.Now().UTC()}},
			ParkedAt:       time.Now().UTC(),
			Resolution:     persistence.ResolutionPending,
		}); err != nil {
			return err
		}
	}
	return nil
}

func count(ctx context.Context, store *persistence.Store) (counts, error) {
	var c counts
	tasks, err := store.ListTasksInStates(ctx, []string{"IDLE"})
	if err != nil {
		return c, err
	}
	c.tasks = len(tasks)
	if c.dlq, err = store.CountDLQEntries(ctx, persistence.ResolutionPending); err != nil {
		return c, err
	}
	if c.delivered, err = store.CountIdempotencyRecords(ctx, persistence.LedgerSent); err != nil {
		return c, err
	}
	if c.inDoubt, err = store.CountIdempotencyRecords(ctx, persistence.LedgerPending); err != nil {
		return c, err
	}
	return c, nil
}
