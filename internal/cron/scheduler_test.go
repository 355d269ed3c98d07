package cron_test

import (
	"context"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/warden/internal/action"
	"github.com/basket/warden/internal/cron"
	"github.com/basket/warden/internal/notify"
	"github.com/basket/warden/internal/persistence"
)

// waitFor polls check at short intervals until it returns true or the deadline
// elapses. This avoids fixed time.Sleep calls that cause flaky tests.
func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func openTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "warden.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func parkTestEntry(t *testing.T, store *persistence.Store, id string) {
	t.Helper()
	req := action.NewRequest("task-"+id, "s1", "email", "send", map[string]any{"to": id})
	if _, _, err := store.InsertDLQEntry(context.Background(), persistence.DLQEntry{
		ID:             id,
		IdempotencyKey: req.IdempotencyKey(),
		TaskID:         req.TaskID,
		Request:        req,
	}); err != nil {
		t.Fatalf("insert dlq entry: %v", err)
	}
}

type clock struct{ unix atomic.Int64 }

func (c *clock) now() time.Time  { return time.Unix(c.unix.Load(), 0).UTC() }
func (c *clock) set(t time.Time) { c.unix.Store(t.Unix()) }

func TestNextRunTime(t *testing.T) {
	after := time.Date(2026, 5, 1, 8, 30, 0, 0, time.UTC)
	next, err := cron.NextRunTime(cron.DefaultSchedule, after)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if want := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC); !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
	if _, err := cron.NextRunTime("not a cron", after); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestNewSchedulerRejectsBadSchedule(t *testing.T) {
	if _, err := cron.NewScheduler(cron.Config{Store: openTestStore(t), Schedule: "61 * * * *"}); err == nil {
		t.Fatal("expected error for invalid schedule")
	}
}

func TestDigestCollectsPendingWork(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	parkTestEntry(t, store, "dlq-1")

	req := action.NewRequest("task-9", "s1", "payment", "charge", map[string]any{"amount": 5})
	if _, _, err := store.ClaimIdempotencyKey(ctx, req.IdempotencyKey(), req); err != nil {
		t.Fatalf("claim: %v", err)
	}

	clk := &clock{}
	clk.set(time.Now())
	s, err := cron.NewScheduler(cron.Config{Store: store, Now: clk.now, StaleAfter: time.Minute})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}

	d, err := s.Collect(ctx)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if len(d.PendingDLQ) != 1 || len(d.Ambiguous) != 0 {
		t.Fatalf("fresh PENDING record must not be reported yet: %+v", d)
	}

	clk.set(time.Now().Add(time.Hour))
	d, err = s.Collect(ctx)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if len(d.Ambiguous) != 1 {
		t.Fatalf("expected one stale ledger record, got %d", len(d.Ambiguous))
	}
	msg := d.Message()
	if msg.Severity != notify.SeverityWarning || !strings.Contains(msg.Text, "dlq-1") || !strings.Contains(msg.Text, "payment.charge") {
		t.Fatalf("message %+v", msg)
	}
}

func TestSchedulerFiresMissedDigestOnStart(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	parkTestEntry(t, store, "dlq-2")
	yesterday := time.Now().Add(-30 * time.Hour).UTC().Format(time.RFC3339)
	if err := store.KVSet(ctx, "digest.last_run", yesterday); err != nil {
		t.Fatalf("kv set: %v", err)
	}

	mem := &notify.Memory{}
	s, err := cron.NewScheduler(cron.Config{Store: store, Notifier: mem, Interval: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	s.Start(ctx)
	defer s.Stop()

	waitFor(t, 2*time.Second, func() bool { return len(mem.Messages()) == 1 })
	// Several more ticks must not repeat the reminder.
	time.Sleep(100 * time.Millisecond)
	if n := len(mem.Messages()); n != 1 {
		t.Fatalf("expected exactly one digest, got %d", n)
	}
	next, err := s.NextRun(ctx)
	if err != nil || !next.After(time.Now()) {
		t.Fatalf("next run %v err=%v", next, err)
	}
}

func TestFirstStartOnlyRecordsLastRun(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	parkTestEntry(t, store, "dlq-3")

	mem := &notify.Memory{}
	s, err := cron.NewScheduler(cron.Config{Store: store, Notifier: mem, Interval: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	s.Start(ctx)
	waitFor(t, 2*time.Second, func() bool {
		v, _ := store.KVGet(ctx, "digest.last_run")
		return v != ""
	})
	s.Stop()
	if n := len(mem.Messages()); n != 0 {
		t.Fatalf("first start must not send a digest, got %d", n)
	}
}

func TestFireSkipsEmptyDigest(t *testing.T) {
	mem := &notify.Memory{}
	s, err := cron.NewScheduler(cron.Config{Store: openTestStore(t), Notifier: mem})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	d, err := s.Fire(context.Background())
	if err != nil || !d.Empty() {
		t.Fatalf("fire: %+v err=%v", d, err)
	}
	if len(mem.Messages()) != 0 {
		t.Fatal("empty digest must not notify")
	}
}
