package audit

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/warden/internal/bus"
	"github.com/basket/warden/internal/persistence"
	"github.com/basket/warden/internal/shared"
)

func newTestLog(t *testing.T, withStore bool) (*Log, string) {
	t.Helper()
	home := t.TempDir()
	opts := Options{Dir: filepath.Join(home, "logs")}
	if withStore {
		store, err := persistence.Open(filepath.Join(home, "warden.db"))
		if err != nil {
			t.Fatalf("open store: %v", err)
		}
		t.Cleanup(func() { _ = store.Close() })
		opts.Store = store
	}
	l, err := New(opts)
	if err != nil {
		t.Fatalf("new audit log: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l, filepath.Join(home, "logs", "audit.jsonl")
}

func TestRecordWritesJSONLAndRedacts(t *testing.T) {
	l, path := newTestLog(t, false)
	ctx := shared.WithTraceID(shared.WithTaskID(context.Background(), "task-1"), "trace-1")

	l.Record(ctx, Event{
		Severity: SeverityWarning,
		Category: CategoryPolicy,
		Action:   "policy.evaluate",
		Outcome:  "deny",
		Payload: map[string]any{
			"reason":  "rate_limited",
			"api_key": "sk-live-123",
			"note":    strings.Repeat("y", 300),
		},
	})

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read audit file: %v", err)
	}
	var ev Event
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(raw))), &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ev.TaskID != "task-1" || ev.TraceID != "trace-1" {
		t.Fatalf("expected ids from context, got %q %q", ev.TaskID, ev.TraceID)
	}
	if ev.Payload["api_key"] != "[REDACTED]" {
		t.Fatalf("expected api_key redacted, got %v", ev.Payload["api_key"])
	}
	if len(ev.Payload["note"].(string)) > 110 {
		t.Fatalf("expected long payload value truncated")
	}
	if l.DenyCount() != 1 {
		t.Fatalf("expected deny count 1, got %d", l.DenyCount())
	}
}

func TestAuditAppendOnly(t *testing.T) {
	l, path := newTestLog(t, false)
	ctx := context.Background()
	l.Record(ctx, Event{Category: CategorySystem, Action: "a"})
	first, _ := os.ReadFile(path)
	l.Record(ctx, Event{Category: CategorySystem, Action: "b"})
	second, _ := os.ReadFile(path)
	if !strings.HasPrefix(string(second), string(first)) {
		t.Fatalf("audit file was rewritten instead of appended")
	}
	if got := strings.Count(string(second), "\n"); got != 2 {
		t.Fatalf("expected 2 lines, got %d", got)
	}
}

func TestRecordNeverFailsCaller(t *testing.T) {
	l, _ := newTestLog(t, true)
	// Break both sinks.
	_ = l.file.Close()
	_ = l.store.Close()

	l.Record(context.Background(), Event{Category: CategoryOutbox, Action: "outbox.dispatch"})
	if l.Errors() != 2 {
		t.Fatalf("expected 2 sink errors, got %d", l.Errors())
	}
	if l.Recorded() != 1 {
		t.Fatalf("expected event to be counted as recorded")
	}
}

func TestNilLogIsSafe(t *testing.T) {
	var l *Log
	l.Record(context.Background(), Event{Action: "x"})
	if l.DenyCount() != 0 || l.Errors() != 0 {
		t.Fatalf("nil log should report zero counters")
	}
	for _, err := range l.Query(context.Background(), Filter{}) {
		if err != ErrNoQuerySink {
			t.Fatalf("expected ErrNoQuerySink, got %v", err)
		}
	}
}

func TestQueryFromStoreFiltersLazily(t *testing.T) {
	l, _ := newTestLog(t, true)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 20; i++ {
		sev := SeverityInfo
		if i%5 == 0 {
			sev = SeverityCritical
		}
		l.Record(ctx, Event{
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Severity:  sev,
			Category:  CategoryBreaker,
			Action:    "breaker.transition",
			Payload:   map[string]any{"i": i},
		})
	}
	l.Record(ctx, Event{Timestamp: base, Category: CategoryDLQ, Action: "dlq.park"})

	var got []Event
	for ev, err := range l.Query(ctx, Filter{Category: CategoryBreaker, MinSeverity: SeverityError}) {
		if err != nil {
			t.Fatalf("query: %v", err)
		}
		got = append(got, ev)
	}
	if len(got) != 4 {
		t.Fatalf("expected 4 critical breaker events, got %d", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].Timestamp.Before(got[i-1].Timestamp) {
			t.Fatalf("events out of order")
		}
	}
	if got[1].Payload["i"] != float64(5) {
		t.Fatalf("expected payload round-trip, got %v", got[1].Payload)
	}

	// Early break must stop iteration.
	n := 0
	for range l.Query(ctx, Filter{}) {
		n++
		if n == 3 {
			break
		}
	}
	if n != 3 {
		t.Fatalf("expected early break at 3, got %d", n)
	}

	n = 0
	for _, err := range l.Query(ctx, Filter{Since: base.Add(10 * time.Minute), Until: base.Add(12 * time.Minute)}) {
		if err != nil {
			t.Fatalf("query: %v", err)
		}
		n++
	}
	if n != 2 {
		t.Fatalf("expected 2 events in time range, got %d", n)
	}
}

func TestQueryFallsBackToFile(t *testing.T) {
	l, _ := newTestLog(t, false)
	ctx := context.Background()
	l.Record(ctx, Event{Category: CategoryTask, TaskID: "a", Action: "task.transition"})
	l.Record(ctx, Event{Category: CategoryTask, TaskID: "b", Action: "task.transition"})

	var ids []string
	for ev, err := range l.Query(ctx, Filter{TaskID: "b"}) {
		if err != nil {
			t.Fatalf("query: %v", err)
		}
		ids = append(ids, ev.TaskID)
	}
	if len(ids) != 1 || ids[0] != "b" {
		t.Fatalf("expected only task b, got %v", ids)
	}
}

func TestRecordPublishesOnBus(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe(bus.TopicAuditRecorded)
	defer b.Unsubscribe(sub)
	l, err := New(Options{Bus: b})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	l.Record(context.Background(), Event{Category: CategoryApproval, Action: "approval.request"})

	select {
	case ev := <-sub.Ch():
		if got := ev.Payload.(Event); got.Action != "approval.request" {
			t.Fatalf("unexpected event %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for bus event")
	}
}

func TestParseSeverity(t *testing.T) {
	if s, err := ParseSeverity("WARN"); err != nil || s != SeverityWarning {
		t.Fatalf("expected warning, got %q err=%v", s, err)
	}
	if _, err := ParseSeverity("loud"); err == nil {
		t.Fatal("expected error for unknown severity")
	}
	if got := SeverityError.AtLeast(); len(got) != 2 {
		t.Fatalf("expected error+critical, got %v", got)
	}
}
