package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/warden/internal/bus"
	"github.com/basket/warden/internal/persistence"
	"github.com/basket/warden/internal/shared"
)

// Severity orders audit events.
type Severity string

const (
	SeverityDebug    Severity = "debug"
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

var severityOrder = []Severity{SeverityDebug, SeverityInfo, SeverityWarning, SeverityError, SeverityCritical}

func (s Severity) rank() int {
	for i, v := range severityOrder {
		if v == s {
			return i
		}
	}
	return -1
}

// AtLeast lists s and every more severe level.
func (s Severity) AtLeast() []string {
	r := s.rank()
	if r < 0 {
		r = 0
	}
	out := make([]string, 0, len(severityOrder)-r)
	for _, v := range severityOrder[r:] {
		out = append(out, string(v))
	}
	return out
}

// ParseSeverity accepts the lowercase names above; "warn" is an alias.
func ParseSeverity(s string) (Severity, error) {
	v := Severity(strings.ToLower(strings.TrimSpace(s)))
	if v == "warn" {
		v = SeverityWarning
	}
	if v.rank() < 0 {
		return "", fmt.Errorf("unknown severity %q", s)
	}
	return v, nil
}

// Category groups events by the component that emitted them.
type Category string

const (
	CategoryPolicy   Category = "policy"
	CategoryOutbox   Category = "outbox"
	CategoryDLQ      Category = "dlq"
	CategoryTask     Category = "task"
	CategoryBreaker  Category = "breaker"
	CategoryApproval Category = "approval"
	CategoryWatchdog Category = "watchdog"
	CategorySystem   Category = "system"
)

// Event is one audit record. Payload values are redacted before persistence.
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	Severity  Severity       `json:"severity"`
	Category  Category       `json:"category"`
	TaskID    string         `json:"task_id,omitempty"`
	TraceID   string         `json:"trace_id,omitempty"`
	Action    string         `json:"action"`
	Outcome   string         `json:"outcome,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Options configures a Log. Every sink is optional.
type Options struct {
	// Dir receives audit.jsonl.
	Dir    string
	Store  *persistence.Store
	Logger *slog.Logger
	Bus    *bus.Bus
	// PayloadLimit truncates long string payload values; default 100.
	PayloadLimit int
}

// Log is the append-only audit trail. Record never fails the caller: sink
// errors are counted and reported through the logger. A nil *Log discards.
type Log struct {
	mu     sync.Mutex
	file   *os.File
	path   string
	store  *persistence.Store
	logger *slog.Logger
	bus    *bus.Bus
	limit  int

	recorded  atomic.Int64
	denyCount atomic.Int64
	errCount  atomic.Int64
}

func New(opts Options) (*Log, error) {
	l := &Log{
		store:  opts.Store,
		logger: opts.Logger,
		bus:    opts.Bus,
		limit:  opts.PayloadLimit,
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	if l.limit <= 0 {
		l.limit = 100
	}
	if opts.Dir != "" {
		if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("create audit dir: %w", err)
		}
		l.path = filepath.Join(opts.Dir, "audit.jsonl")
		f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open audit file: %w", err)
		}
		l.file = f
	}
	return l, nil
}

func (l *Log) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// Record appends ev to every configured sink.
func (l *Log) Record(ctx context.Context, ev Event) {
	if l == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	} else {
		ev.Timestamp = ev.Timestamp.UTC()
	}
	if ev.Severity == "" {
		ev.Severity = SeverityInfo
	}
	if ev.TaskID == "" {
		ev.TaskID = shared.TaskID(ctx)
	}
	if ev.TraceID == "" {
		if tid := shared.TraceID(ctx); tid != "-" {
			ev.TraceID = tid
		}
	}
	ev.Payload = shared.SafeParams(ev.Payload, l.limit)
	if ev.Category == CategoryPolicy && ev.Outcome == "deny" {
		l.denyCount.Add(1)
	}
	l.recorded.Add(1)

	b, err := json.Marshal(ev)
	if err != nil {
		l.sinkFailed("encode", ev, err)
		b, _ = json.Marshal(Event{Timestamp: ev.Timestamp, Severity: ev.Severity, Category: ev.Category, TaskID: ev.TaskID, Action: ev.Action, Outcome: ev.Outcome})
	}

	l.mu.Lock()
	if l.file != nil {
		if _, err := l.file.Write(append(b, '\n')); err != nil {
			l.sinkFailed("file", ev, err)
		}
	}
	l.mu.Unlock()

	if l.store != nil {
		payload, _ := json.Marshal(ev.Payload)
		err := l.store.InsertAudit(context.WithoutCancel(ctx), persistence.AuditRecord{
			Timestamp: ev.Timestamp,
			Severity:  string(ev.Severity),
			Category:  string(ev.Category),
			TaskID:    ev.TaskID,
			TraceID:   ev.TraceID,
			Action:    ev.Action,
			Outcome:   ev.Outcome,
			Payload:   string(payload),
		})
		if err != nil {
			l.sinkFailed("store", ev, err)
		}
	}

	l.bus.Publish(bus.TopicAuditRecorded, ev)
}

func (l *Log) sinkFailed(sink string, ev Event, err error) {
	l.errCount.Add(1)
	l.logger.Warn("audit sink write failed",
		"sink", sink,
		"category", string(ev.Category),
		"audit_action", ev.Action,
		"error", err,
	)
}

// DenyCount returns the number of policy denials recorded since startup.
func (l *Log) DenyCount() int64 {
	if l == nil {
		return 0
	}
	return l.denyCount.Load()
}

// Errors returns the number of failed sink writes since startup.
func (l *Log) Errors() int64 {
	if l == nil {
		return 0
	}
	return l.errCount.Load()
}

// Recorded returns the number of events accepted since startup.
func (l *Log) Recorded() int64 {
	if l == nil {
		return 0
	}
	return l.recorded.Load()
}

// Filter selects events for Query and live streams. Zero fields match all.
type Filter struct {
	Category    Category
	MinSeverity Severity
	TaskID      string
	Since       time.Time
	Until       time.Time
	Limit       int
}

// Match reports whether ev passes every constraint except Limit.
func (f Filter) Match(ev Event) bool {
	if f.Category != "" && ev.Category != f.Category {
		return false
	}
	if f.MinSeverity != "" && ev.Severity.rank() < f.MinSeverity.rank() {
		return false
	}
	if f.TaskID != "" && ev.TaskID != f.TaskID {
		return false
	}
	if !f.Since.IsZero() && ev.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !ev.Timestamp.Before(f.Until) {
		return false
	}
	return true
}

// ErrNoQuerySink is yielded when neither a store nor a file is configured.
var ErrNoQuerySink = errors.New("audit: no queryable sink configured")

// Query lazily yields events matching f in timestamp order. The sqlite sink is
// preferred; without one the JSONL file is scanned.
func (l *Log) Query(ctx context.Context, f Filter) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		if l == nil {
			yield(Event{}, ErrNoQuerySink)
			return
		}
		if l.store != nil {
			l.queryStore(ctx, f, yield)
			return
		}
		if l.path != "" {
			l.queryFile(ctx, f, yield)
			return
		}
		yield(Event{}, ErrNoQuerySink)
	}
}

func (l *Log) queryStore(ctx context.Context, f Filter, yield func(Event, error) bool) {
	q := persistence.AuditQuery{
		Category: string(f.Category),
		TaskID:   f.TaskID,
		Since:    f.Since,
		Until:    f.Until,
		Limit:    f.Limit,
	}
	if f.MinSeverity != "" {
		q.Severities = f.MinSeverity.AtLeast()
	}
	stopped := false
	err := l.store.ScanAudit(ctx, q, func(rec persistence.AuditRecord) bool {
		ev := Event{
			Timestamp: rec.Timestamp,
			Severity:  Severity(rec.Severity),
			Category:  Category(rec.Category),
			TaskID:    rec.TaskID,
			TraceID:   rec.TraceID,
			Action:    rec.Action,
			Outcome:   rec.Outcome,
		}
		if rec.Payload != "" && rec.Payload != "null" {
			if err := json.Unmarshal([]byte(rec.Payload), &ev.Payload); err != nil {
				ev.Payload = map[string]any{"raw": rec.Payload}
			}
		}
		if !yield(ev, nil) {
			stopped = true
			return false
		}
		return true
	})
	if err != nil && !stopped {
		yield(Event{}, err)
	}
}

func (l *Log) queryFile(ctx context.Context, f Filter, yield func(Event, error) bool) {
	file, err := os.Open(l.path)
	if err != nil {
		yield(Event{}, fmt.Errorf("open audit file: %w", err))
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	n := 0
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			yield(Event{}, err)
			return
		}
		var ev Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			continue
		}
		if !f.Match(ev) {
			continue
		}
		if !yield(ev, nil) {
			return
		}
		n++
		if f.Limit > 0 && n >= f.Limit {
			return
		}
	}
	if err := scanner.Err(); err != nil {
		yield(Event{}, fmt.Errorf("scan audit file: %w", err))
	}
}
