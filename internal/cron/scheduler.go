// Package cron sends a periodic reminder of work waiting on an operator:
// pending DLQ entries and ledger records whose outcome is unknown.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/warden/internal/notify"
	"github.com/basket/warden/internal/persistence"
)

const (
	DefaultSchedule = "0 9 * * *"

	lastRunKey = "digest.last_run"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Config holds the dependencies for the digest scheduler.
type Config struct {
	Store    *persistence.Store
	Notifier notify.Notifier
	Logger   *slog.Logger
	Schedule string        // cron expression; DefaultSchedule if empty
	Interval time.Duration // tick interval; defaults to 1 minute if zero
	// StaleAfter is how old a PENDING ledger record must be before it is
	// reported; younger ones are normally still in flight.
	StaleAfter time.Duration
	Now        func() time.Time
}

// Digest summarizes what is waiting on an operator.
type Digest struct {
	PendingDLQ []persistence.DLQEntry
	Ambiguous  []persistence.IdempotencyRecord
	At         time.Time
}

func (d Digest) Empty() bool { return len(d.PendingDLQ) == 0 && len(d.Ambiguous) == 0 }

// Message renders the digest as an operator alert.
func (d Digest) Message() notify.Message {
	var b strings.Builder
	if n := len(d.PendingDLQ); n > 0 {
		fmt.Fprintf(&b, "%d dead-lettered action(s) awaiting RETRY or DISCARD:\n", n)
		for i, e := range d.PendingDLQ {
			if i == 10 {
				fmt.Fprintf(&b, "  ... and %d more\n", n-i)
				break
			}
			fmt.Fprintf(&b, "  %s %s (task %s, parked %s)\n", e.ID, e.Request.Qualified(), e.TaskID, e.ParkedAt.UTC().Format(time.RFC3339))
		}
	}
	if n := len(d.Ambiguous); n > 0 {
		fmt.Fprintf(&b, "%d dispatch(es) with unknown outcome awaiting confirmation:\n", n)
		for i, r := range d.Ambiguous {
			if i == 10 {
				fmt.Fprintf(&b, "  ... and %d more\n", n-i)
				break
			}
			fmt.Fprintf(&b, "  %s %s.%s (task %s)\n", r.Key, r.ToolName, r.Operation, r.TaskID)
		}
	}
	sev := notify.SeverityInfo
	if len(d.Ambiguous) > 0 {
		sev = notify.SeverityWarning
	}
	return notify.Message{Title: "Operator digest", Text: strings.TrimRight(b.String(), "\n"), Severity: sev}
}

// Scheduler fires the digest on its cron schedule. The last run time is kept
// in the store so a restart does not repeat or skip a reminder.
type Scheduler struct {
	store      *persistence.Store
	notifier   notify.Notifier
	logger     *slog.Logger
	schedule   cronlib.Schedule
	expr       string
	interval   time.Duration
	staleAfter time.Duration
	now        func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a new Scheduler with the given config.
func NewScheduler(cfg Config) (*Scheduler, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("digest: store is required")
	}
	expr := strings.TrimSpace(cfg.Schedule)
	if expr == "" {
		expr = DefaultSchedule
	}
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("digest schedule %q: %w", expr, err)
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	staleAfter := cfg.StaleAfter
	if staleAfter <= 0 {
		staleAfter = 10 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = notify.Discard
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		store:      cfg.Store,
		notifier:   notifier,
		logger:     logger,
		schedule:   schedule,
		expr:       expr,
		interval:   interval,
		staleAfter: staleAfter,
		now:        now,
	}, nil
}

// Start begins the scheduler loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("digest scheduler started", "schedule", s.expr, "interval", s.interval)
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("digest scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// A reminder missed while the service was down fires on startup.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// NextRun returns when the digest is next due given the stored last run.
// Without a last run the first slot after now is used.
func (s *Scheduler) NextRun(ctx context.Context) (time.Time, error) {
	raw, err := s.store.KVGet(ctx, lastRunKey)
	if err != nil {
		return time.Time{}, err
	}
	if raw == "" {
		return s.schedule.Next(s.now()), nil
	}
	last, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return s.schedule.Next(s.now()), nil
	}
	return s.schedule.Next(last), nil
}

func (s *Scheduler) tick(ctx context.Context) {
	now := s.now()
	raw, err := s.store.KVGet(ctx, lastRunKey)
	if err != nil {
		s.logger.Error("digest: failed to read last run", "error", err)
		return
	}
	if raw == "" {
		// First start: remember now so the next slot is computed from it.
		if err := s.store.KVSet(ctx, lastRunKey, now.UTC().Format(time.RFC3339)); err != nil {
			s.logger.Error("digest: failed to record first run", "error", err)
		}
		return
	}
	next, err := s.NextRun(ctx)
	if err != nil || next.After(now) {
		return
	}
	if _, err := s.Fire(ctx); err != nil {
		s.logger.Error("digest: fire failed", "error", err)
		return
	}
	if err := s.store.KVSet(ctx, lastRunKey, now.UTC().Format(time.RFC3339)); err != nil {
		s.logger.Error("digest: failed to update last run", "error", err)
	}
}

// Collect gathers the current digest without sending it.
func (s *Scheduler) Collect(ctx context.Context) (Digest, error) {
	d := Digest{At: s.now().UTC()}
	entries, err := s.store.ListDLQEntries(ctx, persistence.ResolutionPending)
	if err != nil {
		return d, fmt.Errorf("list dlq: %w", err)
	}
	d.PendingDLQ = entries
	records, err := s.store.ListIdempotencyRecords(ctx, persistence.LedgerPending, 0)
	if err != nil {
		return d, fmt.Errorf("list pending ledger: %w", err)
	}
	cutoff := s.now().Add(-s.staleAfter)
	for _, r := range records {
		if r.UpdatedAt.Before(cutoff) {
			d.Ambiguous = append(d.Ambiguous, r)
		}
	}
	return d, nil
}

// Fire collects and sends the digest now. Nothing is sent when the digest
// is empty.
func (s *Scheduler) Fire(ctx context.Context) (Digest, error) {
	d, err := s.Collect(ctx)
	if err != nil {
		return d, err
	}
	if d.Empty() {
		s.logger.Info("digest: nothing pending")
		return d, nil
	}
	notify.Send(ctx, s.notifier, s.logger, d.Message())
	s.logger.Info("digest: sent", "dlq_pending", len(d.PendingDLQ), "ambiguous", len(d.Ambiguous))
	return d, nil
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
