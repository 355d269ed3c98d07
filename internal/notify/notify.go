// Package notify delivers operator alerts. The core only depends on the
// Notifier interface; concrete channels are chosen at startup.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/basket/warden/internal/bus"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Message is one alert.
type Message struct {
	Title    string
	Text     string
	Severity Severity
	TaskID   string
}

func (m Message) String() string {
	sev := m.Severity
	if sev == "" {
		sev = SeverityInfo
	}
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", strings.ToUpper(string(sev)), m.Title)
	if m.TaskID != "" {
		fmt.Fprintf(&b, " (task %s)", m.TaskID)
	}
	if m.Text != "" {
		b.WriteString("\n")
		b.WriteString(m.Text)
	}
	return b.String()
}

// Notifier sends a message to an operator. Implementations must be safe for
// concurrent use.
type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// Func adapts a function to Notifier.
type Func func(ctx context.Context, msg Message) error

func (f Func) Notify(ctx context.Context, msg Message) error { return f(ctx, msg) }

// Discard drops every message.
var Discard Notifier = Func(func(context.Context, Message) error { return nil })

// LogNotifier writes alerts to a structured logger.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) Notify(ctx context.Context, msg Message) error {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	level := slog.LevelInfo
	switch msg.Severity {
	case SeverityWarning:
		level = slog.LevelWarn
	case SeverityCritical:
		level = slog.LevelError
	}
	logger.Log(ctx, level, "operator alert",
		"severity", string(msg.Severity),
		"title", msg.Title,
		"text", msg.Text,
		"task_id", msg.TaskID,
	)
	return nil
}

// BusNotifier republishes alerts on the in-process bus.
type BusNotifier struct {
	Bus *bus.Bus
}

func (n BusNotifier) Notify(_ context.Context, msg Message) error {
	n.Bus.Publish(bus.TopicNotifyAlert, bus.AlertEvent{
		Severity: string(msg.Severity),
		Title:    msg.Title,
		Text:     msg.Text,
		TaskID:   msg.TaskID,
	})
	return nil
}

// Multi fans a message out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, msg Message) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Memory records messages. Used by tests and the ops surface.
type Memory struct {
	mu   sync.Mutex
	msgs []Message
}

func (m *Memory) Notify(_ context.Context, msg Message) error {
	m.mu.Lock()
	m.msgs = append(m.msgs, msg)
	m.mu.Unlock()
	return nil
}

// Messages returns a copy of everything recorded so far.
func (m *Memory) Messages() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.msgs...)
}

// Count returns the number of recorded messages with severity sev, or all
// messages when sev is empty.
func (m *Memory) Count(sev Severity) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sev == "" {
		return len(m.msgs)
	}
	n := 0
	for _, msg := range m.msgs {
		if msg.Severity == sev {
			n++
		}
	}
	return n
}

// Send delivers msg and logs, rather than returns, a delivery failure. Alerts
// are best-effort for every caller in the core.
func Send(ctx context.Context, n Notifier, logger *slog.Logger, msg Message) {
	if n == nil {
		return
	}
	if err := n.Notify(ctx, msg); err != nil {
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("notify failed", "title", msg.Title, "severity", string(msg.Severity), "error", err)
	}
}
