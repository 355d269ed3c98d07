package notify

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/warden/internal/bus"
)

func TestMessageString(t *testing.T) {
	got := Message{Title: "DLQ entry parked", Text: "tool notes.append", Severity: SeverityWarning, TaskID: "t1"}.String()
	want := "[WARNING] DLQ entry parked (task t1)\ntool notes.append"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
	if got := (Message{Title: "x"}).String(); got != "[INFO] x" {
		t.Fatalf("default severity: got %q", got)
	}
}

func TestMultiJoinsErrors(t *testing.T) {
	mem := &Memory{}
	errA := errors.New("a down")
	m := Multi{
		Func(func(context.Context, Message) error { return errA }),
		nil,
		mem,
	}
	err := m.Notify(context.Background(), Message{Title: "hi"})
	if !errors.Is(err, errA) {
		t.Fatalf("expected joined error to contain errA, got %v", err)
	}
	if mem.Count("") != 1 {
		t.Fatalf("later notifiers must still run after an error")
	}
}

func TestThrottledCriticalBypasses(t *testing.T) {
	mem := &Memory{}
	th := NewThrottled(mem, time.Hour, 1)
	ctx := context.Background()

	_ = th.Notify(ctx, Message{Title: "1", Severity: SeverityWarning})
	_ = th.Notify(ctx, Message{Title: "2", Severity: SeverityWarning})
	_ = th.Notify(ctx, Message{Title: "3", Severity: SeverityCritical})

	if got := mem.Count(""); got != 2 {
		t.Fatalf("expected 2 delivered, got %d", got)
	}
	if mem.Count(SeverityCritical) != 1 {
		t.Fatalf("critical alert was throttled")
	}
	if th.Dropped() != 1 {
		t.Fatalf("expected 1 dropped, got %d", th.Dropped())
	}
}

func TestBusNotifierPublishes(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe(bus.TopicNotifyAlert)
	defer b.Unsubscribe(sub)

	_ = BusNotifier{Bus: b}.Notify(context.Background(), Message{Title: "crash loop", Severity: SeverityCritical})
	select {
	case ev := <-sub.Ch():
		alert := ev.Payload.(bus.AlertEvent)
		if alert.Title != "crash loop" || alert.Severity != "critical" {
			t.Fatalf("unexpected alert %+v", alert)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for alert")
	}
}

type fakeSender struct {
	sent []tgbotapi.MessageConfig
	err  error
}

func (f *fakeSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	if f.err != nil {
		return tgbotapi.Message{}, f.err
	}
	f.sent = append(f.sent, c.(tgbotapi.MessageConfig))
	return tgbotapi.Message{}, nil
}

func TestTelegramNotify(t *testing.T) {
	fs := &fakeSender{}
	tg := NewTelegram("unused", 42, nil)
	tg.sender = fs

	long := strings.Repeat("x", 5000)
	if err := tg.Notify(context.Background(), Message{Title: "t", Text: long, Severity: SeverityCritical}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if len(fs.sent) != 1 {
		t.Fatalf("expected 1 message, got %d", len(fs.sent))
	}
	if fs.sent[0].ChatID != 42 {
		t.Fatalf("wrong chat id %d", fs.sent[0].ChatID)
	}
	if len(fs.sent[0].Text) != telegramMaxLen {
		t.Fatalf("expected text clipped to %d, got %d", telegramMaxLen, len(fs.sent[0].Text))
	}

	fs.err = errors.New("429")
	if err := tg.Notify(context.Background(), Message{Title: "t"}); err == nil {
		t.Fatal("expected send error")
	}
}

func TestTelegramWithoutToken(t *testing.T) {
	tg := NewTelegram("", 1, nil)
	if err := tg.Notify(context.Background(), Message{Title: "t"}); err == nil {
		t.Fatal("expected error without token")
	}
}

func TestSendSwallowsErrors(t *testing.T) {
	Send(context.Background(), Func(func(context.Context, Message) error { return errors.New("boom") }), nil, Message{Title: "x"})
	Send(context.Background(), nil, nil, Message{Title: "x"})
}
