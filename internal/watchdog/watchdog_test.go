package watchdog

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/warden/internal/action"
	"github.com/basket/warden/internal/notify"
)

type crashLog struct {
	mu      sync.Mutex
	crashes []Crash
}

func (c *crashLog) summarize(_ context.Context, cr Crash) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.crashes = append(c.crashes, cr)
	return "summary", nil
}

func (c *crashLog) all() []Crash {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Crash(nil), c.crashes...)
}

func newSupervisor(t *testing.T, cfg Config) *Supervisor {
	t.Helper()
	if cfg.Output == nil {
		cfg.Output = io.Discard
	}
	if cfg.BackoffBase == 0 {
		cfg.BackoffBase = time.Millisecond
		cfg.BackoffMax = 5 * time.Millisecond
	}
	if cfg.HeartbeatTimeout == 0 {
		cfg.HeartbeatTimeout = -1
	}
	if cfg.KillGrace == 0 {
		cfg.KillGrace = 100 * time.Millisecond
	}
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("new supervisor: %v", err)
	}
	return s
}

func runWithTimeout(t *testing.T, s *Supervisor) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.Run(ctx)
}

func TestTailKeepsLastLines(t *testing.T) {
	tail := NewTail(3)
	if got := tail.Lines(); len(got) != 0 {
		t.Fatalf("empty tail returned %v", got)
	}
	for _, l := range []string{"a", "b"} {
		tail.Add(l)
	}
	if got := strings.Join(tail.Lines(), ","); got != "a,b" {
		t.Fatalf("got %q", got)
	}
	for _, l := range []string{"c", "d", "e"} {
		tail.Add(l)
	}
	if got := strings.Join(tail.Lines(), ","); got != "c,d,e" {
		t.Fatalf("got %q", got)
	}
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	cases := []struct {
		n    int
		want time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{7, 60 * time.Second},
	}
	for _, tc := range cases {
		if got := backoff(tc.n, time.Second, 60*time.Second); got != tc.want {
			t.Fatalf("backoff(%d) = %v, want %v", tc.n, got, tc.want)
		}
	}
}

func TestCleanExitStopsSupervisor(t *testing.T) {
	crashes := &crashLog{}
	s := newSupervisor(t, Config{Command: "sh", Args: []string{"-c", "echo hello; exit 0"}, Summarizer: crashes.summarize})
	if err := runWithTimeout(t, s); err != nil {
		t.Fatalf("run: %v", err)
	}
	if n := len(crashes.all()); n != 0 {
		t.Fatalf("expected no crashes, got %d", n)
	}
}

func TestRestartsAfterCrash(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "ran-once")
	crashes := &crashLog{}
	mem := &notify.Memory{}
	script := `if [ -f "$MARKER" ]; then exit 0; fi; touch "$MARKER"; echo "panic: boom" >&2; exit 2`
	s := newSupervisor(t, Config{
		Command:    "sh",
		Args:       []string{"-c", script},
		Env:        []string{"MARKER=" + marker},
		Notifier:   mem,
		Summarizer: crashes.summarize,
	})
	if err := runWithTimeout(t, s); err != nil {
		t.Fatalf("run: %v", err)
	}
	got := crashes.all()
	if len(got) != 1 {
		t.Fatalf("expected one crash, got %d", len(got))
	}
	if got[0].ExitCode != 2 || !strings.Contains(strings.Join(got[0].Tail, "\n"), "panic: boom") {
		t.Fatalf("crash %+v", got[0])
	}
	if mem.Count(notify.SeverityWarning) != 1 || mem.Count(notify.SeverityCritical) != 0 {
		t.Fatalf("unexpected alerts %+v", mem.Messages())
	}
}

func TestCrashLoopHalts(t *testing.T) {
	crashes := &crashLog{}
	mem := &notify.Memory{}
	s := newSupervisor(t, Config{
		Command:     "sh",
		Args:        []string{"-c", "echo dying; exit 3"},
		MaxRestarts: 2,
		Window:      time.Minute,
		Notifier:    mem,
		Summarizer:  crashes.summarize,
	})
	err := runWithTimeout(t, s)
	if !errors.Is(err, ErrCrashLoop) || !errors.Is(err, action.ErrCrashLoop) {
		t.Fatalf("expected ErrCrashLoop, got %v", err)
	}
	if n := len(crashes.all()); n != 3 {
		t.Fatalf("expected 3 crashes before halting, got %d", n)
	}
	if mem.Count(notify.SeverityCritical) != 1 {
		t.Fatalf("expected one critical alert, got %+v", mem.Messages())
	}
}

func TestMissedHeartbeatKillsChild(t *testing.T) {
	crashes := &crashLog{}
	s := newSupervisor(t, Config{
		Command:          "sleep",
		Args:             []string{"30"},
		MaxRestarts:      1,
		HeartbeatTimeout: 50 * time.Millisecond,
		Summarizer:       crashes.summarize,
	})
	start := time.Now()
	if err := runWithTimeout(t, s); !errors.Is(err, ErrCrashLoop) {
		t.Fatalf("expected crash loop, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatal("hung child was not killed promptly")
	}
	for _, c := range crashes.all() {
		if !strings.Contains(c.Reason, "missed heartbeat") {
			t.Fatalf("crash reason %q", c.Reason)
		}
	}
}

func TestHeartbeatKeepsChildAlive(t *testing.T) {
	script := `for i in 1 2 3 4 5 6; do echo '{"level":"INFO","msg":"heartbeat"}'; sleep 0.05; done; exit 0`
	crashes := &crashLog{}
	s := newSupervisor(t, Config{
		Command:          "sh",
		Args:             []string{"-c", script},
		HeartbeatTimeout: 200 * time.Millisecond,
		Summarizer:       crashes.summarize,
	})
	if err := runWithTimeout(t, s); err != nil {
		t.Fatalf("run: %v", err)
	}
	if n := len(crashes.all()); n != 0 {
		t.Fatalf("expected no crashes, got %d", n)
	}
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestOversizedLineKeepsOutputFlowing(t *testing.T) {
	script := `head -c 2097152 /dev/zero | tr '\0' x; echo; ` +
		`for i in 1 2 3 4; do echo '{"level":"INFO","msg":"heartbeat"}'; sleep 0.05; done; echo after-long-line; exit 0`
	crashes := &crashLog{}
	out := &lockedBuffer{}
	s := newSupervisor(t, Config{
		Command:          "sh",
		Args:             []string{"-c", script},
		HeartbeatTimeout: 2 * time.Second,
		Output:           out,
		Summarizer:       crashes.summarize,
	})
	start := time.Now()
	if err := runWithTimeout(t, s); err != nil {
		t.Fatalf("run: %v", err)
	}
	if n := len(crashes.all()); n != 0 {
		t.Fatalf("expected no crashes, got %+v", crashes.all())
	}
	if time.Since(start) > 5*time.Second {
		t.Fatal("child stalled behind an oversized line")
	}
	text := out.String()
	if !strings.Contains(text, "after-long-line") {
		t.Fatal("output after the oversized line was lost")
	}
	first, _, _ := strings.Cut(text, "\n")
	if len(first) != maxLineBytes {
		t.Fatalf("oversized line forwarded as %d bytes, want %d", len(first), maxLineBytes)
	}
}

func TestReadLineTruncatesAndContinues(t *testing.T) {
	input := strings.Repeat("a", 100) + "\nshort\r\n\nlast"
	br := bufio.NewReaderSize(strings.NewReader(input), 16)
	var got []string
	for {
		line, err := readLine(br, 10)
		if err != nil {
			if !errors.Is(err, io.EOF) || line != "" {
				t.Fatalf("readLine: line=%q err=%v", line, err)
			}
			break
		}
		got = append(got, line)
	}
	want := []string{"aaaaaaaaaa", "short", "", "last"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("lines = %q, want %q", got, want)
	}
}

func TestCancelStopsChild(t *testing.T) {
	s := newSupervisor(t, Config{Command: "sleep", Args: []string{"30"}})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not stop")
	}
}

func TestLockIsExclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "watchdog.lock")
	first, err := AcquireLock(path)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := AcquireLock(path); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
	if err := first.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	second, err := AcquireLock(path)
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	_ = second.Release()
}

func TestCrashReportsWritesFile(t *testing.T) {
	dir := t.TempDir()
	summarize := CrashReports(dir, 2)
	text, err := summarize(context.Background(), Crash{Run: 1, At: time.Now(), Tail: []string{"a", "b", "c"}})
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if !strings.HasSuffix(text, "b\nc") {
		t.Fatalf("summary %q", text)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Fatalf("expected one report, got %d", len(entries))
	}
}
