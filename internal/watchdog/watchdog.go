// Package watchdog supervises the service as a child process. It shares no
// memory with the child: everything it knows comes from exit status and the
// lines the child writes.
package watchdog

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/basket/warden/internal/action"
	"github.com/basket/warden/internal/notify"
	"github.com/basket/warden/internal/telemetry"
)

const (
	DefaultMaxRestarts      = 5
	DefaultWindow           = 300 * time.Second
	DefaultBackoffBase      = time.Second
	DefaultBackoffMax       = 60 * time.Second
	DefaultHeartbeatTimeout = 90 * time.Second
	DefaultKillGrace        = 10 * time.Second
	DefaultTailLines        = 200

	maxLineBytes = 1024 * 1024
)

// ErrCrashLoop is returned when the child keeps crashing inside the window.
var ErrCrashLoop = action.ErrCrashLoop

// heartbeatMarker matches the JSON line telemetry.RunHeartbeat produces.
var heartbeatMarker = fmt.Sprintf("%q:%q", slog.MessageKey, telemetry.HeartbeatMessage)

// Crash describes one abnormal exit.
type Crash struct {
	Run      int       `json:"run"`
	PID      int       `json:"pid"`
	ExitCode int       `json:"exit_code"`
	Reason   string    `json:"reason"`
	Uptime   string    `json:"uptime"`
	At       time.Time `json:"at"`
	Tail     []string  `json:"tail"`
}

// Summarizer receives the crash context for diagnosis. It returns a short
// text that is attached to the crash alert.
type Summarizer func(ctx context.Context, c Crash) (string, error)

type Config struct {
	Command string
	Args    []string
	// Env is appended to the supervisor's own environment.
	Env []string
	Dir string

	MaxRestarts int
	Window      time.Duration
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// HeartbeatTimeout kills a child that has not logged a heartbeat for this
	// long. Negative disables the check.
	HeartbeatTimeout time.Duration
	KillGrace        time.Duration
	TailLines        int

	Output     io.Writer
	Notifier   notify.Notifier
	Summarizer Summarizer
	Logger     *slog.Logger
	Now        func() time.Time
}

type Supervisor struct {
	cfg Config

	outMu sync.Mutex
}

func New(cfg Config) (*Supervisor, error) {
	if strings.TrimSpace(cfg.Command) == "" {
		return nil, errors.New("watchdog: command is required")
	}
	if cfg.MaxRestarts <= 0 {
		cfg.MaxRestarts = DefaultMaxRestarts
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultBackoffBase
	}
	if cfg.BackoffMax < cfg.BackoffBase {
		cfg.BackoffMax = max(DefaultBackoffMax, cfg.BackoffBase)
	}
	if cfg.HeartbeatTimeout == 0 {
		cfg.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = DefaultKillGrace
	}
	if cfg.TailLines <= 0 {
		cfg.TailLines = DefaultTailLines
	}
	if cfg.Output == nil {
		cfg.Output = os.Stdout
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.Discard
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Supervisor{cfg: cfg}, nil
}

// Run starts the child and restarts it after every crash until it exits
// cleanly, ctx is cancelled, or the crash-loop limit trips.
func (s *Supervisor) Run(ctx context.Context) error {
	var restarts []time.Time
	for run := 1; ; run++ {
		res, err := s.runOnce(ctx, run)
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			s.cfg.Logger.Info("watchdog stopping", "run", run)
			return nil
		}
		if res.ExitCode == 0 && res.Reason == "" {
			s.cfg.Logger.Info("service exited cleanly", "run", run)
			return nil
		}

		now := s.cfg.Now()
		cutoff := now.Add(-s.cfg.Window)
		kept := restarts[:0]
		for _, at := range restarts {
			if at.After(cutoff) {
				kept = append(kept, at)
			}
		}
		restarts = append(kept, now)

		summary := s.summarize(ctx, res)
		if len(restarts) > s.cfg.MaxRestarts {
			msg := notify.Message{
				Title:    "Service halted: crash loop",
				Text:     fmt.Sprintf("%d crashes within %s; last: %s\n%s", len(restarts), s.cfg.Window, res.Reason, summary),
				Severity: notify.SeverityCritical,
			}
			notify.Send(context.WithoutCancel(ctx), s.cfg.Notifier, s.cfg.Logger, msg)
			s.cfg.Logger.Error("crash loop detected", "crashes", len(restarts), "window", s.cfg.Window.String(), "reason", res.Reason)
			return fmt.Errorf("%w: %d crashes within %s", ErrCrashLoop, len(restarts), s.cfg.Window)
		}

		delay := backoff(len(restarts), s.cfg.BackoffBase, s.cfg.BackoffMax)
		s.cfg.Logger.Warn("service crashed, restarting",
			"run", run, "exit_code", res.ExitCode, "reason", res.Reason, "delay", delay.String())
		notify.Send(ctx, s.cfg.Notifier, s.cfg.Logger, notify.Message{
			Title:    "Service crashed",
			Text:     fmt.Sprintf("%s; restarting in %s\n%s", res.Reason, delay, summary),
			Severity: notify.SeverityWarning,
		})

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

func backoff(n int, base, limit time.Duration) time.Duration {
	d := base
	for i := 1; i < n; i++ {
		d *= 2
		if d >= limit {
			return limit
		}
	}
	return min(d, limit)
}

func (s *Supervisor) summarize(ctx context.Context, c Crash) string {
	if s.cfg.Summarizer == nil {
		return ""
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	text, err := s.cfg.Summarizer(sctx, c)
	if err != nil {
		s.cfg.Logger.Warn("crash summary failed", "run", c.Run, "error", err)
		return ""
	}
	return text
}

// runOnce runs the child to completion. A non-nil error means the child
// could not be started at all.
func (s *Supervisor) runOnce(ctx context.Context, run int) (Crash, error) {
	cmd := exec.Command(s.cfg.Command, s.cfg.Args...)
	cmd.Env = append(os.Environ(), s.cfg.Env...)
	cmd.Dir = s.cfg.Dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Crash{}, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return Crash{}, err
	}
	started := s.cfg.Now()
	if err := cmd.Start(); err != nil {
		return Crash{}, fmt.Errorf("start %s: %w", s.cfg.Command, err)
	}
	pid := cmd.Process.Pid
	s.cfg.Logger.Info("service started", "run", run, "pid", pid)

	tail := NewTail(s.cfg.TailLines)
	beats := make(chan struct{}, 1)
	var pumps sync.WaitGroup
	pumps.Add(2)
	go s.pump(stdout, tail, beats, &pumps)
	go s.pump(stderr, tail, beats, &pumps)
	exited := make(chan error, 1)
	go func() {
		pumps.Wait()
		exited <- cmd.Wait()
	}()

	var hb <-chan time.Time
	var hbTimer *time.Timer
	if s.cfg.HeartbeatTimeout > 0 {
		hbTimer = time.NewTimer(s.cfg.HeartbeatTimeout)
		defer hbTimer.Stop()
		hb = hbTimer.C
	}

	reason := ""
	done := ctx.Done()
	var kill *time.Timer
	var waitErr error
loop:
	for {
		select {
		case <-beats:
			if hbTimer != nil {
				hbTimer.Reset(s.cfg.HeartbeatTimeout)
			}
		case <-hb:
			hb = nil
			reason = fmt.Sprintf("missed heartbeat for %s", s.cfg.HeartbeatTimeout)
			s.cfg.Logger.Error("service unresponsive, terminating", "pid", pid, "timeout", s.cfg.HeartbeatTimeout.String())
			kill = s.terminate(pid)
		case <-done:
			done = nil
			if kill == nil {
				kill = s.terminate(pid)
			}
		case waitErr = <-exited:
			break loop
		}
	}
	if kill != nil {
		kill.Stop()
	}

	c := Crash{
		Run:    run,
		PID:    pid,
		Reason: reason,
		Uptime: s.cfg.Now().Sub(started).Round(time.Millisecond).String(),
		At:     s.cfg.Now().UTC(),
		Tail:   tail.Lines(),
	}
	if cmd.ProcessState != nil {
		c.ExitCode = cmd.ProcessState.ExitCode()
	}
	if waitErr != nil && c.Reason == "" {
		c.Reason = waitErr.Error()
	}
	return c, nil
}

// terminate sends SIGTERM to the child's process group and SIGKILL after the
// grace period.
func (s *Supervisor) terminate(pid int) *time.Timer {
	if err := unix.Kill(-pid, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
		s.cfg.Logger.Warn("sigterm failed", "pid", pid, "error", err)
	}
	return time.AfterFunc(s.cfg.KillGrace, func() {
		_ = unix.Kill(-pid, unix.SIGKILL)
	})
}

func (s *Supervisor) pump(r io.Reader, tail *Tail, beats chan<- struct{}, wg *sync.WaitGroup) {
	defer wg.Done()
	br := bufio.NewReaderSize(r, 64*1024)
	for {
		line, err := readLine(br, maxLineBytes)
		if err != nil && line == "" {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				s.cfg.Logger.Warn("child output read failed", "error", err)
			}
			return
		}
		tail.Add(line)
		s.outMu.Lock()
		_, _ = io.WriteString(s.cfg.Output, line+"\n")
		s.outMu.Unlock()
		if strings.Contains(line, heartbeatMarker) {
			select {
			case beats <- struct{}{}:
			default:
			}
		}
	}
}

// readLine returns the next line without its terminator. Bytes past limit are
// read and dropped so the child never blocks on a full pipe.
func readLine(br *bufio.Reader, limit int) (string, error) {
	var buf []byte
	for {
		chunk, more, err := br.ReadLine()
		if err != nil {
			return string(buf), err
		}
		if room := limit - len(buf); room > 0 {
			buf = append(buf, chunk[:min(len(chunk), room)]...)
		}
		if !more {
			return string(buf), nil
		}
	}
}
