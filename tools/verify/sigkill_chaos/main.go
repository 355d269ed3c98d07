//go:build ignore

// sigkill_chaos verifies warden's crash recovery. It builds the binary,
// starts the service, plants a task mid-execution and an unsettled outbox
// key straight into SQLite, SIGKILLs the service and restarts it. After the
// restart:
//   - the database opens and passes PRAGMA integrity_check
//   - the EXECUTING task is FAILED with reason "interrupted"
//   - the outbox key is still PENDING (in doubt, never re-sent)
//
// Usage:
//
//	go run ./tools/verify/sigkill_chaos/
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/basket/warden/internal/action"
	"github.com/basket/warden/internal/persistence"
)

const (
	taskID    = "chaos-task-1"
	sessionID = "chaos-session"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "FAIL: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("VERDICT PASS (sigkill_chaos)")
}

func run() error {
	ctx := context.Background()

	root := moduleRoot()
	binDir, err := os.MkdirTemp("", "sigkill-chaos-bin-*")
	if err != nil {
		return fmt.Errorf("mktemp bin: %w", err)
	}
	defer os.RemoveAll(binDir)
	binPath := filepath.Join(binDir, "warden")

	fmt.Println("BUILD warden binary...")
	build := exec.Command("go", "build", "-o", binPath, "./cmd/warden")
	build.Dir = root
	build.Stdout = os.Stdout
	build.Stderr = os.Stderr
	if err := build.Run(); err != nil {
		return fmt.Errorf("build binary: %w", err)
	}

	home, err := os.MkdirTemp("", "sigkill-chaos-home-*")
	if err != nil {
		return fmt.Errorf("mktemp home: %w", err)
	}
	defer os.RemoveAll(home)

	addr := pickFreeAddr()
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(fmt.Sprintf("bind_addr: %q\n", addr)), 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.WriteFile(filepath.Join(home, "auth.token"), []byte("chaos-test-token\n"), 0o600); err != nil {
		return fmt.Errorf("write auth token: %w", err)
	}
	env := append(os.Environ(), "WARDEN_HOME="+home, "WARDEN_QUIET=true")

	fmt.Println("START service (first run)...")
	first := exec.Command(binPath, "serve")
	first.Env = env
	first.Stdout = os.Stdout
	first.Stderr = os.Stderr
	if err := first.Start(); err != nil {
		return fmt.Errorf("start service: %w", err)
	}
	if err := waitHealthy(addr, 10*time.Second); err != nil {
		_ = first.Process.Kill()
		_ = first.Wait()
		return fmt.Errorf("service not healthy: %w", err)
	}
	fmt.Println("HEALTHY")

	dbPath := filepath.Join(home, "warden.db")
	key, err := plant(ctx, dbPath)
	if err != nil {
		_ = first.Process.Kill()
		_ = first.Wait()
		return err
	}

	fmt.Println("SIGKILL service...")
	if err := first.Process.Signal(syscall.SIGKILL); err != nil {
		return fmt.Errorf("sigkill: %w", err)
	}
	_ = first.Wait()
	time.Sleep(500 * time.Millisecond)

	fmt.Println("RESTART service (second run)...")
	second := exec.Command(binPath, "serve")
	second.Env = env
	second.Stdout = os.Stdout
	second.Stderr = os.Stderr
	if err := second.Start(); err != nil {
		return fmt.Errorf("restart service: %w", err)
	}
	defer func() {
		_ = second.Process.Signal(os.Interrupt)
		done := make(chan struct{})
		go func() { _ = second.Wait(); close(done) }()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			_ = second.Process.Kill()
			_ = second.Wait()
		}
	}()
	if err := waitHealthy(addr, 10*time.Second); err != nil {
		return fmt.Errorf("restarted service not healthy: %w", err)
	}
	fmt.Println("HEALTHY (after restart)")

	store, err := persistence.Open(dbPath)
	if err != nil {
		return fmt.Errorf("reopen store after kill: %w", err)
	}
	defer store.Close()

	var integrity string
	if err := store.DB().QueryRowContext(ctx, "PRAGMA integrity_check;").Scan(&integrity); err != nil {
		return fmt.Errorf("integrity check: %w", err)
	}
	fmt.Printf("INTEGRITY_CHECK=%s\n", integrity)
	if integrity != "ok" {
		return fmt.Errorf("integrity check failed: %s", integrity)
	}

	rec, err := store.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("get task: %w", err)
	}
	fmt.Printf("TASK %s state=%s error=%q\n", rec.TaskID, rec.State, rec.Error)
	if rec.State != "FAILED" {
		return fmt.Errorf("expected %s FAILED after recovery, got %s", taskID, rec.State)
	}
	events, err := store.ListTaskEvents(ctx, taskID)
	if err != nil {
		return fmt.Errorf("list task events: %w", err)
	}
	if len(events) == 0 || events[len(events)-1].Reason != "interrupted" {
		return fmt.Errorf("expected final transition reason interrupted, got %+v", events)
	}

	ledger, err := store.GetIdempotencyRecord(ctx, key)
	if err != nil {
		return fmt.Errorf("get outbox record: %w", err)
	}
	fmt.Printf("OUTBOX %s status=%s attempts=%d\n", ledger.Key, ledger.Status, ledger.Attempts)
	if ledger.Status != persistence.LedgerPending {
		return fmt.Errorf("expected outbox key to stay PENDING, got %s", ledger.Status)
	}

	fmt.Println("ALL CHECKS PASSED")
	return nil
}

// plant writes a task that is mid-execution plus its claimed outbox key,
// the state a crash between claim and settle leaves behind.
func plant(ctx context.Context, dbPath string) (string, error) {
	store, err := persistence.Open(dbPath)
	if err != nil {
		return "", fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	if err := store.CreateTask(ctx, persistence.TaskRecord{
		TaskID:      taskID,
		SessionID:   sessionID,
		State:       "IDLE",
		Description: "charge customer",
	}); err != nil {
		return "", fmt.Errorf("create task: %w", err)
	}
	for _, step := range [][2]string{
		{"IDLE", "PARSING_INTENT"},
		{"PARSING_INTENT", "THINKING"},
		{"THINKING", "EXECUTING"},
	} {
		if err := store.TransitionTask(ctx, persistence.TaskTransition{TaskID: taskID, From: step[0], To: step[1]}); err != nil {
			return "", fmt.Errorf("transition %s->%s: %w", step[0], step[1], err)
		}
	}

	req := action.NewRequest(taskID, sessionID, "payment", "charge", map[string]any{"amount": 42})
	key := req.IdempotencyKey()
	if _, _, err := store.ClaimIdempotencyKey(ctx, key, req); err != nil {
		return "", fmt.Errorf("claim key: %w", err)
	}
	fmt.Printf("PLANTED task %s (EXECUTING) and outbox key %s\n", taskID, key)
	return key, nil
}

func moduleRoot() string {
	out, err := exec.Command("go", "env", "GOMOD").Output()
	if err != nil {
		fmt.Fprintf(os.Stderr, "go env GOMOD: %v\n", err)
		os.Exit(1)
	}
	gomod := strings.TrimSpace(string(out))
	if gomod == "" || gomod == os.DevNull {
		fmt.Fprintln(os.Stderr, "go env GOMOD returned empty; expected path to go.mod")
		os.Exit(1)
	}
	return filepath.Dir(gomod)
}

func pickFreeAddr() string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		fmt.Fprintf(os.Stderr, "pick free addr: %v\n", err)
		os.Exit(1)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	return addr
}

func waitHealthy(addr string, timeout time.Duration) error {
	url := fmt.Sprintf("http://%s/healthz", addr)
	deadline := time.Now().Add(timeout)
	client := &http.Client{Timeout: 2 * time.Second}
	for time.Now().Before(deadline) {
		resp, err := client.Get(url)
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		time.Sleep(200 * time.Millisecond)
	}
	return fmt.Errorf("healthz at %s not OK after %v", addr, timeout)
}
