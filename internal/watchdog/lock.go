package watchdog

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

var ErrLocked = errors.New("another watchdog holds the lock")

// Lock is an exclusive flock on a file. The holder's pid is written into it.
type Lock struct {
	path string
	file *os.File
}

func AcquireLock(path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EAGAIN) {
			return nil, fmt.Errorf("%w (%s)", ErrLocked, holderHint(path))
		}
		return nil, fmt.Errorf("flock %s: %w", path, err)
	}
	meta, _ := json.Marshal(map[string]any{"pid": os.Getpid(), "acquired_at": time.Now().UTC().Format(time.RFC3339)})
	if err := f.Truncate(0); err == nil {
		_, _ = f.WriteAt(meta, 0)
	}
	return &Lock{path: path, file: f}, nil
}

func holderHint(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return "holder unknown"
	}
	var meta struct {
		PID int `json:"pid"`
	}
	if json.Unmarshal([]byte(strings.TrimSpace(string(data))), &meta) != nil || meta.PID == 0 {
		return "holder unknown"
	}
	return "pid " + strconv.Itoa(meta.PID)
}

func (l *Lock) Path() string { return l.path }

func (l *Lock) Release() error {
	unlockErr := unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	closeErr := l.file.Close()
	if unlockErr != nil {
		return fmt.Errorf("unlock: %w", unlockErr)
	}
	return closeErr
}
