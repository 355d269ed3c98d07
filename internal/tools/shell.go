package tools

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"time"

	"github.com/basket/warden/internal/action"
	"github.com/basket/warden/internal/shared"
)

const (
	defaultShellTimeout = 30 * time.Second
	maxShellTimeout     = 120 * time.Second
	maxShellOutput      = 8 * 1024
)

// Executor runs a shell command.
type Executor interface {
	Exec(ctx context.Context, cmd, workDir string) (stdout, stderr string, exitCode int, err error)
}

// HostExecutor runs commands locally through sh -c.
type HostExecutor struct{}

func (HostExecutor) Exec(ctx context.Context, cmd, workDir string) (string, string, int, error) {
	c := exec.CommandContext(ctx, "sh", "-c", cmd)
	if workDir != "" {
		c.Dir = workDir
	}
	var outBuf, errBuf bytes.Buffer
	c.Stdout = &outBuf
	c.Stderr = &errBuf

	err := c.Run()
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return outBuf.String(), errBuf.String(), 0, nil
	case errors.As(err, &exitErr):
		return outBuf.String(), errBuf.String(), exitErr.ExitCode(), nil
	default:
		return outBuf.String(), errBuf.String(), -1, err
	}
}

// deniedCommands are never executed, even with approval.
var deniedCommands = map[string]struct{}{
	"rm":       {},
	"rmdir":    {},
	"mkfs":     {},
	"dd":       {},
	"shutdown": {},
	"reboot":   {},
	"halt":     {},
	"poweroff": {},
	"kill":     {},
	"killall":  {},
	"pkill":    {},
	"sudo":     {},
	"su":       {},
	"chmod":    {},
	"chown":    {},
}

// checkCommand rejects injection operators and denied commands in any
// pipeline segment.
func checkCommand(cmd string) error {
	if strings.TrimSpace(cmd) == "" {
		return action.Permanent("empty command")
	}
	for _, op := range []string{";", "$(", "`", "\n"} {
		if strings.Contains(cmd, op) {
			return action.Permanent("command contains disallowed operator %q", op)
		}
	}
	for _, seg := range splitCommandSegments(cmd) {
		for _, tok := range strings.Fields(seg) {
			if _, blocked := deniedCommands[tok]; blocked {
				return action.Permanent("command %q is on the deny list", tok)
			}
		}
	}
	return nil
}

// splitCommandSegments splits cmd at "||", "&&" and "|".
func splitCommandSegments(cmd string) []string {
	var segments []string
	rest := cmd
	for rest != "" {
		idx, n := len(rest), 0
		for _, op := range []string{"||", "&&", "|"} {
			if i := strings.Index(rest, op); i >= 0 && i < idx {
				idx, n = i, len(op)
			}
		}
		if seg := strings.TrimSpace(rest[:idx]); seg != "" {
			segments = append(segments, seg)
		}
		if n == 0 {
			break
		}
		rest = rest[idx+n:]
	}
	return segments
}

func truncateOutput(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "\n... (truncated)"
}

func shellTool(executor Executor, workDir string) Tool {
	if executor == nil {
		executor = HostExecutor{}
	}
	return Tool{
		Name:        "shell",
		Operation:   "exec",
		Risk:        action.RiskIrreversible,
		Description: "Run a shell command on the host. Output is truncated and redacted.",
		ParamsSchema: []byte(`{
			"type": "object",
			"properties": {
				"command": {"type": "string", "minLength": 1},
				"timeout_sec": {"type": "integer", "minimum": 1}
			},
			"required": ["command"],
			"additionalProperties": false
		}`),
		Handler: func(ctx context.Context, req action.Request) (action.Result, error) {
			cmd, _ := req.Parameters["command"].(string)
			if err := checkCommand(cmd); err != nil {
				return action.Result{}, err
			}

			timeout := defaultShellTimeout
			if secs, ok := req.Parameters["timeout_sec"].(float64); ok && secs > 0 {
				timeout = min(time.Duration(secs)*time.Second, maxShellTimeout)
			}
			if secs, ok := req.Parameters["timeout_sec"].(int); ok && secs > 0 {
				timeout = min(time.Duration(secs)*time.Second, maxShellTimeout)
			}
			execCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			stdout, stderr, code, err := executor.Exec(execCtx, cmd, workDir)
			if err != nil {
				if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
					return action.Result{}, action.Transient("command timed out after %s", timeout)
				}
				return action.Result{}, action.Transient("exec: %v", err)
			}
			stdout = shared.Redact(truncateOutput(stdout, maxShellOutput))
			stderr = shared.Redact(truncateOutput(stderr, maxShellOutput))
			res := action.Result{
				Output: stdout,
				Data:   map[string]any{"stderr": stderr, "exit_code": code},
			}
			if code != 0 {
				return res, action.Transient("command exited with status %d", code)
			}
			return res, nil
		},
	}
}
