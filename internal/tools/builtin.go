package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/basket/warden/internal/action"
)

// BuiltinConfig selects and configures the built-in tools.
type BuiltinConfig struct {
	// NotesDir receives notes.append files.
	NotesDir     string
	ShellEnabled bool
	ShellWorkDir string
	Executor     Executor
	Now          func() time.Time
}

// RegisterBuiltins adds clock.now, notes.append and, when enabled, shell.exec.
func RegisterBuiltins(r *Registry, cfg BuiltinConfig) error {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	builtins := []Tool{
		clockTool(cfg.Now),
		notesTool(cfg.NotesDir, cfg.Now),
	}
	if cfg.ShellEnabled {
		builtins = append(builtins, shellTool(cfg.Executor, cfg.ShellWorkDir))
	}
	for _, t := range builtins {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}

func clockTool(now func() time.Time) Tool {
	return Tool{
		Name:        "clock",
		Operation:   "now",
		Risk:        action.RiskRead,
		Description: "Current time, optionally in an IANA zone.",
		ParamsSchema: []byte(`{
			"type": "object",
			"properties": {"zone": {"type": "string"}},
			"additionalProperties": false
		}`),
		Handler: func(_ context.Context, req action.Request) (action.Result, error) {
			t := now()
			if zone, _ := req.Parameters["zone"].(string); zone != "" {
				loc, err := time.LoadLocation(zone)
				if err != nil {
					return action.Result{}, action.Permanent("unknown zone %q", zone)
				}
				t = t.In(loc)
			}
			s := t.Format(time.RFC3339)
			return action.Result{Output: s, Data: map[string]any{"unix": t.Unix()}}, nil
		},
	}
}

var noteNameRe = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

func notesTool(dir string, now func() time.Time) Tool {
	var mu sync.Mutex
	return Tool{
		Name:        "notes",
		Operation:   "append",
		Risk:        action.RiskWrite,
		Description: "Append a line to a named note file.",
		ParamsSchema: []byte(`{
			"type": "object",
			"properties": {
				"name": {"type": "string", "minLength": 1},
				"text": {"type": "string", "minLength": 1}
			},
			"required": ["name", "text"],
			"additionalProperties": false
		}`),
		Handler: func(_ context.Context, req action.Request) (action.Result, error) {
			if dir == "" {
				return action.Result{}, action.Permanent("notes directory not configured")
			}
			name, _ := req.Parameters["name"].(string)
			text, _ := req.Parameters["text"].(string)
			if !noteNameRe.MatchString(name) {
				return action.Result{}, action.Permanent("invalid note name %q", name)
			}

			mu.Lock()
			defer mu.Unlock()
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return action.Result{}, action.Transient("create notes dir: %v", err)
			}
			path := filepath.Join(dir, name+".md")
			f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
			if err != nil {
				return action.Result{}, action.Transient("open note: %v", err)
			}
			line := fmt.Sprintf("- %s %s\n", now().UTC().Format(time.RFC3339), strings.TrimSpace(text))
			_, werr := f.WriteString(line)
			cerr := f.Close()
			if werr != nil {
				return action.Result{}, action.Transient("write note: %v", werr)
			}
			if cerr != nil {
				return action.Result{}, action.Transient("close note: %v", cerr)
			}
			return action.Result{Output: "appended to " + name, Data: map[string]any{"bytes": len(line)}}, nil
		},
	}
}
