package watchdog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// CrashReports returns a Summarizer that writes each crash as JSON under dir
// and answers with the report path and the last few output lines.
func CrashReports(dir string, lines int) Summarizer {
	if lines <= 0 {
		lines = 5
	}
	return func(_ context.Context, c Crash) (string, error) {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", err
		}
		data, err := json.MarshalIndent(c, "", "  ")
		if err != nil {
			return "", err
		}
		name := fmt.Sprintf("crash-%s-run%d.json", c.At.UTC().Format("20060102T150405Z"), c.Run)
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return "", err
		}
		last := c.Tail
		if len(last) > lines {
			last = last[len(last)-lines:]
		}
		return fmt.Sprintf("report: %s\n%s", path, strings.Join(last, "\n")), nil
	}
}
