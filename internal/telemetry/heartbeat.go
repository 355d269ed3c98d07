package telemetry

import (
	"context"
	"log/slog"
	"time"
)

// HeartbeatMessage is the log message the watchdog watches for.
const HeartbeatMessage = "heartbeat"

// RunHeartbeat logs a heartbeat line immediately and then every interval
// until ctx is done. stats, when non-nil, contributes extra attributes.
func RunHeartbeat(ctx context.Context, logger *slog.Logger, interval time.Duration, stats func() []any) {
	if logger == nil {
		logger = slog.Default()
	}
	// The watchdog kills a child that stops beating, so log_level must
	// not silence the line.
	logger = slog.New(unfiltered{logger.Handler()})
	if interval <= 0 {
		interval = 30 * time.Second
	}
	beat := func() {
		var attrs []any
		if stats != nil {
			attrs = stats()
		}
		logger.Info(HeartbeatMessage, attrs...)
	}

	beat()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			beat()
		}
	}
}

// unfiltered admits every level. The wrapped handler still formats and
// redacts the record.
type unfiltered struct{ slog.Handler }

func (unfiltered) Enabled(context.Context, slog.Level) bool { return true }

func (h unfiltered) WithAttrs(attrs []slog.Attr) slog.Handler {
	return unfiltered{h.Handler.WithAttrs(attrs)}
}

func (h unfiltered) WithGroup(name string) slog.Handler {
	return unfiltered{h.Handler.WithGroup(name)}
}
