package notify

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Throttled limits how often non-critical alerts reach the wrapped notifier.
// Critical alerts always pass.
type Throttled struct {
	next    Notifier
	limiter *rate.Limiter
	dropped atomic.Int64
}

// NewThrottled allows one message per every, with bursts of up to burst.
func NewThrottled(next Notifier, every time.Duration, burst int) *Throttled {
	if every <= 0 {
		every = time.Minute
	}
	if burst <= 0 {
		burst = 1
	}
	return &Throttled{
		next:    next,
		limiter: rate.NewLimiter(rate.Every(every), burst),
	}
}

func (t *Throttled) Notify(ctx context.Context, msg Message) error {
	if msg.Severity != SeverityCritical && !t.limiter.Allow() {
		t.dropped.Add(1)
		return nil
	}
	return t.next.Notify(ctx, msg)
}

// Dropped returns how many messages were suppressed.
func (t *Throttled) Dropped() int64 {
	return t.dropped.Load()
}
