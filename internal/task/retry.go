package task

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
)

const (
	defaultBackoffBase = time.Second
	defaultBackoffMax  = 30 * time.Second
)

// retryDelay doubles base per attempt up to max and adds a jitter of up to
// half the step. The jitter is derived from the key and attempt, so the same
// retry always waits the same time.
func retryDelay(key string, attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		base = defaultBackoffBase
	}
	if max < base {
		max = base
	}
	if attempt < 1 {
		attempt = 1
	}
	step := base
	for i := 1; i < attempt; i++ {
		step *= 2
		if step >= max {
			step = max
			break
		}
	}
	jitterMax := step / 2
	if jitterMax <= 0 {
		jitterMax = time.Millisecond
	}
	sum := sha256.Sum256([]byte(key + ":" + strconv.Itoa(attempt)))
	h := hex.EncodeToString(sum[:])
	source, _ := strconv.ParseUint(h[:8], 16, 64)
	delay := step + time.Duration(int64(source%uint64(jitterMax)))
	if delay > max {
		delay = max
	}
	return delay
}
