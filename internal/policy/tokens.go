package policy

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

type grant struct {
	taskID    string
	key       string
	expiresAt time.Time
}

// Tokens issues single-use approval tokens. A token is bound to one task and
// one idempotency key; presenting it for anything else fails.
type Tokens struct {
	mu     sync.Mutex
	ttl    time.Duration
	now    func() time.Time
	grants map[string]grant
}

func NewTokens(ttl time.Duration, now func() time.Time) *Tokens {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if now == nil {
		now = time.Now
	}
	return &Tokens{ttl: ttl, now: now, grants: map[string]grant{}}
}

// Issue creates a token for (taskID, key).
func (t *Tokens) Issue(taskID, key string) string {
	tok := "apv_" + uuid.NewString()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pruneLocked()
	t.grants[tok] = grant{taskID: taskID, key: key, expiresAt: t.now().Add(t.ttl)}
	return tok
}

// Valid reports whether tok is live for (taskID, key) without consuming it.
func (t *Tokens) Valid(tok, taskID, key string) bool {
	if tok == "" {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	g, ok := t.grants[tok]
	return ok && g.taskID == taskID && g.key == key && t.now().Before(g.expiresAt)
}

// Consume validates tok for (taskID, key) and invalidates it.
func (t *Tokens) Consume(tok, taskID, key string) bool {
	if tok == "" {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	g, ok := t.grants[tok]
	if !ok || g.taskID != taskID || g.key != key {
		return false
	}
	delete(t.grants, tok)
	return t.now().Before(g.expiresAt)
}

func (t *Tokens) pruneLocked() {
	now := t.now()
	for tok, g := range t.grants {
		if !now.Before(g.expiresAt) {
			delete(t.grants, tok)
		}
	}
}
