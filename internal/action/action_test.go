package action

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestIdempotencyKey_StableAcrossCopies(t *testing.T) {
	a := NewRequest("task-1", "s1", "notes", "append", map[string]any{"text": "hi", "n": 2})
	b := NewRequest("task-1", "s1", "notes", "append", map[string]any{"n": 2, "text": "hi"})
	if a.ID == b.ID {
		t.Fatalf("expected distinct request ids")
	}
	if a.IdempotencyKey() != b.IdempotencyKey() {
		t.Fatalf("expected equal keys for same task/tool/op/params")
	}
	if len(a.IdempotencyKey()) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(a.IdempotencyKey()))
	}
}

func TestIdempotencyKey_Varies(t *testing.T) {
	base := NewRequest("task-1", "", "notes", "append", map[string]any{"text": "hi"})
	cases := map[string]Request{
		"task":   NewRequest("task-2", "", "notes", "append", map[string]any{"text": "hi"}),
		"tool":   NewRequest("task-1", "", "mail", "append", map[string]any{"text": "hi"}),
		"op":     NewRequest("task-1", "", "notes", "delete", map[string]any{"text": "hi"}),
		"params": NewRequest("task-1", "", "notes", "append", map[string]any{"text": "bye"}),
	}
	for name, req := range cases {
		if req.IdempotencyKey() == base.IdempotencyKey() {
			t.Fatalf("%s: expected different key", name)
		}
	}
}

func TestApprovalTokenDoesNotChangeKey(t *testing.T) {
	req := NewRequest("task-1", "", "payments", "transfer", map[string]any{"amount": 10})
	approved := req.WithApprovalToken("tok")
	if approved.IdempotencyKey() != req.IdempotencyKey() {
		t.Fatalf("approval token must not affect the key")
	}
	if req.ApprovalToken != "" {
		t.Fatalf("original request mutated")
	}
}

func TestRebindProducesFreshKey(t *testing.T) {
	req := NewRequest("task-1", "s", "notes", "append", map[string]any{"text": "x"})
	again := req.Rebind("task-1", "s")
	if again.IdempotencyKey() == req.IdempotencyKey() {
		t.Fatalf("expected fresh key after rebind")
	}
	again.Parameters["text"] = "changed"
	if req.Parameters["text"] != "x" {
		t.Fatalf("rebind must copy parameters")
	}
}

func TestNewRequestCopiesParams(t *testing.T) {
	params := map[string]any{"a": 1}
	req := NewRequest("t", "", "x", "y", params)
	params["a"] = 2
	if req.Parameters["a"] != 1 {
		t.Fatalf("request shares caller map")
	}
}

func TestParseRiskLevel(t *testing.T) {
	level, err := ParseRiskLevel(" write ")
	if err != nil || level != RiskWrite {
		t.Fatalf("expected WRITE, got %q err=%v", level, err)
	}
	if _, err := ParseRiskLevel("spicy"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
	if RiskRead.SideEffecting() || !RiskIrreversible.SideEffecting() {
		t.Fatalf("unexpected SideEffecting result")
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorClass
	}{
		{nil, ClassNone},
		{fmt.Errorf("wrap: %w", ErrAmbiguousOutcome), ClassAmbiguousOutcome},
		{Permanent("bad %s", "params"), ClassPermanentFailure},
		{fmt.Errorf("x: %w", ErrRateLimitExceeded), ClassRateLimitExceeded},
		{errors.New("connection reset by peer"), ClassSideEffectFailure},
		{errors.New("404 not found"), ClassSideEffectFailure},
		{errors.New("upstream says: record not found, try later"), ClassSideEffectFailure},
		{&StatusError{Code: 404, Err: errors.New("no such mailbox")}, ClassPermanentFailure},
		{fmt.Errorf("send: %w", &StatusError{Code: 403}), ClassPermanentFailure},
		{&StatusError{Code: 429}, ClassSideEffectFailure},
		{&StatusError{Code: 408}, ClassSideEffectFailure},
		{&StatusError{Code: 503, Err: errors.New("not found upstream")}, ClassSideEffectFailure},
		{&StatusError{Code: 400, Err: ErrSideEffectFailure}, ClassSideEffectFailure},
		{Transient("flaky"), ClassSideEffectFailure},
	}
	for _, tc := range tests {
		if got := Classify(tc.err); got != tc.want {
			t.Fatalf("Classify(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}

func TestRetryable(t *testing.T) {
	if !Retryable(errors.New("timeout")) {
		t.Fatalf("expected transient error to be retryable")
	}
	if Retryable(Permanent("nope")) {
		t.Fatalf("permanent must not be retryable")
	}
	if Retryable(context.Canceled) {
		t.Fatalf("cancellation must not be retryable")
	}
}
