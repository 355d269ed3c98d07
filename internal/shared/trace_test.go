package shared

import (
	"context"
	"testing"
)

func TestTraceID_DefaultDash(t *testing.T) {
	ctx := context.Background()
	if got := TraceID(ctx); got != "-" {
		t.Fatalf("expected -, got %q", got)
	}
	ctx = WithTraceID(ctx, "abc")
	if got := TraceID(ctx); got != "abc" {
		t.Fatalf("expected abc, got %q", got)
	}
}

func TestTaskContext(t *testing.T) {
	ctx := TaskContext(context.Background(), "task-1", "sess-1")
	if TaskID(ctx) != "task-1" || SessionID(ctx) != "sess-1" {
		t.Fatalf("expected task and session ids, got %q %q", TaskID(ctx), SessionID(ctx))
	}
	if TraceID(ctx) == "-" {
		t.Fatalf("expected generated trace id")
	}

	kept := TaskContext(WithTraceID(context.Background(), "fixed"), "task-2", "")
	if TraceID(kept) != "fixed" {
		t.Fatalf("expected existing trace id to be kept, got %q", TraceID(kept))
	}
	if SessionID(kept) != "" {
		t.Fatalf("expected empty session, got %q", SessionID(kept))
	}
}

func TestRunID_RoundTrip(t *testing.T) {
	id := NewRunID()
	ctx := WithRunID(context.Background(), id)
	if RunID(ctx) != id {
		t.Fatalf("expected %q, got %q", id, RunID(ctx))
	}
}
