package dlq

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/warden/internal/action"
	"github.com/basket/warden/internal/notify"
	"github.com/basket/warden/internal/persistence"
)

type fakeResubmitter struct {
	reqs []action.Request
	err  error
}

func (f *fakeResubmitter) Resubmit(_ context.Context, req action.Request) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.reqs = append(f.reqs, req)
	return req.TaskID, nil
}

func newTestQueue(t *testing.T) (*Queue, *persistence.Store, *notify.Memory) {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "warden.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	mem := &notify.Memory{}
	q, err := New(Config{Store: store, Notifier: mem})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	return q, store, mem
}

func failures(n int) []persistence.FailureRecord {
	out := make([]persistence.FailureRecord, n)
	for i := range out {
		out[i] = persistence.FailureRecord{
			Attempt: i + 1,
			Class:   string(action.ClassSideEffectFailure),
			Error:   "smtp 451",
			At:      time.Now().UTC(),
		}
	}
	return out
}

func postRequest() action.Request {
	return action.NewRequest("task-7", "s1", "social", "post", map[string]any{"text": "hello"})
}

func TestParkRequiresFullHistory(t *testing.T) {
	q, _, mem := newTestQueue(t)
	if _, err := q.Park(context.Background(), postRequest(), failures(2), false); !errors.Is(err, ErrTooFewFailures) {
		t.Fatalf("expected ErrTooFewFailures, got %v", err)
	}
	if _, err := q.Park(context.Background(), postRequest(), nil, true); !errors.Is(err, ErrTooFewFailures) {
		t.Fatalf("permanent park still needs one failure, got %v", err)
	}
	if len(mem.Messages()) != 0 {
		t.Fatal("rejected parks must not alert")
	}
}

func TestParkExactlyOnceWithOneAlert(t *testing.T) {
	q, _, mem := newTestQueue(t)
	req := postRequest()
	first, err := q.Park(context.Background(), req, failures(3), false)
	if err != nil {
		t.Fatalf("park: %v", err)
	}
	second, err := q.Park(context.Background(), req, failures(3), false)
	if err != nil {
		t.Fatalf("second park: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected the same entry, got %s and %s", first.ID, second.ID)
	}
	if got := len(mem.Messages()); got != 1 {
		t.Fatalf("expected exactly one alert, got %d", got)
	}
	pending, err := q.ListPending(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(pending) != 1 || len(pending[0].Failures) != 3 {
		t.Fatalf("unexpected pending entries %+v", pending)
	}
	if pending[0].Request.Parameters["text"] != "hello" {
		t.Fatalf("original request not preserved: %+v", pending[0].Request)
	}
}

func TestPermanentFailureParksImmediately(t *testing.T) {
	q, _, _ := newTestQueue(t)
	e, err := q.Park(context.Background(), postRequest(), failures(1), true)
	if err != nil {
		t.Fatalf("park: %v", err)
	}
	if !e.Permanent {
		t.Fatal("expected permanent flag")
	}
}

func TestResolveDiscardOnce(t *testing.T) {
	q, _, _ := newTestQueue(t)
	e, _ := q.Park(context.Background(), postRequest(), failures(3), false)

	res, err := q.Resolve(context.Background(), e.ID, DecisionDiscard, "bob")
	if err != nil {
		t.Fatalf("discard: %v", err)
	}
	if res.Entry.Resolution != persistence.ResolutionDiscarded || res.Entry.ResolvedBy != "bob" {
		t.Fatalf("unexpected entry %+v", res.Entry)
	}
	if _, err := q.Resolve(context.Background(), e.ID, DecisionRetry, "bob"); !errors.Is(err, ErrAlreadyResolved) {
		t.Fatalf("expected ErrAlreadyResolved, got %v", err)
	}
	if _, err := q.Resolve(context.Background(), "nope", DecisionDiscard, ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRetryRefusedWhenSideEffectMayHaveOccurred(t *testing.T) {
	for _, status := range []persistence.LedgerStatus{persistence.LedgerSent, persistence.LedgerPending} {
		t.Run(string(status), func(t *testing.T) {
			q, store, _ := newTestQueue(t)
			sub := &fakeResubmitter{}
			q.SetResubmitter(sub)
			req := postRequest()
			key := req.IdempotencyKey()
			if _, _, err := store.ClaimIdempotencyKey(context.Background(), key, req); err != nil {
				t.Fatalf("claim: %v", err)
			}
			if status == persistence.LedgerSent {
				if err := store.CompleteIdempotencyKey(context.Background(), key, `{"output":"ok"}`); err != nil {
					t.Fatalf("complete: %v", err)
				}
			}
			e, _ := q.Park(context.Background(), req, failures(3), false)

			if _, err := q.Resolve(context.Background(), e.ID, DecisionRetry, ""); !errors.Is(err, ErrSideEffectMayHaveOccurred) {
				t.Fatalf("expected ErrSideEffectMayHaveOccurred, got %v", err)
			}
			if len(sub.reqs) != 0 {
				t.Fatal("nothing may be resubmitted")
			}
			got, _ := q.Get(context.Background(), e.ID)
			if got.Resolution != persistence.ResolutionPending {
				t.Fatalf("entry should stay pending, got %s", got.Resolution)
			}
		})
	}
}

func TestRetryResubmitsWithFreshKey(t *testing.T) {
	q, store, _ := newTestQueue(t)
	sub := &fakeResubmitter{}
	q.SetResubmitter(sub)
	req := postRequest()
	key := req.IdempotencyKey()
	if _, _, err := store.ClaimIdempotencyKey(context.Background(), key, req); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.FailIdempotencyKey(context.Background(), key, "smtp 451"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	e, _ := q.Park(context.Background(), req, failures(3), false)

	res, err := q.Resolve(context.Background(), e.ID, DecisionRetry, "ops")
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if len(sub.reqs) != 1 {
		t.Fatalf("expected one resubmission, got %d", len(sub.reqs))
	}
	fresh := sub.reqs[0]
	if fresh.IdempotencyKey() == key || res.RetryKey != fresh.IdempotencyKey() {
		t.Fatalf("expected a fresh idempotency key, got %s (orig %s)", res.RetryKey, key)
	}
	if fresh.TaskID == req.TaskID || res.RetryTaskID != fresh.TaskID {
		t.Fatalf("expected a new task id, got %s", fresh.TaskID)
	}
	if res.Entry.Resolution != persistence.ResolutionRetried || res.Entry.RetryKey != res.RetryKey {
		t.Fatalf("unexpected entry %+v", res.Entry)
	}
}

func TestRetryReopensWhenResubmitFails(t *testing.T) {
	q, _, _ := newTestQueue(t)
	q.SetResubmitter(&fakeResubmitter{err: errors.New("queue full")})
	e, _ := q.Park(context.Background(), postRequest(), failures(3), false)

	if _, err := q.Resolve(context.Background(), e.ID, DecisionRetry, ""); err == nil {
		t.Fatal("expected resubmit error")
	}
	got, _ := q.Get(context.Background(), e.ID)
	if got.Resolution != persistence.ResolutionPending || got.RetryKey != "" {
		t.Fatalf("expected entry reopened, got %+v", got)
	}
}

func TestParseDecision(t *testing.T) {
	if d, err := ParseDecision("retry"); err != nil || d != DecisionRetry {
		t.Fatalf("got %q %v", d, err)
	}
	if _, err := ParseDecision("maybe"); err == nil {
		t.Fatal("expected error")
	}
}
