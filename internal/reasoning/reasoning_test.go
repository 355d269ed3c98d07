package reasoning

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/warden/internal/breaker"
)

type failingDecider struct {
	calls atomic.Int32
}

func (f *failingDecider) ParseIntent(context.Context, Input) (Intent, error) {
	f.calls.Add(1)
	return Intent{}, errors.New("503 from upstream")
}

func (f *failingDecider) Decide(context.Context, Intent, []Observation) (Plan, error) {
	f.calls.Add(1)
	return Plan{}, errors.New("503 from upstream")
}

func TestGuardedFallsBackAndStopsCallingPrimary(t *testing.T) {
	primary := &failingDecider{}
	b := breaker.New(breaker.Config{Name: "reasoning", Threshold: 3, Window: time.Minute, Cooldown: time.Hour})
	g := Guarded{Primary: primary, Fallback: RuleDecider{}, Breaker: b}
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		plan, err := g.Decide(ctx, Intent{Goal: "email bob"}, nil)
		if err != nil {
			t.Fatalf("decide %d: %v", i, err)
		}
		if !plan.Degraded || len(plan.Actions) != 0 {
			t.Fatalf("expected degraded plan without actions, got %+v", plan)
		}
	}
	if b.State() != breaker.StateOpen {
		t.Fatalf("expected breaker open, got %s", b.State())
	}

	intent, err := g.ParseIntent(ctx, Input{Text: "email bob"})
	if err != nil || !intent.Degraded || intent.Goal != "email bob" {
		t.Fatalf("unexpected intent %+v err=%v", intent, err)
	}
	if got := primary.calls.Load(); got != 3 {
		t.Fatalf("primary must not be called while open, got %d calls", got)
	}
}

func TestGuardedWithoutFallbackSurfacesUnavailable(t *testing.T) {
	b := breaker.New(breaker.Config{Name: "reasoning"})
	g := Guarded{Primary: &failingDecider{}, Breaker: b}
	if _, err := g.Decide(context.Background(), Intent{}, nil); err == nil {
		t.Fatal("expected error without fallback")
	}
}

func TestPlanDeciderRunsExplicitActionsOnce(t *testing.T) {
	d := PlanDecider{}
	ctx := context.Background()
	intent, _ := d.ParseIntent(ctx, Input{Text: "note it", Actions: []ProposedAction{{Tool: "notes", Operation: "append"}}})
	plan, _ := d.Decide(ctx, intent, nil)
	if len(plan.Actions) != 1 {
		t.Fatalf("expected the explicit action, got %+v", plan)
	}
	plan, _ = d.Decide(ctx, intent, []Observation{{Tool: "notes", Operation: "append", Outcome: OutcomeOK, Output: "appended"}})
	if len(plan.Actions) != 0 || !strings.Contains(plan.Response, "notes.append: ok") {
		t.Fatalf("expected summary response, got %+v", plan)
	}
}

func TestHTTPDecider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/intent":
			var in Input
			_ = json.NewDecoder(r.Body).Decode(&in)
			_ = json.NewEncoder(w).Encode(Intent{Goal: strings.ToUpper(in.Text)})
		case "/decide":
			_ = json.NewEncoder(w).Encode(Plan{Actions: []ProposedAction{{Tool: "clock", Operation: "now"}}})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	d := NewHTTPDecider(srv.URL+"/", "secret", time.Second)
	intent, err := d.ParseIntent(context.Background(), Input{Text: "what time"})
	if err != nil || intent.Goal != "WHAT TIME" {
		t.Fatalf("intent: %+v err=%v", intent, err)
	}
	plan, err := d.Decide(context.Background(), intent, nil)
	if err != nil || len(plan.Actions) != 1 || plan.Actions[0].Tool != "clock" {
		t.Fatalf("plan: %+v err=%v", plan, err)
	}

	bad := NewHTTPDecider(srv.URL, "wrong", time.Second)
	if _, err := bad.ParseIntent(context.Background(), Input{}); err == nil || !strings.Contains(err.Error(), "401") {
		t.Fatalf("expected 401 error, got %v", err)
	}
}
