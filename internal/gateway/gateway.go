// Package gateway serves the operations API: DLQ resolution, breaker
// status, task control, audit queries, approvals and outbox confirmation.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/basket/warden/internal/approval"
	"github.com/basket/warden/internal/audit"
	"github.com/basket/warden/internal/breaker"
	"github.com/basket/warden/internal/bus"
	"github.com/basket/warden/internal/dlq"
	otelPkg "github.com/basket/warden/internal/otel"
	"github.com/basket/warden/internal/outbox"
	"github.com/basket/warden/internal/persistence"
	"github.com/basket/warden/internal/policy"
	"github.com/basket/warden/internal/reasoning"
	"github.com/basket/warden/internal/task"
)

const (
	maxBodyBytes     = 1 << 20
	defaultAuditRows = 100
	maxAuditRows     = 1000
	maxTaskWait      = 60 * time.Second

	// ActorHeader names the operator in audit records.
	ActorHeader = "X-Warden-Actor"
)

type Config struct {
	Store     *persistence.Store
	Scheduler *task.Scheduler
	DLQ       *dlq.Queue
	Outbox    *outbox.Outbox
	Approvals *approval.Broker
	Breakers  []*breaker.Breaker
	Gate      *policy.Gate
	Audit     *audit.Log
	Bus       *bus.Bus
	Logger    *slog.Logger
	Metrics   *otelPkg.Metrics

	AuthToken string
	// AllowOrigins are accepted Origin patterns for browser websocket clients.
	// Empty means same-origin only.
	AllowOrigins []string
	RateLimit    RateLimitConfig

	// ConfigFingerprint is reported by /healthz.
	ConfigFingerprint string
}

type Server struct {
	cfg          Config
	limiter      *RateLimiter
	registry     *prometheus.Registry
	httpRequests *prometheus.CounterVec
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Server{cfg: cfg, limiter: NewRateLimiter(cfg.RateLimit)}
	s.registry = s.newRegistry()
	return s
}

// Limiter exposes the per-caller limiter so the owner can run eviction.
func (s *Server) Limiter() *RateLimiter { return s.limiter }

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics/prometheus", s.metricsHandler())
	mux.HandleFunc("GET /ws/audit", s.handleAuditStream)

	mux.HandleFunc("GET /api/dlq", s.handleDLQList)
	mux.HandleFunc("GET /api/dlq/{id}", s.handleDLQGet)
	mux.HandleFunc("POST /api/dlq/{id}/resolve", s.handleDLQResolve)

	mux.HandleFunc("GET /api/breaker", s.handleBreakerStatus)
	mux.HandleFunc("POST /api/breaker/reset", s.handleBreakerReset)

	mux.HandleFunc("POST /api/tasks", s.handleTaskSubmit)
	mux.HandleFunc("GET /api/tasks/{id}", s.handleTaskGet)
	mux.HandleFunc("POST /api/tasks/{id}/cancel", s.handleTaskCancel)

	mux.HandleFunc("GET /api/audit", s.handleAuditQuery)

	mux.HandleFunc("GET /api/approvals", s.handleApprovalList)
	mux.HandleFunc("POST /api/approvals/{id}", s.handleApprovalRespond)

	mux.HandleFunc("GET /api/ratelimit", s.handleRateLimitScopes)
	mux.HandleFunc("GET /api/ratelimit/{scope}", s.handleRateLimitUsage)
	mux.HandleFunc("DELETE /api/ratelimit/{scope}", s.handleRateLimitReset)

	mux.HandleFunc("GET /api/outbox", s.handleOutboxPending)
	mux.HandleFunc("GET /api/outbox/{key}", s.handleOutboxGet)
	mux.HandleFunc("POST /api/outbox/{key}/confirm", s.handleOutboxConfirm)

	var h http.Handler = mux
	h = s.limiter.Wrap(h)
	h = authMiddleware(s.cfg.AuthToken, h)
	h = s.countRequests(h)
	return h
}

// Serve listens on addr until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.ServeListener(ctx, ln)
}

func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.cfg.Logger.Info("operations API listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown operations API: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// writeErr maps domain errors onto HTTP status codes.
func (s *Server) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, persistence.ErrNotFound), errors.Is(err, approval.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, dlq.ErrAlreadyResolved), errors.Is(err, approval.ErrAlreadyDecided),
		errors.Is(err, persistence.ErrConflict), errors.Is(err, dlq.ErrSideEffectMayHaveOccurred):
		code = http.StatusConflict
	case errors.Is(err, task.ErrQueueFull):
		code = http.StatusTooManyRequests
	case errors.Is(err, task.ErrDraining), errors.Is(err, dlq.ErrNoResubmitter):
		code = http.StatusServiceUnavailable
	case errors.Is(err, errBadRequest):
		code = http.StatusBadRequest
	}
	if code == http.StatusInternalServerError {
		s.cfg.Logger.Error("operations API error", "path", r.URL.Path, "error", err)
	}
	writeError(w, code, err.Error())
}

var errBadRequest = errors.New("bad request")

func decodeBody(r *http.Request, w http.ResponseWriter, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: decode body: %v", errBadRequest, err)
	}
	return nil
}

func actorOf(r *http.Request, fromBody string) string {
	if a := strings.TrimSpace(fromBody); a != "" {
		return a
	}
	if a := strings.TrimSpace(r.Header.Get(ActorHeader)); a != "" {
		return a
	}
	return "operator"
}

func (s *Server) unavailable(w http.ResponseWriter, what string) {
	writeError(w, http.StatusServiceUnavailable, what+" not configured")
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if s.cfg.Store != nil {
		if err := s.cfg.Store.Ping(r.Context()); err != nil {
			dbOK = false
		}
	}
	payload := map[string]any{
		"healthy":            dbOK,
		"db_ok":              dbOK,
		"config_fingerprint": s.cfg.ConfigFingerprint,
	}
	if s.cfg.Gate != nil {
		payload["policy_version"] = s.cfg.Gate.Policy().PolicyVersion()
		payload["rate_limit_scopes"] = len(s.cfg.Gate.Limiter().Scopes())
	}
	if s.cfg.Scheduler != nil {
		payload["running_tasks"] = s.cfg.Scheduler.Running()
	}
	open := []string{}
	for _, b := range s.cfg.Breakers {
		if b.State() != breaker.StateClosed {
			open = append(open, b.Name())
		}
	}
	payload["degraded"] = len(open) > 0
	payload["breakers_not_closed"] = open
	code := http.StatusOK
	if !dbOK {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

// --- rate limit ---

func (s *Server) handleRateLimitScopes(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Gate == nil {
		s.unavailable(w, "policy gate")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"scopes": s.cfg.Gate.Limiter().Scopes()})
}

func (s *Server) handleRateLimitUsage(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Gate == nil {
		s.unavailable(w, "policy gate")
		return
	}
	scope := r.PathValue("scope")
	limiter := s.cfg.Gate.Limiter()
	if tool := strings.TrimSpace(r.URL.Query().Get("tool")); tool != "" {
		writeJSON(w, http.StatusOK, map[string]any{
			"scope": scope,
			"tools": map[string]int{tool: limiter.Usage(tool, scope)},
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"scope": scope,
		"tools": limiter.ScopeUsage(scope),
	})
}

// handleRateLimitReset gives a scope a fresh budget for every tool.
func (s *Server) handleRateLimitReset(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Gate == nil {
		s.unavailable(w, "policy gate")
		return
	}
	scope := r.PathValue("scope")
	n := s.cfg.Gate.Limiter().ResetScope(scope)
	actor := actorOf(r, "")
	s.cfg.Audit.Record(r.Context(), audit.Event{
		Category: audit.CategoryPolicy,
		Action:   "ratelimit.reset",
		Outcome:  "applied",
		Payload:  map[string]any{"scope": scope, "counters": n, "actor": actor},
	})
	s.cfg.Logger.Info("rate limit scope reset by operator", "scope", scope, "actor", actor, "counters", n)
	writeJSON(w, http.StatusOK, map[string]any{"scope": scope, "removed": n})
}

// --- DLQ ---

func (s *Server) handleDLQList(w http.ResponseWriter, r *http.Request) {
	if s.cfg.DLQ == nil {
		s.unavailable(w, "dlq")
		return
	}
	status := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("status")))
	switch status {
	case "":
		status = string(persistence.ResolutionPending)
	case "ALL":
		status = ""
	case string(persistence.ResolutionPending), string(persistence.ResolutionRetried), string(persistence.ResolutionDiscarded):
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", status))
		return
	}
	entries, err := s.cfg.DLQ.List(r.Context(), persistence.Resolution(status))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if entries == nil {
		entries = []persistence.DLQEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "total": len(entries)})
}

func (s *Server) handleDLQGet(w http.ResponseWriter, r *http.Request) {
	if s.cfg.DLQ == nil {
		s.unavailable(w, "dlq")
		return
	}
	e, err := s.cfg.DLQ.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

type resolveRequest struct {
	Decision string `json:"decision"`
	Actor    string `json:"actor,omitempty"`
}

func (s *Server) handleDLQResolve(w http.ResponseWriter, r *http.Request) {
	if s.cfg.DLQ == nil {
		s.unavailable(w, "dlq")
		return
	}
	var req resolveRequest
	if err := decodeBody(r, w, &req); err != nil {
		s.writeErr(w, r, err)
		return
	}
	decision, err := dlq.ParseDecision(req.Decision)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.cfg.DLQ.Resolve(r.Context(), r.PathValue("id"), decision, actorOf(r, req.Actor))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- breaker ---

func (s *Server) handleBreakerStatus(w http.ResponseWriter, _ *http.Request) {
	out := make([]breaker.Snapshot, 0, len(s.cfg.Breakers))
	for _, b := range s.cfg.Breakers {
		out = append(out, b.Snapshot())
	}
	writeJSON(w, http.StatusOK, map[string]any{"breakers": out})
}

type breakerResetRequest struct {
	Name  string `json:"name,omitempty"`
	Actor string `json:"actor,omitempty"`
}

// handleBreakerReset resets the named breaker, or every breaker when no name
// is given. An open breaker goes HALF_OPEN and admits one trial call.
func (s *Server) handleBreakerReset(w http.ResponseWriter, r *http.Request) {
	var req breakerResetRequest
	if r.ContentLength != 0 {
		if err := decodeBody(r, w, &req); err != nil {
			s.writeErr(w, r, err)
			return
		}
	}
	var reset []breaker.Snapshot
	for _, b := range s.cfg.Breakers {
		if req.Name != "" && b.Name() != req.Name {
			continue
		}
		b.Reset(r.Context())
		reset = append(reset, b.Snapshot())
	}
	if req.Name != "" && len(reset) == 0 {
		writeError(w, http.StatusNotFound, fmt.Sprintf("breaker %q not found", req.Name))
		return
	}
	s.cfg.Logger.Info("breaker reset by operator", "name", req.Name, "actor", actorOf(r, req.Actor), "count", len(reset))
	writeJSON(w, http.StatusOK, map[string]any{"breakers": reset})
}

// --- tasks ---

type submitRequest struct {
	SessionID string                     `json:"session_id,omitempty"`
	Text      string                     `json:"text"`
	Actions   []reasoning.ProposedAction `json:"actions,omitempty"`
}

func (s *Server) handleTaskSubmit(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Scheduler == nil {
		s.unavailable(w, "task scheduler")
		return
	}
	var req submitRequest
	if err := decodeBody(r, w, &req); err != nil {
		s.writeErr(w, r, err)
		return
	}
	if strings.TrimSpace(req.Text) == "" && len(req.Actions) == 0 {
		writeError(w, http.StatusBadRequest, "text or actions required")
		return
	}
	id, err := s.cfg.Scheduler.Submit(r.Context(), reasoning.Input{
		SessionID: req.SessionID,
		Text:      req.Text,
		Actions:   req.Actions,
	})
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": id})
}

// handleTaskGet returns the task status. ?wait=<duration> blocks until the
// task finishes or the wait elapses.
func (s *Server) handleTaskGet(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Scheduler == nil {
		s.unavailable(w, "task scheduler")
		return
	}
	id := r.PathValue("id")
	if raw := r.URL.Query().Get("wait"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			writeError(w, http.StatusBadRequest, "wait must be a duration such as 5s")
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), min(d, maxTaskWait))
		_, err = s.cfg.Scheduler.Wait(ctx, id)
		cancel()
		if errors.Is(err, persistence.ErrNotFound) {
			s.writeErr(w, r, err)
			return
		}
	}
	st, err := s.cfg.Scheduler.Get(r.Context(), id)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleTaskCancel(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Scheduler == nil {
		s.unavailable(w, "task scheduler")
		return
	}
	ok, err := s.cfg.Scheduler.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancel_requested": ok})
}

// --- audit ---

// parseTimeParam accepts RFC 3339 or a duration meaning "that long ago".
func parseTimeParam(raw string, now time.Time) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q is neither RFC 3339 nor a duration", errBadRequest, raw)
	}
	return now.Add(-d), nil
}

// ParseAuditFilter builds an audit filter from query parameters.
func ParseAuditFilter(q map[string][]string, now time.Time) (audit.Filter, error) {
	get := func(k string) string {
		if v := q[k]; len(v) > 0 {
			return strings.TrimSpace(v[0])
		}
		return ""
	}
	f := audit.Filter{
		Category: audit.Category(strings.ToLower(get("category"))),
		TaskID:   get("task_id"),
		Limit:    defaultAuditRows,
	}
	if raw := get("severity"); raw != "" {
		sev, err := audit.ParseSeverity(raw)
		if err != nil {
			return f, fmt.Errorf("%w: %v", errBadRequest, err)
		}
		f.MinSeverity = sev
	}
	var err error
	if f.Since, err = parseTimeParam(get("since"), now); err != nil {
		return f, err
	}
	if f.Until, err = parseTimeParam(get("until"), now); err != nil {
		return f, err
	}
	if raw := get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return f, fmt.Errorf("%w: limit must be a positive integer", errBadRequest)
		}
		f.Limit = min(n, maxAuditRows)
	}
	return f, nil
}

func (s *Server) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Audit == nil {
		s.unavailable(w, "audit log")
		return
	}
	f, err := ParseAuditFilter(r.URL.Query(), time.Now().UTC())
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	events := []audit.Event{}
	for ev, err := range s.cfg.Audit.Query(r.Context(), f) {
		if err != nil {
			s.writeErr(w, r, err)
			return
		}
		events = append(events, ev)
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "total": len(events)})
}

// --- approvals ---

func (s *Server) handleApprovalList(w http.ResponseWriter, _ *http.Request) {
	if s.cfg.Approvals == nil {
		s.unavailable(w, "approval broker")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"approvals": s.cfg.Approvals.Pending()})
}

type approvalResponse struct {
	Approve *bool  `json:"approve"`
	Actor   string `json:"actor,omitempty"`
}

func (s *Server) handleApprovalRespond(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Approvals == nil {
		s.unavailable(w, "approval broker")
		return
	}
	var req approvalResponse
	if err := decodeBody(r, w, &req); err != nil {
		s.writeErr(w, r, err)
		return
	}
	if req.Approve == nil {
		writeError(w, http.StatusBadRequest, "approve (true or false) is required")
		return
	}
	outcome, err := s.cfg.Approvals.Respond(r.Context(), r.PathValue("id"), *req.Approve, actorOf(r, req.Actor))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": r.PathValue("id"), "status": string(outcome)})
}

// --- outbox ---

func (s *Server) handleOutboxPending(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Outbox == nil {
		s.unavailable(w, "outbox")
		return
	}
	recs, err := s.cfg.Outbox.Pending(r.Context())
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if recs == nil {
		recs = []persistence.IdempotencyRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": recs, "total": len(recs)})
}

func (s *Server) handleOutboxGet(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Outbox == nil {
		s.unavailable(w, "outbox")
		return
	}
	rec, err := s.cfg.Outbox.Lookup(r.Context(), r.PathValue("key"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type confirmRequest struct {
	Sent  *bool  `json:"sent"`
	Actor string `json:"actor,omitempty"`
}

func (s *Server) handleOutboxConfirm(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Outbox == nil {
		s.unavailable(w, "outbox")
		return
	}
	var req confirmRequest
	if err := decodeBody(r, w, &req); err != nil {
		s.writeErr(w, r, err)
		return
	}
	if req.Sent == nil {
		writeError(w, http.StatusBadRequest, "sent (true or false) is required")
		return
	}
	rec, err := s.cfg.Outbox.Confirm(r.Context(), r.PathValue("key"), *req.Sent, actorOf(r, req.Actor))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
