package action

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/google/uuid"
)

// RiskLevel classifies the consequence of executing an action.
type RiskLevel string

const (
	RiskRead         RiskLevel = "READ"
	RiskWrite        RiskLevel = "WRITE"
	RiskIrreversible RiskLevel = "IRREVERSIBLE"
)

// Valid reports whether r is one of the three known levels.
func (r RiskLevel) Valid() bool {
	switch r {
	case RiskRead, RiskWrite, RiskIrreversible:
		return true
	}
	return false
}

// SideEffecting reports whether actions at this level must go through the outbox.
func (r RiskLevel) SideEffecting() bool {
	return r == RiskWrite || r == RiskIrreversible
}

// ParseRiskLevel parses a case-insensitive risk level name.
func ParseRiskLevel(s string) (RiskLevel, error) {
	level := RiskLevel(strings.ToUpper(strings.TrimSpace(s)))
	if !level.Valid() {
		return "", fmt.Errorf("unknown risk level %q", s)
	}
	return level, nil
}

// Request is one proposed invocation of a tool operation. Callers treat it as
// a value: the core copies rather than mutates a received request.
type Request struct {
	ID            string         `json:"id"`
	TaskID        string         `json:"task_id"`
	SessionID     string         `json:"session_id,omitempty"`
	ToolName      string         `json:"tool_name"`
	Operation     string         `json:"operation"`
	RiskHint      RiskLevel      `json:"risk_hint,omitempty"`
	Parameters    map[string]any `json:"parameters"`
	ApprovalToken string         `json:"approval_token,omitempty"`
	Nonce         string         `json:"nonce,omitempty"`
	RequestedAt   time.Time      `json:"requested_at"`
}

// NewRequest builds a request bound to taskID. The parameter map is copied.
func NewRequest(taskID, sessionID, tool, operation string, params map[string]any) Request {
	p := make(map[string]any, len(params))
	maps.Copy(p, params)
	return Request{
		ID:          uuid.NewString(),
		TaskID:      taskID,
		SessionID:   sessionID,
		ToolName:    strings.TrimSpace(tool),
		Operation:   strings.TrimSpace(operation),
		Parameters:  p,
		RequestedAt: time.Now().UTC(),
	}
}

// Qualified returns "tool.operation".
func (r Request) Qualified() string {
	return r.ToolName + "." + r.Operation
}

// ScopeKey is the rate-limit scope: the session when known, else the task.
func (r Request) ScopeKey() string {
	if r.SessionID != "" {
		return "session:" + r.SessionID
	}
	return "task:" + r.TaskID
}

// IdempotencyKey derives the stable dedup key for this request. The approval
// token and request id do not participate, so an approved re-issue of the same
// action maps to the same key.
func (r Request) IdempotencyKey() string {
	payload := struct {
		TaskID string         `json:"task_id"`
		Tool   string         `json:"tool"`
		Op     string         `json:"op"`
		Params map[string]any `json:"params"`
		Nonce  string         `json:"nonce,omitempty"`
	}{r.TaskID, r.ToolName, r.Operation, r.Parameters, r.Nonce}
	if payload.Params == nil {
		payload.Params = map[string]any{}
	}
	b, err := json.Marshal(payload)
	if err != nil {
		// Unencodable parameters still need a deterministic key.
		b = []byte(fmt.Sprintf("%s|%s|%s|%v|%s", r.TaskID, r.ToolName, r.Operation, r.Parameters, r.Nonce))
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// WithApprovalToken returns a copy of r carrying token.
func (r Request) WithApprovalToken(token string) Request {
	out := r.clone()
	out.ApprovalToken = token
	return out
}

// Rebind returns a fresh copy of r for another task, with a new request id and
// nonce so that it hashes to a new idempotency key.
func (r Request) Rebind(taskID, sessionID string) Request {
	out := r.clone()
	out.ID = uuid.NewString()
	out.TaskID = taskID
	out.SessionID = sessionID
	out.ApprovalToken = ""
	out.Nonce = uuid.NewString()
	out.RequestedAt = time.Now().UTC()
	return out
}

func (r Request) clone() Request {
	out := r
	out.Parameters = make(map[string]any, len(r.Parameters))
	maps.Copy(out.Parameters, r.Parameters)
	return out
}

// Result is what a tool handler returns for a completed invocation.
type Result struct {
	Output string         `json:"output"`
	Data   map[string]any `json:"data,omitempty"`
}
