package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/warden/internal/action"
	"github.com/basket/warden/internal/policy"
)

// Tool is one registered (tool, operation) pair and the handler that performs it.
type Tool struct {
	Name        string
	Operation   string
	Risk        action.RiskLevel
	Description string
	// ParamsSchema is an optional JSON Schema document for request parameters.
	ParamsSchema json.RawMessage
	Handler      action.Handler
}

// Info describes a registered tool for listings.
type Info struct {
	Name        string           `json:"name"`
	Operation   string           `json:"operation"`
	Risk        action.RiskLevel `json:"risk"`
	Description string           `json:"description,omitempty"`
	HasSchema   bool             `json:"has_schema"`
}

type entry struct {
	tool   Tool
	schema *jsonschema.Schema
}

// Registry holds tool handlers and feeds their declared risk levels into the
// policy risk table. Registration happens at startup.
type Registry struct {
	mu      sync.RWMutex
	risk    *policy.RiskTable
	entries map[string]*entry
	logger  *slog.Logger
}

func NewRegistry(risk *policy.RiskTable, logger *slog.Logger) *Registry {
	if risk == nil {
		risk = policy.NewRiskTable()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{risk: risk, entries: map[string]*entry{}, logger: logger}
}

func registryKey(tool, operation string) string {
	tool = strings.ToLower(strings.TrimSpace(tool))
	operation = strings.ToLower(strings.TrimSpace(operation))
	if operation == "" {
		operation = policy.DefaultOperation
	}
	return tool + "." + operation
}

// Register adds t. An empty Operation registers the tool's catch-all handler
// and its _default risk entry.
func (r *Registry) Register(t Tool) error {
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("register tool: empty name")
	}
	if t.Handler == nil {
		return fmt.Errorf("register tool %s: nil handler", t.Name)
	}
	if !t.Risk.Valid() {
		return fmt.Errorf("register tool %s.%s: invalid risk level %q", t.Name, t.Operation, t.Risk)
	}

	e := &entry{tool: t}
	if len(t.ParamsSchema) > 0 {
		schema, err := compileSchema(t.ParamsSchema)
		if err != nil {
			return fmt.Errorf("register tool %s.%s: %w", t.Name, t.Operation, err)
		}
		e.schema = schema
	}

	key := registryKey(t.Name, t.Operation)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[key]; exists {
		return fmt.Errorf("register tool %s: already registered", key)
	}
	if err := r.risk.Register(t.Name, t.Operation, t.Risk); err != nil {
		return err
	}
	r.entries[key] = e
	r.logger.Debug("tool registered", "tool", key, "risk", string(t.Risk))
	return nil
}

func compileSchema(raw json.RawMessage) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse params schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("params.json", doc); err != nil {
		return nil, fmt.Errorf("add params schema: %w", err)
	}
	schema, err := c.Compile("params.json")
	if err != nil {
		return nil, fmt.Errorf("compile params schema: %w", err)
	}
	return schema, nil
}

func (r *Registry) lookup(tool, operation string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entries[registryKey(tool, operation)]; ok {
		return e, true
	}
	e, ok := r.entries[registryKey(tool, "")]
	return e, ok
}

// Lookup returns the tool that would handle tool.operation.
func (r *Registry) Lookup(tool, operation string) (Tool, bool) {
	e, ok := r.lookup(tool, operation)
	if !ok {
		return Tool{}, false
	}
	return e.tool, true
}

// Validate checks req against the tool's parameter schema. Unknown tools and
// schema violations are permanent failures.
func (r *Registry) Validate(req action.Request) error {
	e, ok := r.lookup(req.ToolName, req.Operation)
	if !ok {
		return action.Permanent("tool %s is not registered", req.Qualified())
	}
	if e.schema == nil {
		return nil
	}
	// Round-trip through JSON so numbers and nested maps have the shapes the
	// validator expects.
	raw, err := json.Marshal(req.Parameters)
	if err != nil {
		return action.Permanent("encode parameters for %s: %v", req.Qualified(), err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return action.Permanent("decode parameters for %s: %v", req.Qualified(), err)
	}
	if err := e.schema.Validate(doc); err != nil {
		return action.Permanent("invalid parameters for %s: %v", req.Qualified(), err)
	}
	return nil
}

// Invoke validates req and runs its handler. It is the action.Handler that the
// outbox and the READ path call.
func (r *Registry) Invoke(ctx context.Context, req action.Request) (action.Result, error) {
	if err := r.Validate(req); err != nil {
		return action.Result{}, err
	}
	e, _ := r.lookup(req.ToolName, req.Operation)
	return e.tool.Handler(ctx, req)
}

// List returns every registered tool sorted by name and operation.
func (r *Registry) List() []Info {
	r.mu.RLock()
	out := make([]Info, 0, len(r.entries))
	for _, e := range r.entries {
		op := e.tool.Operation
		if op == "" {
			op = policy.DefaultOperation
		}
		out = append(out, Info{
			Name:        e.tool.Name,
			Operation:   op,
			Risk:        e.tool.Risk,
			Description: e.tool.Description,
			HasSchema:   e.schema != nil,
		})
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Operation < out[j].Operation
	})
	return out
}
