package policy

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/basket/warden/internal/action"
)

// DefaultOperation is the per-tool fallback entry in the risk table.
const DefaultOperation = "_default"

// Classification sources reported with every decision.
const (
	SourceOverride          = "override"
	SourceOverrideDefault   = "override_default"
	SourceRegistered        = "registered"
	SourceRegisteredDefault = "registered_default"
	SourceUnregistered      = "unregistered"
)

type riskMap map[string]map[string]action.RiskLevel

// RiskTable maps (tool, operation) to a risk level. Entries come from tool
// registration and from operator overrides (risk.yaml); overrides win. The
// table is the only input to classification.
type RiskTable struct {
	mu         sync.RWMutex
	registered riskMap
	overrides  riskMap
}

func NewRiskTable() *RiskTable {
	return &RiskTable{registered: riskMap{}, overrides: riskMap{}}
}

// Register records the risk of tool.operation. An empty operation sets the
// tool's _default entry.
func (t *RiskTable) Register(tool, operation string, level action.RiskLevel) error {
	tool = normalizeName(tool)
	if tool == "" {
		return fmt.Errorf("risk table: empty tool name")
	}
	if !level.Valid() {
		return fmt.Errorf("risk table: invalid risk level %q for %s", level, tool)
	}
	operation = normalizeName(operation)
	if operation == "" {
		operation = DefaultOperation
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.registered[tool] == nil {
		t.registered[tool] = map[string]action.RiskLevel{}
	}
	t.registered[tool][operation] = level
	return nil
}

// SetOverrides replaces every operator override.
func (t *RiskTable) SetOverrides(o map[string]map[string]action.RiskLevel) {
	cp := riskMap{}
	for tool, ops := range o {
		tool = normalizeName(tool)
		cp[tool] = map[string]action.RiskLevel{}
		for op, level := range ops {
			cp[tool][normalizeName(op)] = level
		}
	}
	t.mu.Lock()
	t.overrides = cp
	t.mu.Unlock()
}

// Classify returns the risk level of tool.operation and where it came from.
// Anything absent from the table is IRREVERSIBLE.
func (t *RiskTable) Classify(tool, operation string) (action.RiskLevel, string) {
	tool = normalizeName(tool)
	operation = normalizeName(operation)
	t.mu.RLock()
	defer t.mu.RUnlock()

	if ops, ok := t.overrides[tool]; ok {
		if level, ok := ops[operation]; ok && operation != "" {
			return level, SourceOverride
		}
		if level, ok := ops[DefaultOperation]; ok {
			return level, SourceOverrideDefault
		}
	}
	if ops, ok := t.registered[tool]; ok {
		if level, ok := ops[operation]; ok && operation != "" {
			return level, SourceRegistered
		}
		if level, ok := ops[DefaultOperation]; ok {
			return level, SourceRegisteredDefault
		}
	}
	return action.RiskIrreversible, SourceUnregistered
}

// RiskEntry is one row of the table as shown to operators.
type RiskEntry struct {
	Tool      string           `json:"tool"`
	Operation string           `json:"operation"`
	Risk      action.RiskLevel `json:"risk"`
	Source    string           `json:"source"`
}

// Entries lists registered entries and overrides, sorted by tool and operation.
func (t *RiskTable) Entries() []RiskEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []RiskEntry
	for tool, ops := range t.registered {
		for op, level := range ops {
			out = append(out, RiskEntry{Tool: tool, Operation: op, Risk: level, Source: SourceRegistered})
		}
	}
	for tool, ops := range t.overrides {
		for op, level := range ops {
			out = append(out, RiskEntry{Tool: tool, Operation: op, Risk: level, Source: SourceOverride})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Tool != out[j].Tool {
			return out[i].Tool < out[j].Tool
		}
		if out[i].Operation != out[j].Operation {
			return out[i].Operation < out[j].Operation
		}
		return out[i].Source < out[j].Source
	})
	return out
}

// LoadRiskOverrides reads risk.yaml:
//
//	email:
//	  read: READ
//	  send: IRREVERSIBLE
//	  _default: WRITE
//
// A missing file yields no overrides.
func LoadRiskOverrides(path string) (map[string]map[string]action.RiskLevel, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read risk table: %w", err)
	}
	var raw map[string]map[string]string
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse risk table: %w", err)
	}
	out := make(map[string]map[string]action.RiskLevel, len(raw))
	for tool, ops := range raw {
		if normalizeName(tool) == "" {
			return nil, fmt.Errorf("risk table: empty tool name")
		}
		out[tool] = make(map[string]action.RiskLevel, len(ops))
		for op, s := range ops {
			level, err := action.ParseRiskLevel(s)
			if err != nil {
				return nil, fmt.Errorf("risk table %s.%s: %w", tool, op, err)
			}
			out[tool][op] = level
		}
	}
	return out, nil
}

// ReloadOverridesFromFile swaps in overrides from path only when the file
// parses; on error the previous overrides stay active.
func (t *RiskTable) ReloadOverridesFromFile(path string) error {
	o, err := LoadRiskOverrides(path)
	if err != nil {
		return err
	}
	t.SetOverrides(o)
	return nil
}

func normalizeName(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
