package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/user/agentcore/internal/cancel"
	"github.com/user/agentcore/internal/memory"
	"github.com/user/agentcore/internal/runtime"
)

// LedgerRead shows the continuity ledger to the model.
type LedgerRead struct{ store memory.LedgerStore }

func NewLedgerRead(store memory.LedgerStore) *LedgerRead { return &LedgerRead{store: store} }

func (l *LedgerRead) Name() string { return "ledger_read" }
func (l *LedgerRead) Description() string {
	return "Show the continuity ledger: goal, current focus, done and next items, decisions, working files and constraints"
}
func (l *LedgerRead) Parameters() json.RawMessage {
	return json.RawMessage(`{"type": "object", "properties": {}}`)
}

func (l *LedgerRead) Execute(ctx context.Context, _ string, _ json.RawMessage, _ *cancel.Token) (*runtime.ToolResult, error) {
	ledger, err := l.store.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("load ledger: %w", err)
	}
	if ledger.Empty() {
		return runtime.TextResult("The ledger is empty."), nil
	}
	return runtime.TextResult(ledger.Markdown()), nil
}

// LedgerUpdate records progress in the continuity ledger.
type LedgerUpdate struct{ store memory.LedgerStore }

func NewLedgerUpdate(store memory.LedgerStore) *LedgerUpdate { return &LedgerUpdate{store: store} }

func (l *LedgerUpdate) Name() string { return "ledger_update" }
func (l *LedgerUpdate) Description() string {
	return "Update the continuity ledger so the next session can pick up where this one stops"
}
func (l *LedgerUpdate) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"goal": {"type": "string", "description": "Overall goal of the work"},
			"now": {"type": "string", "description": "What is being worked on right now"},
			"done": {"type": "array", "items": {"type": "string"}, "description": "Items completed since the last update"},
			"next": {"type": "array", "items": {"type": "string"}, "description": "Replaces the list of next steps"},
			"decision": {
				"type": "object",
				"properties": {
					"choice": {"type": "string"},
					"reason": {"type": "string"}
				},
				"required": ["choice"]
			},
			"files": {"type": "array", "items": {"type": "string"}, "description": "Files being worked on"},
			"constraint": {"type": "string", "description": "A constraint to respect"}
		},
		"minProperties": 1
	}`)
}

type ledgerUpdateArgs struct {
	Goal       *string          `json:"goal"`
	Now        *string          `json:"now"`
	Done       []string         `json:"done"`
	Next       []string         `json:"next"`
	Decision   *memory.Decision `json:"decision"`
	Files      []string         `json:"files"`
	Constraint string           `json:"constraint"`
}

func (l *LedgerUpdate) Execute(ctx context.Context, _ string, args json.RawMessage, _ *cancel.Token) (*runtime.ToolResult, error) {
	var p ledgerUpdateArgs
	if err := json.Unmarshal(args, &p); err != nil {
		return nil, fmt.Errorf("parse args: %w", err)
	}

	var changed []string
	_, err := l.store.Update(ctx, func(ledger *memory.Ledger) {
		if p.Goal != nil {
			ledger.Goal = *p.Goal
			changed = append(changed, "goal")
		}
		if p.Now != nil {
			ledger.Now = *p.Now
			changed = append(changed, "now")
		}
		if p.Next != nil {
			ledger.Next = p.Next
			changed = append(changed, "next")
		}
		if p.Decision != nil && p.Decision.Choice != "" {
			ledger.Decisions = append(ledger.Decisions, *p.Decision)
			changed = append(changed, "decisions")
		}
		for _, f := range p.Files {
			ledger.AddWorkingFile(f)
		}
		if len(p.Files) > 0 {
			changed = append(changed, "files")
		}
		if p.Constraint != "" {
			ledger.Constraints = append(ledger.Constraints, p.Constraint)
			changed = append(changed, "constraints")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("update ledger: %w", err)
	}
	for _, item := range p.Done {
		if err := l.store.AddDone(ctx, item); err != nil {
			return nil, fmt.Errorf("update ledger: %w", err)
		}
	}
	if len(p.Done) > 0 {
		changed = append(changed, "done")
	}

	if len(changed) == 0 {
		return runtime.ErrorResult("nothing to update"), nil
	}
	return runtime.TextResult("Ledger updated: " + strings.Join(changed, ", ")), nil
}
