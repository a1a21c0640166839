package tools

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/user/agentcore/internal/cancel"
	"github.com/user/agentcore/internal/memory"
)

func newLedgerStore(t *testing.T) *memory.Ledgers {
	return memory.NewLedgers(memory.NewFileStore(t.TempDir()))
}

func TestLedgerReadEmpty(t *testing.T) {
	res, err := NewLedgerRead(newLedgerStore(t)).Execute(context.Background(), "c", nil, cancel.New())
	if err != nil {
		t.Fatal(err)
	}
	if res.Content != "The ledger is empty." {
		t.Errorf("unexpected content %q", res.Content)
	}
}

func TestLedgerUpdateThenRead(t *testing.T) {
	store := newLedgerStore(t)
	ctx := context.Background()
	args, _ := json.Marshal(map[string]any{
		"goal":       "port the lexer",
		"now":        "token table",
		"done":       []string{"scaffold"},
		"next":       []string{"keywords", "operators"},
		"decision":   map[string]string{"choice": "hand-written scanner", "reason": "speed"},
		"files":      []string{"lexer.go", "lexer.go"},
		"constraint": "no cgo",
	})

	res, err := NewLedgerUpdate(store).Execute(ctx, "c", args, cancel.New())
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(res.Content, "Ledger updated: goal, now, next, decisions, files, constraints, done") {
		t.Errorf("unexpected content %q", res.Content)
	}

	ledger, err := store.Get(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if ledger.Goal != "port the lexer" || ledger.Now != "token table" {
		t.Errorf("unexpected ledger %+v", ledger)
	}
	if len(ledger.WorkingFiles) != 1 || len(ledger.Done) != 1 || len(ledger.Next) != 2 {
		t.Errorf("unexpected ledger lists %+v", ledger)
	}

	read, err := NewLedgerRead(store).Execute(ctx, "c", nil, cancel.New())
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"Goal: port the lexer", "hand-written scanner (speed)", "no cgo"} {
		if !strings.Contains(read.Content, want) {
			t.Errorf("expected %q in %q", want, read.Content)
		}
	}
}

func TestLedgerUpdateNothing(t *testing.T) {
	res, err := NewLedgerUpdate(newLedgerStore(t)).Execute(context.Background(), "c", json.RawMessage(`{"files":[]}`), cancel.New())
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsError {
		t.Error("expected error result for empty update")
	}
}
