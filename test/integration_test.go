//go:build integration

package test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/user/agentcore/internal/bus"
	ctxengine "github.com/user/agentcore/internal/context"
	"github.com/user/agentcore/internal/gateway"
	"github.com/user/agentcore/internal/hooks"
	"github.com/user/agentcore/internal/hooks/builtin"
	"github.com/user/agentcore/internal/memory"
	"github.com/user/agentcore/internal/reconstruct"
	"github.com/user/agentcore/internal/runtime"
	"github.com/user/agentcore/internal/runtime/tools"
	"github.com/user/agentcore/internal/state"
	"github.com/user/agentcore/internal/types"
	"github.com/user/agentcore/pkg/llm"
	"github.com/user/agentcore/pkg/llm/llmtest"
)

type stack struct {
	sessions *state.SessionStore
	log      *state.EventLog
	store    *memory.FileStore
	ledgers  *memory.Ledgers
	gw       *gateway.Gateway
}

func newStack(t *testing.T, provider llm.Provider) *stack {
	t.Helper()
	dir := t.TempDir()
	s := &stack{
		sessions: state.NewSessionStore(dir),
		log:      state.NewEventLog(dir),
		store:    memory.NewFileStore(filepath.Join(dir, "memory")),
	}
	s.ledgers = memory.NewLedgers(s.store)
	artifacts := state.NewArtifactStore(dir)

	counter, err := ctxengine.New("gpt-4", 128000, 4096)
	if err != nil {
		t.Fatal(err)
	}

	s.gw = gateway.New(gateway.Options{
		Sessions: s.sessions,
		Model:    "test-model",
		Factory: func(ctx context.Context, id types.SessionID) (*runtime.Engine, error) {
			b := bus.NewBus()
			h := hooks.NewEngine(b)
			if err := builtin.Register(h, builtin.DefaultConfig(), s.ledgers, s.store); err != nil {
				return nil, err
			}
			e := runtime.New(runtime.Options{
				SessionID:  id,
				Provider:   provider,
				Bus:        b,
				Hooks:      h,
				Log:        s.log,
				Artifacts:  artifacts,
				Context:    counter,
				Trigger:    memory.NewCompactionTrigger(memory.DefaultTriggerConfig()),
				Model:      "test-model",
				WorkingDir: dir,
			})
			e.RegisterTool(tools.NewBash(dir))
			e.RegisterTool(tools.NewLedgerUpdate(s.ledgers))
			events, err := state.ReadLineage(ctx, s.log, s.sessions, id)
			if err != nil {
				return nil, err
			}
			e.Resume(events)
			return e, nil
		},
	})
	s.gw.Start(context.Background())
	t.Cleanup(s.gw.Stop)
	return s
}

func wait(t *testing.T, run *gateway.Run) *runtime.RunResult {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := run.Wait(ctx)
	if err != nil {
		t.Fatal(err)
	}
	return res
}

func bashCall(id, command string) llm.ToolCall {
	args, _ := json.Marshal(map[string]string{"command": command})
	return llm.ToolCall{ID: id, Name: "bash", Arguments: args}
}

func TestEndToEndToolRunHandoffAndResume(t *testing.T) {
	provider := llmtest.New(
		llmtest.ToolUseResponse(
			llm.ToolCall{ID: "c0", Name: "ledger_update", Arguments: json.RawMessage(`{"goal":"say hello"}`)},
			bashCall("c1", "echo hello-from-bash"),
		),
		llmtest.TextResponse("Ran it."),
	)
	s := newStack(t, provider)
	ctx := context.Background()
	key := types.NewSessionKey("test", "e2e")

	run, err := s.gw.Submit(ctx, key, "say hello")
	if err != nil {
		t.Fatal(err)
	}
	res := wait(t, run)
	if !res.Success {
		t.Fatalf("run failed: %v", res.Err)
	}
	if res.FinalText != "Ran it." {
		t.Errorf("final text = %q", res.FinalText)
	}
	if res.Turns != 2 {
		t.Errorf("turns = %d, want 2", res.Turns)
	}

	// The second request carries both tool results in call order.
	reqs := provider.Requests()
	if len(reqs) != 2 {
		t.Fatalf("requests = %d, want 2", len(reqs))
	}
	var results []llm.Message
	for _, m := range reqs[1].Messages {
		if m.Role == llm.RoleToolResult {
			results = append(results, m)
		}
	}
	if len(results) != 2 || results[0].ToolCallID != "c0" || results[1].ToolCallID != "c1" {
		t.Fatalf("tool results out of order: %+v", results)
	}
	if !strings.Contains(results[1].Text(), "hello-from-bash") {
		t.Errorf("bash output missing: %q", results[1].Text())
	}

	ledger, err := s.ledgers.Get(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if ledger.Goal != "say hello" {
		t.Errorf("ledger goal = %q", ledger.Goal)
	}

	// Replay matches what the engine holds.
	events, err := s.log.ReadAll(ctx, run.SessionID)
	if err != nil {
		t.Fatal(err)
	}
	st := reconstruct.Reconstruct(events)
	if st.CurrentTurn != 2 || st.WasInterrupted {
		t.Errorf("reconstructed turn=%d interrupted=%v", st.CurrentTurn, st.WasInterrupted)
	}
	if len(st.Messages) != 5 {
		t.Errorf("reconstructed %d messages, want 5", len(st.Messages))
	}

	// Ending writes a handoff that the next session starts from.
	id, err := s.gw.Close(ctx, run.SessionID, "test")
	if err != nil {
		t.Fatal(err)
	}
	if id == "" {
		t.Fatal("no handoff written")
	}
	h, err := s.store.Get(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if h.SessionID != run.SessionID || h.ToolCallCount != 2 {
		t.Errorf("handoff = %+v", h)
	}
	if _, err := s.gw.Close(ctx, run.SessionID, "again"); err != gateway.ErrUnknownSession {
		t.Errorf("second close err = %v", err)
	}
}

func TestEndToEndForkInheritsHistory(t *testing.T) {
	provider := llmtest.New(
		llmtest.TextResponse("one"),
		llmtest.TextResponse("two"),
		llmtest.TextResponse("branch"),
	)
	s := newStack(t, provider)
	ctx := context.Background()
	key := types.NewSessionKey("test", "fork")

	first := wait(t, mustSubmit(t, s.gw, key, "first"))
	if !first.Success {
		t.Fatal(first.Err)
	}
	sid, err := s.sessions.ResolveOrCreate(ctx, key, "test-model")
	if err != nil {
		t.Fatal(err)
	}
	events, err := s.log.ReadAll(ctx, sid)
	if err != nil {
		t.Fatal(err)
	}
	forkAt := events[len(events)-1].ID

	if res := wait(t, mustSubmit(t, s.gw, key, "second")); !res.Success {
		t.Fatal(res.Err)
	}

	child, err := state.Fork(ctx, s.log, s.sessions, sid, forkAt)
	if err != nil {
		t.Fatal(err)
	}
	run, err := s.gw.SubmitTo(child.SessionID, "on the branch")
	if err != nil {
		t.Fatal(err)
	}
	if res := wait(t, run); !res.Success {
		t.Fatal(res.Err)
	}

	// The branch saw only the history up to the fork point.
	reqs := provider.Requests()
	var texts []string
	for _, m := range reqs[2].Messages {
		texts = append(texts, m.Text())
	}
	got := strings.Join(texts, "|")
	if got != "first|one|on the branch" {
		t.Errorf("branch request = %q", got)
	}
}

func mustSubmit(t *testing.T, gw *gateway.Gateway, key types.SessionKey, prompt string) *gateway.Run {
	t.Helper()
	run, err := gw.Submit(context.Background(), key, prompt)
	if err != nil {
		t.Fatal(err)
	}
	return run
}
