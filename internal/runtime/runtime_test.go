package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/user/agentcore/internal/bus"
	"github.com/user/agentcore/internal/cancel"
	"github.com/user/agentcore/internal/hooks"
	"github.com/user/agentcore/internal/hooks/builtin"
	"github.com/user/agentcore/internal/memory"
	"github.com/user/agentcore/internal/reconstruct"
	"github.com/user/agentcore/internal/state"
	"github.com/user/agentcore/internal/types"
	"github.com/user/agentcore/pkg/llm"
	"github.com/user/agentcore/pkg/llm/llmtest"
)

type funcTool struct {
	name string
	fn   func(ctx context.Context, args json.RawMessage, token *cancel.Token) (*ToolResult, error)
}

func (f *funcTool) Name() string                { return f.name }
func (f *funcTool) Description() string         { return f.name }
func (f *funcTool) Parameters() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
func (f *funcTool) Execute(ctx context.Context, _ string, args json.RawMessage, token *cancel.Token) (*ToolResult, error) {
	return f.fn(ctx, args, token)
}

func call(id, name, args string) llm.ToolCall {
	return llm.ToolCall{ID: id, Name: name, Arguments: json.RawMessage(args)}
}

type fixture struct {
	engine   *Engine
	provider *llmtest.ScriptedProvider
	log      *state.EventLog
	sid      types.SessionID
}

func newFixture(t *testing.T, opts Options, scripts ...llmtest.Script) *fixture {
	t.Helper()
	dir := t.TempDir()
	f := &fixture{
		provider: llmtest.New(scripts...),
		log:      state.NewEventLog(dir),
		sid:      types.NewSessionID(),
	}
	opts.SessionID = f.sid
	opts.Provider = f.provider
	if opts.Log == nil {
		opts.Log = f.log
	}
	opts.Model = "test-model"
	f.engine = New(opts)
	return f
}

func (f *fixture) events(t *testing.T) []types.SessionEvent {
	t.Helper()
	evs, err := f.log.ReadAll(context.Background(), f.sid)
	require.NoError(t, err)
	return evs
}

func eventTypes(evs []types.SessionEvent) []string {
	out := make([]string, len(evs))
	for i, ev := range evs {
		out[i] = ev.Type
	}
	return out
}

func TestRunTextResponse(t *testing.T) {
	f := newFixture(t, Options{}, llmtest.TextResponse("Hello", " there"))

	res := f.engine.Run(context.Background(), "hi")
	require.True(t, res.Success, "err: %v", res.Err)
	require.Equal(t, 1, res.Turns)
	require.Equal(t, "Hello there", res.FinalText)
	require.Equal(t, llm.StopEndTurn, res.StopReason)
	require.Len(t, res.Messages, 2)
	require.Equal(t, 10, res.Usage.InputTokens)
	require.False(t, f.engine.GetState().IsRunning)

	require.Equal(t, []string{
		types.EventSessionStart,
		types.EventUserMessage,
		types.EventTurnStart,
		types.EventAssistant,
		types.EventTurnEnd,
	}, eventTypes(f.events(t)))
}

func TestRunExecutesToolsInOrder(t *testing.T) {
	f := newFixture(t, Options{},
		llmtest.ToolUseResponse(call("c1", "echo", `{"text":"a"}`), call("c2", "echo", `{"text":"b"}`)),
		llmtest.TextResponse("done"),
	)
	echo := &echoTool{}
	f.engine.RegisterTool(echo)

	var order []string
	f.engine.Bus().Subscribe(func(ev bus.AgentEvent) {
		if ev.Type == bus.ToolExecEnd {
			order = append(order, string(ev.Data.(bus.ToolExecData).ToolCallID))
		}
	})

	res := f.engine.Run(context.Background(), "go")
	require.True(t, res.Success, "err: %v", res.Err)
	require.Equal(t, 2, res.Turns)
	require.Equal(t, 2, echo.calls)
	require.Equal(t, []string{"c1", "c2"}, order)

	msgs := res.Messages
	require.Len(t, msgs, 5)
	require.Equal(t, llm.RoleToolResult, msgs[2].Role)
	require.Equal(t, "c1", msgs[2].ToolCallID)
	require.Equal(t, "a", msgs[2].Text())
	require.Equal(t, "c2", msgs[3].ToolCallID)
	require.Equal(t, "done", msgs[4].Text())

	// The second request carries the tool results.
	reqs := f.provider.Requests()
	require.Len(t, reqs, 2)
	require.Len(t, reqs[1].Messages, 4)
	require.Len(t, reqs[1].Tools, 1)
}

func TestStopTurnEndsRun(t *testing.T) {
	f := newFixture(t, Options{}, llmtest.ToolUseResponse(call("c1", "finish", `{}`), call("c2", "finish", `{}`)))
	runs := 0
	f.engine.RegisterTool(&funcTool{name: "finish", fn: func(context.Context, json.RawMessage, *cancel.Token) (*ToolResult, error) {
		runs++
		return &ToolResult{Content: "finished", StopTurn: true}, nil
	}})

	res := f.engine.Run(context.Background(), "go")
	require.True(t, res.Success)
	require.Equal(t, 1, runs)
	require.Len(t, f.provider.Requests(), 1)
}

func TestToolFailuresBecomeErrorResults(t *testing.T) {
	cases := []struct {
		name   string
		call   llm.ToolCall
		expect string
	}{
		{"unknown", call("c1", "nope", `{}`), "Unknown tool"},
		{"invalid args", call("c1", "echo", `{"text":5}`), "Invalid arguments"},
		{"panic", call("c1", "boom", `{}`), "panic: kaboom"},
		{"error", call("c1", "fail", `{}`), "Error: disk full"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, Options{}, llmtest.ToolUseResponse(tc.call), llmtest.TextResponse("ok"))
			f.engine.RegisterTool(&echoTool{})
			f.engine.RegisterTool(&funcTool{name: "boom", fn: func(context.Context, json.RawMessage, *cancel.Token) (*ToolResult, error) {
				panic("kaboom")
			}})
			f.engine.RegisterTool(&funcTool{name: "fail", fn: func(context.Context, json.RawMessage, *cancel.Token) (*ToolResult, error) {
				return nil, fmt.Errorf("disk full")
			}})

			res := f.engine.Run(context.Background(), "go")
			require.True(t, res.Success, "err: %v", res.Err)
			result := res.Messages[2]
			require.True(t, result.IsError)
			require.Contains(t, result.Text(), tc.expect)
		})
	}
}

func TestPlanModeRefusesBlockedTools(t *testing.T) {
	f := newFixture(t, Options{}, llmtest.ToolUseResponse(call("c1", "echo", `{"text":"x"}`)), llmtest.TextResponse("ok"))
	echo := &echoTool{}
	f.engine.RegisterTool(echo)
	ctx := context.Background()
	require.NoError(t, f.engine.EnterPlanMode(ctx, "planner", []string{"echo"}))

	res := f.engine.Run(ctx, "go")
	require.True(t, res.Success)
	require.Equal(t, 0, echo.calls)
	require.True(t, res.Messages[2].IsError)
	require.Contains(t, res.Messages[2].Text(), "plan mode")

	require.NoError(t, f.engine.ExitPlanMode(ctx))
	require.False(t, f.engine.GetState().PlanMode.IsActive)
}

func TestPreToolUseHookBlocksAndModifies(t *testing.T) {
	f := newFixture(t, Options{},
		llmtest.ToolUseResponse(call("c1", "echo", `{"text":"secret"}`), call("c2", "echo", `{"text":"plain"}`)),
		llmtest.TextResponse("ok"),
	)
	echo := &echoTool{}
	f.engine.RegisterTool(echo)
	require.NoError(t, f.engine.RegisterHook(hooks.Definition{
		Name: "guard",
		Type: hooks.PreToolUse,
		Handler: func(_ context.Context, hc *hooks.Context) (*hooks.Result, error) {
			switch hc.Arguments["text"] {
			case "secret":
				return hooks.Block("no secrets"), nil
			case "plain":
				return hooks.Modify(map[string]any{"arguments": map[string]any{"text": "rewritten"}}, ""), nil
			}
			return hooks.Continue(), nil
		},
	}))

	res := f.engine.Run(context.Background(), "go")
	require.True(t, res.Success)
	require.Equal(t, 1, echo.calls)
	require.True(t, res.Messages[2].IsError)
	require.Contains(t, res.Messages[2].Text(), "no secrets")
	require.Equal(t, "rewritten", res.Messages[3].Text())
}

func TestUserPromptSubmitBlock(t *testing.T) {
	f := newFixture(t, Options{})
	require.NoError(t, f.engine.RegisterHook(hooks.Definition{
		Name: "deny",
		Type: hooks.UserPromptSubmit,
		Handler: func(context.Context, *hooks.Context) (*hooks.Result, error) {
			return hooks.Block("not today"), nil
		},
	}))

	res := f.engine.Run(context.Background(), "go")
	require.False(t, res.Success)
	var blocked *BlockedError
	require.ErrorAs(t, res.Err, &blocked)
	require.Equal(t, "deny", blocked.Hook)
	require.Empty(t, f.provider.Requests())
	require.False(t, f.engine.GetState().IsRunning)
}

func TestLargeToolOutputIsOffloaded(t *testing.T) {
	artifacts := state.NewArtifactStore(t.TempDir())
	big := strings.Repeat("x", 500)
	f := newFixture(t, Options{Artifacts: artifacts, ArtifactThreshold: 100},
		llmtest.ToolUseResponse(call("c1", "dump", `{}`)), llmtest.TextResponse("ok"))
	f.engine.RegisterTool(&funcTool{name: "dump", fn: func(context.Context, json.RawMessage, *cancel.Token) (*ToolResult, error) {
		return TextResult(big), nil
	}})

	res := f.engine.Run(context.Background(), "go")
	require.True(t, res.Success)
	text := res.Messages[2].Text()
	require.True(t, strings.HasPrefix(text, strings.Repeat("x", 100)))
	require.Contains(t, text, "artifact")

	var payload types.ToolResultPayload
	for _, ev := range f.events(t) {
		if ev.Type == types.EventToolResult {
			require.True(t, ev.DecodePayload(&payload))
		}
	}
	require.NotEmpty(t, payload.ArtifactID)
	raw, err := artifacts.Get(context.Background(), payload.ArtifactID)
	require.NoError(t, err)
	var stored string
	require.NoError(t, json.Unmarshal(raw, &stored))
	require.Equal(t, big, stored)
}

func TestUpstreamFailure(t *testing.T) {
	f := newFixture(t, Options{}, llmtest.Events(llm.Failure("overloaded", "overloaded", true)))
	var failed []bus.TurnFailedData
	f.engine.Bus().Subscribe(func(ev bus.AgentEvent) {
		if ev.Type == bus.TurnFailed {
			failed = append(failed, ev.Data.(bus.TurnFailedData))
		}
	})

	res := f.engine.Run(context.Background(), "go")
	require.False(t, res.Success)
	require.Error(t, res.Err)
	require.Len(t, failed, 1)
	require.Equal(t, "overloaded", failed[0].Category)
	require.False(t, f.engine.GetState().IsRunning)
}

func TestMaxTurns(t *testing.T) {
	f := newFixture(t, Options{MaxTurns: 2},
		llmtest.ToolUseResponse(call("c1", "echo", `{"text":"1"}`)),
		llmtest.ToolUseResponse(call("c2", "echo", `{"text":"2"}`)),
	)
	f.engine.RegisterTool(&echoTool{})

	res := f.engine.Run(context.Background(), "loop")
	require.ErrorIs(t, res.Err, ErrMaxTurns)
	require.Equal(t, 2, res.Turns)
}

func TestAbortDuringStreamKeepsPartialAndAllowsReuse(t *testing.T) {
	ctx, cancelCtx := context.WithCancel(context.Background())
	defer cancelCtx()

	held := llmtest.Script{Events: []llm.StreamEvent{{Type: llm.EventStart}, llm.TextDelta("partial")}, Hold: true}
	f := newFixture(t, Options{}, held, llmtest.TextResponse("second"))

	var interrupts []bus.InterruptedData
	f.engine.Bus().Subscribe(func(ev bus.AgentEvent) {
		switch ev.Type {
		case bus.MessageUpdate:
			f.engine.Abort()
		case bus.AgentInterrupted:
			interrupts = append(interrupts, ev.Data.(bus.InterruptedData))
		}
	})

	res := f.engine.Run(ctx, "go")
	require.True(t, res.Interrupted)
	require.False(t, res.Success)
	require.Equal(t, "partial", res.PartialContent)
	require.Len(t, interrupts, 1)
	require.Equal(t, "partial", interrupts[0].PartialContent)

	st := f.engine.GetState()
	require.False(t, st.IsRunning)
	require.Equal(t, "partial", st.Messages[len(st.Messages)-1].Text())

	// Abort while idle is a no-op.
	f.engine.Abort()
	require.Len(t, interrupts, 1)

	res = f.engine.Run(ctx, "again")
	require.True(t, res.Success, "err: %v", res.Err)
	require.Equal(t, "second", res.FinalText)
}

func TestAbortDiscardsResultOfRunningTool(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	f := newFixture(t, Options{InterruptGrace: 20 * time.Millisecond},
		llmtest.ToolUseResponse(call("c1", "slow", `{}`), call("c2", "echo", `{"text":"x"}`)))
	echo := &echoTool{}
	f.engine.RegisterTool(echo)
	f.engine.RegisterTool(&funcTool{name: "slow", fn: func(context.Context, json.RawMessage, *cancel.Token) (*ToolResult, error) {
		<-release
		return TextResult("late"), nil
	}})
	f.engine.Bus().Subscribe(func(ev bus.AgentEvent) {
		if ev.Type == bus.ToolExecStart && ev.Data.(bus.ToolExecData).Name == "slow" {
			f.engine.Abort()
		}
	})

	res := f.engine.Run(context.Background(), "go")
	require.True(t, res.Interrupted)
	require.Equal(t, 0, echo.calls)
	for _, ev := range f.events(t) {
		require.NotEqual(t, types.EventToolResult, ev.Type)
	}

	// Both calls get a synthetic result on the next request.
	msgs := repairToolPairs(f.engine.GetState().Messages)
	var results []string
	for _, m := range msgs {
		if m.Role == llm.RoleToolResult {
			results = append(results, m.ToolCallID)
			require.True(t, m.IsError)
		}
	}
	require.Equal(t, []string{"c1", "c2"}, results)
}

func TestRunWhileRunningIsBusy(t *testing.T) {
	ctx, cancelCtx := context.WithCancel(context.Background())
	defer cancelCtx()
	f := newFixture(t, Options{}, llmtest.Script{Events: []llm.StreamEvent{llm.TextDelta("x")}, Hold: true})

	started := make(chan struct{})
	var once sync.Once
	f.engine.Bus().Subscribe(func(ev bus.AgentEvent) {
		if ev.Type == bus.MessageUpdate {
			once.Do(func() { close(started) })
		}
	})

	done := make(chan *RunResult)
	go func() { done <- f.engine.Run(ctx, "first") }()
	<-started

	res := f.engine.Run(ctx, "second")
	require.ErrorIs(t, res.Err, ErrBusy)

	f.engine.Abort()
	require.True(t, (<-done).Interrupted)
}

func TestReasoningLevelIsSentAndPersisted(t *testing.T) {
	f := newFixture(t, Options{}, llmtest.TextResponse("ok"))
	ctx := context.Background()
	require.NoError(t, f.engine.SetReasoningLevel(ctx, "high"))

	f.engine.Run(ctx, "go")
	require.Equal(t, "high", f.provider.Requests()[0].ReasoningLevel)
	require.Equal(t, "high", reconstruct.Reconstruct(f.events(t)).ReasoningLevel)
}

func TestResumeContinuesConversation(t *testing.T) {
	f := newFixture(t, Options{},
		llmtest.ToolUseResponse(call("c1", "echo", `{"text":"a"}`)),
		llmtest.TextResponse("first"),
	)
	f.engine.RegisterTool(&echoTool{})
	ctx := context.Background()
	first := f.engine.Run(ctx, "go")
	require.True(t, first.Success)

	provider := llmtest.New(llmtest.TextResponse("second"))
	resumed := New(Options{SessionID: f.sid, Provider: provider, Log: f.log})
	st := resumed.Resume(f.events(t))
	require.Equal(t, first.Messages, st.Messages)

	res := resumed.Run(ctx, "more")
	require.True(t, res.Success)
	require.Len(t, provider.Requests()[0].Messages, len(first.Messages)+1)

	for _, typ := range eventTypes(f.events(t))[1:] {
		require.NotEqual(t, types.EventSessionStart, typ)
	}
}

func TestResumeTwiceKeepsToolCallCount(t *testing.T) {
	f := newFixture(t, Options{},
		llmtest.ToolUseResponse(call("c1", "echo", `{"text":"a"}`), call("c2", "echo", `{"text":"b"}`)),
		llmtest.TextResponse("done"),
	)
	f.engine.RegisterTool(&echoTool{})
	require.True(t, f.engine.Run(context.Background(), "go").Success)

	resumed := New(Options{SessionID: f.sid, Provider: llmtest.New(), Log: f.log})
	resumed.Resume(f.events(t))
	resumed.Resume(f.events(t))
	require.Equal(t, 2, resumed.toolCalls)
}

func TestSessionHooksInjectContextAndWriteHandoff(t *testing.T) {
	fs := memory.NewFileStore(t.TempDir())
	ledgers := memory.NewLedgers(fs)
	ctx := context.Background()
	_, err := ledgers.Update(ctx, func(l *memory.Ledger) { l.Goal = "ship the parser" })
	require.NoError(t, err)

	f := newFixture(t, Options{SystemPrompt: "You are a coding agent."}, llmtest.TextResponse("working on it"))
	require.NoError(t, builtin.Register(f.engine.hooks, builtin.DefaultConfig(), ledgers, fs))

	res := f.engine.Run(ctx, "continue")
	require.True(t, res.Success)
	system := f.provider.Requests()[0].System
	require.True(t, strings.HasPrefix(system, "You are a coding agent."))
	require.Contains(t, system, "ship the parser")

	id := f.engine.End(ctx, "user_exit")
	require.NotEmpty(t, id)
	h, err := fs.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, f.sid, h.SessionID)

	evs := f.events(t)
	last := evs[len(evs)-1]
	require.Equal(t, types.EventSessionEnd, last.Type)
	var payload types.SessionEndPayload
	require.True(t, last.DecodePayload(&payload))
	require.Equal(t, id, payload.HandoffID)
}
