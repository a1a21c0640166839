package gateway

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/user/agentcore/internal/bus"
	"github.com/user/agentcore/internal/runtime"
	"github.com/user/agentcore/internal/state"
	"github.com/user/agentcore/internal/types"
	"github.com/user/agentcore/pkg/llm"
	"github.com/user/agentcore/pkg/llm/llmtest"
)

type fixture struct {
	gw       *Gateway
	sessions *state.SessionStore
	log      *state.EventLog

	mu      sync.Mutex
	scripts func() []llmtest.Script
	built   int
}

func newFixture(t *testing.T, scripts func() []llmtest.Script) *fixture {
	t.Helper()
	dir := t.TempDir()
	f := &fixture{
		sessions: state.NewSessionStore(dir),
		log:      state.NewEventLog(dir),
		scripts:  scripts,
	}
	f.gw = New(Options{
		Sessions: f.sessions,
		Model:    "test-model",
		Factory: func(ctx context.Context, id types.SessionID) (*runtime.Engine, error) {
			f.mu.Lock()
			f.built++
			f.mu.Unlock()
			e := runtime.New(runtime.Options{SessionID: id, Provider: llmtest.New(f.scripts()...), Log: f.log})
			events, err := f.log.ReadAll(ctx, id)
			if err != nil {
				return nil, err
			}
			e.Resume(events)
			return e, nil
		},
	})
	f.gw.Start(context.Background())
	t.Cleanup(f.gw.Stop)
	return f
}

func waitRun(t *testing.T, run *Run) *runtime.RunResult {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := run.Wait(ctx)
	if err != nil {
		t.Fatal(err)
	}
	return res
}

func TestGatewaySubmitRunsPrompt(t *testing.T) {
	f := newFixture(t, func() []llmtest.Script {
		return []llmtest.Script{llmtest.TextResponse("hello"), llmtest.TextResponse("again")}
	})
	ctx := context.Background()
	key := types.NewSessionKey("cli", "user1")

	var completed []*Run
	var mu sync.Mutex
	onDone := WithOnComplete(func(r *Run) {
		mu.Lock()
		completed = append(completed, r)
		mu.Unlock()
	})

	first, err := f.gw.Submit(ctx, key, "hi", onDone)
	if err != nil {
		t.Fatal(err)
	}
	second, err := f.gw.Submit(ctx, key, "more", onDone)
	if err != nil {
		t.Fatal(err)
	}
	if first.SessionID != second.SessionID {
		t.Fatal("expected both runs on one session")
	}

	if res := waitRun(t, first); res.FinalText != "hello" {
		t.Errorf("expected 'hello', got %q", res.FinalText)
	}
	if res := waitRun(t, second); res.FinalText != "again" {
		t.Errorf("expected 'again', got %q", res.FinalText)
	}
	if first.Status() != RunStatusComplete {
		t.Errorf("expected complete, got %s", first.Status())
	}

	mu.Lock()
	defer mu.Unlock()
	if len(completed) != 2 || completed[0] != first {
		t.Errorf("expected completions in order, got %d", len(completed))
	}
	if f.built != 1 {
		t.Errorf("expected one engine per session, built %d", f.built)
	}

	list, err := f.sessions.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Errorf("expected 1 session, got %d", len(list))
	}
}

func TestGatewayDifferentSessions(t *testing.T) {
	f := newFixture(t, func() []llmtest.Script {
		return []llmtest.Script{llmtest.TextResponse("ok")}
	})
	ctx := context.Background()

	var runs []*Run
	for _, key := range []string{"session-a", "session-b"} {
		run, err := f.gw.Submit(ctx, types.NewSessionKey("test", key), "hello")
		if err != nil {
			t.Fatal(err)
		}
		runs = append(runs, run)
	}
	for _, run := range runs {
		waitRun(t, run)
	}
	if runs[0].SessionID == runs[1].SessionID {
		t.Error("expected distinct sessions")
	}
}

func TestGatewayAbort(t *testing.T) {
	f := newFixture(t, func() []llmtest.Script {
		return []llmtest.Script{{Events: []llm.StreamEvent{llm.TextDelta("thinking...")}, Hold: true}}
	})
	ctx := context.Background()

	if err := f.gw.Abort("missing"); err != ErrUnknownSession {
		t.Errorf("expected ErrUnknownSession, got %v", err)
	}

	sid, err := f.sessions.Create(ctx, &types.SessionIndex{Model: "m"})
	if err != nil {
		t.Fatal(err)
	}
	engine, err := f.gw.Engine(ctx, sid)
	if err != nil {
		t.Fatal(err)
	}
	streaming := make(chan struct{})
	var once sync.Once
	engine.Bus().Subscribe(func(ev bus.AgentEvent) {
		if ev.Type == bus.MessageUpdate {
			once.Do(func() { close(streaming) })
		}
	})

	run, err := f.gw.SubmitTo(sid, "go")
	if err != nil {
		t.Fatal(err)
	}
	<-streaming
	if err := f.gw.Abort(sid); err != nil {
		t.Fatal(err)
	}

	res := waitRun(t, run)
	if !res.Interrupted || run.Status() != RunStatusInterrupted {
		t.Errorf("expected interrupted run, got %+v", res)
	}
}

func TestGatewayCloseEndsSession(t *testing.T) {
	f := newFixture(t, func() []llmtest.Script {
		return []llmtest.Script{llmtest.TextResponse("ok")}
	})
	ctx := context.Background()
	run, err := f.gw.Submit(ctx, types.NewSessionKey("cli", "u"), "hi")
	if err != nil {
		t.Fatal(err)
	}
	waitRun(t, run)

	if _, err := f.gw.Close(ctx, run.SessionID, "user_exit"); err != nil {
		t.Fatal(err)
	}
	events, err := f.log.ReadAll(ctx, run.SessionID)
	if err != nil {
		t.Fatal(err)
	}
	if events[len(events)-1].Type != types.EventSessionEnd {
		t.Errorf("expected session.end last, got %s", events[len(events)-1].Type)
	}
	sess, err := f.sessions.Get(ctx, run.SessionID)
	if err != nil {
		t.Fatal(err)
	}
	if sess.Status != types.SessionStatusEnded {
		t.Errorf("expected session status ended, got %q", sess.Status)
	}
	if _, err := f.gw.Close(ctx, run.SessionID, "again"); err != ErrUnknownSession {
		t.Errorf("expected ErrUnknownSession, got %v", err)
	}
}
