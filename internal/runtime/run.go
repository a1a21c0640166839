package runtime

import (
	"context"
	"errors"
	"log/slog"
	"slices"

	"github.com/user/agentcore/internal/bus"
	"github.com/user/agentcore/internal/cancel"
	"github.com/user/agentcore/internal/hooks"
	"github.com/user/agentcore/internal/hooks/builtin"
	"github.com/user/agentcore/internal/types"
	"github.com/user/agentcore/pkg/llm"
)

// RunResult summarizes one Run.
type RunResult struct {
	RunID          types.RunID
	Success        bool
	Err            error
	Messages       []llm.Message
	Turns          int
	Interrupted    bool
	PartialContent string
	StopReason     string
	FinalText      string
	Usage          types.Usage
}

// Run submits prompt and loops turns until the model stops asking for
// tools, a tool stops the turn, the run is aborted, a turn fails, or the
// turn limit is reached. Failures are reported in the result, not as a
// panic or a dangling running state.
func (e *Engine) Run(ctx context.Context, prompt string) *RunResult {
	res := &RunResult{RunID: types.NewRunID()}
	if !e.runMu.TryLock() {
		res.Err = ErrBusy
		return res
	}
	defer e.runMu.Unlock()

	e.mu.Lock()
	e.token = cancel.New()
	tok := e.token
	e.running = true
	e.partial.Reset()
	e.mu.Unlock()

	log := slog.With("session_id", string(e.opts.SessionID), "run_id", string(res.RunID))
	log.Info("run started")
	e.publish(bus.AgentStart, bus.AgentData{RunID: res.RunID})

	defer func() {
		e.mu.Lock()
		e.running = false
		res.Messages = slices.Clone(e.messages)
		res.Usage = e.usage
		e.mu.Unlock()
		data := bus.AgentData{RunID: res.RunID, Interrupted: res.Interrupted}
		if res.Err != nil {
			data.Error = res.Err.Error()
		}
		e.publish(bus.AgentEnd, data)
		log.Info("run finished", "success", res.Success, "turns", res.Turns, "interrupted", res.Interrupted)
	}()

	e.startSession(ctx)

	d := e.trigger(ctx, hooks.UserPromptSubmit, &hooks.Context{Prompt: prompt})
	if d.Blocked() {
		res.Err = &BlockedError{Op: "prompt", Hook: d.Hook, Reason: d.Reason}
		return res
	}
	if d.Action == hooks.ActionModify {
		if p, ok := d.Modifications["prompt"].(string); ok {
			prompt = p
		}
		if c, ok := d.Modifications[builtin.ContextKey].(string); ok && c != "" {
			e.mu.Lock()
			e.sessionContext = joinContext(e.sessionContext, c)
			e.mu.Unlock()
		}
	}

	e.AddMessage(llm.UserMessage(prompt))
	_ = e.record(ctx, types.EventUserMessage, types.UserMessagePayload{Content: prompt})

	for {
		if tok.IsSignaled() {
			res.Interrupted = true
			res.StopReason = llm.StopInterrupted
			return res
		}
		if res.Turns >= e.opts.MaxTurns {
			res.Err = ErrMaxTurns
			log.Warn("turn limit reached", "max_turns", e.opts.MaxTurns)
			return res
		}

		tr := e.runTurn(ctx, tok)
		res.Turns++
		res.StopReason = tr.StopReason
		if t := tr.Message.Text(); t != "" {
			res.FinalText = t
		}

		switch {
		case tr.Interrupted:
			res.Interrupted = true
			res.PartialContent = tr.PartialContent
			return res
		case tr.Err != nil:
			res.Err = tr.Err
			return res
		case tr.StopTurn, len(tr.ToolCalls) == 0:
			res.Success = true
			return res
		}

		if _, err := e.CompactIfNeeded(ctx); err != nil {
			var blocked *BlockedError
			if !errors.As(err, &blocked) {
				log.Warn("compaction failed", "error", err)
			}
		}
	}
}

// startSession runs the SessionStart hook once per engine and persists the
// session start for a fresh session.
func (e *Engine) startSession(ctx context.Context) {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return
	}
	e.started = true
	resumed := e.resumed
	e.mu.Unlock()

	if !resumed {
		_ = e.record(ctx, types.EventSessionStart, types.SessionStartPayload{Model: e.opts.Model, WorkingDir: e.opts.WorkingDir})
	}
	d := e.trigger(ctx, hooks.SessionStart, &hooks.Context{})
	if c, ok := d.Modifications[builtin.ContextKey].(string); ok && c != "" {
		e.mu.Lock()
		e.sessionContext = joinContext(e.sessionContext, c)
		e.mu.Unlock()
	}
}

// End closes the session: the SessionEnd hook runs with the conversation
// totals and session.end is persisted with any handoff it produced.
func (e *Engine) End(ctx context.Context, reason string) types.HandoffID {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	e.mu.Lock()
	count := len(e.messages)
	calls := e.toolCalls
	turn := e.turn
	outcome := e.lastText
	e.mu.Unlock()

	d := e.trigger(ctx, hooks.SessionEnd, &hooks.Context{
		Turn:          turn,
		MessageCount:  count,
		ToolCallCount: calls,
		Reason:        reason,
		Data:          map[string]any{builtin.OutcomeKey: outcome},
	})
	var id types.HandoffID
	if v, ok := d.Modifications[builtin.HandoffIDKey]; ok {
		switch h := v.(type) {
		case types.HandoffID:
			id = h
		case string:
			id = types.HandoffID(h)
		}
	}
	_ = e.record(ctx, types.EventSessionEnd, types.SessionEndPayload{Reason: reason, HandoffID: id})
	slog.Info("session ended", "session_id", string(e.opts.SessionID), "reason", reason, "handoff_id", string(id))
	return id
}

func joinContext(a, b string) string {
	if a == "" {
		return b
	}
	return a + "\n\n" + b
}
