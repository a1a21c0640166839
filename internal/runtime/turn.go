package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/user/agentcore/internal/bus"
	"github.com/user/agentcore/internal/cancel"
	"github.com/user/agentcore/internal/hooks"
	"github.com/user/agentcore/internal/stream"
	"github.com/user/agentcore/internal/telemetry"
	"github.com/user/agentcore/internal/types"
	"github.com/user/agentcore/pkg/llm"
)

// ToolOutcome pairs a tool call with the result the engine recorded for it.
type ToolOutcome struct {
	Call       llm.ToolCall
	Result     ToolResult
	ArtifactID types.ArtifactID
	Err        error
}

// TurnResult is the outcome of one Turn. Success is false for upstream
// failures and interruptions; Err then holds the cause.
type TurnResult struct {
	Turn           int
	Success        bool
	Err            error
	Message        llm.Message
	ToolCalls      []llm.ToolCall
	ToolResults    []ToolOutcome
	StopReason     string
	Interrupted    bool
	PartialContent string
	StopTurn       bool
	Usage          *llm.Usage
}

// Turn runs one model call and the tool calls it requests. Outside a Run it
// owns a fresh token for its duration, so Abort can stop it.
func (e *Engine) Turn(ctx context.Context) *TurnResult {
	if !e.runMu.TryLock() {
		return &TurnResult{Err: ErrBusy}
	}
	defer e.runMu.Unlock()

	e.mu.Lock()
	e.token = cancel.New()
	tok := e.token
	e.running = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}()
	return e.runTurn(ctx, tok)
}

// runTurn executes one turn under tok. The token is never replaced here, so
// an abort landing between turns of a Run still stops this one.
func (e *Engine) runTurn(ctx context.Context, tok *cancel.Token) *TurnResult {
	e.mu.Lock()
	e.turn++
	turn := e.turn
	e.partial.Reset()
	e.mu.Unlock()

	ctx, span := telemetry.StartSpan(ctx, "agent.turn",
		attribute.String("session_id", string(e.opts.SessionID)),
		attribute.Int("turn", turn))
	defer span.End()

	started := time.Now()
	e.publish(bus.TurnStart, bus.TurnData{Turn: turn})
	_ = e.record(ctx, types.EventTurnStart, types.TurnStartPayload{Turn: turn})

	res := &TurnResult{Turn: turn}
	sr, err := e.stream(ctx, tok)
	if sr != nil {
		res.Message = sr.Message
		res.StopReason = sr.StopReason
		res.Usage = sr.Usage
		res.PartialContent = sr.PartialContent
	}
	if err != nil {
		res.Err = err
		if errors.Is(err, stream.ErrAborted) {
			res.Interrupted = true
			res.StopReason = llm.StopInterrupted
			e.keepPartial(ctx, turn, sr)
		} else {
			slog.Warn("turn failed", "session_id", string(e.opts.SessionID), "turn", turn, "error", err)
			e.publish(bus.TurnFailed, bus.TurnFailedData{Turn: turn, Error: err.Error(), Category: stream.Category(err)})
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, stream.Category(err))
		e.endTurn(ctx, res, started, sr)
		return res
	}

	e.appendAssistant(ctx, turn, sr, false)
	res.ToolCalls = sr.ToolCalls

	for _, tc := range sr.ToolCalls {
		if tok.IsSignaled() {
			res.Interrupted = true
			break
		}
		out, discarded := e.executeTool(ctx, turn, tc, tok)
		if discarded {
			res.Interrupted = true
			break
		}
		res.ToolResults = append(res.ToolResults, out)
		if tok.IsSignaled() || out.Result.Details.Interrupted {
			res.Interrupted = true
			break
		}
		if out.Result.StopTurn {
			res.StopTurn = true
			break
		}
	}
	if res.Interrupted {
		res.StopReason = llm.StopInterrupted
		res.Err = &stream.AbortedError{Partial: sr}
	}

	res.Success = res.Err == nil
	span.SetAttributes(attribute.Int("tool_calls", len(res.ToolResults)))
	e.endTurn(ctx, res, started, sr)
	return res
}

func (e *Engine) stream(ctx context.Context, tok *cancel.Token) (*stream.TurnResult, error) {
	if tok.IsSignaled() {
		return &stream.TurnResult{}, &stream.AbortedError{Partial: &stream.TurnResult{}}
	}
	req := e.buildRequest()
	ch, err := e.opts.Provider.Stream(ctx, req)
	if err != nil {
		return &stream.TurnResult{}, &stream.UpstreamError{Message: err.Error(), Category: "upstream"}
	}
	return e.proc.Process(ctx, ch, &stream.Callbacks{
		OnText: func(delta string) {
			e.mu.Lock()
			e.partial.WriteString(delta)
			e.mu.Unlock()
		},
	})
}

func (e *Engine) buildRequest() *llm.Request {
	e.mu.Lock()
	msgs := repairToolPairs(e.messages)
	system := e.opts.SystemPrompt
	if e.sessionContext != "" {
		system = strings.TrimSpace(system + "\n\n" + e.sessionContext)
	}
	level := e.reasoningLevel
	e.mu.Unlock()

	specs := e.registry.Specs()
	var req *llm.Request
	if e.opts.Context != nil {
		req = e.opts.Context.BuildRequest(e.opts.Model, system, msgs, specs)
	} else {
		req = &llm.Request{Model: e.opts.Model, System: system, Messages: msgs, Tools: specs}
	}
	if e.opts.MaxTokens > 0 {
		req.MaxTokens = e.opts.MaxTokens
	}
	req.ReasoningLevel = level
	return req
}

// repairToolPairs returns a copy of msgs in which every tool-use block is
// followed by a result. Calls that never ran get a synthetic error result.
func repairToolPairs(msgs []llm.Message) []llm.Message {
	out := make([]llm.Message, 0, len(msgs))
	for i := 0; i < len(msgs); i++ {
		m := msgs[i]
		out = append(out, m)
		calls := m.ToolCalls()
		if m.Role != llm.RoleAssistant || len(calls) == 0 {
			continue
		}
		answered := map[string]bool{}
		for j := i + 1; j < len(msgs) && msgs[j].Role == llm.RoleToolResult; j++ {
			answered[msgs[j].ToolCallID] = true
			out = append(out, msgs[j])
			i = j
		}
		for _, c := range calls {
			if !answered[c.ID] {
				out = append(out, llm.ToolResultMessage(c.ID, c.Name, "Tool was not executed: the turn was interrupted.", true))
			}
		}
	}
	return out
}

func (e *Engine) appendAssistant(ctx context.Context, turn int, sr *stream.TurnResult, interrupted bool) {
	msg := sr.Message
	e.mu.Lock()
	if len(msg.Content) > 0 {
		e.messages = append(e.messages, msg)
	}
	if sr.Usage != nil {
		e.usage.Add(toUsage(sr.Usage))
	}
	if t := msg.Text(); t != "" {
		e.lastText = t
	}
	e.mu.Unlock()

	_ = e.record(ctx, types.EventAssistant, types.AssistantPayload{
		Content:     msg.Content,
		Turn:        turn,
		Interrupted: interrupted,
		StopReason:  sr.StopReason,
		Usage:       usagePtr(sr.Usage),
	})
}

// keepPartial records an interrupted response. Tool-use blocks are dropped
// since their calls never ran.
func (e *Engine) keepPartial(ctx context.Context, turn int, sr *stream.TurnResult) {
	if sr == nil {
		return
	}
	partial := *sr
	partial.Message = stream.BuildMessage(sr.Thinking, sr.Text, nil)
	partial.StopReason = llm.StopInterrupted
	e.appendAssistant(ctx, turn, &partial, true)
}

func (e *Engine) endTurn(ctx context.Context, res *TurnResult, started time.Time, sr *stream.TurnResult) {
	usage := usagePtr(res.Usage)
	_ = e.record(ctx, types.EventTurnEnd, types.TurnEndPayload{Turn: res.Turn, StopReason: res.StopReason, Usage: usage})
	data := bus.TurnData{Turn: res.Turn, StopReason: res.StopReason, Duration: time.Since(started), Usage: usage}
	if sr != nil {
		data.TTFT = sr.TTFT
	}
	e.publish(bus.TurnEnd, data)
}

// executeTool runs one call through plan-mode and hook guards. discarded
// reports that the tool was still running InterruptGrace after the token
// fired, in which case its result was dropped.
func (e *Engine) executeTool(ctx context.Context, turn int, tc llm.ToolCall, tok *cancel.Token) (out ToolOutcome, discarded bool) {
	log := slog.With("session_id", string(e.opts.SessionID), "turn", turn, "tool", tc.Name, "call_id", tc.ID)
	e.setActiveTool(tc.Name)
	defer e.setActiveTool("")

	out.Call = tc
	args := decodeArgs(tc.Arguments)
	var blocked *ToolResult

	if e.blockedByPlan(tc.Name) {
		blocked = ErrorResult("Tool %s is not available in plan mode.", tc.Name)
	} else {
		d := e.trigger(ctx, hooks.PreToolUse, &hooks.Context{
			Turn:       turn,
			ToolName:   tc.Name,
			ToolCallID: types.ToolCallID(tc.ID),
			Arguments:  args,
		})
		switch {
		case d.Blocked():
			blocked = ErrorResult("Tool call blocked by hook %s: %s", d.Hook, d.Reason)
		case d.Action == hooks.ActionModify:
			if mod, ok := d.Modifications["arguments"].(map[string]any); ok {
				if raw, err := json.Marshal(mod); err == nil {
					tc.Arguments = raw
					args = mod
					out.Call = tc
				}
			}
		}
	}

	e.publish(bus.ToolExecStart, bus.ToolExecData{ToolCallID: types.ToolCallID(tc.ID), Name: tc.Name, Arguments: args})
	_ = e.record(ctx, types.EventToolCall, types.ToolCallPayload{
		ToolCallID: types.ToolCallID(tc.ID),
		Name:       tc.Name,
		Arguments:  json.RawMessage(orEmptyObject(tc.Arguments)),
		Turn:       turn,
	})

	start := time.Now()
	var result *ToolResult
	if blocked != nil {
		result = blocked
		log.Info("tool call refused", "reason", result.Content)
	} else {
		inv, dropped := e.invoke(ctx, tc, tok)
		if dropped {
			log.Info("tool result discarded after interruption")
			return out, true
		}
		result = inv.res
		if inv.err != nil {
			out.Err = &ToolError{Tool: tc.Name, Err: inv.err}
			log.Warn("tool failed", "error", inv.err)
			result = ErrorResult("Error: %v", inv.err)
		}
	}
	if result == nil {
		result = TextResult("")
	}

	content := result.Content
	if len(content) > e.opts.ArtifactThreshold && e.opts.Artifacts != nil {
		id, err := e.opts.Artifacts.Put(ctx, e.opts.SessionID, types.ToolCallID(tc.ID), tc.Name, content)
		if err != nil {
			log.Warn("store artifact failed", "error", err)
		} else {
			out.ArtifactID = id
			content = content[:e.opts.ArtifactThreshold] + "\n[truncated, full output in artifact " + string(id) + "]"
		}
	}
	out.Result = *result
	out.Result.Content = content

	e.mu.Lock()
	e.messages = append(e.messages, llm.ToolResultMessage(tc.ID, tc.Name, content, result.IsError))
	e.toolCalls++
	if cmd, ok := args["command"].(string); ok && tc.Name == "bash" {
		e.recentCommands = append(e.recentCommands, cmd)
	}
	e.mu.Unlock()

	_ = e.record(ctx, types.EventToolResult, types.ToolResultPayload{
		ToolCallID:  types.ToolCallID(tc.ID),
		Name:        tc.Name,
		Content:     content,
		IsError:     result.IsError,
		Interrupted: result.Details.Interrupted,
		ArtifactID:  out.ArtifactID,
	})
	e.publish(bus.ToolExecEnd, bus.ToolExecData{
		ToolCallID: types.ToolCallID(tc.ID),
		Name:       tc.Name,
		Arguments:  args,
		IsError:    result.IsError,
		Duration:   time.Since(start),
	})
	e.trigger(ctx, hooks.PostToolUse, &hooks.Context{
		Turn:       turn,
		ToolName:   tc.Name,
		ToolCallID: types.ToolCallID(tc.ID),
		Arguments:  args,
		Result:     content,
		IsError:    result.IsError,
	})
	return out, false
}

type invocation struct {
	res *ToolResult
	err error
}

// invoke runs the tool on its own goroutine so the engine can stop waiting
// when the token fires. A tool that returns within InterruptGrace of the
// signal keeps its result; one that ignores the token has it dropped.
func (e *Engine) invoke(ctx context.Context, tc llm.ToolCall, tok *cancel.Token) (invocation, bool) {
	tool, ok := e.registry.Get(tc.Name)
	if !ok {
		return invocation{res: ErrorResult("Unknown tool: %s", tc.Name)}, false
	}
	if err := e.registry.Validate(tc.Name, tc.Arguments); err != nil {
		return invocation{res: ErrorResult("Invalid arguments: %v", err)}, false
	}

	done := make(chan invocation, 1)
	go func() {
		var inv invocation
		defer func() {
			if r := recover(); r != nil {
				inv = invocation{err: fmt.Errorf("panic: %v", r)}
			}
			done <- inv
		}()
		inv.res, inv.err = tool.Execute(ctx, tc.ID, orEmptyObject(tc.Arguments), tok)
	}()

	select {
	case inv := <-done:
		return inv, false
	case <-ctx.Done():
		return invocation{}, true
	case <-tok.Done():
	}

	grace := time.NewTimer(e.opts.InterruptGrace)
	defer grace.Stop()
	select {
	case inv := <-done:
		return inv, false
	case <-grace.C:
		return invocation{}, true
	case <-ctx.Done():
		return invocation{}, true
	}
}

func (e *Engine) setActiveTool(name string) {
	e.mu.Lock()
	e.activeTool = name
	e.mu.Unlock()
}

func orEmptyObject(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{}`)
	}
	return raw
}

func toUsage(u *llm.Usage) types.Usage {
	return types.Usage{
		InputTokens:      u.InputTokens,
		OutputTokens:     u.OutputTokens,
		CacheReadTokens:  u.CacheReadTokens,
		CacheWriteTokens: u.CacheWriteTokens,
	}
}

func usagePtr(u *llm.Usage) *types.Usage {
	if u == nil {
		return nil
	}
	out := toUsage(u)
	return &out
}
