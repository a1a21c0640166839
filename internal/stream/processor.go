// Package stream turns a provider's normalized event stream into a TurnResult.
package stream

import (
	"context"
	"strings"
	"time"

	"github.com/user/agentcore/internal/bus"
	"github.com/user/agentcore/internal/cancel"
	"github.com/user/agentcore/internal/types"
	"github.com/user/agentcore/pkg/llm"
)

// TurnResult is the normalized outcome of one model response.
type TurnResult struct {
	Text           string
	Thinking       string
	ToolCalls      []llm.ToolCall
	Message        llm.Message
	StopReason     string
	Interrupted    bool
	PartialContent string
	Usage          *llm.Usage
	TTFT           time.Duration
}

// Callbacks are optional hooks into processing.
type Callbacks struct {
	// OnToolCall runs once per distinct tool call id, when toolcall_end arrives.
	OnToolCall func(llm.ToolCall)
	// OnFirstToken runs on the first text or thinking delta.
	OnFirstToken func(ttft time.Duration)
	// OnText runs for every text delta.
	OnText func(delta string)
}

// Processor consumes one provider stream per Process call.
type Processor struct {
	sessionID types.SessionID
	bus       *bus.Bus
	token     func() *cancel.Token
}

// NewProcessor binds a processor to a session, an optional bus, and an
// accessor for the run's current cancellation token.
func NewProcessor(sessionID types.SessionID, b *bus.Bus, token func() *cancel.Token) *Processor {
	if token == nil {
		token = func() *cancel.Token { return nil }
	}
	return &Processor{sessionID: sessionID, bus: b, token: token}
}

type accumulator struct {
	text      strings.Builder
	thinking  strings.Builder
	calls     []llm.ToolCall
	seen      map[string]bool
	argBufs   map[string]*strings.Builder
	started   time.Time
	ttft      time.Duration
	gotTokens bool
}

// Process reads events until done, error, cancellation, or channel close.
// The returned TurnResult is never nil; on failure it holds whatever was
// accumulated and err is one of *UpstreamError, ErrNoResponse, *AbortedError.
func (p *Processor) Process(ctx context.Context, events <-chan llm.StreamEvent, cb *Callbacks) (*TurnResult, error) {
	if cb == nil {
		cb = &Callbacks{}
	}
	acc := &accumulator{
		seen:    make(map[string]bool),
		argBufs: make(map[string]*strings.Builder),
		started: time.Now(),
	}
	tok := p.token()

	for {
		if tok.IsSignaled() {
			return p.aborted(acc, nil)
		}
		var (
			ev llm.StreamEvent
			ok bool
		)
		select {
		case <-tok.Done():
			return p.aborted(acc, nil)
		case <-ctx.Done():
			return p.aborted(acc, ctx.Err())
		case ev, ok = <-events:
		}
		if !ok {
			return acc.partial(false), ErrNoResponse
		}

		switch ev.Type {
		case llm.EventTextDelta:
			acc.firstToken(cb)
			acc.text.WriteString(ev.Delta)
			if cb.OnText != nil {
				cb.OnText(ev.Delta)
			}
			p.publish(bus.MessageUpdate, bus.MessageUpdateData{Delta: ev.Delta})
		case llm.EventThinkingStart:
			p.publish(bus.ThinkingStart, bus.ThinkingData{})
		case llm.EventThinkingDelta:
			acc.firstToken(cb)
			acc.thinking.WriteString(ev.Delta)
			p.publish(bus.ThinkingDelta, bus.ThinkingData{Delta: ev.Delta})
		case llm.EventThinkingEnd:
			p.publish(bus.ThinkingEnd, bus.ThinkingData{})
		case llm.EventToolCallStart:
			if ev.ToolCall != nil {
				acc.argBufs[ev.ToolCall.ID] = &strings.Builder{}
				p.publish(bus.ToolCallGenerating, bus.ToolCallDeltaData{
					ToolCallID: types.ToolCallID(ev.ToolCall.ID),
					Name:       ev.ToolCall.Name,
				})
			}
		case llm.EventToolCallDelta:
			if ev.ToolCall != nil {
				if buf, ok := acc.argBufs[ev.ToolCall.ID]; ok {
					buf.WriteString(ev.Delta)
				}
				p.publish(bus.ToolCallDelta, bus.ToolCallDeltaData{
					ToolCallID: types.ToolCallID(ev.ToolCall.ID),
					Name:       ev.ToolCall.Name,
					Delta:      ev.Delta,
				})
			}
		case llm.EventToolCallEnd:
			if ev.ToolCall == nil {
				continue
			}
			tc := *ev.ToolCall
			if len(tc.Arguments) == 0 {
				if buf, ok := acc.argBufs[tc.ID]; ok && buf.Len() > 0 {
					tc.Arguments = []byte(buf.String())
				}
			}
			if acc.add(tc) && cb.OnToolCall != nil {
				cb.OnToolCall(tc)
			}
		case llm.EventRetry:
			if ev.Retry != nil {
				p.publish(bus.APIRetry, bus.RetryData{
					Attempt:    ev.Retry.Attempt,
					MaxRetries: ev.Retry.MaxRetries,
					DelayMs:    ev.Retry.DelayMs,
					Category:   ev.Retry.Category,
				})
			}
		case llm.EventError:
			return acc.partial(false), upstream(ev.Err, "upstream")
		case llm.EventSafetyBlock:
			err := upstream(ev.Err, "safety")
			err.Category = "safety"
			if err.Message == "" {
				err.Message = "response blocked by safety filter"
			}
			return acc.partial(false), err
		case llm.EventDone:
			return acc.finish(ev), nil
		}
	}
}

func (p *Processor) aborted(acc *accumulator, cause error) (*TurnResult, error) {
	res := acc.partial(true)
	return res, &AbortedError{Partial: res, Cause: cause}
}

func (p *Processor) publish(t bus.EventType, data any) {
	p.bus.Publish(bus.New(t, p.sessionID, data))
}

func upstream(se *llm.StreamError, fallback string) *UpstreamError {
	if se == nil {
		return &UpstreamError{Message: "provider reported an error", Category: fallback}
	}
	return &UpstreamError{Message: se.Message, Category: se.Category, Retryable: se.Retryable}
}

func (a *accumulator) firstToken(cb *Callbacks) {
	if a.gotTokens {
		return
	}
	a.gotTokens = true
	a.ttft = time.Since(a.started)
	if cb.OnFirstToken != nil {
		cb.OnFirstToken(a.ttft)
	}
}

// add records tc unless its id was already seen. It reports whether tc was new.
func (a *accumulator) add(tc llm.ToolCall) bool {
	if tc.ID != "" && a.seen[tc.ID] {
		return false
	}
	a.seen[tc.ID] = true
	a.calls = append(a.calls, tc)
	return true
}

func (a *accumulator) find(id string) llm.ToolCall {
	for _, tc := range a.calls {
		if tc.ID == id {
			return tc
		}
	}
	return llm.ToolCall{ID: id}
}

func (a *accumulator) partial(interrupted bool) *TurnResult {
	res := &TurnResult{
		Text:      a.text.String(),
		Thinking:  a.thinking.String(),
		ToolCalls: append([]llm.ToolCall(nil), a.calls...),
		TTFT:      a.ttft,
	}
	res.Message = BuildMessage(res.Thinking, res.Text, res.ToolCalls)
	if interrupted {
		res.Interrupted = true
		res.StopReason = llm.StopInterrupted
		res.PartialContent = res.Text
	}
	return res
}

func (a *accumulator) finish(ev llm.StreamEvent) *TurnResult {
	msg := llm.Message{Role: llm.RoleAssistant}
	if ev.Message != nil {
		msg = *ev.Message
		msg.Role = llm.RoleAssistant
	}

	if len(msg.Content) == 0 && a.text.Len() > 0 {
		msg = BuildMessage(a.thinking.String(), a.text.String(), nil)
	}

	// Merge tool calls: those seen via toolcall_end keep their position and
	// identity, extra ones from the final message follow. Calls without an
	// id cannot be matched by id and pair up by position instead.
	var anon []llm.ToolCall
	for _, tc := range a.calls {
		if tc.ID == "" {
			anon = append(anon, tc)
		}
	}
	anonUsed := 0
	var content []llm.ContentBlock
	inMessage := make(map[string]bool)
	for _, b := range msg.Content {
		switch {
		case b.Type != llm.BlockToolUse:
		case b.ID == "":
			if anonUsed < len(anon) {
				b = anon[anonUsed].Block()
			} else {
				a.add(llm.ToolCall{Name: b.Name, Arguments: b.Input})
			}
			anonUsed++
		case inMessage[b.ID]:
			continue
		default:
			inMessage[b.ID] = true
			if !a.add(llm.ToolCall{ID: b.ID, Name: b.Name, Arguments: b.Input}) {
				b = a.find(b.ID).Block()
			}
		}
		content = append(content, b)
	}
	for _, tc := range a.calls {
		if tc.ID != "" && !inMessage[tc.ID] {
			content = append(content, tc.Block())
		}
	}
	for _, tc := range anon[min(anonUsed, len(anon)):] {
		content = append(content, tc.Block())
	}
	msg.Content = content

	text := a.text.String()
	if text == "" {
		text = msg.Text()
	}
	return &TurnResult{
		Text:       text,
		Thinking:   a.thinking.String(),
		ToolCalls:  append([]llm.ToolCall(nil), a.calls...),
		Message:    msg,
		StopReason: ev.StopReason,
		Usage:      ev.Usage,
		TTFT:       a.ttft,
	}
}

// BuildMessage assembles an assistant message: thinking first, then the
// trimmed text, then tool-use blocks.
func BuildMessage(thinking, text string, calls []llm.ToolCall) llm.Message {
	msg := llm.Message{Role: llm.RoleAssistant}
	if thinking != "" {
		msg.Content = append(msg.Content, llm.ContentBlock{Type: llm.BlockThinking, Thinking: thinking})
	}
	if t := strings.TrimSpace(text); t != "" {
		msg.Content = append(msg.Content, llm.ContentBlock{Type: llm.BlockText, Text: t})
	}
	for _, tc := range calls {
		msg.Content = append(msg.Content, tc.Block())
	}
	return msg
}
