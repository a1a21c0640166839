// Package llmtest provides a scripted llm.Provider for tests.
package llmtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/user/agentcore/pkg/llm"
)

// Script is the event sequence replayed for one Stream call.
type Script struct {
	Events []llm.StreamEvent
	// Hold keeps the stream open after Events until the context is done,
	// simulating a provider that is still generating.
	Hold bool
	// Err is returned from Stream instead of a channel.
	Err error
}

// ScriptedProvider replays one Script per Stream call, in order.
type ScriptedProvider struct {
	mu       sync.Mutex
	scripts  []Script
	requests []*llm.Request
	// OnEvent, when set, runs after each event is delivered.
	OnEvent func(call int, ev llm.StreamEvent)
}

// New returns a provider that will replay scripts in order.
func New(scripts ...Script) *ScriptedProvider {
	return &ScriptedProvider{scripts: scripts}
}

// Events is shorthand for a Script without Hold or Err.
func Events(evs ...llm.StreamEvent) Script {
	return Script{Events: evs}
}

// Requests returns the requests seen so far.
func (p *ScriptedProvider) Requests() []*llm.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*llm.Request, len(p.requests))
	copy(out, p.requests)
	return out
}

func (p *ScriptedProvider) Stream(ctx context.Context, req *llm.Request) (<-chan llm.StreamEvent, error) {
	p.mu.Lock()
	call := len(p.requests)
	p.requests = append(p.requests, req)
	if call >= len(p.scripts) {
		p.mu.Unlock()
		return nil, fmt.Errorf("scripted provider: no script for call %d", call+1)
	}
	script := p.scripts[call]
	p.mu.Unlock()

	if script.Err != nil {
		return nil, script.Err
	}

	ch := make(chan llm.StreamEvent)
	go func() {
		defer close(ch)
		for _, ev := range script.Events {
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
			if p.OnEvent != nil {
				p.OnEvent(call, ev)
			}
		}
		if script.Hold {
			<-ctx.Done()
		}
	}()
	return ch, nil
}

// TextResponse is a complete end_turn response made of text deltas.
func TextResponse(parts ...string) Script {
	var evs []llm.StreamEvent
	evs = append(evs, llm.StreamEvent{Type: llm.EventStart})
	text := ""
	for _, p := range parts {
		evs = append(evs, llm.TextDelta(p))
		text += p
	}
	msg := llm.Message{Role: llm.RoleAssistant, Content: []llm.ContentBlock{{Type: llm.BlockText, Text: text}}}
	evs = append(evs, llm.Done(msg, llm.StopEndTurn, &llm.Usage{InputTokens: 10, OutputTokens: len(parts)}))
	return Script{Events: evs}
}

// ToolUseResponse is a response that requests the given tool calls.
func ToolUseResponse(calls ...llm.ToolCall) Script {
	evs := []llm.StreamEvent{{Type: llm.EventStart}}
	msg := llm.Message{Role: llm.RoleAssistant}
	for _, c := range calls {
		evs = append(evs, llm.ToolCallEnd(c))
		msg.Content = append(msg.Content, c.Block())
	}
	evs = append(evs, llm.Done(msg, llm.StopToolUse, &llm.Usage{InputTokens: 10, OutputTokens: 5}))
	return Script{Events: evs}
}
