package anthropic

import (
	"encoding/json"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"

	"github.com/user/agentcore/pkg/llm"
)

type blockState struct {
	kind      llm.BlockType
	id        string
	name      string
	text      strings.Builder
	signature string
}

// translator converts SDK stream events into llm.StreamEvents and
// assembles the final message.
type translator struct {
	send       func(llm.StreamEvent) bool
	blocks     map[int64]*blockState
	order      []int64
	usage      llm.Usage
	stopReason string
	finished   bool
}

func newTranslator(send func(llm.StreamEvent) bool) *translator {
	return &translator{send: send, blocks: make(map[int64]*blockState)}
}

// handle returns false once the consumer is gone or the stream is over.
func (t *translator) handle(event sdk.MessageStreamEventUnion) bool {
	switch ev := event.AsAny().(type) {
	case sdk.MessageStartEvent:
		u := ev.Message.Usage
		t.usage.InputTokens = int(u.InputTokens)
		t.usage.CacheReadTokens = int(u.CacheReadInputTokens)
		t.usage.CacheWriteTokens = int(u.CacheCreationInputTokens)
		return t.send(llm.StreamEvent{Type: llm.EventStart})

	case sdk.ContentBlockStartEvent:
		b := &blockState{}
		t.blocks[ev.Index] = b
		t.order = append(t.order, ev.Index)
		if tu, ok := ev.ContentBlock.AsAny().(sdk.ToolUseBlock); ok {
			b.kind, b.id, b.name = llm.BlockToolUse, tu.ID, tu.Name
			return t.send(llm.StreamEvent{Type: llm.EventToolCallStart, ToolCall: &llm.ToolCall{ID: tu.ID, Name: tu.Name}})
		}
		switch ev.ContentBlock.Type {
		case "thinking":
			b.kind = llm.BlockThinking
			return t.send(llm.StreamEvent{Type: llm.EventThinkingStart})
		case "text":
			b.kind = llm.BlockText
			return t.send(llm.StreamEvent{Type: llm.EventTextStart})
		}
		return true

	case sdk.ContentBlockDeltaEvent:
		b := t.blocks[ev.Index]
		if b == nil {
			return true
		}
		switch d := ev.Delta.AsAny().(type) {
		case sdk.TextDelta:
			b.text.WriteString(d.Text)
			return d.Text == "" || t.send(llm.TextDelta(d.Text))
		case sdk.ThinkingDelta:
			b.text.WriteString(d.Thinking)
			return d.Thinking == "" || t.send(llm.ThinkingDelta(d.Thinking))
		case sdk.SignatureDelta:
			b.signature = d.Signature
		case sdk.InputJSONDelta:
			b.text.WriteString(d.PartialJSON)
			if d.PartialJSON != "" {
				return t.send(llm.StreamEvent{
					Type:     llm.EventToolCallDelta,
					Delta:    d.PartialJSON,
					ToolCall: &llm.ToolCall{ID: b.id, Name: b.name},
				})
			}
		}
		return true

	case sdk.ContentBlockStopEvent:
		b := t.blocks[ev.Index]
		if b == nil {
			return true
		}
		switch b.kind {
		case llm.BlockText:
			return t.send(llm.StreamEvent{Type: llm.EventTextEnd})
		case llm.BlockThinking:
			return t.send(llm.StreamEvent{Type: llm.EventThinkingEnd})
		case llm.BlockToolUse:
			return t.send(llm.ToolCallEnd(b.call()))
		}
		return true

	case sdk.MessageDeltaEvent:
		t.stopReason = string(ev.Delta.StopReason)
		t.usage.OutputTokens = int(ev.Usage.OutputTokens)
		return true

	case sdk.MessageStopEvent:
		t.finished = true
		if t.stopReason == "refusal" {
			t.send(llm.StreamEvent{Type: llm.EventSafetyBlock, Err: &llm.StreamError{Message: "the model declined to respond", Category: "safety"}})
			return false
		}
		usage := t.usage
		t.send(llm.Done(t.message(), stopReason(t.stopReason), &usage))
		return false
	}
	return true
}

func (b *blockState) call() llm.ToolCall {
	args := strings.TrimSpace(b.text.String())
	if args == "" || !json.Valid([]byte(args)) {
		args = "{}"
	}
	return llm.ToolCall{ID: b.id, Name: b.name, Arguments: json.RawMessage(args)}
}

func (t *translator) message() llm.Message {
	msg := llm.Message{Role: llm.RoleAssistant}
	for _, idx := range t.order {
		b := t.blocks[idx]
		switch b.kind {
		case llm.BlockText:
			msg.Content = append(msg.Content, llm.ContentBlock{Type: llm.BlockText, Text: b.text.String()})
		case llm.BlockThinking:
			msg.Content = append(msg.Content, llm.ContentBlock{Type: llm.BlockThinking, Thinking: b.text.String(), Signature: b.signature})
		case llm.BlockToolUse:
			msg.Content = append(msg.Content, b.call().Block())
		}
	}
	return msg
}

func stopReason(s string) string {
	switch s {
	case "tool_use":
		return llm.StopToolUse
	case "max_tokens":
		return llm.StopMaxTokens
	default:
		return llm.StopEndTurn
	}
}
