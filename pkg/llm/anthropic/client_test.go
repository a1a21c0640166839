package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/stretchr/testify/require"

	"github.com/user/agentcore/pkg/llm"
)

// fakeDecoder replays fixed SSE events.
type fakeDecoder struct {
	events []ssestream.Event
	i      int
	err    error
}

func (d *fakeDecoder) Event() ssestream.Event { return d.events[d.i-1] }

func (d *fakeDecoder) Next() bool {
	if d.i >= len(d.events) {
		return false
	}
	d.i++
	return true
}

func (d *fakeDecoder) Close() error { return nil }
func (d *fakeDecoder) Err() error   { return d.err }

type stubMessages struct {
	params sdk.MessageNewParams
	dec    *fakeDecoder
}

func (s *stubMessages) NewStreaming(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion] {
	s.params = body
	return ssestream.NewStream[sdk.MessageStreamEventUnion](s.dec, nil)
}

func sse(typ, data string) ssestream.Event {
	return ssestream.Event{Type: typ, Data: []byte(data)}
}

func messageStart(inputTokens int) ssestream.Event {
	data, _ := json.Marshal(map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id": "msg_1", "type": "message", "role": "assistant", "model": "claude-sonnet-4-5",
			"content": []any{}, "usage": map[string]any{"input_tokens": inputTokens, "output_tokens": 0},
		},
	})
	return sse("message_start", string(data))
}

func drain(t *testing.T, c *Client, req *llm.Request) []llm.StreamEvent {
	t.Helper()
	ch, err := c.Stream(context.Background(), req)
	require.NoError(t, err)
	var out []llm.StreamEvent
	for ev := range ch {
		out = append(out, ev)
	}
	return out
}

func types(evs []llm.StreamEvent) []llm.StreamEventType {
	out := make([]llm.StreamEventType, len(evs))
	for i, ev := range evs {
		out[i] = ev.Type
	}
	return out
}

func userRequest() *llm.Request {
	return &llm.Request{Messages: []llm.Message{llm.UserMessage("hi")}}
}

func TestStreamTextAndToolCall(t *testing.T) {
	stub := &stubMessages{dec: &fakeDecoder{events: []ssestream.Event{
		messageStart(12),
		sse("content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`),
		sse("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Listing "}}`),
		sse("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"files."}}`),
		sse("content_block_stop", `{"type":"content_block_stop","index":0}`),
		sse("content_block_start", `{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_1","name":"bash","input":{}}}`),
		sse("content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"command\":"}}`),
		sse("content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"\"ls\"}"}}`),
		sse("content_block_stop", `{"type":"content_block_stop","index":1}`),
		sse("message_delta", `{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":7}}`),
		sse("message_stop", `{"type":"message_stop"}`),
	}}}
	c := New(stub, &llm.Config{Model: "claude-sonnet-4-5", MaxTokens: 1024})

	evs := drain(t, c, userRequest())
	require.Equal(t, []llm.StreamEventType{
		llm.EventStart,
		llm.EventTextStart, llm.EventTextDelta, llm.EventTextDelta, llm.EventTextEnd,
		llm.EventToolCallStart, llm.EventToolCallDelta, llm.EventToolCallDelta, llm.EventToolCallEnd,
		llm.EventDone,
	}, types(evs))

	end := evs[8].ToolCall
	require.Equal(t, "toolu_1", end.ID)
	require.JSONEq(t, `{"command":"ls"}`, string(end.Arguments))

	done := evs[len(evs)-1]
	require.Equal(t, llm.StopToolUse, done.StopReason)
	require.Equal(t, "Listing files.", done.Message.Text())
	require.Len(t, done.Message.ToolCalls(), 1)
	require.Equal(t, &llm.Usage{InputTokens: 12, OutputTokens: 7}, done.Usage)
}

func TestStreamThinkingKeepsSignature(t *testing.T) {
	stub := &stubMessages{dec: &fakeDecoder{events: []ssestream.Event{
		messageStart(3),
		sse("content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"thinking","thinking":"","signature":""}}`),
		sse("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","thinking":"consider"}}`),
		sse("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"signature_delta","signature":"sig-1"}}`),
		sse("content_block_stop", `{"type":"content_block_stop","index":0}`),
		sse("message_delta", `{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":2}}`),
		sse("message_stop", `{"type":"message_stop"}`),
	}}}
	c := New(stub, &llm.Config{Model: "m", MaxTokens: 1024})

	evs := drain(t, c, userRequest())
	done := evs[len(evs)-1]
	require.Equal(t, llm.EventDone, done.Type)
	require.Equal(t, llm.BlockThinking, done.Message.Content[0].Type)
	require.Equal(t, "consider", done.Message.Content[0].Thinking)
	require.Equal(t, "sig-1", done.Message.Content[0].Signature)
}

func TestStreamRefusalIsSafetyBlock(t *testing.T) {
	stub := &stubMessages{dec: &fakeDecoder{events: []ssestream.Event{
		messageStart(3),
		sse("message_delta", `{"type":"message_delta","delta":{"stop_reason":"refusal"},"usage":{"output_tokens":0}}`),
		sse("message_stop", `{"type":"message_stop"}`),
	}}}
	evs := drain(t, New(stub, &llm.Config{Model: "m", MaxTokens: 1024}), userRequest())
	last := evs[len(evs)-1]
	require.Equal(t, llm.EventSafetyBlock, last.Type)
	require.Equal(t, "safety", last.Err.Category)
}

func TestStreamTransportError(t *testing.T) {
	stub := &stubMessages{dec: &fakeDecoder{
		events: []ssestream.Event{messageStart(3)},
		err:    errors.New("connection reset by peer"),
	}}
	evs := drain(t, New(stub, &llm.Config{Model: "m", MaxTokens: 1024}), userRequest())
	last := evs[len(evs)-1]
	require.Equal(t, llm.EventError, last.Type)
	require.Equal(t, "transport", last.Err.Category)
	require.True(t, last.Err.Retryable)
}

func TestStreamTruncated(t *testing.T) {
	stub := &stubMessages{dec: &fakeDecoder{events: []ssestream.Event{messageStart(3)}}}
	evs := drain(t, New(stub, &llm.Config{Model: "m", MaxTokens: 1024}), userRequest())
	last := evs[len(evs)-1]
	require.Equal(t, llm.EventError, last.Type)
	require.Equal(t, "no_response", last.Err.Category)
}

func TestBuildParams(t *testing.T) {
	c := New(&stubMessages{}, &llm.Config{Model: "claude-sonnet-4-5", MaxTokens: 4096, Temperature: 0.5})
	req := &llm.Request{
		System: "be brief",
		Messages: []llm.Message{
			llm.UserMessage("list files"),
			{Role: llm.RoleAssistant, Content: []llm.ContentBlock{
				{Type: llm.BlockThinking, Thinking: "unsigned"},
				{Type: llm.BlockText, Text: "running"},
				llm.ToolCall{ID: "c1", Name: "bash", Arguments: json.RawMessage(`{"command":"ls"}`)}.Block(),
				llm.ToolCall{ID: "c2", Name: "bash", Arguments: json.RawMessage(`{"command":"pwd"}`)}.Block(),
			}},
			llm.ToolResultMessage("c1", "bash", "a.txt", false),
			llm.ToolResultMessage("c2", "bash", "/tmp", false),
			llm.UserMessage("thanks"),
		},
		Tools: []llm.ToolSpec{{
			Name:        "bash",
			Description: "Run a command",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"command":{"type":"string"}},"required":["command"]}`),
		}},
	}

	params, err := c.buildParams(req)
	require.NoError(t, err)
	require.Equal(t, sdk.Model("claude-sonnet-4-5"), params.Model)
	require.Equal(t, int64(4096), params.MaxTokens)
	require.Len(t, params.System, 1)
	require.Equal(t, "be brief", params.System[0].Text)

	// user, assistant, user(two tool results + "thanks")
	require.Len(t, params.Messages, 3)
	require.Equal(t, sdk.MessageParamRoleAssistant, params.Messages[1].Role)
	require.Len(t, params.Messages[1].Content, 3, "unsigned thinking is dropped")
	require.Len(t, params.Messages[2].Content, 3)
	require.NotNil(t, params.Messages[2].Content[0].OfToolResult)
	require.Equal(t, "c2", params.Messages[2].Content[1].OfToolResult.ToolUseID)

	require.Len(t, params.Tools, 1)
	require.Equal(t, "bash", params.Tools[0].OfTool.Name)
	require.Nil(t, params.Thinking.OfEnabled)
}

func TestBuildParamsReasoningLevel(t *testing.T) {
	c := New(&stubMessages{}, &llm.Config{Model: "m", MaxTokens: 10000, Temperature: 0.5})
	req := userRequest()
	req.ReasoningLevel = "medium"

	params, err := c.buildParams(req)
	require.NoError(t, err)
	require.NotNil(t, params.Thinking.OfEnabled)
	require.Equal(t, int64(8192), params.Thinking.OfEnabled.BudgetTokens)

	req.ReasoningLevel = "high"
	params, err = c.buildParams(req)
	require.NoError(t, err)
	require.Equal(t, int64(9999), params.Thinking.OfEnabled.BudgetTokens, "budget stays below max_tokens")
}

func TestBuildParamsRequiresMessages(t *testing.T) {
	c := New(&stubMessages{}, &llm.Config{Model: "m", MaxTokens: 100})
	_, err := c.buildParams(&llm.Request{})
	require.Error(t, err)
}

func TestProviderInterface(t *testing.T) {
	var _ llm.Provider = (*Client)(nil)
}
