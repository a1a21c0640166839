// Package openai implements llm.Provider for OpenAI-compatible chat
// completion APIs. Responses are fetched in one request and replayed as a
// normalized event stream.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/user/agentcore/pkg/llm"
)

// Client implements the llm.Provider interface for OpenAI-compatible APIs.
type Client struct {
	config     *llm.Config
	httpClient *http.Client
}

// New creates a new OpenAI-compatible client with the given configuration.
func New(config *llm.Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = "https://api.openai.com/v1"
	}
	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout: 5 * time.Minute,
		},
	}
}

type chatRequest struct {
	Model           string           `json:"model"`
	Messages        []requestMessage `json:"messages"`
	Tools           []toolSpec       `json:"tools,omitempty"`
	MaxTokens       int              `json:"max_tokens,omitempty"`
	Temperature     *float32         `json:"temperature,omitempty"`
	ReasoningEffort string           `json:"reasoning_effort,omitempty"`
}

type requestMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []toolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

type toolSpec struct {
	Type     string       `json:"type"`
	Function functionSpec `json:"function"`
}

type functionSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type toolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function functionCall `json:"function"`
}

type functionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type chatResponse struct {
	Choices []choice      `json:"choices"`
	Usage   responseUsage `json:"usage"`
}

type choice struct {
	Message      responseMessage `json:"message"`
	FinishReason string          `json:"finish_reason"`
}

type responseMessage struct {
	Role             string     `json:"role"`
	Content          string     `json:"content"`
	ReasoningContent string     `json:"reasoning_content,omitempty"`
	ToolCalls        []toolCall `json:"tool_calls,omitempty"`
}

type responseUsage struct {
	PromptTokens        int `json:"prompt_tokens"`
	CompletionTokens    int `json:"completion_tokens"`
	PromptTokensDetails struct {
		CachedTokens int `json:"cached_tokens"`
	} `json:"prompt_tokens_details"`
}

// Stream performs the request and emits start, thinking and text deltas,
// one toolcall_end per call, and done. Failures arrive as an error event.
func (c *Client) Stream(ctx context.Context, req *llm.Request) (<-chan llm.StreamEvent, error) {
	body, err := json.Marshal(c.buildRequest(req))
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	ch := make(chan llm.StreamEvent)
	go func() {
		defer close(ch)
		send := func(ev llm.StreamEvent) bool {
			select {
			case ch <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		resp, err := c.complete(ctx, body)
		if err != nil {
			send(llm.StreamEvent{Type: llm.EventError, Err: classify(err)})
			return
		}
		for _, ev := range events(resp) {
			if !send(ev) {
				return
			}
		}
	}()
	return ch, nil
}

func (c *Client) buildRequest(req *llm.Request) chatRequest {
	var msgs []requestMessage
	if req.System != "" {
		msgs = append(msgs, requestMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		msgs = append(msgs, toRequestMessage(m))
	}

	model := req.Model
	if model == "" {
		model = c.config.Model
	}
	out := chatRequest{Model: model, Messages: msgs}
	for _, t := range req.Tools {
		out.Tools = append(out.Tools, toolSpec{
			Type:     "function",
			Function: functionSpec{Name: t.Name, Description: t.Description, Parameters: t.Parameters},
		})
	}

	out.MaxTokens = c.config.MaxTokens
	if req.MaxTokens > 0 {
		out.MaxTokens = req.MaxTokens
	}
	temp := c.config.Temperature
	if req.Temperature != 0 {
		temp = req.Temperature
	}
	if temp != 0 {
		out.Temperature = &temp
	}
	switch req.ReasoningLevel {
	case "low", "medium", "high":
		out.ReasoningEffort = req.ReasoningLevel
	}
	return out
}

func toRequestMessage(m llm.Message) requestMessage {
	switch m.Role {
	case llm.RoleToolResult:
		return requestMessage{Role: "tool", Content: m.Text(), ToolCallID: m.ToolCallID}
	case llm.RoleAssistant:
		rm := requestMessage{Role: "assistant", Content: m.Text()}
		for _, tc := range m.ToolCalls() {
			args := string(tc.Arguments)
			if args == "" {
				args = "{}"
			}
			rm.ToolCalls = append(rm.ToolCalls, toolCall{
				ID:       tc.ID,
				Type:     "function",
				Function: functionCall{Name: tc.Name, Arguments: args},
			})
		}
		return rm
	default:
		return requestMessage{Role: "user", Content: m.Text()}
	}
}

func (c *Client) complete(ctx context.Context, body []byte) (*chatResponse, error) {
	url := strings.TrimSuffix(c.config.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.config.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &apiError{Status: resp.StatusCode, Body: string(respBody)}
	}

	var chatResp chatResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return nil, fmt.Errorf("parsing response: %w", err)
	}

	if len(chatResp.Choices) == 0 {
		return nil, &llm.StreamError{Message: "no choices in response", Category: "no_response", Retryable: true}
	}
	return &chatResp, nil
}

func events(resp *chatResponse) []llm.StreamEvent {
	ch := resp.Choices[0]
	evs := []llm.StreamEvent{{Type: llm.EventStart}}
	msg := llm.Message{Role: llm.RoleAssistant}

	if ch.Message.ReasoningContent != "" {
		evs = append(evs,
			llm.StreamEvent{Type: llm.EventThinkingStart},
			llm.ThinkingDelta(ch.Message.ReasoningContent),
			llm.StreamEvent{Type: llm.EventThinkingEnd})
		msg.Content = append(msg.Content, llm.ContentBlock{Type: llm.BlockThinking, Thinking: ch.Message.ReasoningContent})
	}
	if ch.Message.Content != "" {
		evs = append(evs,
			llm.StreamEvent{Type: llm.EventTextStart},
			llm.TextDelta(ch.Message.Content),
			llm.StreamEvent{Type: llm.EventTextEnd})
		msg.Content = append(msg.Content, llm.ContentBlock{Type: llm.BlockText, Text: ch.Message.Content})
	}
	for _, tc := range ch.Message.ToolCalls {
		call := llm.ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: json.RawMessage(tc.Function.Arguments)}
		if !json.Valid(call.Arguments) {
			call.Arguments = json.RawMessage(`{}`)
		}
		evs = append(evs, llm.ToolCallEnd(call))
		msg.Content = append(msg.Content, call.Block())
	}

	usage := &llm.Usage{
		InputTokens:     resp.Usage.PromptTokens,
		OutputTokens:    resp.Usage.CompletionTokens,
		CacheReadTokens: resp.Usage.PromptTokensDetails.CachedTokens,
	}
	return append(evs, llm.Done(msg, stopReason(ch.FinishReason, len(ch.Message.ToolCalls) > 0), usage))
}

func stopReason(finish string, hasTools bool) string {
	switch {
	case hasTools || finish == "tool_calls":
		return llm.StopToolUse
	case finish == "length":
		return llm.StopMaxTokens
	default:
		return llm.StopEndTurn
	}
}

type apiError struct {
	Status int
	Body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.Status, e.Body)
}

// classify maps a request failure to a categorized stream error.
func classify(err error) *llm.StreamError {
	if se, ok := err.(*llm.StreamError); ok {
		return se
	}
	ae, ok := err.(*apiError)
	if !ok {
		return &llm.StreamError{Message: err.Error(), Category: "transport", Retryable: true}
	}
	se := &llm.StreamError{Message: ae.Error()}
	switch {
	case ae.Status == http.StatusTooManyRequests:
		se.Category, se.Retryable = "rate_limit", true
	case ae.Status >= 500:
		se.Category, se.Retryable = "overloaded", true
	case strings.Contains(ae.Body, "context_length_exceeded"):
		se.Category = "context_overflow"
	case ae.Status == http.StatusUnauthorized || ae.Status == http.StatusForbidden:
		se.Category = "auth"
	default:
		se.Category = "invalid_request"
	}
	return se
}
