// Package anthropic implements llm.Provider on the Anthropic Messages
// streaming API.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/user/agentcore/pkg/llm"
)

// MessagesClient is the subset of the SDK messages service the provider uses.
type MessagesClient interface {
	NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
}

type Client struct {
	msg    MessagesClient
	config *llm.Config
}

// New wraps an SDK messages client.
func New(msg MessagesClient, config *llm.Config) *Client {
	return &Client{msg: msg, config: config}
}

// NewFromConfig builds an SDK client from the API key and optional base
// URL. SDK-level retries are disabled; retrying is the caller's concern.
func NewFromConfig(config *llm.Config) *Client {
	opts := []option.RequestOption{
		option.WithAPIKey(config.APIKey),
		option.WithMaxRetries(0),
	}
	if config.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(config.BaseURL))
	}
	ac := sdk.NewClient(opts...)
	return New(&ac.Messages, config)
}

// Reasoning levels map to extended-thinking budgets.
var thinkingBudgets = map[string]int{
	"low":    2048,
	"medium": 8192,
	"high":   16384,
}

func (c *Client) Stream(ctx context.Context, req *llm.Request) (<-chan llm.StreamEvent, error) {
	params, err := c.buildParams(req)
	if err != nil {
		return nil, err
	}
	stream := c.msg.NewStreaming(ctx, params)

	ch := make(chan llm.StreamEvent)
	go func() {
		defer close(ch)
		defer stream.Close()
		t := newTranslator(func(ev llm.StreamEvent) bool {
			select {
			case ch <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		})
		for stream.Next() {
			if !t.handle(stream.Current()) {
				return
			}
		}
		if err := stream.Err(); err != nil {
			t.send(llm.StreamEvent{Type: llm.EventError, Err: classify(err)})
			return
		}
		if !t.finished {
			t.send(llm.Failure("stream ended before message_stop", "no_response", true))
		}
	}()
	return ch, nil
}

func (c *Client) buildParams(req *llm.Request) (sdk.MessageNewParams, error) {
	model := req.Model
	if model == "" {
		model = c.config.Model
	}
	maxTokens := c.config.MaxTokens
	if req.MaxTokens > 0 {
		maxTokens = req.MaxTokens
	}
	if maxTokens <= 0 {
		return sdk.MessageNewParams{}, errors.New("anthropic: max_tokens must be positive")
	}

	msgs, err := encodeMessages(req.Messages)
	if err != nil {
		return sdk.MessageNewParams{}, err
	}
	params := sdk.MessageNewParams{
		Model:     sdk.Model(model),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}
	tools, err := encodeTools(req.Tools)
	if err != nil {
		return sdk.MessageNewParams{}, err
	}
	params.Tools = tools

	budget := c.config.ThinkingBudget
	if b, ok := thinkingBudgets[req.ReasoningLevel]; ok {
		budget = b
	}
	if budget >= maxTokens {
		budget = maxTokens - 1
	}
	if budget >= 1024 {
		// Extended thinking rejects a custom temperature.
		params.Thinking = sdk.ThinkingConfigParamOfEnabled(int64(budget))
		return params, nil
	}
	temp := c.config.Temperature
	if req.Temperature != 0 {
		temp = req.Temperature
	}
	if temp > 0 {
		params.Temperature = sdk.Float(float64(temp))
	}
	return params, nil
}

// encodeMessages converts the conversation, folding consecutive tool
// results into one user turn.
func encodeMessages(msgs []llm.Message) ([]sdk.MessageParam, error) {
	var out []sdk.MessageParam
	var pending []sdk.ContentBlockParamUnion
	flush := func() {
		if len(pending) > 0 {
			out = append(out, sdk.NewUserMessage(pending...))
			pending = nil
		}
	}

	for _, m := range msgs {
		switch m.Role {
		case llm.RoleToolResult:
			pending = append(pending, sdk.NewToolResultBlock(m.ToolCallID, m.Text(), m.IsError))
		case llm.RoleUser:
			if text := m.Text(); text != "" {
				pending = append(pending, sdk.NewTextBlock(text))
			}
			flush()
		case llm.RoleAssistant:
			flush()
			var blocks []sdk.ContentBlockParamUnion
			for _, b := range m.Content {
				switch b.Type {
				case llm.BlockText:
					if b.Text != "" {
						blocks = append(blocks, sdk.NewTextBlock(b.Text))
					}
				case llm.BlockThinking:
					// Unsigned thinking cannot be replayed.
					if b.Signature != "" {
						blocks = append(blocks, sdk.NewThinkingBlock(b.Signature, b.Thinking))
					}
				case llm.BlockToolUse:
					input := b.Input
					if len(input) == 0 {
						input = json.RawMessage(`{}`)
					}
					blocks = append(blocks, sdk.NewToolUseBlock(b.ID, input, b.Name))
				}
			}
			if len(blocks) > 0 {
				out = append(out, sdk.NewAssistantMessage(blocks...))
			}
		default:
			return nil, errors.New("anthropic: unsupported message role " + string(m.Role))
		}
	}
	flush()
	if len(out) == 0 {
		return nil, errors.New("anthropic: at least one message is required")
	}
	return out, nil
}

func encodeTools(specs []llm.ToolSpec) ([]sdk.ToolUnionParam, error) {
	var out []sdk.ToolUnionParam
	for _, spec := range specs {
		schema := sdk.ToolInputSchemaParam{}
		if len(spec.Parameters) > 0 {
			var m map[string]any
			if err := json.Unmarshal(spec.Parameters, &m); err != nil {
				return nil, errors.New("anthropic: tool " + spec.Name + " schema: " + err.Error())
			}
			delete(m, "type")
			schema.ExtraFields = m
		}
		u := sdk.ToolUnionParamOfTool(schema, spec.Name)
		if u.OfTool != nil && spec.Description != "" {
			u.OfTool.Description = sdk.String(spec.Description)
		}
		out = append(out, u)
	}
	return out, nil
}

// classify maps SDK and transport failures to stream error categories.
func classify(err error) *llm.StreamError {
	se := &llm.StreamError{Message: err.Error()}
	msg := strings.ToLower(err.Error())

	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusTooManyRequests:
			se.Category, se.Retryable = "rate_limit", true
		case apiErr.StatusCode == 529 || apiErr.StatusCode >= 500:
			se.Category, se.Retryable = "overloaded", true
		case strings.Contains(msg, "prompt is too long"):
			se.Category = "context_overflow"
		case apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden:
			se.Category = "auth"
		default:
			se.Category = "invalid_request"
		}
		return se
	}
	switch {
	case strings.Contains(msg, "overloaded"):
		se.Category, se.Retryable = "overloaded", true
	case strings.Contains(msg, "rate_limit"):
		se.Category, se.Retryable = "rate_limit", true
	default:
		se.Category, se.Retryable = "transport", true
	}
	return se
}
