package context

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"

	"github.com/user/agentcore/pkg/llm"
)

// perMessageOverhead approximates role and framing tokens per message.
const perMessageOverhead = 4

// Engine counts tokens and assembles budgeted model requests.
type Engine struct {
	tokenizer *tiktoken.Tiktoken
	maxTokens int
	reserve   int
}

// New creates a context engine with the specified token budget.
// model is used to select the appropriate tokenizer (e.g. "gpt-4").
// maxTokens is the model's context window size.
// reserve is the number of tokens to reserve for the model's response.
func New(model string, maxTokens, reserve int) (*Engine, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		// Fallback to cl100k_base for unknown models
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("get tokenizer: %w", err)
		}
	}
	return &Engine{
		tokenizer: enc,
		maxTokens: maxTokens,
		reserve:   reserve,
	}, nil
}

// InputBudget is the number of tokens available for the prompt.
func (e *Engine) InputBudget() int {
	return max(e.maxTokens-e.reserve, 0)
}

// CountText returns the token count for a string.
func (e *Engine) CountText(text string) int {
	if text == "" {
		return 0
	}
	return len(e.tokenizer.Encode(text, nil, nil))
}

// CountMessage estimates the tokens one message occupies in a prompt.
func (e *Engine) CountMessage(m llm.Message) int {
	n := perMessageOverhead
	for _, b := range m.Content {
		switch b.Type {
		case llm.BlockText:
			n += e.CountText(b.Text)
		case llm.BlockThinking:
			n += e.CountText(b.Thinking)
		case llm.BlockToolUse:
			n += e.CountText(b.Name) + e.CountText(string(b.Input))
		}
	}
	return n
}

// CountMessages sums CountMessage over msgs.
func (e *Engine) CountMessages(msgs []llm.Message) int {
	total := 0
	for _, m := range msgs {
		total += e.CountMessage(m)
	}
	return total
}

// CountTools estimates the tokens spent on tool definitions.
func (e *Engine) CountTools(tools []llm.ToolSpec) int {
	total := 0
	for _, t := range tools {
		total += e.CountText(t.Name) + e.CountText(t.Description) + e.CountText(string(t.Parameters))
	}
	return total
}

// Fit returns the longest suffix of msgs that fits in budget tokens. A
// suffix never starts with a tool result whose call was cut off.
func (e *Engine) Fit(msgs []llm.Message, budget int) []llm.Message {
	used := 0
	start := len(msgs)
	for i := len(msgs) - 1; i >= 0; i-- {
		n := e.CountMessage(msgs[i])
		if used+n > budget {
			break
		}
		used += n
		start = i
	}
	for start < len(msgs) && msgs[start].Role == llm.RoleToolResult {
		start++
	}
	return msgs[start:]
}

// BuildRequest assembles a request whose system prompt, tools and most recent
// messages fit the input budget.
func (e *Engine) BuildRequest(model, system string, msgs []llm.Message, tools []llm.ToolSpec) *llm.Request {
	budget := e.InputBudget() - e.CountText(system) - e.CountTools(tools)
	return &llm.Request{
		Model:     model,
		System:    system,
		Messages:  e.Fit(msgs, budget),
		Tools:     tools,
		MaxTokens: e.reserve,
	}
}
