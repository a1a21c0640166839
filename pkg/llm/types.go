package llm

import (
	"encoding/json"
	"strings"
)

// Role identifies the author of a Message.
type Role string

const (
	RoleUser       Role = "user"
	RoleAssistant  Role = "assistant"
	RoleToolResult Role = "toolResult"
)

// BlockType tags a ContentBlock.
type BlockType string

const (
	BlockText     BlockType = "text"
	BlockThinking BlockType = "thinking"
	BlockToolUse  BlockType = "tool_use"
)

// ContentBlock is one element of a message. Only the fields matching Type are set.
type ContentBlock struct {
	Type      BlockType       `json:"type"`
	Text      string          `json:"text,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
	Signature string          `json:"signature,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
}

// Message represents a chat message in a conversation.
type Message struct {
	Role       Role           `json:"role"`
	Content    []ContentBlock `json:"content"`
	ToolCallID string         `json:"toolCallId,omitempty"`
	ToolName   string         `json:"toolName,omitempty"`
	IsError    bool           `json:"isError,omitempty"`
}

// UserMessage returns a user message holding a single text block.
func UserMessage(text string) Message {
	return Message{Role: RoleUser, Content: []ContentBlock{{Type: BlockText, Text: text}}}
}

// ToolResultMessage returns the message that carries a tool's output back to the model.
func ToolResultMessage(callID, name, content string, isError bool) Message {
	return Message{
		Role:       RoleToolResult,
		Content:    []ContentBlock{{Type: BlockText, Text: content}},
		ToolCallID: callID,
		ToolName:   name,
		IsError:    isError,
	}
}

// Text concatenates all text blocks.
func (m Message) Text() string {
	var sb strings.Builder
	for _, b := range m.Content {
		if b.Type == BlockText {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

// ToolCalls returns the tool-use blocks of the message, in order.
func (m Message) ToolCalls() []ToolCall {
	var out []ToolCall
	for _, b := range m.Content {
		if b.Type == BlockToolUse {
			out = append(out, ToolCall{ID: b.ID, Name: b.Name, Arguments: b.Input})
		}
	}
	return out
}

// ToolCall represents a tool invocation requested by the model.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Block converts the call into a tool-use content block.
func (tc ToolCall) Block() ContentBlock {
	input := tc.Arguments
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	return ContentBlock{Type: BlockToolUse, ID: tc.ID, Name: tc.Name, Input: input}
}

// ToolSpec describes a tool that can be offered to the model.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// Request is one model call.
type Request struct {
	Model          string
	System         string
	Messages       []Message
	Tools          []ToolSpec
	MaxTokens      int
	Temperature    float32
	ReasoningLevel string
}

// Usage tracks token consumption for a request/response pair.
type Usage struct {
	InputTokens      int `json:"input_tokens"`
	OutputTokens     int `json:"output_tokens"`
	CacheReadTokens  int `json:"cache_read_tokens,omitempty"`
	CacheWriteTokens int `json:"cache_write_tokens,omitempty"`
}

// Stop reasons reported in done events.
const (
	StopEndTurn     = "end_turn"
	StopToolUse     = "tool_use"
	StopMaxTokens   = "max_tokens"
	StopInterrupted = "interrupted"
)
