// internal/types/events.go
package types

import "encoding/json"

// Persisted SessionEvent types.
const (
	EventSessionStart   = "session.start"
	EventSessionEnd     = "session.end"
	EventSessionFork    = "session.fork"
	EventUserMessage    = "message.user"
	EventAssistant      = "message.assistant"
	EventToolCall       = "tool.call"
	EventToolResult     = "tool.result"
	EventTurnStart      = "stream.turn_start"
	EventTurnEnd        = "stream.turn_end"
	EventReasoningLevel = "config.reasoning_level"
	EventCompactBound   = "compact.boundary"
	EventCompactSummary = "compact.summary"
	EventContextCleared = "context.cleared"
	EventPlanEntered    = "plan.mode_entered"
	EventPlanExited     = "plan.mode_exited"
	EventHookTriggered  = "hook.triggered"
	EventHookCompleted  = "hook.completed"
	EventLedgerUpdate   = "memory.ledger"
)

type TurnStartPayload struct {
	Turn int `json:"turn"`
}

type TurnEndPayload struct {
	Turn       int    `json:"turn"`
	StopReason string `json:"stopReason,omitempty"`
	Usage      *Usage `json:"usage,omitempty"`
}

type UserMessagePayload struct {
	Content string `json:"content"`
}

// AssistantPayload keeps content as raw JSON so the log does not depend on
// the provider message model.
type AssistantPayload struct {
	Content     any    `json:"content"`
	Turn        int    `json:"turn"`
	Interrupted bool   `json:"interrupted,omitempty"`
	StopReason  string `json:"stopReason,omitempty"`
	Usage       *Usage `json:"usage,omitempty"`
}

type ToolCallPayload struct {
	ToolCallID ToolCallID `json:"toolCallId"`
	Name       string     `json:"name"`
	Arguments  any        `json:"arguments,omitempty"`
	Turn       int        `json:"turn"`
}

type ToolResultPayload struct {
	ToolCallID  ToolCallID `json:"toolCallId"`
	Name        string     `json:"name,omitempty"`
	Content     string     `json:"content"`
	IsError     bool       `json:"isError,omitempty"`
	Interrupted bool       `json:"interrupted,omitempty"`
	ArtifactID  ArtifactID `json:"artifactId,omitempty"`
}

type ReasoningLevelPayload struct {
	PreviousLevel string `json:"previousLevel,omitempty"`
	NewLevel      string `json:"newLevel"`
}

type PlanEnteredPayload struct {
	SkillName    string   `json:"skillName,omitempty"`
	BlockedTools []string `json:"blockedTools,omitempty"`
}

type CompactBoundaryPayload struct {
	OriginalTokens  int `json:"originalTokens"`
	CompactedTokens int `json:"compactedTokens"`
	RemovedMessages int `json:"removedMessages"`
}

// CompactSummaryPayload carries the summary of the removed history and the
// encoded messages kept verbatim after it.
type CompactSummaryPayload struct {
	Summary   string          `json:"summary"`
	Preserved json.RawMessage `json:"preserved,omitempty"`
}

type ForkPayload struct {
	ParentSessionID SessionID `json:"parentSessionId"`
	ParentEventID   EventID   `json:"parentEventId,omitempty"`
}

type SessionStartPayload struct {
	Model      string `json:"model,omitempty"`
	WorkingDir string `json:"workingDirectory,omitempty"`
}

type SessionEndPayload struct {
	Reason    string    `json:"reason,omitempty"`
	HandoffID HandoffID `json:"handoffId,omitempty"`
}

type HookPayload struct {
	Hook   string `json:"hook"`
	Type   string `json:"hookType"`
	Action string `json:"action,omitempty"`
	Reason string `json:"reason,omitempty"`
}

type LedgerPayload struct {
	Op   string `json:"op"`
	Text string `json:"text,omitempty"`
}

// Usage is token accounting for one model response.
type Usage struct {
	InputTokens      int `json:"inputTokens"`
	OutputTokens     int `json:"outputTokens"`
	CacheReadTokens  int `json:"cacheReadTokens,omitempty"`
	CacheWriteTokens int `json:"cacheWriteTokens,omitempty"`
}

// Add accumulates u2 into u.
func (u *Usage) Add(u2 Usage) {
	u.InputTokens += u2.InputTokens
	u.OutputTokens += u2.OutputTokens
	u.CacheReadTokens += u2.CacheReadTokens
	u.CacheWriteTokens += u2.CacheWriteTokens
}
