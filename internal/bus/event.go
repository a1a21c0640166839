package bus

import (
	"time"

	"github.com/user/agentcore/internal/types"
)

// EventType names an AgentEvent.
type EventType string

const (
	AgentStart         EventType = "agent_start"
	AgentEnd           EventType = "agent_end"
	TurnStart          EventType = "turn_start"
	TurnEnd            EventType = "turn_end"
	TurnFailed         EventType = "turn_failed"
	MessageUpdate      EventType = "message_update"
	ThinkingStart      EventType = "thinking_start"
	ThinkingDelta      EventType = "thinking_delta"
	ThinkingEnd        EventType = "thinking_end"
	ToolCallGenerating EventType = "toolcall_generating"
	ToolCallDelta      EventType = "toolcall_delta"
	ToolExecStart      EventType = "tool_execution_start"
	ToolExecEnd        EventType = "tool_execution_end"
	HookTriggered      EventType = "hook_triggered"
	HookCompleted      EventType = "hook_completed"
	AgentInterrupted   EventType = "agent_interrupted"
	CompactionStart    EventType = "compaction_start"
	CompactionComplete EventType = "compaction_complete"
	APIRetry           EventType = "api_retry"
)

// AgentEvent is a session-scoped, timestamped progress notification.
// Data holds one of the typed payloads below, matching Type.
type AgentEvent struct {
	Type      EventType
	SessionID types.SessionID
	Timestamp time.Time
	Data      any
}

// New stamps an event with the current time.
func New(t EventType, sessionID types.SessionID, data any) AgentEvent {
	return AgentEvent{Type: t, SessionID: sessionID, Timestamp: time.Now(), Data: data}
}

type TurnData struct {
	Turn       int
	StopReason string
	Duration   time.Duration
	TTFT       time.Duration
	Usage      *types.Usage
}

type TurnFailedData struct {
	Turn     int
	Error    string
	Category string
}

type MessageUpdateData struct {
	Delta string
}

type ThinkingData struct {
	Delta string
}

type ToolCallDeltaData struct {
	ToolCallID types.ToolCallID
	Name       string
	Delta      string
}

type ToolExecData struct {
	ToolCallID types.ToolCallID
	Name       string
	Arguments  map[string]any
	IsError    bool
	Duration   time.Duration
}

type HookData struct {
	Hook     string
	HookType string
	Action   string
	Reason   string
	Err      string
}

type InterruptedData struct {
	Turn           int
	PartialContent string
	ActiveTool     string
}

type CompactionData struct {
	Reason          string
	TokensBefore    int
	TokensAfter     int
	RemovedMessages int
}

type RetryData struct {
	Attempt    int
	MaxRetries int
	DelayMs    int64
	Category   string
}

type AgentData struct {
	RunID       types.RunID
	Interrupted bool
	Error       string
}
