package llm

// StreamEventType tags a StreamEvent.
type StreamEventType string

const (
	EventStart         StreamEventType = "start"
	EventTextStart     StreamEventType = "text_start"
	EventTextDelta     StreamEventType = "text_delta"
	EventTextEnd       StreamEventType = "text_end"
	EventThinkingStart StreamEventType = "thinking_start"
	EventThinkingDelta StreamEventType = "thinking_delta"
	EventThinkingEnd   StreamEventType = "thinking_end"
	EventToolCallStart StreamEventType = "toolcall_start"
	EventToolCallDelta StreamEventType = "toolcall_delta"
	EventToolCallEnd   StreamEventType = "toolcall_end"
	EventDone          StreamEventType = "done"
	EventError         StreamEventType = "error"
	EventRetry         StreamEventType = "retry"
	EventSafetyBlock   StreamEventType = "safety_block"
)

// StreamEvent is one normalized provider event. A stream carries zero or
// more retry events and ends with exactly one done or error.
type StreamEvent struct {
	Type StreamEventType

	// Delta is set for text, thinking and tool-call argument deltas.
	Delta string

	// ToolCall carries id and name on toolcall_start/toolcall_delta and the
	// complete call on toolcall_end.
	ToolCall *ToolCall

	// Message, StopReason and Usage are set on done.
	Message    *Message
	StopReason string
	Usage      *Usage

	// Err is set on error and safety_block.
	Err *StreamError

	// Retry is set on retry.
	Retry *RetryInfo
}

// StreamError describes a provider-reported failure.
type StreamError struct {
	Message   string
	Category  string
	Retryable bool
}

func (e *StreamError) Error() string {
	if e.Category == "" {
		return e.Message
	}
	return e.Category + ": " + e.Message
}

// RetryInfo describes a provider-side retry that is about to happen.
type RetryInfo struct {
	Attempt    int
	MaxRetries int
	DelayMs    int64
	Category   string
}

// Done builds a done event.
func Done(msg Message, stopReason string, usage *Usage) StreamEvent {
	return StreamEvent{Type: EventDone, Message: &msg, StopReason: stopReason, Usage: usage}
}

// TextDelta builds a text_delta event.
func TextDelta(s string) StreamEvent {
	return StreamEvent{Type: EventTextDelta, Delta: s}
}

// ThinkingDelta builds a thinking_delta event.
func ThinkingDelta(s string) StreamEvent {
	return StreamEvent{Type: EventThinkingDelta, Delta: s}
}

// ToolCallEnd builds a toolcall_end event.
func ToolCallEnd(tc ToolCall) StreamEvent {
	return StreamEvent{Type: EventToolCallEnd, ToolCall: &tc}
}

// Failure builds an error event.
func Failure(message, category string, retryable bool) StreamEvent {
	return StreamEvent{Type: EventError, Err: &StreamError{Message: message, Category: category, Retryable: retryable}}
}
