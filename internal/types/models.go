// internal/types/models.go
package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// SessionEvent is the durable record appended to a session's event log.
// It is never mutated after it has been written.
type SessionEvent struct {
	ID            EventID         `json:"id" bson:"event_id"`
	SessionID     SessionID       `json:"session_id" bson:"session_id"`
	ParentEventID EventID         `json:"parent_event_id,omitempty" bson:"parent_event_id,omitempty"`
	Seq           int64           `json:"seq" bson:"seq"`
	Type          string          `json:"type" bson:"type"`
	Timestamp     time.Time       `json:"timestamp" bson:"timestamp"`
	Payload       json.RawMessage `json:"payload,omitempty" bson:"payload,omitempty"`
}

// NewSessionEvent builds an event with a fresh id and the payload encoded as JSON.
func NewSessionEvent(sessionID SessionID, eventType string, payload any) (*SessionEvent, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", eventType, err)
		}
		raw = data
	}
	return &SessionEvent{
		ID:        NewEventID(),
		SessionID: sessionID,
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Payload:   raw,
	}, nil
}

// DecodePayload unmarshals the payload into v. It reports false for a
// missing or malformed payload instead of returning an error.
func (e *SessionEvent) DecodePayload(v any) bool {
	if e == nil || len(e.Payload) == 0 {
		return false
	}
	return json.Unmarshal(e.Payload, v) == nil
}

type SessionIndex struct {
	SessionID       SessionID  `json:"session_id"`
	SessionKey      SessionKey `json:"session_key,omitempty"`
	Model           string     `json:"model,omitempty"`
	WorkingDir      string     `json:"working_dir,omitempty"`
	Status          string     `json:"status"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	LastRunID       RunID      `json:"last_run_id,omitempty"`
	LastEventSeq    int64      `json:"last_event_seq"`
	ParentSessionID SessionID  `json:"parent_session_id,omitempty"`
	ForkEventID     EventID    `json:"fork_event_id,omitempty"`
}

type ArtifactMeta struct {
	ID        ArtifactID `json:"id"`
	SessionID SessionID  `json:"session_id"`
	CallID    ToolCallID `json:"call_id"`
	Tool      string     `json:"tool"`
	CreatedAt time.Time  `json:"created_at"`
	Size      int        `json:"size"`
}

const (
	SessionStatusActive = "active"
	SessionStatusEnded  = "ended"
)
