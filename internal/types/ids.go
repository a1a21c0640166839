package types

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Identifier kinds. Event and artifact ids are time-ordered so that a
// lexical sort follows creation order.
type (
	SessionKey string
	SessionID  string
	RunID      string
	EventID    string
	ArtifactID string
	HandoffID  string
	ToolCallID string
)

const handoffPrefix = "handoff_"

func NewSessionID() SessionID { return SessionID(uuid.NewString()) }

func NewRunID() RunID { return RunID(uuid.NewString()) }

func NewEventID() EventID { return EventID(orderedID()) }

func NewArtifactID() ArtifactID { return ArtifactID(orderedID()) }

func NewHandoffID() HandoffID { return HandoffID(handoffPrefix + orderedID()) }

// orderedID returns a v7 uuid, falling back to v4 if the clock source fails.
func orderedID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// NewSessionKey joins routing parts, e.g. NewSessionKey("cli", dir).
func NewSessionKey(parts ...string) SessionKey {
	return SessionKey(strings.Join(parts, ":"))
}

// ParseSessionID validates user input naming a session. Session ids double
// as directory names, so anything that is not a uuid is rejected.
func ParseSessionID(s string) (SessionID, error) {
	id, err := uuid.Parse(strings.TrimSpace(s))
	if err != nil {
		return "", fmt.Errorf("invalid session id %q", s)
	}
	return SessionID(id.String()), nil
}

// ParseHandoffID validates user input naming a handoff.
func ParseHandoffID(s string) (HandoffID, error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(s), handoffPrefix)
	if !ok {
		return "", fmt.Errorf("invalid handoff id %q", s)
	}
	if _, err := uuid.Parse(rest); err != nil {
		return "", fmt.Errorf("invalid handoff id %q", s)
	}
	return HandoffID(handoffPrefix + rest), nil
}
