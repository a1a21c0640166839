// internal/types/interfaces.go
package types

import (
	"context"
	"encoding/json"
)

// EventLog is the append-only persisted event log. Ordering is insertion order.
type EventLog interface {
	Append(ctx context.Context, event *SessionEvent) error
	ReadAll(ctx context.Context, sessionID SessionID) ([]SessionEvent, error)
	Count(ctx context.Context, sessionID SessionID) (int64, error)
}

type SessionStore interface {
	Create(ctx context.Context, index *SessionIndex) (SessionID, error)
	ResolveOrCreate(ctx context.Context, key SessionKey, model string) (SessionID, error)
	Get(ctx context.Context, id SessionID) (*SessionIndex, error)
	List(ctx context.Context) ([]*SessionIndex, error)
	Update(ctx context.Context, session *SessionIndex) error
}

type ArtifactStore interface {
	Put(ctx context.Context, sessionID SessionID, callID ToolCallID, tool string, data string) (ArtifactID, error)
	Get(ctx context.Context, id ArtifactID) (json.RawMessage, error)
	GetMeta(ctx context.Context, id ArtifactID) (*ArtifactMeta, error)
}
