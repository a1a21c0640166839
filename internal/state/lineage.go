package state

import (
	"context"
	"fmt"

	"github.com/user/agentcore/internal/types"
)

// maxForkDepth guards against cycles in corrupted parent pointers.
const maxForkDepth = 64

// Fork creates a child of parent that shares its history up to atEventID
// (the parent's latest event when empty) and records a session.fork event
// as the child's first event.
func Fork(ctx context.Context, log types.EventLog, sessions types.SessionStore, parent types.SessionID, atEventID types.EventID) (*types.SessionIndex, error) {
	p, err := sessions.Get(ctx, parent)
	if err != nil {
		return nil, fmt.Errorf("fork %s: %w", parent, err)
	}
	events, err := log.ReadAll(ctx, parent)
	if err != nil {
		return nil, fmt.Errorf("fork %s: read events: %w", parent, err)
	}
	if atEventID == "" {
		if len(events) == 0 {
			return nil, fmt.Errorf("fork %s: session has no events", parent)
		}
		atEventID = events[len(events)-1].ID
	} else if indexOf(events, atEventID) < 0 {
		return nil, fmt.Errorf("fork %s: event %s not found", parent, atEventID)
	}

	child := &types.SessionIndex{
		Model:           p.Model,
		WorkingDir:      p.WorkingDir,
		ParentSessionID: parent,
		ForkEventID:     atEventID,
	}
	if _, err := sessions.Create(ctx, child); err != nil {
		return nil, err
	}

	ev, err := types.NewSessionEvent(child.SessionID, types.EventSessionFork, types.ForkPayload{
		ParentSessionID: parent,
		ParentEventID:   atEventID,
	})
	if err != nil {
		return nil, err
	}
	ev.ParentEventID = atEventID
	if err := log.Append(ctx, ev); err != nil {
		return nil, fmt.Errorf("fork %s: append fork event: %w", parent, err)
	}
	return child, nil
}

// ReadLineage returns the parent's events up to and including the fork
// point followed by the session's own events, recursively.
func ReadLineage(ctx context.Context, log types.EventLog, sessions types.SessionStore, id types.SessionID) ([]types.SessionEvent, error) {
	return readLineage(ctx, log, sessions, id, 0)
}

func readLineage(ctx context.Context, log types.EventLog, sessions types.SessionStore, id types.SessionID, depth int) ([]types.SessionEvent, error) {
	if depth > maxForkDepth {
		return nil, fmt.Errorf("lineage of %s exceeds %d forks", id, maxForkDepth)
	}
	sess, err := sessions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	own, err := log.ReadAll(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.ParentSessionID == "" {
		return own, nil
	}

	inherited, err := readLineage(ctx, log, sessions, sess.ParentSessionID, depth+1)
	if err != nil {
		return nil, err
	}
	if i := indexOf(inherited, sess.ForkEventID); i >= 0 {
		inherited = inherited[:i+1]
	}
	return append(inherited, own...), nil
}

func indexOf(events []types.SessionEvent, id types.EventID) int {
	for i := range events {
		if events[i].ID == id {
			return i
		}
	}
	return -1
}
