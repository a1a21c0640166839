package state

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/user/agentcore/internal/types"
)

// maxLine bounds one encoded event; large tool output goes to the artifact store.
const maxLine = 8 << 20

// EventLog is a JSONL-backed append-only session event log.
// Events are stored per-session in sessions/<sessionID>/events.jsonl.
type EventLog struct {
	root  string
	mu    sync.Mutex
	locks map[types.SessionID]*sync.Mutex
}

// NewEventLog creates a file-backed EventLog rooted at the given directory.
func NewEventLog(root string) *EventLog {
	return &EventLog{
		root:  root,
		locks: make(map[types.SessionID]*sync.Mutex),
	}
}

// getLock returns the per-session mutex, creating one if it doesn't exist.
func (e *EventLog) getLock(sessionID types.SessionID) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()

	if lock, ok := e.locks[sessionID]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	e.locks[sessionID] = lock
	return lock
}

func (e *EventLog) eventsPath(sessionID types.SessionID) string {
	return filepath.Join(e.root, "sessions", string(sessionID), "events.jsonl")
}

// scan calls fn for every stored event in order. Caller must hold the session lock.
func (e *EventLog) scan(sessionID types.SessionID, fn func(line []byte) error) error {
	f, err := os.Open(e.eventsPath(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open events file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		if err := fn(scanner.Bytes()); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan events file: %w", err)
	}
	return nil
}

// head returns the event count and the id of the last event.
func (e *EventLog) head(sessionID types.SessionID) (int64, types.EventID, error) {
	var (
		count int64
		last  types.EventID
	)
	err := e.scan(sessionID, func(line []byte) error {
		count++
		var ref struct {
			ID types.EventID `json:"id"`
		}
		if json.Unmarshal(line, &ref) == nil {
			last = ref.ID
		}
		return nil
	})
	return count, last, err
}

// Append adds an event to the session's log. It assigns the next sequence
// number and, when unset, chains ParentEventID to the previous event.
func (e *EventLog) Append(_ context.Context, event *types.SessionEvent) error {
	if event.SessionID == "" {
		return fmt.Errorf("append %s: session id is required", event.Type)
	}
	if event.ID == "" {
		event.ID = types.NewEventID()
	}
	lock := e.getLock(event.SessionID)
	lock.Lock()
	defer lock.Unlock()

	dir := filepath.Dir(e.eventsPath(event.SessionID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}

	existing, last, err := e.head(event.SessionID)
	if err != nil {
		return err
	}
	event.Seq = existing + 1
	if event.ParentEventID == "" {
		event.ParentEventID = last
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	f, err := os.OpenFile(e.eventsPath(event.SessionID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open events file: %w", err)
	}
	defer f.Close()

	data = append(data, '\n')
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}

// ReadAll returns every event for the session in write order. Lines that
// fail to decode are skipped.
func (e *EventLog) ReadAll(_ context.Context, sessionID types.SessionID) ([]types.SessionEvent, error) {
	lock := e.getLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	var events []types.SessionEvent
	err := e.scan(sessionID, func(line []byte) error {
		var ev types.SessionEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			return nil
		}
		events = append(events, ev)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

// Tail returns the last N events for the given session.
func (e *EventLog) Tail(ctx context.Context, sessionID types.SessionID, limit int) ([]types.SessionEvent, error) {
	events, err := e.ReadAll(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if limit >= 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	return events, nil
}

// Count returns the number of events for the given session.
func (e *EventLog) Count(_ context.Context, sessionID types.SessionID) (int64, error) {
	lock := e.getLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	n, _, err := e.head(sessionID)
	return n, err
}
