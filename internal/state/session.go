package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/user/agentcore/internal/types"
)

// ErrSessionNotFound is returned for unknown session ids.
var ErrSessionNotFound = errors.New("session not found")

// SessionStore is a JSON-file-backed session store.
// It stores session index data in sessions/sessions.json and creates
// per-session directories at sessions/<sessionID>/.
type SessionStore struct {
	root string
	mu   sync.RWMutex
}

// NewSessionStore creates a new file-backed SessionStore rooted at the given directory.
func NewSessionStore(root string) *SessionStore {
	return &SessionStore{root: root}
}

func (s *SessionStore) indexPath() string {
	return filepath.Join(s.root, "sessions", "sessions.json")
}

func (s *SessionStore) sessionDir(id types.SessionID) string {
	return filepath.Join(s.root, "sessions", string(id))
}

func (s *SessionStore) loadIndex() (map[types.SessionID]*types.SessionIndex, error) {
	data, err := os.ReadFile(s.indexPath())
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[types.SessionID]*types.SessionIndex), nil
		}
		return nil, fmt.Errorf("read session index: %w", err)
	}

	var sessions []*types.SessionIndex
	if err := json.Unmarshal(data, &sessions); err != nil {
		return nil, fmt.Errorf("unmarshal session index: %w", err)
	}

	index := make(map[types.SessionID]*types.SessionIndex, len(sessions))
	for _, sess := range sessions {
		index[sess.SessionID] = sess
	}
	return index, nil
}

// saveIndex writes the index sorted by creation time.
func (s *SessionStore) saveIndex(index map[types.SessionID]*types.SessionIndex) error {
	data, err := json.MarshalIndent(sorted(index), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session index: %w", err)
	}
	return writeAtomic(s.indexPath(), data)
}

func sorted(index map[types.SessionID]*types.SessionIndex) []*types.SessionIndex {
	sessions := make([]*types.SessionIndex, 0, len(index))
	for _, sess := range index {
		sessions = append(sessions, sess)
	}
	sort.Slice(sessions, func(i, j int) bool {
		if !sessions[i].CreatedAt.Equal(sessions[j].CreatedAt) {
			return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
		}
		return sessions[i].SessionID < sessions[j].SessionID
	})
	return sessions
}

// Create stores a new session. A missing id is generated.
func (s *SessionStore) Create(_ context.Context, sess *types.SessionIndex) (types.SessionID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	index, err := s.loadIndex()
	if err != nil {
		return "", err
	}
	return s.create(index, sess)
}

func (s *SessionStore) create(index map[types.SessionID]*types.SessionIndex, sess *types.SessionIndex) (types.SessionID, error) {
	if sess.SessionID == "" {
		sess.SessionID = types.NewSessionID()
	}
	if _, ok := index[sess.SessionID]; ok {
		return "", fmt.Errorf("session %s already exists", sess.SessionID)
	}
	now := time.Now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.UpdatedAt = now
	if sess.Status == "" {
		sess.Status = types.SessionStatusActive
	}
	index[sess.SessionID] = sess

	if err := s.saveIndex(index); err != nil {
		return "", err
	}
	if err := os.MkdirAll(s.sessionDir(sess.SessionID), 0o755); err != nil {
		return "", fmt.Errorf("create session dir: %w", err)
	}
	return sess.SessionID, nil
}

// ResolveOrCreate returns the active session for key, creating one if needed.
func (s *SessionStore) ResolveOrCreate(_ context.Context, key types.SessionKey, model string) (types.SessionID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	index, err := s.loadIndex()
	if err != nil {
		return "", err
	}
	for _, sess := range sorted(index) {
		if sess.SessionKey == key && sess.Status != types.SessionStatusEnded {
			return sess.SessionID, nil
		}
	}
	return s.create(index, &types.SessionIndex{SessionKey: key, Model: model})
}

// Get returns the session with the given ID.
func (s *SessionStore) Get(_ context.Context, id types.SessionID) (*types.SessionIndex, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	index, err := s.loadIndex()
	if err != nil {
		return nil, err
	}
	sess, ok := index[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return sess, nil
}

// List returns all sessions, oldest first.
func (s *SessionStore) List(_ context.Context) ([]*types.SessionIndex, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	index, err := s.loadIndex()
	if err != nil {
		return nil, err
	}
	return sorted(index), nil
}

// Update persists changes to the given session, setting UpdatedAt to now.
func (s *SessionStore) Update(_ context.Context, session *types.SessionIndex) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	index, err := s.loadIndex()
	if err != nil {
		return err
	}
	if _, ok := index[session.SessionID]; !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, session.SessionID)
	}

	session.UpdatedAt = time.Now().UTC()
	index[session.SessionID] = session
	return s.saveIndex(index)
}

// writeAtomic writes data via a temp file and rename.
func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
