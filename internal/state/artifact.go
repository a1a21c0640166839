package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/user/agentcore/internal/types"
)

// artifactRecord is the on-disk form of one artifact.
type artifactRecord struct {
	types.ArtifactMeta
	Content string `json:"content"`
}

// ArtifactStore keeps oversized tool outputs out of the event log, one
// JSON file per artifact under sessions/<session>/artifacts/.
type ArtifactStore struct {
	root string

	mu    sync.Mutex
	owner map[types.ArtifactID]types.SessionID
}

func NewArtifactStore(root string) *ArtifactStore {
	return &ArtifactStore{root: root, owner: make(map[types.ArtifactID]types.SessionID)}
}

func (a *ArtifactStore) dir(sessionID types.SessionID) string {
	return filepath.Join(a.root, "sessions", string(sessionID), "artifacts")
}

// locate resolves an artifact file, scanning session directories for ids
// written by another process.
func (a *ArtifactStore) locate(id types.ArtifactID) (string, error) {
	if strings.ContainsAny(string(id), `/\`) || id == "" {
		return "", fmt.Errorf("invalid artifact id %q", id)
	}
	a.mu.Lock()
	sid, ok := a.owner[id]
	a.mu.Unlock()
	if ok {
		return filepath.Join(a.dir(sid), string(id)+".json"), nil
	}

	matches, err := filepath.Glob(filepath.Join(a.root, "sessions", "*", "artifacts", string(id)+".json"))
	if err != nil {
		return "", fmt.Errorf("glob artifact: %w", err)
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("artifact not found: %s", id)
	}
	return matches[0], nil
}

func (a *ArtifactStore) read(id types.ArtifactID) (*artifactRecord, error) {
	path, err := a.locate(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read artifact %s: %w", id, err)
	}
	var rec artifactRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode artifact %s: %w", id, err)
	}
	return &rec, nil
}

// Put stores the full output of one tool call and returns its id.
func (a *ArtifactStore) Put(_ context.Context, sessionID types.SessionID, callID types.ToolCallID, tool string, data string) (types.ArtifactID, error) {
	rec := artifactRecord{
		ArtifactMeta: types.ArtifactMeta{
			ID:        types.NewArtifactID(),
			SessionID: sessionID,
			CallID:    callID,
			Tool:      tool,
			CreatedAt: time.Now().UTC(),
			Size:      len(data),
		},
		Content: data,
	}
	encoded, err := json.Marshal(&rec)
	if err != nil {
		return "", fmt.Errorf("encode artifact: %w", err)
	}
	if err := writeAtomic(filepath.Join(a.dir(sessionID), string(rec.ID)+".json"), encoded); err != nil {
		return "", err
	}

	a.mu.Lock()
	a.owner[rec.ID] = sessionID
	a.mu.Unlock()
	return rec.ID, nil
}

// Get returns the stored output encoded as a JSON string.
func (a *ArtifactStore) Get(_ context.Context, id types.ArtifactID) (json.RawMessage, error) {
	rec, err := a.read(id)
	if err != nil {
		return nil, err
	}
	return json.Marshal(rec.Content)
}

func (a *ArtifactStore) GetMeta(_ context.Context, id types.ArtifactID) (*types.ArtifactMeta, error) {
	rec, err := a.read(id)
	if err != nil {
		return nil, err
	}
	return &rec.ArtifactMeta, nil
}

// List returns the session's artifacts oldest first.
func (a *ArtifactStore) List(_ context.Context, sessionID types.SessionID) ([]*types.ArtifactMeta, error) {
	entries, err := os.ReadDir(a.dir(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	var out []*types.ArtifactMeta
	for _, ent := range entries {
		name, ok := strings.CutSuffix(ent.Name(), ".json")
		if !ok || ent.IsDir() {
			continue
		}
		rec, err := a.read(types.ArtifactID(name))
		if err != nil {
			return nil, err
		}
		out = append(out, &rec.ArtifactMeta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Excerpt returns up to maxChars runes of the artifact, centered on the
// first case-insensitive match of query when there is one.
func (a *ArtifactStore) Excerpt(_ context.Context, id types.ArtifactID, query string, maxChars int) (string, error) {
	rec, err := a.read(id)
	if err != nil {
		return "", err
	}
	text := []rune(rec.Content)
	if maxChars <= 0 || len(text) <= maxChars {
		return rec.Content, nil
	}

	start := 0
	if query != "" {
		lower := []rune(strings.ToLower(rec.Content))
		if idx := runeIndex(lower, []rune(strings.ToLower(query))); idx >= 0 {
			start = max(idx-maxChars/2, 0)
		}
	}
	start = min(start, len(text)-maxChars)
	return string(text[start : start+maxChars]), nil
}

func runeIndex(s, sub []rune) int {
	if len(sub) == 0 {
		return 0
	}
	for i := 0; i+len(sub) <= len(s); i++ {
		if string(s[i:i+len(sub)]) == string(sub) {
			return i
		}
	}
	return -1
}
