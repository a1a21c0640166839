package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/user/agentcore/internal/types"
)

// FileStore keeps the ledger at <root>/ledger.json and one JSON file per
// handoff under <root>/handoffs/.
type FileStore struct {
	root string
	mu   sync.RWMutex
}

// NewFileStore creates a file-backed store rooted at the given directory.
func NewFileStore(root string) *FileStore {
	return &FileStore{root: root}
}

func (f *FileStore) ledgerPath() string {
	return filepath.Join(f.root, "ledger.json")
}

func (f *FileStore) handoffsDir() string {
	return filepath.Join(f.root, "handoffs")
}

func (f *FileStore) handoffPath(id types.HandoffID) string {
	return filepath.Join(f.handoffsDir(), string(id)+".json")
}

// ReadLedger returns the encoded ledger, or nil if none was written yet.
func (f *FileStore) ReadLedger(_ context.Context) ([]byte, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	data, err := os.ReadFile(f.ledgerPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return data, nil
}

// WriteLedger atomically replaces the ledger file.
func (f *FileStore) WriteLedger(_ context.Context, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return writeAtomic(f.ledgerPath(), data)
}

// Create writes a new handoff and returns its id.
func (f *FileStore) Create(_ context.Context, h *Handoff) (types.HandoffID, error) {
	if err := prepareHandoff(h); err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(h, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal handoff: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := os.Stat(f.handoffPath(h.ID)); err == nil {
		return "", fmt.Errorf("handoff %s already exists", h.ID)
	}
	if err := writeAtomic(f.handoffPath(h.ID), data); err != nil {
		return "", err
	}
	return h.ID, nil
}

// Get reads one handoff.
func (f *FileStore) Get(_ context.Context, id types.HandoffID) (*Handoff, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return readHandoff(f.handoffPath(id))
}

// GetRecent returns up to n handoffs, newest first.
func (f *FileStore) GetRecent(_ context.Context, n int) ([]*Handoff, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	all, err := f.all()
	if err != nil {
		return nil, err
	}
	if n >= 0 && len(all) > n {
		all = all[:n]
	}
	return all, nil
}

// Prune deletes handoffs older than cutoff beyond the keep most recent.
func (f *FileStore) Prune(_ context.Context, cutoff time.Time, keep int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	all, err := f.all()
	if err != nil {
		return 0, err
	}
	removed := 0
	for i, h := range all {
		if i < keep || !h.CreatedAt.Before(cutoff) {
			continue
		}
		if err := os.Remove(f.handoffPath(h.ID)); err != nil && !os.IsNotExist(err) {
			return removed, fmt.Errorf("remove handoff %s: %w", h.ID, err)
		}
		removed++
	}
	return removed, nil
}

// all returns every handoff sorted newest first. Caller must hold the lock.
func (f *FileStore) all() ([]*Handoff, error) {
	matches, err := filepath.Glob(filepath.Join(f.handoffsDir(), "*.json"))
	if err != nil {
		return nil, fmt.Errorf("glob handoffs: %w", err)
	}
	out := make([]*Handoff, 0, len(matches))
	for _, path := range matches {
		h, err := readHandoff(path)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func readHandoff(path string) (*Handoff, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrHandoffNotFound, filepath.Base(path))
		}
		return nil, fmt.Errorf("read handoff: %w", err)
	}
	var h Handoff
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("unmarshal handoff: %w", err)
	}
	return &h, nil
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
