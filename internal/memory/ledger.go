package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Ledgers implements LedgerStore over a LedgerBackend, caching the last
// value read or written.
type Ledgers struct {
	backend LedgerBackend
	mu      sync.Mutex
	cached  *Ledger
}

// NewLedgers returns a LedgerStore backed by b.
func NewLedgers(b LedgerBackend) *Ledgers {
	return &Ledgers{backend: b}
}

// Load reads the ledger from the backend, replacing the cache.
func (m *Ledgers) Load(ctx context.Context) (*Ledger, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, err := m.load(ctx)
	if err != nil {
		return nil, err
	}
	return l.Clone(), nil
}

// Get returns the cached ledger, loading it on first use.
func (m *Ledgers) Get(ctx context.Context) (*Ledger, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cached != nil {
		return m.cached.Clone(), nil
	}
	l, err := m.load(ctx)
	if err != nil {
		return nil, err
	}
	return l.Clone(), nil
}

// Save replaces the stored ledger.
func (m *Ledgers) Save(ctx context.Context, l *Ledger) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.save(ctx, l.Clone())
}

// Update applies fn to the current ledger and saves the result.
func (m *Ledgers) Update(ctx context.Context, fn func(*Ledger)) (*Ledger, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, err := m.load(ctx)
	if err != nil {
		return nil, err
	}
	next := l.Clone()
	fn(next)
	if err := m.save(ctx, next); err != nil {
		return nil, err
	}
	return next.Clone(), nil
}

// AddDone appends a completed item.
func (m *Ledgers) AddDone(ctx context.Context, text string) error {
	_, err := m.Update(ctx, func(l *Ledger) { l.addDone(text) })
	return err
}

// Clear resets the ledger, keeping the goal when preserveGoal is set.
func (m *Ledgers) Clear(ctx context.Context, preserveGoal bool) error {
	_, err := m.Update(ctx, func(l *Ledger) {
		goal := l.Goal
		*l = Ledger{}
		if preserveGoal {
			l.Goal = goal
		}
	})
	return err
}

func (m *Ledgers) load(ctx context.Context) (*Ledger, error) {
	data, err := m.backend.ReadLedger(ctx)
	if err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}
	l := &Ledger{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, l); err != nil {
			return nil, fmt.Errorf("unmarshal ledger: %w", err)
		}
	}
	m.cached = l
	return l, nil
}

func (m *Ledgers) save(ctx context.Context, l *Ledger) error {
	l.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(l, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal ledger: %w", err)
	}
	if err := m.backend.WriteLedger(ctx, data); err != nil {
		return fmt.Errorf("write ledger: %w", err)
	}
	m.cached = l
	return nil
}
