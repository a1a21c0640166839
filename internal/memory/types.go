// Package memory holds the continuity records that outlive a single
// session: the mutable Ledger and immutable Handoff snapshots.
package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/user/agentcore/internal/types"
)

// ErrHandoffNotFound is returned by HandoffStore.Get for unknown ids.
var ErrHandoffNotFound = errors.New("handoff not found")

// maxDone bounds the done list; older entries fall off the front.
const maxDone = 100

// Decision records a choice and why it was made.
type Decision struct {
	Choice string `json:"choice"`
	Reason string `json:"reason,omitempty"`
}

// Ledger is the single continuity record of a working scope.
type Ledger struct {
	Goal         string     `json:"goal"`
	Now          string     `json:"now"`
	Done         []string   `json:"done"`
	Next         []string   `json:"next"`
	Decisions    []Decision `json:"decisions"`
	WorkingFiles []string   `json:"workingFiles"`
	Constraints  []string   `json:"constraints"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// Empty reports whether the ledger carries no continuity data.
func (l *Ledger) Empty() bool {
	return l == nil || (l.Goal == "" && l.Now == "" && len(l.Done) == 0 && len(l.Next) == 0 &&
		len(l.Decisions) == 0 && len(l.WorkingFiles) == 0 && len(l.Constraints) == 0)
}

// Clone returns a deep copy.
func (l *Ledger) Clone() *Ledger {
	if l == nil {
		return &Ledger{}
	}
	c := *l
	c.Done = append([]string(nil), l.Done...)
	c.Next = append([]string(nil), l.Next...)
	c.Decisions = append([]Decision(nil), l.Decisions...)
	c.WorkingFiles = append([]string(nil), l.WorkingFiles...)
	c.Constraints = append([]string(nil), l.Constraints...)
	return &c
}

func (l *Ledger) addDone(text string) {
	l.Done = append(l.Done, text)
	if len(l.Done) > maxDone {
		l.Done = l.Done[len(l.Done)-maxDone:]
	}
}

// AddWorkingFile records path once.
func (l *Ledger) AddWorkingFile(path string) {
	for _, f := range l.WorkingFiles {
		if f == path {
			return
		}
	}
	l.WorkingFiles = append(l.WorkingFiles, path)
}

// Markdown renders the ledger for prompt injection.
func (l *Ledger) Markdown() string {
	if l.Empty() {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("## Continuity Ledger\n")
	if l.Goal != "" {
		fmt.Fprintf(&sb, "Goal: %s\n", l.Goal)
	}
	if l.Now != "" {
		fmt.Fprintf(&sb, "Now: %s\n", l.Now)
	}
	writeList(&sb, "Done", l.Done)
	writeList(&sb, "Next", l.Next)
	if len(l.Decisions) > 0 {
		sb.WriteString("Decisions:\n")
		for _, d := range l.Decisions {
			if d.Reason != "" {
				fmt.Fprintf(&sb, "- %s (%s)\n", d.Choice, d.Reason)
			} else {
				fmt.Fprintf(&sb, "- %s\n", d.Choice)
			}
		}
	}
	writeList(&sb, "Working files", l.WorkingFiles)
	writeList(&sb, "Constraints", l.Constraints)
	return sb.String()
}

func writeList(sb *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	sb.WriteString(title + ":\n")
	for _, it := range items {
		sb.WriteString("- " + it + "\n")
	}
}

// CodeChange describes one file touched during a session.
type CodeChange struct {
	File        string `json:"file"`
	Description string `json:"description"`
}

// Handoff is an immutable snapshot of session progress.
type Handoff struct {
	ID              types.HandoffID `json:"id"`
	SessionID       types.SessionID `json:"sessionId"`
	CreatedAt       time.Time       `json:"createdAt"`
	Summary         string          `json:"summary"`
	CodeChanges     []CodeChange    `json:"codeChanges"`
	CurrentState    string          `json:"currentState"`
	Blockers        []string        `json:"blockers"`
	NextSteps       []string        `json:"nextSteps"`
	Patterns        []string        `json:"patterns"`
	Metadata        map[string]any  `json:"metadata,omitempty"`
	ParentHandoffID types.HandoffID `json:"parentHandoffId,omitempty"`
	MessageCount    int             `json:"messageCount"`
	ToolCallCount   int             `json:"toolCallCount"`
}

// Markdown renders a handoff for prompt injection.
func (h *Handoff) Markdown() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "### Handoff %s (%s)\n", h.ID, h.CreatedAt.Format(time.RFC3339))
	if h.Summary != "" {
		sb.WriteString(h.Summary + "\n")
	}
	if h.CurrentState != "" {
		fmt.Fprintf(&sb, "State: %s\n", h.CurrentState)
	}
	writeList(&sb, "Blockers", h.Blockers)
	writeList(&sb, "Next steps", h.NextSteps)
	writeList(&sb, "Patterns", h.Patterns)
	if len(h.CodeChanges) > 0 {
		sb.WriteString("Code changes:\n")
		for _, c := range h.CodeChanges {
			fmt.Fprintf(&sb, "- %s: %s\n", c.File, c.Description)
		}
	}
	return sb.String()
}

// LedgerBackend persists the encoded ledger of one scope. A missing ledger
// reads as (nil, nil).
type LedgerBackend interface {
	ReadLedger(ctx context.Context) ([]byte, error)
	WriteLedger(ctx context.Context, data []byte) error
}

// HandoffStore persists handoffs.
type HandoffStore interface {
	Create(ctx context.Context, h *Handoff) (types.HandoffID, error)
	Get(ctx context.Context, id types.HandoffID) (*Handoff, error)
	GetRecent(ctx context.Context, n int) ([]*Handoff, error)
	// Prune deletes handoffs created before cutoff, always keeping the keep
	// most recent ones. It returns the number deleted.
	Prune(ctx context.Context, cutoff time.Time, keep int) (int, error)
}

// LedgerStore is the ledger surface used by hooks, tools and the CLI.
type LedgerStore interface {
	Get(ctx context.Context) (*Ledger, error)
	Load(ctx context.Context) (*Ledger, error)
	Save(ctx context.Context, l *Ledger) error
	Update(ctx context.Context, fn func(*Ledger)) (*Ledger, error)
	AddDone(ctx context.Context, text string) error
	Clear(ctx context.Context, preserveGoal bool) error
}

// prepareHandoff fills id and timestamp and validates required fields.
func prepareHandoff(h *Handoff) error {
	if h == nil {
		return errors.New("handoff is required")
	}
	if h.SessionID == "" {
		return errors.New("handoff session id is required")
	}
	if h.ID == "" {
		h.ID = types.NewHandoffID()
	}
	if h.CreatedAt.IsZero() {
		h.CreatedAt = time.Now().UTC()
	}
	return nil
}
