// Package builtin provides the continuity hooks: SessionStart loads the
// ledger and recent handoffs, SessionEnd writes a handoff, PreCompact
// checkpoints before compaction.
package builtin

import (
	"github.com/user/agentcore/internal/hooks"
	"github.com/user/agentcore/internal/memory"
)

// Config tunes the builtin hooks.
type Config struct {
	MinMessagesForHandoff int     `json:"min_messages_for_handoff" yaml:"min_messages_for_handoff"`
	ClearLedgerOnEnd      bool    `json:"clear_ledger_on_end" yaml:"clear_ledger_on_end"`
	RecentHandoffs        int     `json:"recent_handoffs" yaml:"recent_handoffs"`
	AutoHandoffThreshold  float64 `json:"auto_handoff_threshold" yaml:"auto_handoff_threshold"`
	BlockUntilHandoff     bool    `json:"block_until_handoff" yaml:"block_until_handoff"`
}

// DefaultConfig returns the stock settings.
func DefaultConfig() Config {
	return Config{
		MinMessagesForHandoff: 2,
		ClearLedgerOnEnd:      true,
		RecentHandoffs:        3,
		AutoHandoffThreshold:  0.8,
	}
}

// Priorities of the builtin hooks; user hooks default to 0.
const (
	SessionStartPriority = 100
	SessionEndPriority   = 100
	PreCompactPriority   = 100
)

// Register installs all three builtins on e.
func Register(e *hooks.Engine, cfg Config, ledgers memory.LedgerStore, handoffs memory.HandoffStore) error {
	for _, def := range []hooks.Definition{
		SessionStartHook(cfg, ledgers, handoffs),
		SessionEndHook(cfg, ledgers, handoffs),
		PreCompactHook(cfg, ledgers, handoffs),
	} {
		if err := e.Register(def); err != nil {
			return err
		}
	}
	return nil
}
