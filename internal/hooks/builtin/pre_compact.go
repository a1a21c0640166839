package builtin

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/user/agentcore/internal/hooks"
	"github.com/user/agentcore/internal/memory"
)

// PreCompactHook checkpoints progress into a handoff when the context is at
// least AutoHandoffThreshold full. With BlockUntilHandoff set, a failed
// checkpoint blocks the compaction.
func PreCompactHook(cfg Config, ledgers memory.LedgerStore, handoffs memory.HandoffStore) hooks.Definition {
	return hooks.Definition{
		Name:        "builtin:pre-compact",
		Type:        hooks.PreCompact,
		Priority:    PreCompactPriority,
		Description: "Checkpoint a handoff before compaction",
		Handler: func(ctx context.Context, hc *hooks.Context) (*hooks.Result, error) {
			if hc.TargetTokens <= 0 {
				return hooks.Continue(), nil
			}
			ratio := float64(hc.CurrentTokens) / float64(hc.TargetTokens)
			if ratio < cfg.AutoHandoffThreshold {
				return hooks.Continue(), nil
			}
			log := slog.With("session_id", string(hc.SessionID), "token_ratio", ratio)

			id, err := checkpoint(ctx, ledgers, handoffs, hc, ratio)
			if err != nil {
				log.Error("pre-compact checkpoint failed", "error", err)
				if cfg.BlockUntilHandoff {
					return hooks.Block(fmt.Sprintf("compaction blocked: checkpoint handoff could not be saved: %v", err)), nil
				}
				return hooks.Continue(), nil
			}
			log.Info("pre-compact checkpoint", "handoff_id", id)
			return &hooks.Result{Action: hooks.ActionContinue, Message: "checkpoint " + id + " created"}, nil
		},
	}
}

func checkpoint(ctx context.Context, ledgers memory.LedgerStore, handoffs memory.HandoffStore, hc *hooks.Context, ratio float64) (string, error) {
	ledger, err := ledgers.Load(ctx)
	if err != nil {
		slog.Warn("load ledger for checkpoint failed", "session_id", string(hc.SessionID), "error", err)
		ledger = &memory.Ledger{}
	}
	h := handoffFrom(ledger, hc)
	h.Summary = "Checkpoint before context compaction"
	if ledger.Goal != "" {
		h.Summary += "\nGoal: " + ledger.Goal
	}
	h.Metadata["checkpoint"] = true
	h.Metadata["tokenRatio"] = ratio
	h.Metadata["currentTokens"] = hc.CurrentTokens
	h.Metadata["targetTokens"] = hc.TargetTokens

	id, err := handoffs.Create(ctx, h)
	if err != nil {
		return "", fmt.Errorf("create checkpoint handoff: %w", err)
	}
	if err := ledgers.AddDone(ctx, fmt.Sprintf("[checkpoint %s before compaction at %.0f%% context]", id, ratio*100)); err != nil {
		slog.Warn("ledger checkpoint marker failed", "session_id", string(hc.SessionID), "error", err)
	}
	return string(id), nil
}
