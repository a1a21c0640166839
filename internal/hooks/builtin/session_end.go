package builtin

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/user/agentcore/internal/hooks"
	"github.com/user/agentcore/internal/memory"
)

// HandoffIDKey is the modification key carrying a created handoff id.
const HandoffIDKey = "handoffId"

// OutcomeKey is the hook context data key holding the session's final
// assistant text.
const OutcomeKey = "outcome"

// SessionEndHook writes a handoff summarizing the ledger and session outcome
// once the session has at least MinMessagesForHandoff messages. Failures
// degrade to continue.
func SessionEndHook(cfg Config, ledgers memory.LedgerStore, handoffs memory.HandoffStore) hooks.Definition {
	return hooks.Definition{
		Name:        "builtin:session-end",
		Type:        hooks.SessionEnd,
		Priority:    SessionEndPriority,
		Description: "Create a handoff at session end",
		Handler: func(ctx context.Context, hc *hooks.Context) (*hooks.Result, error) {
			if hc.MessageCount < cfg.MinMessagesForHandoff {
				return hooks.Continue(), nil
			}
			log := slog.With("session_id", string(hc.SessionID))

			ledger, err := ledgers.Load(ctx)
			if err != nil {
				log.Warn("load ledger for handoff failed", "error", err)
				ledger = &memory.Ledger{}
			}

			h := handoffFrom(ledger, hc)
			h.Summary = sessionSummary(ledger, hc)
			if prev, err := handoffs.GetRecent(ctx, 1); err == nil && len(prev) > 0 {
				h.ParentHandoffID = prev[0].ID
			}

			id, err := handoffs.Create(ctx, h)
			if err != nil {
				log.Error("create handoff failed", "error", err)
				return hooks.Continue(), nil
			}

			if cfg.ClearLedgerOnEnd {
				if err := ledgers.Clear(ctx, true); err != nil {
					log.Warn("clear ledger failed", "error", err)
				}
			}
			log.Info("handoff created", "handoff_id", string(id), "messages", hc.MessageCount, "tool_calls", hc.ToolCallCount)
			return hooks.Modify(map[string]any{HandoffIDKey: string(id)}, "handoff "+string(id)+" created"), nil
		},
	}
}

func handoffFrom(ledger *memory.Ledger, hc *hooks.Context) *memory.Handoff {
	h := &memory.Handoff{
		SessionID:     hc.SessionID,
		CurrentState:  ledger.Now,
		NextSteps:     append([]string(nil), ledger.Next...),
		Blockers:      []string{},
		MessageCount:  hc.MessageCount,
		ToolCallCount: hc.ToolCallCount,
		Metadata: map[string]any{
			"reason": hc.Reason,
			"turn":   hc.Turn,
		},
	}
	for _, f := range ledger.WorkingFiles {
		h.CodeChanges = append(h.CodeChanges, memory.CodeChange{File: f, Description: "touched during session"})
	}
	for _, d := range ledger.Decisions {
		h.Patterns = append(h.Patterns, d.Choice)
	}
	for _, c := range ledger.Constraints {
		h.Blockers = append(h.Blockers, "constraint: "+c)
	}
	return h
}

func sessionSummary(ledger *memory.Ledger, hc *hooks.Context) string {
	var parts []string
	if ledger.Goal != "" {
		parts = append(parts, "Goal: "+ledger.Goal)
	}
	if len(ledger.Done) > 0 {
		parts = append(parts, "Completed: "+strings.Join(ledger.Done, "; "))
	}
	if outcome, ok := hc.Data[OutcomeKey].(string); ok && outcome != "" {
		parts = append(parts, "Outcome: "+truncate(outcome, 500))
	}
	if len(parts) == 0 {
		return fmt.Sprintf("Session with %d messages and %d tool calls", hc.MessageCount, hc.ToolCallCount)
	}
	return strings.Join(parts, "\n")
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

