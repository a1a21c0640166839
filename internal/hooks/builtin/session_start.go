package builtin

import (
	"context"
	"log/slog"
	"strings"

	"github.com/user/agentcore/internal/hooks"
	"github.com/user/agentcore/internal/memory"
)

// ContextKey is the modification key carrying text to inject into the prompt.
const ContextKey = "context"

// SessionStartHook composes the ledger and recent handoffs into a context
// string. With no continuity data it continues.
func SessionStartHook(cfg Config, ledgers memory.LedgerStore, handoffs memory.HandoffStore) hooks.Definition {
	return hooks.Definition{
		Name:        "builtin:session-start",
		Type:        hooks.SessionStart,
		Priority:    SessionStartPriority,
		Description: "Load ledger and recent handoffs into the session context",
		Handler: func(ctx context.Context, hc *hooks.Context) (*hooks.Result, error) {
			var parts []string

			ledger, err := ledgers.Load(ctx)
			if err != nil {
				slog.Warn("load ledger failed", "session_id", string(hc.SessionID), "error", err)
			} else if md := ledger.Markdown(); md != "" {
				parts = append(parts, md)
			}

			if cfg.RecentHandoffs > 0 {
				recent, err := handoffs.GetRecent(ctx, cfg.RecentHandoffs)
				if err != nil {
					slog.Warn("load handoffs failed", "session_id", string(hc.SessionID), "error", err)
				} else if len(recent) > 0 {
					var sb strings.Builder
					sb.WriteString("## Recent Handoffs\n")
					for _, h := range recent {
						sb.WriteString(h.Markdown())
					}
					parts = append(parts, sb.String())
				}
			}

			if len(parts) == 0 {
				return hooks.Continue(), nil
			}
			text := strings.Join(parts, "\n")
			return hooks.Modify(map[string]any{ContextKey: text}, "loaded continuity context"), nil
		},
	}
}
