package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/user/agentcore/internal/bus"
	"github.com/user/agentcore/internal/hooks"
	"github.com/user/agentcore/internal/memory"
	"github.com/user/agentcore/internal/reconstruct"
	"github.com/user/agentcore/internal/types"
	"github.com/user/agentcore/pkg/llm"
)

// CompactResult describes a finished compaction.
type CompactResult struct {
	Reason          string
	TokensBefore    int
	TokensAfter     int
	RemovedMessages int
	Summary         string
}

// TokenRatio returns the estimated context usage of the conversation as a
// fraction of the input budget, and the token count behind it.
func (e *Engine) TokenRatio() (float64, int) {
	e.mu.Lock()
	msgs := slices.Clone(e.messages)
	e.mu.Unlock()
	tokens := e.countTokens(msgs)
	budget := e.targetTokens()
	if budget <= 0 {
		return 0, tokens
	}
	return float64(tokens) / float64(budget), tokens
}

// CompactIfNeeded asks the trigger whether to compact and compacts when it
// says so. It returns nil when no compaction ran.
func (e *Engine) CompactIfNeeded(ctx context.Context) (*CompactResult, error) {
	if e.opts.Trigger == nil {
		return nil, nil
	}
	ratio, _ := e.TokenRatio()
	e.mu.Lock()
	cmds := slices.Clone(e.recentCommands)
	e.mu.Unlock()

	d := e.opts.Trigger.ShouldCompact(memory.TriggerInput{TokenRatio: ratio, RecentCommands: cmds})
	if !d.Compact {
		return nil, nil
	}
	return e.Compact(ctx, d.Reason)
}

// Compact replaces older history with a summary, keeping the most recent
// messages verbatim. The PreCompact hook may refuse it. A conversation too
// short to split is left alone and yields a nil result.
func (e *Engine) Compact(ctx context.Context, reason string) (*CompactResult, error) {
	e.mu.Lock()
	msgs := slices.Clone(e.messages)
	turn := e.turn
	e.mu.Unlock()

	split := len(msgs) - e.opts.PreserveRecent
	for split > 0 && split < len(msgs) && msgs[split].Role == llm.RoleToolResult {
		split++
	}
	if split <= 0 || split >= len(msgs) {
		return nil, nil
	}
	removed, kept := msgs[:split], msgs[split:]
	before := e.countTokens(msgs)

	d := e.trigger(ctx, hooks.PreCompact, &hooks.Context{
		Turn:          turn,
		MessageCount:  len(msgs),
		CurrentTokens: before,
		TargetTokens:  e.targetTokens(),
		Reason:        reason,
	})
	if d.Blocked() {
		return nil, &BlockedError{Op: "compaction", Hook: d.Hook, Reason: d.Reason}
	}

	e.publish(bus.CompactionStart, bus.CompactionData{Reason: reason, TokensBefore: before})

	summary, err := e.summarize(ctx, removed)
	if err != nil {
		slog.Warn("summarize failed, using digest", "session_id", string(e.opts.SessionID), "error", err)
		summary = digest(removed)
	}

	next := append([]llm.Message{reconstruct.SummaryMessage(summary)}, kept...)
	after := e.countTokens(next)
	preserved, err := json.Marshal(kept)
	if err != nil {
		return nil, fmt.Errorf("encode preserved messages: %w", err)
	}

	if err := e.record(ctx, types.EventCompactBound, types.CompactBoundaryPayload{
		OriginalTokens:  before,
		CompactedTokens: after,
		RemovedMessages: len(removed),
	}); err != nil {
		return nil, fmt.Errorf("persist compaction boundary: %w", err)
	}
	if err := e.record(ctx, types.EventCompactSummary, types.CompactSummaryPayload{Summary: summary, Preserved: preserved}); err != nil {
		return nil, fmt.Errorf("persist compaction summary: %w", err)
	}

	// Replay resets turn numbering and plan mode at a boundary; keep the live
	// engine in step with it.
	e.mu.Lock()
	e.messages = next
	e.turn = 0
	e.plan = reconstruct.PlanMode{BlockedTools: []string{}}
	e.recentCommands = nil
	e.mu.Unlock()
	if e.opts.Trigger != nil {
		e.opts.Trigger.Reset()
	}

	res := &CompactResult{
		Reason:          reason,
		TokensBefore:    before,
		TokensAfter:     after,
		RemovedMessages: len(removed),
		Summary:         summary,
	}
	slog.Info("context compacted",
		"session_id", string(e.opts.SessionID),
		"reason", reason,
		"tokens_before", before,
		"tokens_after", after,
		"removed", len(removed))
	e.publish(bus.CompactionComplete, bus.CompactionData{
		Reason:          reason,
		TokensBefore:    before,
		TokensAfter:     after,
		RemovedMessages: len(removed),
	})
	return res, nil
}

func (e *Engine) summarize(ctx context.Context, removed []llm.Message) (string, error) {
	if e.opts.Summarize == nil {
		return digest(removed), nil
	}
	return e.opts.Summarize(ctx, removed)
}

const summaryInstruction = "Summarize the conversation so far so that work can continue from the summary alone. " +
	"Keep the user's goal, decisions taken, files touched, open problems and next steps. Reply with the summary only."

// ModelSummarizer returns a Summarize function that asks the model to
// condense the removed history.
func ModelSummarizer(p llm.Provider, model string, maxTokens int) func(context.Context, []llm.Message) (string, error) {
	return func(ctx context.Context, removed []llm.Message) (string, error) {
		msgs := append(repairToolPairs(slices.Clone(removed)), llm.UserMessage(summaryInstruction))
		ch, err := p.Stream(ctx, &llm.Request{Model: model, Messages: msgs, MaxTokens: maxTokens})
		if err != nil {
			return "", fmt.Errorf("summary request: %w", err)
		}
		var text strings.Builder
		var final string
		for ev := range ch {
			switch ev.Type {
			case llm.EventTextDelta:
				text.WriteString(ev.Delta)
			case llm.EventDone:
				if ev.Message != nil {
					final = ev.Message.Text()
				}
			case llm.EventError, llm.EventSafetyBlock:
				if ev.Err != nil {
					return "", ev.Err
				}
				return "", errors.New("summary request failed")
			}
		}
		if final == "" {
			final = text.String()
		}
		if final = strings.TrimSpace(final); final == "" {
			return "", errors.New("model returned an empty summary")
		}
		return final, nil
	}
}

func (e *Engine) countTokens(msgs []llm.Message) int {
	if e.opts.Context != nil {
		return e.opts.Context.CountMessages(msgs)
	}
	n := 0
	for _, m := range msgs {
		for _, b := range m.Content {
			n += (len(b.Text) + len(b.Thinking) + len(b.Input) + 3) / 4
		}
	}
	return n
}

func (e *Engine) targetTokens() int {
	if e.opts.Context != nil {
		return e.opts.Context.InputBudget()
	}
	return 0
}

const digestSnippet = 200

// digest summarizes removed messages without a model call: the user
// requests in order, the tools used, and the last assistant reply.
func digest(msgs []llm.Message) string {
	var requests []string
	tools := map[string]int{}
	var order []string
	var last string
	for _, m := range msgs {
		switch m.Role {
		case llm.RoleUser:
			if t := strings.TrimSpace(m.Text()); t != "" {
				requests = append(requests, snippet(t))
			}
		case llm.RoleAssistant:
			if t := strings.TrimSpace(m.Text()); t != "" {
				last = t
			}
			for _, c := range m.ToolCalls() {
				if tools[c.Name] == 0 {
					order = append(order, c.Name)
				}
				tools[c.Name]++
			}
		}
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d earlier messages were compacted.\n", len(msgs))
	if len(requests) > 0 {
		sb.WriteString("\nRequests:\n")
		for _, r := range requests {
			sb.WriteString("- " + r + "\n")
		}
	}
	if len(order) > 0 {
		sb.WriteString("\nTools used:")
		for _, name := range order {
			fmt.Fprintf(&sb, " %s (%d)", name, tools[name])
		}
		sb.WriteString("\n")
	}
	if last != "" {
		sb.WriteString("\nLast reply:\n" + snippet(last) + "\n")
	}
	return strings.TrimSpace(sb.String())
}

func snippet(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= digestSnippet {
		return s
	}
	return s[:digestSnippet] + "..."
}
