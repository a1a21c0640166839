// Package reconstruct derives run-time session state by replaying a
// session's persisted event log.
package reconstruct

import (
	"encoding/json"

	"github.com/user/agentcore/internal/types"
	"github.com/user/agentcore/pkg/llm"
)

// PlanMode is the persisted plan-mode flag.
type PlanMode struct {
	IsActive     bool     `json:"isActive"`
	SkillName    string   `json:"skillName,omitempty"`
	BlockedTools []string `json:"blockedTools"`
}

// State is the result of replaying a log. It is never stored.
type State struct {
	CurrentTurn    int      `json:"currentTurn"`
	WasInterrupted bool     `json:"wasInterrupted"`
	PlanMode       PlanMode `json:"planMode"`
	ReasoningLevel string   `json:"reasoningLevel,omitempty"`

	Model      string        `json:"model,omitempty"`
	WorkingDir string        `json:"workingDirectory,omitempty"`
	Messages   []llm.Message `json:"messages"`
	Usage      types.Usage   `json:"usage"`
	IsEnded    bool          `json:"isEnded"`
}

// segment holds the fields that restart at every reset boundary.
type segment struct {
	planMode      PlanMode
	turnStart     int
	sawTurnStart  bool
	assistantTurn int
}

func (s segment) currentTurn() int {
	if s.sawTurnStart {
		return s.turnStart
	}
	return s.assistantTurn
}

// Reconstruct replays events in order. It is total: events with missing or
// malformed payloads leave the state unchanged.
func Reconstruct(events []types.SessionEvent) State {
	st := State{Messages: []llm.Message{}}
	seg := segment{planMode: PlanMode{BlockedTools: []string{}}}

	for i := range events {
		ev := &events[i]
		switch ev.Type {
		case types.EventSessionStart:
			var p types.SessionStartPayload
			if ev.DecodePayload(&p) {
				if p.Model != "" {
					st.Model = p.Model
				}
				if p.WorkingDir != "" {
					st.WorkingDir = p.WorkingDir
				}
			}

		case types.EventSessionEnd:
			st.IsEnded = true

		case types.EventPlanEntered:
			var p types.PlanEnteredPayload
			ev.DecodePayload(&p)
			seg.planMode = PlanMode{IsActive: true, SkillName: p.SkillName, BlockedTools: nonNil(p.BlockedTools)}

		case types.EventPlanExited:
			seg.planMode = PlanMode{BlockedTools: []string{}}

		case types.EventTurnStart:
			var p types.TurnStartPayload
			if ev.DecodePayload(&p) {
				seg.turnStart = p.Turn
				seg.sawTurnStart = true
			}

		case types.EventReasoningLevel:
			var p types.ReasoningLevelPayload
			if ev.DecodePayload(&p) && p.NewLevel != "" {
				st.ReasoningLevel = p.NewLevel
			}

		case types.EventUserMessage:
			var p types.UserMessagePayload
			if ev.DecodePayload(&p) {
				st.Messages = append(st.Messages, llm.UserMessage(p.Content))
			}

		case types.EventAssistant:
			var p assistantRecord
			if !ev.DecodePayload(&p) {
				continue
			}
			st.WasInterrupted = p.Interrupted
			if p.Turn > 0 {
				seg.assistantTurn = p.Turn
			}
			if p.Usage != nil {
				st.Usage.Add(*p.Usage)
			}
			if blocks := p.blocks(); len(blocks) > 0 {
				st.Messages = append(st.Messages, llm.Message{Role: llm.RoleAssistant, Content: blocks})
			}

		case types.EventToolResult:
			var p types.ToolResultPayload
			if ev.DecodePayload(&p) && p.ToolCallID != "" {
				st.Messages = append(st.Messages, llm.ToolResultMessage(string(p.ToolCallID), p.Name, p.Content, p.IsError))
			}

		case types.EventCompactBound:
			seg = segment{planMode: PlanMode{BlockedTools: []string{}}}
			st.Messages = []llm.Message{}

		case types.EventCompactSummary:
			var p types.CompactSummaryPayload
			if !ev.DecodePayload(&p) {
				continue
			}
			if p.Summary != "" {
				st.Messages = append(st.Messages, SummaryMessage(p.Summary))
			}
			var kept []llm.Message
			if len(p.Preserved) > 0 && json.Unmarshal(p.Preserved, &kept) == nil {
				st.Messages = append(st.Messages, kept...)
			}

		case types.EventContextCleared:
			seg = segment{planMode: PlanMode{BlockedTools: []string{}}}
			st.Messages = []llm.Message{}
		}
	}

	st.CurrentTurn = seg.currentTurn()
	st.PlanMode = seg.planMode
	return st
}

// SummaryMessage is the user-role context message that replaces compacted history.
func SummaryMessage(summary string) llm.Message {
	return llm.UserMessage("[Context from earlier in this conversation]\n" + summary)
}

// assistantRecord decodes message.assistant payloads whose content is either
// a block list or a plain string.
type assistantRecord struct {
	Content     json.RawMessage `json:"content"`
	Turn        int             `json:"turn"`
	Interrupted bool            `json:"interrupted"`
	Usage       *types.Usage    `json:"usage"`
}

func (r assistantRecord) blocks() []llm.ContentBlock {
	if len(r.Content) == 0 {
		return nil
	}
	var blocks []llm.ContentBlock
	if err := json.Unmarshal(r.Content, &blocks); err == nil {
		return blocks
	}
	var text string
	if err := json.Unmarshal(r.Content, &text); err == nil && text != "" {
		return []llm.ContentBlock{{Type: llm.BlockText, Text: text}}
	}
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return append([]string(nil), s...)
}
