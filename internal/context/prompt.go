package context

import (
	"fmt"
	"strings"
	"text/template"
	"time"
)

// DefaultPrompt is the built-in system prompt template used when no custom
// prompt file is configured. It uses Go text/template syntax with PromptData
// fields: .Time, .SessionID, .WorkingDir, .Tools, .Continuity, .PlanMode,
// .BlockedTools
const DefaultPrompt = `You are a coding agent working in a local repository on behalf of your user.

## Current Context

- Time: {{.Time}}
- Session: {{.SessionID}}
{{- if .WorkingDir}}
- Working directory: {{.WorkingDir}}
{{- end}}
- Available tools: {{.Tools}}

## Working Style

Read before you write. Prefer small, verifiable steps and check command output instead of assuming success. When a tool fails, read the error and adjust rather than retrying blindly.

Keep the continuity ledger current: record the goal when it changes, mark finished work as done, and note decisions and the files you touch. Future sessions start from the ledger and from the handoffs written when sessions end.
{{- if .PlanMode}}

## Plan Mode

You are in plan mode. Investigate and propose a plan; do not modify the repository.
{{- if .BlockedTools}} These tools are unavailable until plan mode ends: {{.BlockedTools}}.{{end}}
{{- end}}
{{- if .Continuity}}

{{.Continuity}}
{{- end}}
`

// PromptData feeds the system prompt template.
type PromptData struct {
	Time         string
	SessionID    string
	WorkingDir   string
	Tools        string
	Continuity   string
	PlanMode     bool
	BlockedTools string
}

// NewPromptData fills the common fields.
func NewPromptData(sessionID, workingDir string, tools []string) PromptData {
	return PromptData{
		Time:       time.Now().Format(time.RFC3339),
		SessionID:  sessionID,
		WorkingDir: workingDir,
		Tools:      strings.Join(tools, ", "),
	}
}

// RenderPrompt executes tmpl (DefaultPrompt when empty) with data.
func RenderPrompt(tmpl string, data PromptData) (string, error) {
	if tmpl == "" {
		tmpl = DefaultPrompt
	}
	t, err := template.New("system").Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("parse prompt template: %w", err)
	}
	var sb strings.Builder
	if err := t.Execute(&sb, data); err != nil {
		return "", fmt.Errorf("render prompt template: %w", err)
	}
	return sb.String(), nil
}
