// Package hooks implements lifecycle extension points that can continue,
// modify, or block the operation they guard.
package hooks

import (
	"context"
	"fmt"
	"time"

	"github.com/user/agentcore/internal/types"
)

// Type is a lifecycle point.
type Type string

const (
	PreToolUse       Type = "PreToolUse"
	PostToolUse      Type = "PostToolUse"
	Stop             Type = "Stop"
	SessionStart     Type = "SessionStart"
	SessionEnd       Type = "SessionEnd"
	UserPromptSubmit Type = "UserPromptSubmit"
	PreCompact       Type = "PreCompact"
	Notification     Type = "Notification"
)

// Action is a hook's verdict.
type Action string

const (
	ActionContinue Action = "continue"
	ActionBlock    Action = "block"
	ActionModify   Action = "modify"
)

// Context is the input handed to every handler. Fields not relevant to the
// lifecycle type are left zero.
type Context struct {
	Type      Type
	SessionID types.SessionID
	Timestamp time.Time
	Turn      int

	ToolName   string
	ToolCallID types.ToolCallID
	Arguments  map[string]any
	Result     string
	IsError    bool

	Prompt string

	MessageCount  int
	ToolCallCount int
	Reason        string

	CurrentTokens int
	TargetTokens  int

	Data map[string]any
}

// Result is returned by a handler.
type Result struct {
	Action        Action
	Reason        string
	Message       string
	Modifications map[string]any
}

// Continue is the no-op result.
func Continue() *Result { return &Result{Action: ActionContinue} }

// Block refuses the guarded operation.
func Block(reason string) *Result { return &Result{Action: ActionBlock, Reason: reason} }

// Modify asks the caller to merge mods into its state.
func Modify(mods map[string]any, message string) *Result {
	return &Result{Action: ActionModify, Modifications: mods, Message: message}
}

// Handler is the single calling convention for hooks.
type Handler func(ctx context.Context, hc *Context) (*Result, error)

// Definition registers a handler for one lifecycle type. Higher Priority
// runs first; ties run in registration order.
type Definition struct {
	Name        string
	Type        Type
	Priority    int
	Description string
	Handler     Handler
}

// HookError records a handler failure that was downgraded to continue.
type HookError struct {
	Hook string
	Err  error
}

func (e *HookError) Error() string {
	return fmt.Sprintf("hook %s: %v", e.Hook, e.Err)
}

func (e *HookError) Unwrap() error { return e.Err }

// Outcome is the per-hook record produced by Trigger.
type Outcome struct {
	Hook     string
	Result   Result
	Err      error
	Duration time.Duration
}
