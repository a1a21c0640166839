package runtime

import (
	"errors"
	"fmt"
)

// ErrBusy is returned when Run or Turn is called while another is in flight.
var ErrBusy = errors.New("engine is already running")

// ErrMaxTurns is reported when a run hits the configured turn limit.
var ErrMaxTurns = errors.New("maximum turns reached")

// BlockedError reports that a guarding hook refused an operation.
type BlockedError struct {
	Op     string
	Hook   string
	Reason string
}

func (e *BlockedError) Error() string {
	if e.Hook == "" {
		return fmt.Sprintf("%s blocked: %s", e.Op, e.Reason)
	}
	return fmt.Sprintf("%s blocked by hook %s: %s", e.Op, e.Hook, e.Reason)
}

// ToolError is a tool failure absorbed into an error result.
type ToolError struct {
	Tool string
	Err  error
}

func (e *ToolError) Error() string { return fmt.Sprintf("tool %s: %v", e.Tool, e.Err) }

func (e *ToolError) Unwrap() error { return e.Err }
