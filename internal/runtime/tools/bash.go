// Package tools holds the built-in tools offered to the model.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/user/agentcore/internal/cancel"
	"github.com/user/agentcore/internal/runtime"
)

const (
	defaultBashTimeout = 120 * time.Second
	maxBashTimeout     = 10 * time.Minute
)

// Bash runs shell commands in the session's working directory. The command
// is killed when the run is aborted.
type Bash struct {
	dir string
}

// NewBash creates a Bash tool rooted at dir. An empty dir uses the process
// working directory.
func NewBash(dir string) *Bash { return &Bash{dir: dir} }

func (b *Bash) Name() string { return "bash" }
func (b *Bash) Description() string {
	return "Run a bash command in the working directory and return its combined output"
}
func (b *Bash) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"command": {"type": "string", "minLength": 1, "description": "The command to execute"},
			"timeout_seconds": {"type": "integer", "minimum": 1, "description": "Timeout in seconds (default: 120, max: 600)"}
		},
		"required": ["command"]
	}`)
}

func (b *Bash) Execute(ctx context.Context, _ string, args json.RawMessage, token *cancel.Token) (*runtime.ToolResult, error) {
	var params struct {
		Command        string `json:"command"`
		TimeoutSeconds int    `json:"timeout_seconds"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, fmt.Errorf("parse args: %w", err)
	}
	if strings.TrimSpace(params.Command) == "" {
		return runtime.ErrorResult("command is required"), nil
	}

	timeout := defaultBashTimeout
	if params.TimeoutSeconds > 0 {
		timeout = min(time.Duration(params.TimeoutSeconds)*time.Second, maxBashTimeout)
	}

	ctx, stop := token.Context(ctx)
	defer stop()
	ctx, cancelTimeout := context.WithTimeout(ctx, timeout)
	defer cancelTimeout()

	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, "bash", "-c", params.Command)
	cmd.Dir = b.dir
	setProcessGroup(cmd)
	cmd.Stdout = &out
	cmd.Stderr = &out
	cmd.WaitDelay = 2 * time.Second
	err := cmd.Run()
	output := out.String()

	switch {
	case token.IsSignaled():
		return runtime.InterruptedResult(output + "\n[command interrupted]"), nil
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return runtime.ErrorResult("%s\n[command timed out after %s]", output, timeout), nil
	case err != nil:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return runtime.ErrorResult("%s\n[exit code %d]", output, exitErr.ExitCode()), nil
		}
		return nil, fmt.Errorf("run command: %w", err)
	}
	if output == "" {
		output = "(no output)"
	}
	return runtime.TextResult(output), nil
}
