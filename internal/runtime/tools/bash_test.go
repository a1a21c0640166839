package tools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/user/agentcore/internal/cancel"
)

func runBash(t *testing.T, b *Bash, args map[string]any, token *cancel.Token) string {
	t.Helper()
	raw, _ := json.Marshal(args)
	res, err := b.Execute(context.Background(), "call-1", raw, token)
	if err != nil {
		t.Fatal(err)
	}
	return res.Content
}

func TestBashExecuteSimple(t *testing.T) {
	out := runBash(t, NewBash(""), map[string]any{"command": "echo hello"}, cancel.New())
	if strings.TrimSpace(out) != "hello" {
		t.Errorf("expected 'hello', got %q", out)
	}
}

func TestBashCombinesStderr(t *testing.T) {
	out := runBash(t, NewBash(""), map[string]any{"command": "echo err >&2"}, cancel.New())
	if !strings.Contains(out, "err") {
		t.Errorf("expected stderr output, got %q", out)
	}
}

func TestBashRunsInWorkingDir(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "marker.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	out := runBash(t, NewBash(dir), map[string]any{"command": "ls"}, cancel.New())
	if !strings.Contains(out, "marker.txt") {
		t.Errorf("expected marker.txt in listing, got %q", out)
	}
}

func TestBashNonZeroExit(t *testing.T) {
	raw, _ := json.Marshal(map[string]any{"command": "echo nope; exit 3"})
	res, err := NewBash("").Execute(context.Background(), "c", raw, cancel.New())
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsError || !strings.Contains(res.Content, "exit code 3") || !strings.Contains(res.Content, "nope") {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestBashTimeout(t *testing.T) {
	raw, _ := json.Marshal(map[string]any{"command": "sleep 10", "timeout_seconds": 1})
	start := time.Now()
	res, err := NewBash("").Execute(context.Background(), "c", raw, cancel.New())
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsError || !strings.Contains(res.Content, "timed out") {
		t.Errorf("expected timeout result, got %+v", res)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("timeout did not stop the command")
	}
}

func TestBashStopsOnToken(t *testing.T) {
	token := cancel.New()
	go func() {
		time.Sleep(100 * time.Millisecond)
		token.Signal()
	}()
	raw, _ := json.Marshal(map[string]any{"command": "sleep 10"})
	start := time.Now()
	res, err := NewBash("").Execute(context.Background(), "c", raw, token)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Details.Interrupted {
		t.Errorf("expected interrupted result, got %+v", res)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("token did not stop the command")
	}
}

func TestBashEmptyCommand(t *testing.T) {
	raw, _ := json.Marshal(map[string]any{"command": "  "})
	res, err := NewBash("").Execute(context.Background(), "c", raw, cancel.New())
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsError {
		t.Error("expected error result")
	}
}
