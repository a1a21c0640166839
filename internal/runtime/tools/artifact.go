package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/user/agentcore/internal/cancel"
	"github.com/user/agentcore/internal/runtime"
	"github.com/user/agentcore/internal/types"
)

const defaultExcerptChars = 4000

// ArtifactExcerpter reads back stored tool output.
type ArtifactExcerpter interface {
	Excerpt(ctx context.Context, id types.ArtifactID, query string, maxChars int) (string, error)
}

// ArtifactRead lets the model page through tool output that was too large
// to keep inline.
type ArtifactRead struct{ store ArtifactExcerpter }

func NewArtifactRead(store ArtifactExcerpter) *ArtifactRead { return &ArtifactRead{store: store} }

func (a *ArtifactRead) Name() string { return "artifact_read" }
func (a *ArtifactRead) Description() string {
	return "Read part of a truncated tool output by artifact id, optionally centered on a search string"
}
func (a *ArtifactRead) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"id": {"type": "string", "minLength": 1, "description": "Artifact id from a truncated tool result"},
			"query": {"type": "string", "description": "Text to center the excerpt on"},
			"max_chars": {"type": "integer", "minimum": 100, "maximum": 20000, "description": "Excerpt length (default 4000)"}
		},
		"required": ["id"]
	}`)
}

func (a *ArtifactRead) Execute(ctx context.Context, _ string, args json.RawMessage, _ *cancel.Token) (*runtime.ToolResult, error) {
	var params struct {
		ID       string `json:"id"`
		Query    string `json:"query"`
		MaxChars int    `json:"max_chars"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, fmt.Errorf("parse args: %w", err)
	}
	if params.MaxChars <= 0 {
		params.MaxChars = defaultExcerptChars
	}
	text, err := a.store.Excerpt(ctx, types.ArtifactID(params.ID), params.Query, params.MaxChars)
	if err != nil {
		return runtime.ErrorResult("Error: %v", err), nil
	}
	return runtime.TextResult(text), nil
}
