package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/user/agentcore/internal/cancel"
	"github.com/user/agentcore/pkg/llm"
)

// Tool defines the single calling convention for executable tools. Execute
// receives the run's cancellation token and should return promptly, with
// Details.Interrupted set, once it observes the token.
type Tool interface {
	Name() string
	Description() string
	Parameters() json.RawMessage
	Execute(ctx context.Context, callID string, args json.RawMessage, token *cancel.Token) (*ToolResult, error)
}

// ToolDetails carries tool-reported metadata.
type ToolDetails struct {
	Interrupted bool `json:"interrupted,omitempty"`
}

// ToolResult is what a tool hands back to the engine.
type ToolResult struct {
	Content string
	IsError bool
	Details ToolDetails
	// StopTurn ends the turn after this result without further model calls.
	StopTurn bool
}

// TextResult is a successful result.
func TextResult(content string) *ToolResult { return &ToolResult{Content: content} }

// ErrorResult is a failed result.
func ErrorResult(format string, args ...any) *ToolResult {
	return &ToolResult{Content: fmt.Sprintf(format, args...), IsError: true}
}

// InterruptedResult reports that the tool stopped on the cancellation token.
func InterruptedResult(content string) *ToolResult {
	return &ToolResult{Content: content, IsError: true, Details: ToolDetails{Interrupted: true}}
}

type registeredTool struct {
	tool   Tool
	schema *jsonschema.Schema
}

// Registry holds registered tools and provides lookup. Names are unique; the
// last registration wins.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]registeredTool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]registeredTool)}
}

// Register adds or replaces a tool. A parameter schema that does not compile
// disables argument validation for that tool.
func (r *Registry) Register(t Tool) {
	schema, err := compileSchema(t.Name(), t.Parameters())
	if err != nil {
		slog.Warn("tool schema rejected; arguments will not be validated", "tool", t.Name(), "error", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = registeredTool{tool: t, schema: schema}
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.tools[name]
	return rt.tool, ok
}

// All returns all registered tools sorted by name.
func (r *Registry) All() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.tools))
	for _, rt := range r.tools {
		out = append(out, rt.tool)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Names returns the registered tool names sorted.
func (r *Registry) Names() []string {
	tools := r.All()
	names := make([]string, len(tools))
	for i, t := range tools {
		names[i] = t.Name()
	}
	return names
}

// Specs converts registered tools to the provider format.
func (r *Registry) Specs() []llm.ToolSpec {
	tools := r.All()
	out := make([]llm.ToolSpec, 0, len(tools))
	for _, t := range tools {
		out = append(out, llm.ToolSpec{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		})
	}
	return out
}

// Validate checks args against the tool's parameter schema.
func (r *Registry) Validate(name string, args json.RawMessage) error {
	r.mu.RLock()
	rt, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown tool %q", name)
	}
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	var value any
	if err := json.Unmarshal(args, &value); err != nil {
		return fmt.Errorf("invalid JSON arguments for tool %q: %w", name, err)
	}
	if rt.schema == nil {
		return nil
	}
	if err := rt.schema.Validate(value); err != nil {
		return fmt.Errorf("tool arguments validation failed for %q: %w", name, err)
	}
	return nil
}

func compileSchema(name string, params json.RawMessage) (*jsonschema.Schema, error) {
	if len(params) == 0 {
		return nil, nil
	}
	var schemaDoc any
	if err := json.Unmarshal(params, &schemaDoc); err != nil {
		return nil, fmt.Errorf("invalid JSON schema for tool %q: %w", name, err)
	}
	url := name + "-schema.json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, schemaDoc); err != nil {
		return nil, fmt.Errorf("invalid JSON schema for tool %q: %w", name, err)
	}
	schema, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile JSON schema for tool %q: %w", name, err)
	}
	return schema, nil
}
