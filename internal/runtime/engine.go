// Package runtime implements the Turn Engine: one model call per turn, tool
// execution in model order, and the run loop around it.
package runtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	ctxengine "github.com/user/agentcore/internal/context"
	"github.com/user/agentcore/internal/bus"
	"github.com/user/agentcore/internal/cancel"
	"github.com/user/agentcore/internal/hooks"
	"github.com/user/agentcore/internal/memory"
	"github.com/user/agentcore/internal/reconstruct"
	"github.com/user/agentcore/internal/stream"
	"github.com/user/agentcore/internal/types"
	"github.com/user/agentcore/pkg/llm"
)

const (
	defaultMaxTurns          = 25
	defaultArtifactThreshold = 2000
	defaultPreserveRecent    = 4
	defaultInterruptGrace    = 3 * time.Second
)

// Options wires an Engine to its collaborators. Only SessionID and Provider
// are required.
type Options struct {
	SessionID types.SessionID
	Provider  llm.Provider
	Bus       *bus.Bus
	Hooks     *hooks.Engine
	Log       types.EventLog
	Artifacts types.ArtifactStore
	// Context counts tokens and trims requests to the model's window.
	Context *ctxengine.Engine
	// Trigger drives CompactIfNeeded between turns.
	Trigger *memory.CompactionTrigger
	// Summarize condenses history removed by compaction. Nil uses a
	// deterministic digest of the removed messages.
	Summarize func(ctx context.Context, removed []llm.Message) (string, error)

	Model        string
	SystemPrompt string
	WorkingDir   string
	MaxTokens    int

	MaxTurns          int
	ArtifactThreshold int
	PreserveRecent    int
	// InterruptGrace is how long a running tool may take to return after
	// the token fires before its result is dropped.
	InterruptGrace time.Duration
}

// State is a read-only snapshot of the engine.
type State struct {
	SessionID      types.SessionID
	Messages       []llm.Message
	CurrentTurn    int
	IsRunning      bool
	ReasoningLevel string
	PlanMode       reconstruct.PlanMode
}

// Engine runs turns for one session. Runs are sequential; Abort and GetState
// may be called from any goroutine.
type Engine struct {
	opts     Options
	bus      *bus.Bus
	hooks    *hooks.Engine
	registry *Registry
	proc     *stream.Processor

	runMu sync.Mutex

	mu             sync.Mutex
	messages       []llm.Message
	turn           int
	running        bool
	token          *cancel.Token
	activeTool     string
	partial        strings.Builder
	reasoningLevel string
	plan           reconstruct.PlanMode
	started        bool
	resumed        bool
	sessionContext string
	toolCalls      int
	lastText       string
	recentCommands []string
	usage          types.Usage
}

// New creates an idle engine.
func New(opts Options) *Engine {
	if opts.MaxTurns <= 0 {
		opts.MaxTurns = defaultMaxTurns
	}
	if opts.ArtifactThreshold <= 0 {
		opts.ArtifactThreshold = defaultArtifactThreshold
	}
	if opts.PreserveRecent <= 0 {
		opts.PreserveRecent = defaultPreserveRecent
	}
	if opts.InterruptGrace <= 0 {
		opts.InterruptGrace = defaultInterruptGrace
	}
	b := opts.Bus
	if b == nil {
		b = bus.NewBus()
	}
	h := opts.Hooks
	if h == nil {
		h = hooks.NewEngine(b)
	}
	e := &Engine{
		opts:     opts,
		bus:      b,
		hooks:    h,
		registry: NewRegistry(),
		plan:     reconstruct.PlanMode{BlockedTools: []string{}},
	}
	e.proc = stream.NewProcessor(opts.SessionID, b, e.currentToken)
	return e
}

func (e *Engine) currentToken() *cancel.Token {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.token
}

// SessionID returns the engine's session.
func (e *Engine) SessionID() types.SessionID { return e.opts.SessionID }

// Bus returns the bus the engine publishes on.
func (e *Engine) Bus() *bus.Bus { return e.bus }

// AddMessage appends msg to the conversation.
func (e *Engine) AddMessage(msg llm.Message) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.messages = append(e.messages, msg)
}

// ClearMessages empties the in-memory conversation.
func (e *Engine) ClearMessages() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.messages = nil
}

// RegisterTool adds or replaces a tool.
func (e *Engine) RegisterTool(t Tool) { e.registry.Register(t) }

// GetTool looks a tool up by name.
func (e *Engine) GetTool(name string) (Tool, bool) { return e.registry.Get(name) }

// Tools returns the engine's registry.
func (e *Engine) Tools() *Registry { return e.registry }

// RegisterHook adds a hook to the engine's hook engine.
func (e *Engine) RegisterHook(def hooks.Definition) error { return e.hooks.Register(def) }

// GetState returns a snapshot; the message slice is a copy.
func (e *Engine) GetState() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return State{
		SessionID:      e.opts.SessionID,
		Messages:       slices.Clone(e.messages),
		CurrentTurn:    e.turn,
		IsRunning:      e.running,
		ReasoningLevel: e.reasoningLevel,
		PlanMode:       clonePlan(e.plan),
	}
}

// Usage returns the cumulative token usage recorded by this engine.
func (e *Engine) Usage() types.Usage {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.usage
}

// Abort signals the token of the active Run or Turn, marks the engine idle
// and reports the interruption. It is a no-op when nothing is running.
func (e *Engine) Abort() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.token.Signal()
	e.running = false
	data := bus.InterruptedData{
		Turn:           e.turn,
		PartialContent: e.partial.String(),
		ActiveTool:     e.activeTool,
	}
	e.mu.Unlock()

	slog.Info("run aborted", "session_id", string(e.opts.SessionID), "turn", data.Turn, "active_tool", data.ActiveTool)
	e.bus.Publish(bus.New(bus.AgentInterrupted, e.opts.SessionID, data))
}

// SetReasoningLevel changes the level sent with requests and persists it.
func (e *Engine) SetReasoningLevel(ctx context.Context, level string) error {
	e.mu.Lock()
	prev := e.reasoningLevel
	e.reasoningLevel = level
	e.mu.Unlock()
	if prev == level {
		return nil
	}
	return e.record(ctx, types.EventReasoningLevel, types.ReasoningLevelPayload{PreviousLevel: prev, NewLevel: level})
}

// EnterPlanMode activates plan mode; blocked tools are refused until ExitPlanMode.
func (e *Engine) EnterPlanMode(ctx context.Context, skill string, blocked []string) error {
	e.mu.Lock()
	e.plan = reconstruct.PlanMode{IsActive: true, SkillName: skill, BlockedTools: slices.Clone(blocked)}
	if e.plan.BlockedTools == nil {
		e.plan.BlockedTools = []string{}
	}
	e.mu.Unlock()
	return e.record(ctx, types.EventPlanEntered, types.PlanEnteredPayload{SkillName: skill, BlockedTools: blocked})
}

// ExitPlanMode deactivates plan mode.
func (e *Engine) ExitPlanMode(ctx context.Context) error {
	e.mu.Lock()
	wasActive := e.plan.IsActive
	e.plan = reconstruct.PlanMode{BlockedTools: []string{}}
	e.mu.Unlock()
	if !wasActive {
		return nil
	}
	return e.record(ctx, types.EventPlanExited, nil)
}

func (e *Engine) blockedByPlan(tool string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.plan.IsActive && slices.Contains(e.plan.BlockedTools, tool)
}

// Resume restores state from a replayed log so the next run continues the
// session.
func (e *Engine) Resume(events []types.SessionEvent) reconstruct.State {
	st := reconstruct.Reconstruct(events)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.messages = slices.Clone(st.Messages)
	e.turn = st.CurrentTurn
	e.plan = clonePlan(st.PlanMode)
	e.reasoningLevel = st.ReasoningLevel
	e.usage = st.Usage
	e.resumed = len(events) > 0
	e.toolCalls = 0
	for _, m := range st.Messages {
		e.toolCalls += len(m.ToolCalls())
	}
	return st
}

// record persists one session event. Without a log it is a no-op.
func (e *Engine) record(ctx context.Context, eventType string, payload any) error {
	if e.opts.Log == nil {
		return nil
	}
	ev, err := types.NewSessionEvent(e.opts.SessionID, eventType, payload)
	if err != nil {
		return err
	}
	if err := e.opts.Log.Append(ctx, ev); err != nil {
		slog.Error("persist event failed", "session_id", string(e.opts.SessionID), "type", eventType, "error", err)
		return err
	}
	return nil
}

func (e *Engine) publish(t bus.EventType, data any) {
	e.bus.Publish(bus.New(t, e.opts.SessionID, data))
}

func (e *Engine) trigger(ctx context.Context, t hooks.Type, hc *hooks.Context) hooks.Decision {
	hc.SessionID = e.opts.SessionID
	return hooks.Aggregate(e.hooks.Trigger(ctx, t, hc))
}

func clonePlan(p reconstruct.PlanMode) reconstruct.PlanMode {
	p.BlockedTools = slices.Clone(p.BlockedTools)
	if p.BlockedTools == nil {
		p.BlockedTools = []string{}
	}
	return p
}

func decodeArgs(raw json.RawMessage) map[string]any {
	args := map[string]any{}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &args)
	}
	return args
}
