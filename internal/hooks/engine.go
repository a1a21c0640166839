package hooks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/user/agentcore/internal/bus"
)

type registered struct {
	def Definition
	seq uint64
}

// Engine keeps hooks per lifecycle type in execution order.
type Engine struct {
	mu    sync.RWMutex
	hooks map[Type][]registered
	seq   uint64
	bus   *bus.Bus
}

// NewEngine returns an empty engine. b may be nil.
func NewEngine(b *bus.Bus) *Engine {
	return &Engine{hooks: make(map[Type][]registered), bus: b}
}

// Register adds def. A definition with an existing name and type replaces
// the old one and keeps its registration position.
func (e *Engine) Register(def Definition) error {
	if def.Name == "" {
		return errors.New("hook name is required")
	}
	if def.Handler == nil {
		return fmt.Errorf("hook %s: handler is required", def.Name)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	list := e.hooks[def.Type]
	replaced := false
	for i := range list {
		if list[i].def.Name == def.Name {
			list[i].def = def
			replaced = true
			break
		}
	}
	if !replaced {
		e.seq++
		list = append(list, registered{def: def, seq: e.seq})
	}
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].def.Priority != list[j].def.Priority {
			return list[i].def.Priority > list[j].def.Priority
		}
		return list[i].seq < list[j].seq
	})
	e.hooks[def.Type] = list
	return nil
}

// Unregister removes the named hook from every type. It reports whether one was found.
func (e *Engine) Unregister(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	found := false
	for t, list := range e.hooks {
		kept := list[:0:0]
		for _, r := range list {
			if r.def.Name == name {
				found = true
				continue
			}
			kept = append(kept, r)
		}
		e.hooks[t] = kept
	}
	return found
}

// Hooks returns the definitions for t in execution order.
func (e *Engine) Hooks(t Type) []Definition {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Definition, len(e.hooks[t]))
	for i, r := range e.hooks[t] {
		out[i] = r.def
	}
	return out
}

// Trigger invokes every hook of type t in order and returns one Outcome per
// hook. A failing or panicking handler yields a continue outcome carrying a
// *HookError.
func (e *Engine) Trigger(ctx context.Context, t Type, hc *Context) []Outcome {
	if hc == nil {
		hc = &Context{}
	}
	hc.Type = t
	if hc.Timestamp.IsZero() {
		hc.Timestamp = time.Now()
	}
	defs := e.Hooks(t)
	outcomes := make([]Outcome, 0, len(defs))
	for _, def := range defs {
		e.publish(bus.HookTriggered, hc, bus.HookData{Hook: def.Name, HookType: string(t)})
		start := time.Now()
		res, err := invoke(ctx, def, hc)
		out := Outcome{Hook: def.Name, Duration: time.Since(start)}
		if err != nil {
			slog.Warn("hook failed", "hook", def.Name, "type", string(t), "session_id", string(hc.SessionID), "error", err)
			out.Err = &HookError{Hook: def.Name, Err: err}
			out.Result = Result{Action: ActionContinue}
		} else {
			out.Result = normalize(res)
		}
		data := bus.HookData{
			Hook:     def.Name,
			HookType: string(t),
			Action:   string(out.Result.Action),
			Reason:   out.Result.Reason,
		}
		if out.Err != nil {
			data.Err = out.Err.Error()
		}
		e.publish(bus.HookCompleted, hc, data)
		outcomes = append(outcomes, out)
	}
	return outcomes
}

func invoke(ctx context.Context, def Definition, hc *Context) (res *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return def.Handler(ctx, hc)
}

func normalize(res *Result) Result {
	if res == nil {
		return Result{Action: ActionContinue}
	}
	out := *res
	switch out.Action {
	case ActionBlock, ActionModify:
	default:
		out.Action = ActionContinue
	}
	return out
}

func (e *Engine) publish(t bus.EventType, hc *Context, data bus.HookData) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(bus.New(t, hc.SessionID, data))
}

// Decision is the combined verdict of one Trigger call.
type Decision struct {
	Action        Action
	Hook          string
	Reason        string
	Message       string
	Modifications map[string]any
}

// Blocked reports whether any hook blocked.
func (d Decision) Blocked() bool { return d.Action == ActionBlock }

// Aggregate folds outcomes: the first block wins; otherwise modifications are
// merged shallowly in execution order (later keys overwrite) and messages
// are joined with newlines.
func Aggregate(outcomes []Outcome) Decision {
	d := Decision{Action: ActionContinue}
	var messages []string
	for _, o := range outcomes {
		switch o.Result.Action {
		case ActionBlock:
			return Decision{Action: ActionBlock, Hook: o.Hook, Reason: o.Result.Reason, Message: o.Result.Message}
		case ActionModify:
			d.Action = ActionModify
			if d.Modifications == nil {
				d.Modifications = make(map[string]any)
			}
			maps.Copy(d.Modifications, o.Result.Modifications)
		}
		if o.Result.Message != "" {
			messages = append(messages, o.Result.Message)
		}
	}
	d.Message = strings.Join(messages, "\n")
	return d
}
