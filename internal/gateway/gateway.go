// Package gateway runs prompts against per-session engines. Runs for one
// session are serialized; runs for different sessions share a concurrency
// limit.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/user/agentcore/internal/runtime"
	"github.com/user/agentcore/internal/types"
)

// ErrUnknownSession is returned by Abort for a session without an engine.
var ErrUnknownSession = errors.New("no engine for session")

// EngineFactory builds the engine for a session, typically resuming it from
// the persisted log. It is called once per session.
type EngineFactory func(ctx context.Context, sessionID types.SessionID) (*runtime.Engine, error)

// Gateway resolves sessions, owns one engine per session, and feeds runs to
// them through the Queue.
type Gateway struct {
	sessions types.SessionStore
	factory  EngineFactory
	model    string
	Queue    *Queue

	mu      sync.Mutex
	engines map[types.SessionID]*runtime.Engine

	ctx    context.Context
	cancel context.CancelFunc
}

// Options configures a Gateway.
type Options struct {
	Sessions      types.SessionStore
	Factory       EngineFactory
	Model         string
	MaxConcurrent int64
}

// New creates a Gateway. MaxConcurrent defaults to 2.
func New(opts Options) *Gateway {
	concurrency := opts.MaxConcurrent
	if concurrency <= 0 {
		concurrency = 2
	}
	g := &Gateway{
		sessions: opts.Sessions,
		factory:  opts.Factory,
		model:    opts.Model,
		Queue:    NewQueue(concurrency),
		engines:  make(map[types.SessionID]*runtime.Engine),
	}
	g.Queue.SetProcessor(g.process)
	return g
}

// Start initialises the gateway's context and starts the internal queue.
func (g *Gateway) Start(ctx context.Context) {
	g.ctx, g.cancel = context.WithCancel(ctx)
	g.Queue.Start(g.ctx)
}

// Stop aborts active runs, stops the queue, and waits for outstanding work.
func (g *Gateway) Stop() {
	g.mu.Lock()
	for _, e := range g.engines {
		e.Abort()
	}
	g.mu.Unlock()
	if g.cancel != nil {
		g.cancel()
	}
	g.Queue.Stop()
}

// RunOption configures optional behavior on a Run.
type RunOption func(*Run)

// WithOnComplete sets a callback invoked when the run finishes.
func WithOnComplete(fn func(*Run)) RunOption {
	return func(r *Run) { r.OnComplete = fn }
}

// Submit resolves or creates the session for key and enqueues prompt on it.
func (g *Gateway) Submit(ctx context.Context, key types.SessionKey, prompt string, opts ...RunOption) (*Run, error) {
	sessionID, err := g.sessions.ResolveOrCreate(ctx, key, g.model)
	if err != nil {
		return nil, fmt.Errorf("resolve session: %w", err)
	}
	return g.SubmitTo(sessionID, prompt, opts...)
}

// SubmitTo enqueues prompt on an existing session.
func (g *Gateway) SubmitTo(sessionID types.SessionID, prompt string, opts ...RunOption) (*Run, error) {
	run := NewRun(sessionID, prompt)
	for _, opt := range opts {
		opt(run)
	}
	if err := g.Queue.Enqueue(run); err != nil {
		return nil, err
	}
	return run, nil
}

// Abort interrupts the session's active run. Queued runs still execute.
func (g *Gateway) Abort(sessionID types.SessionID) error {
	g.mu.Lock()
	e, ok := g.engines[sessionID]
	g.mu.Unlock()
	if !ok {
		return ErrUnknownSession
	}
	e.Abort()
	return nil
}

// Engine returns the session's engine, building it on first use.
func (g *Gateway) Engine(ctx context.Context, sessionID types.SessionID) (*runtime.Engine, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if e, ok := g.engines[sessionID]; ok {
		return e, nil
	}
	e, err := g.factory(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("build engine for %s: %w", sessionID, err)
	}
	g.engines[sessionID] = e
	return e, nil
}

// Close runs SessionEnd on the session's engine, forgets it, and marks the
// session ended. An active session without a loaded engine is resumed first
// so it still gets a handoff.
func (g *Gateway) Close(ctx context.Context, sessionID types.SessionID, reason string) (types.HandoffID, error) {
	g.mu.Lock()
	e, ok := g.engines[sessionID]
	delete(g.engines, sessionID)
	g.mu.Unlock()

	sess, err := g.sessions.Get(ctx, sessionID)
	if !ok {
		if err != nil || sess.Status == types.SessionStatusEnded {
			return "", ErrUnknownSession
		}
		if e, err = g.factory(ctx, sessionID); err != nil {
			return "", fmt.Errorf("build engine for %s: %w", sessionID, err)
		}
	}

	id := e.End(ctx, reason)
	if sess != nil {
		sess.Status = types.SessionStatusEnded
		if err := g.sessions.Update(ctx, sess); err != nil {
			slog.Warn("mark session ended failed", "session_id", string(sessionID), "error", err)
		}
	}
	return id, nil
}

func (g *Gateway) process(run *Run) error {
	engine, err := g.Engine(run.Ctx, run.SessionID)
	if err != nil {
		return err
	}
	run.start()
	log := slog.With("run_id", string(run.ID), "session_id", string(run.SessionID))
	log.Info("processing run")

	res := engine.Run(run.Ctx, run.Prompt)
	if res.Err != nil && !res.Interrupted {
		log.Warn("run ended with error", "error", res.Err)
	}
	run.finish(res, nil)
	return nil
}
