package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/user/agentcore/internal/runtime"
	"github.com/user/agentcore/internal/types"
)

// RunStatus represents the lifecycle state of a Run.
type RunStatus string

const (
	RunStatusQueued      RunStatus = "queued"
	RunStatusRunning     RunStatus = "running"
	RunStatusComplete    RunStatus = "complete"
	RunStatusFailed      RunStatus = "failed"
	RunStatusInterrupted RunStatus = "interrupted"
)

// Run tracks one prompt submitted to a session.
type Run struct {
	ID        types.RunID
	SessionID types.SessionID
	Prompt    string
	CreatedAt time.Time

	// Ctx is set by the queue before processing.
	Ctx        context.Context
	OnComplete func(*Run)

	mu        sync.Mutex
	status    RunStatus
	startedAt time.Time
	endedAt   time.Time
	result    *runtime.RunResult
	err       error
	done      chan struct{}
}

// NewRun creates a Run in the queued state.
func NewRun(sessionID types.SessionID, prompt string) *Run {
	return &Run{
		ID:        types.NewRunID(),
		SessionID: sessionID,
		Prompt:    prompt,
		CreatedAt: time.Now(),
		status:    RunStatusQueued,
		done:      make(chan struct{}),
	}
}

// Status returns the run's current state.
func (r *Run) Status() RunStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Result returns the engine result and the processing error, if any. Both
// are nil until the run finishes.
func (r *Run) Result() (*runtime.RunResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result, r.err
}

// Duration reports how long processing took.
func (r *Run) Duration() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.startedAt.IsZero() || r.endedAt.IsZero() {
		return 0
	}
	return r.endedAt.Sub(r.startedAt)
}

// Wait blocks until the run finishes or ctx is done.
func (r *Run) Wait(ctx context.Context) (*runtime.RunResult, error) {
	select {
	case <-r.done:
		return r.Result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Run) start() {
	r.mu.Lock()
	r.status = RunStatusRunning
	r.startedAt = time.Now()
	r.mu.Unlock()
}

// finish records the outcome once and fires OnComplete.
func (r *Run) finish(res *runtime.RunResult, err error) {
	r.mu.Lock()
	select {
	case <-r.done:
		r.mu.Unlock()
		return
	default:
	}
	r.result, r.err = res, err
	r.endedAt = time.Now()
	switch {
	case err != nil:
		r.status = RunStatusFailed
	case res.Interrupted:
		r.status = RunStatusInterrupted
	case !res.Success:
		r.status = RunStatusFailed
	default:
		r.status = RunStatusComplete
	}
	close(r.done)
	r.mu.Unlock()

	if r.OnComplete != nil {
		r.OnComplete(r)
	}
}
