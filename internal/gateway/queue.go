package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/user/agentcore/internal/types"
)

const laneCapacity = 100

// ErrQueueClosed is returned by Enqueue after Stop.
var ErrQueueClosed = errors.New("queue is stopped")

// Queue manages per-session lanes with a global concurrency semaphore.
// Runs within a session are processed strictly in order; the semaphore
// bounds how many sessions run at once.
type Queue struct {
	lanes     map[types.SessionID]chan *Run
	semaphore *semaphore.Weighted
	processor func(*Run) error
	active    atomic.Int64
	stopped   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.RWMutex
}

// NewQueue creates a Queue that allows up to maxConcurrent runs to execute
// simultaneously across all session lanes.
func NewQueue(maxConcurrent int64) *Queue {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Queue{
		lanes:     make(map[types.SessionID]chan *Run),
		semaphore: semaphore.NewWeighted(maxConcurrent),
	}
}

// Start initialises the queue's context. Must be called before Enqueue.
func (q *Queue) Start(ctx context.Context) {
	q.ctx, q.cancel = context.WithCancel(ctx)
}

// Stop cancels the queue context, closes all lanes, and waits for in-flight
// processors to finish. Runs still queued are failed.
func (q *Queue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
	q.mu.Lock()
	q.stopped = true
	for _, lane := range q.lanes {
		close(lane)
	}
	q.lanes = make(map[types.SessionID]chan *Run)
	q.mu.Unlock()
	q.wg.Wait()
}

// Enqueue adds a Run to its session's lane, creating the lane and its
// goroutine on first use.
func (q *Queue) Enqueue(run *Run) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped || q.ctx == nil {
		return ErrQueueClosed
	}

	lane, exists := q.lanes[run.SessionID]
	if !exists {
		lane = make(chan *Run, laneCapacity)
		q.lanes[run.SessionID] = lane
		q.wg.Add(1)
		go q.processLane(lane)
	}

	select {
	case lane <- run:
		return nil
	default:
		return fmt.Errorf("queue full for session %s", run.SessionID)
	}
}

// Pending returns the number of runs waiting in the session's lane.
func (q *Queue) Pending(sessionID types.SessionID) int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.lanes[sessionID])
}

func (q *Queue) processLane(lane chan *Run) {
	defer q.wg.Done()
	for run := range lane {
		if q.ctx.Err() != nil {
			run.finish(nil, q.ctx.Err())
			continue
		}
		if err := q.semaphore.Acquire(q.ctx, 1); err != nil {
			run.finish(nil, err)
			continue
		}
		q.active.Add(1)
		run.Ctx = q.ctx
		if q.processor != nil {
			if err := q.processor(run); err != nil {
				slog.Error("run failed", "run_id", string(run.ID), "session_id", string(run.SessionID), "error", err)
				run.finish(nil, err)
			}
		}
		q.active.Add(-1)
		q.semaphore.Release(1)
	}
}

// WaitIdle blocks until no runs are actively being processed, or the timeout
// expires. Returns true if idle, false if timed out.
func (q *Queue) WaitIdle(timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		if q.active.Load() == 0 {
			return true
		}
		select {
		case <-deadline:
			return false
		case <-time.After(20 * time.Millisecond):
		}
	}
}

// SetProcessor sets the function invoked for each dequeued Run.
func (q *Queue) SetProcessor(fn func(*Run) error) {
	q.processor = fn
}
