// Package cancel provides the cancellation token shared by one run.
package cancel

import (
	"context"
	"sync"
)

// Token is a one-shot cancellation flag. It is created once per run and
// shared by pointer with the stream processor and every tool invocation.
type Token struct {
	once sync.Once
	done chan struct{}
}

// New returns an unsignaled token.
func New() *Token {
	return &Token{done: make(chan struct{})}
}

// Signal marks the token as signaled. Calling it more than once is a no-op.
func (t *Token) Signal() {
	t.once.Do(func() { close(t.done) })
}

// IsSignaled reports whether Signal has been called.
func (t *Token) IsSignaled() bool {
	if t == nil {
		return false
	}
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Done returns a channel closed when the token is signaled. A nil token
// returns a nil channel, which blocks forever in a select.
func (t *Token) Done() <-chan struct{} {
	if t == nil {
		return nil
	}
	return t.done
}

// Context derives a context that is cancelled when the token is signaled or
// the parent is done. The returned CancelFunc must be called to release the
// watcher goroutine.
func (t *Token) Context(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	if t == nil {
		return ctx, cancel
	}
	go func() {
		select {
		case <-t.done:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
