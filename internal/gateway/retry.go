package gateway

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/user/agentcore/pkg/llm"
)

// RetryPolicy controls how retryable upstream failures are retried with
// exponential backoff.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
}

// DefaultRetryPolicy returns 3 attempts, 1s initial delay, 2x multiplier,
// 30s max delay.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: 1 * time.Second,
		Multiplier:   2.0,
		MaxDelay:     30 * time.Second,
	}
}

// ShouldRetry reports whether err is retryable and attempt has not reached
// MaxAttempts.
func (p *RetryPolicy) ShouldRetry(err error, attempt int) bool {
	if attempt >= p.MaxAttempts {
		return false
	}
	return isRetryable(err)
}

// isRetryable classifies errors. Stream errors carry their own flag;
// transport errors are classified by message, defaulting to retryable.
func isRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var se *llm.StreamError
	if errors.As(err, &se) {
		return se.Retryable
	}
	msg := strings.ToLower(err.Error())

	if strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "temporary failure") ||
		strings.Contains(msg, "overloaded") ||
		strings.Contains(msg, "rate limit") {
		return true
	}
	if strings.Contains(msg, "invalid") ||
		strings.Contains(msg, "unauthorized") ||
		strings.Contains(msg, "forbidden") {
		return false
	}
	return true
}

// category names the failure class reported in retry events.
func category(err error) string {
	var se *llm.StreamError
	if errors.As(err, &se) && se.Category != "" {
		return se.Category
	}
	return "transport"
}

// NextDelay returns the backoff delay for the given attempt number (1-indexed):
// InitialDelay * Multiplier^(attempt-1), capped at MaxDelay.
func (p *RetryPolicy) NextDelay(attempt int) time.Duration {
	delay := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

// Execute runs fn up to MaxAttempts times, sleeping between retries.
// It returns nil on success, the last error when attempts run out or the
// error is permanent, and ctx.Err() if ctx ends during a backoff.
func (p *RetryPolicy) Execute(ctx context.Context, fn func() error) error {
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !p.ShouldRetry(err, attempt) {
			return err
		}
		select {
		case <-time.After(p.NextDelay(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// RetryProvider retries a provider call when it fails before producing any
// output. Each retry is announced on the stream as a retry event so the
// Stream Processor can publish api_retry.
type RetryProvider struct {
	next   llm.Provider
	policy *RetryPolicy
}

// NewRetryProvider wraps next with policy. A nil policy uses the default.
func NewRetryProvider(next llm.Provider, policy *RetryPolicy) *RetryProvider {
	if policy == nil {
		policy = DefaultRetryPolicy()
	}
	return &RetryProvider{next: next, policy: policy}
}

func (r *RetryProvider) Stream(ctx context.Context, req *llm.Request) (<-chan llm.StreamEvent, error) {
	out := make(chan llm.StreamEvent)
	go func() {
		defer close(out)
		send := func(ev llm.StreamEvent) bool {
			select {
			case out <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for attempt := 1; ; attempt++ {
			forwarded, err := r.attempt(ctx, req, send)
			if err == nil || forwarded {
				return
			}
			if !r.policy.ShouldRetry(err, attempt) {
				var se *llm.StreamError
				if !errors.As(err, &se) {
					se = &llm.StreamError{Message: err.Error(), Category: "upstream"}
				}
				send(llm.StreamEvent{Type: llm.EventError, Err: se})
				return
			}
			delay := r.policy.NextDelay(attempt)
			slog.Warn("provider call failed, retrying", "attempt", attempt, "delay", delay, "error", err)
			if !send(llm.StreamEvent{Type: llm.EventRetry, Retry: &llm.RetryInfo{
				Attempt:    attempt,
				MaxRetries: r.policy.MaxAttempts - 1,
				DelayMs:    delay.Milliseconds(),
				Category:   category(err),
			}}) {
				return
			}
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// attempt runs one provider call. Events are buffered until the first one
// that is not an error, after which everything is forwarded and the call
// can no longer be retried. forwarded reports that the stream reached the
// caller; err is the failure seen before that point.
func (r *RetryProvider) attempt(ctx context.Context, req *llm.Request, send func(llm.StreamEvent) bool) (bool, error) {
	ch, err := r.next.Stream(ctx, req)
	if err != nil {
		return false, err
	}
	var held []llm.StreamEvent
	forwarding := false
	for ev := range ch {
		if forwarding {
			if !send(ev) {
				return true, nil
			}
			continue
		}
		switch ev.Type {
		case llm.EventStart:
			held = append(held, ev)
		case llm.EventError:
			for range ch {
			}
			if ev.Err == nil {
				return false, &llm.StreamError{Message: "provider reported an error", Category: "upstream"}
			}
			return false, ev.Err
		default:
			forwarding = true
			for _, h := range held {
				if !send(h) {
					return true, nil
				}
			}
			if !send(ev) {
				return true, nil
			}
		}
	}
	if !forwarding {
		for _, h := range held {
			send(h)
		}
	}
	return true, nil
}
