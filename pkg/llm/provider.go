package llm

import (
	"context"

	"golang.org/x/time/rate"
)

// Provider defines the interface for interacting with LLM backends.
// Implementations translate their wire protocol into the normalized
// StreamEvent vocabulary and close the channel after the terminal event.
type Provider interface {
	Stream(ctx context.Context, req *Request) (<-chan StreamEvent, error)
}

// Config holds common configuration for LLM providers.
type Config struct {
	BaseURL        string
	APIKey         string
	Model          string
	MaxTokens      int
	Temperature    float32
	ThinkingBudget int
	MaxRetries     int
}

// RateLimited wraps a Provider with a token-bucket limiter on stream starts.
type RateLimited struct {
	next    Provider
	limiter *rate.Limiter
}

// NewRateLimited allows rps stream starts per second with the given burst.
// A non-positive rps disables limiting.
func NewRateLimited(next Provider, rps float64, burst int) *RateLimited {
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimited{next: next, limiter: rate.NewLimiter(limit, burst)}
}

// Stream waits for limiter capacity, then delegates.
func (r *RateLimited) Stream(ctx context.Context, req *Request) (<-chan StreamEvent, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return r.next.Stream(ctx, req)
}
