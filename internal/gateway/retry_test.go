package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/user/agentcore/pkg/llm"
	"github.com/user/agentcore/pkg/llm/llmtest"
)

func fastPolicy(attempts int) *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:  attempts,
		InitialDelay: time.Millisecond,
		Multiplier:   2,
		MaxDelay:     5 * time.Millisecond,
	}
}

func TestRetryPolicy(t *testing.T) {
	policy := DefaultRetryPolicy()

	if !policy.ShouldRetry(errors.New("connection refused"), 1) {
		t.Error("expected connection error to be retryable")
	}
	if policy.ShouldRetry(errors.New("error"), 3) {
		t.Error("should not retry after max attempts")
	}

	for attempt, want := range map[int]time.Duration{1: time.Second, 2: 2 * time.Second, 3: 4 * time.Second} {
		if got := policy.NextDelay(attempt); got != want {
			t.Errorf("attempt %d: expected %v, got %v", attempt, want, got)
		}
	}
}

func TestRetryPolicyClassification(t *testing.T) {
	policy := DefaultRetryPolicy()
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{context.Canceled, false},
		{errors.New("invalid request"), false},
		{errors.New("unauthorized"), false},
		{errors.New("forbidden"), false},
		{errors.New("server overloaded"), true},
		{&llm.StreamError{Message: "bad key", Category: "auth"}, false},
		{&llm.StreamError{Message: "slow down", Category: "rate_limit", Retryable: true}, true},
	}
	for _, tc := range cases {
		if got := policy.ShouldRetry(tc.err, 1); got != tc.want {
			t.Errorf("ShouldRetry(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestRetryPolicyMaxDelayCap(t *testing.T) {
	policy := &RetryPolicy{MaxAttempts: 10, InitialDelay: time.Second, Multiplier: 10, MaxDelay: 30 * time.Second}
	if delay := policy.NextDelay(5); delay != policy.MaxDelay {
		t.Errorf("expected delay capped at %v, got %v", policy.MaxDelay, delay)
	}
}

func TestRetryPolicyExecute(t *testing.T) {
	calls := 0
	err := fastPolicy(3).Execute(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("temporary failure")
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Errorf("expected success after 3 calls, got %v after %d", err, calls)
	}

	calls = 0
	err = fastPolicy(3).Execute(context.Background(), func() error {
		calls++
		return errors.New("invalid request")
	})
	if err == nil || calls != 1 {
		t.Errorf("expected 1 call for permanent error, got %d (%v)", calls, err)
	}

	calls = 0
	err = fastPolicy(2).Execute(context.Background(), func() error {
		calls++
		return errors.New("timeout")
	})
	if err == nil || calls != 2 {
		t.Errorf("expected 2 calls before giving up, got %d (%v)", calls, err)
	}
}

func TestRetryPolicyExecuteStopsOnContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := &RetryPolicy{MaxAttempts: 5, InitialDelay: time.Hour, Multiplier: 1, MaxDelay: time.Hour}
	err := policy.Execute(ctx, func() error {
		cancel()
		return errors.New("timeout")
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func collect(t *testing.T, ch <-chan llm.StreamEvent) []llm.StreamEvent {
	t.Helper()
	var out []llm.StreamEvent
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("stream did not close")
		}
	}
}

func TestRetryProviderRetriesEarlyFailures(t *testing.T) {
	inner := llmtest.New(
		llmtest.Script{Err: errors.New("connection reset")},
		llmtest.Events(llm.StreamEvent{Type: llm.EventStart}, llm.Failure("overloaded", "overloaded", true)),
		llmtest.TextResponse("hi"),
	)
	ch, err := NewRetryProvider(inner, fastPolicy(3)).Stream(context.Background(), &llm.Request{})
	if err != nil {
		t.Fatal(err)
	}
	evs := collect(t, ch)

	var retries []*llm.RetryInfo
	var text string
	for _, ev := range evs {
		switch ev.Type {
		case llm.EventRetry:
			retries = append(retries, ev.Retry)
		case llm.EventTextDelta:
			text += ev.Delta
		}
	}
	if len(retries) != 2 {
		t.Fatalf("expected 2 retry events, got %d", len(retries))
	}
	if retries[0].Category != "transport" || retries[1].Category != "overloaded" {
		t.Errorf("unexpected categories %q, %q", retries[0].Category, retries[1].Category)
	}
	if text != "hi" || evs[len(evs)-1].Type != llm.EventDone {
		t.Errorf("expected final response, got %+v", evs)
	}
	if len(inner.Requests()) != 3 {
		t.Errorf("expected 3 provider calls, got %d", len(inner.Requests()))
	}
}

func TestRetryProviderGivesUpOnPermanentError(t *testing.T) {
	inner := llmtest.New(llmtest.Events(llm.Failure("bad key", "auth", false)))
	ch, err := NewRetryProvider(inner, fastPolicy(3)).Stream(context.Background(), &llm.Request{})
	if err != nil {
		t.Fatal(err)
	}
	evs := collect(t, ch)
	if len(evs) != 1 || evs[0].Type != llm.EventError || evs[0].Err.Category != "auth" {
		t.Fatalf("expected a single auth error, got %+v", evs)
	}
}

func TestRetryProviderDoesNotRetryAfterOutput(t *testing.T) {
	inner := llmtest.New(
		llmtest.Events(llm.TextDelta("par"), llm.Failure("dropped", "overloaded", true)),
		llmtest.TextResponse("unused"),
	)
	ch, err := NewRetryProvider(inner, fastPolicy(3)).Stream(context.Background(), &llm.Request{})
	if err != nil {
		t.Fatal(err)
	}
	evs := collect(t, ch)
	if len(evs) != 2 || evs[1].Type != llm.EventError {
		t.Fatalf("expected the failure to pass through, got %+v", evs)
	}
	if len(inner.Requests()) != 1 {
		t.Errorf("expected a single provider call, got %d", len(inner.Requests()))
	}
}
