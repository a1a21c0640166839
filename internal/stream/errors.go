package stream

import (
	"errors"
	"fmt"
)

// ErrNoResponse is returned when the provider stream closes without a done event.
var ErrNoResponse = errors.New("stream ended without a response")

// ErrAborted matches any *AbortedError via errors.Is.
var ErrAborted = errors.New("stream aborted")

// UpstreamError is a provider-reported failure.
type UpstreamError struct {
	Message   string
	Category  string
	Retryable bool
}

func (e *UpstreamError) Error() string {
	if e.Category == "" {
		return "upstream error: " + e.Message
	}
	return fmt.Sprintf("upstream error (%s): %s", e.Category, e.Message)
}

// AbortedError reports that the cancellation token was observed. Partial
// holds everything accumulated before the stop.
type AbortedError struct {
	Partial *TurnResult
	Cause   error
}

func (e *AbortedError) Error() string {
	if e.Cause != nil {
		return "stream aborted: " + e.Cause.Error()
	}
	return "stream aborted"
}

func (e *AbortedError) Is(target error) bool { return target == ErrAborted }

func (e *AbortedError) Unwrap() error { return e.Cause }

// Category names the failure class of err for events and results.
func Category(err error) string {
	var up *UpstreamError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAborted):
		return "aborted"
	case errors.Is(err, ErrNoResponse):
		return "no_response"
	case errors.As(err, &up):
		if up.Category != "" {
			return up.Category
		}
		return "upstream"
	default:
		return "unknown"
	}
}
