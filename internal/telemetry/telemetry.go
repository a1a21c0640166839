// Package telemetry exports Event Bus activity as OpenTelemetry metrics and
// wraps span creation for the turn engine.
package telemetry

import (
	"context"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/user/agentcore/internal/bus"
)

const instrumentationName = "github.com/user/agentcore"

// StartSpan starts a span on the global tracer provider.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(instrumentationName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// Stats is a point-in-time copy of the subscriber's counters.
type Stats struct {
	Turns      int64
	ToolCalls  int64
	Interrupts int64
	HookBlocks int64
	Retries    int64
	Failures   int64
}

// Subscriber records bus events into otel instruments.
type Subscriber struct {
	turns      metric.Int64Counter
	toolCalls  metric.Int64Counter
	interrupts metric.Int64Counter
	hookBlocks metric.Int64Counter
	retries    metric.Int64Counter
	failures   metric.Int64Counter
	ttft       metric.Float64Histogram
	turnTime   metric.Float64Histogram

	stats struct {
		turns, toolCalls, interrupts, hookBlocks, retries, failures atomic.Int64
	}
}

// NewSubscriber creates the instruments on mp, or on the global provider
// when mp is nil.
func NewSubscriber(mp metric.MeterProvider) (*Subscriber, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(instrumentationName)
	s := &Subscriber{}
	var err error
	if s.turns, err = meter.Int64Counter("agentcore.turns", metric.WithDescription("Completed turns")); err != nil {
		return nil, err
	}
	if s.toolCalls, err = meter.Int64Counter("agentcore.tool_calls", metric.WithDescription("Executed tool calls")); err != nil {
		return nil, err
	}
	if s.interrupts, err = meter.Int64Counter("agentcore.interrupts", metric.WithDescription("Aborted runs")); err != nil {
		return nil, err
	}
	if s.hookBlocks, err = meter.Int64Counter("agentcore.hook_blocks", metric.WithDescription("Hook invocations that blocked")); err != nil {
		return nil, err
	}
	if s.retries, err = meter.Int64Counter("agentcore.api_retries", metric.WithDescription("Provider retries")); err != nil {
		return nil, err
	}
	if s.failures, err = meter.Int64Counter("agentcore.turn_failures", metric.WithDescription("Failed turns")); err != nil {
		return nil, err
	}
	if s.ttft, err = meter.Float64Histogram("agentcore.ttft", metric.WithUnit("s"), metric.WithDescription("Time to first token")); err != nil {
		return nil, err
	}
	if s.turnTime, err = meter.Float64Histogram("agentcore.turn_duration", metric.WithUnit("s")); err != nil {
		return nil, err
	}
	return s, nil
}

// Attach subscribes s to b.
func (s *Subscriber) Attach(b *bus.Bus) bus.Handle {
	return b.Subscribe(s.Handle)
}

// Handle records one event.
func (s *Subscriber) Handle(ev bus.AgentEvent) {
	ctx := context.Background()
	switch ev.Type {
	case bus.TurnEnd:
		s.stats.turns.Add(1)
		s.turns.Add(ctx, 1)
		if d, ok := ev.Data.(bus.TurnData); ok {
			s.turnTime.Record(ctx, d.Duration.Seconds(), metric.WithAttributes(attribute.String("stop_reason", d.StopReason)))
			if d.TTFT > 0 {
				s.ttft.Record(ctx, d.TTFT.Seconds())
			}
		}
	case bus.TurnFailed:
		s.stats.failures.Add(1)
		category := ""
		if d, ok := ev.Data.(bus.TurnFailedData); ok {
			category = d.Category
		}
		s.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("category", category)))
	case bus.ToolExecEnd:
		s.stats.toolCalls.Add(1)
		if d, ok := ev.Data.(bus.ToolExecData); ok {
			s.toolCalls.Add(ctx, 1, metric.WithAttributes(attribute.String("tool", d.Name), attribute.Bool("error", d.IsError)))
		} else {
			s.toolCalls.Add(ctx, 1)
		}
	case bus.AgentInterrupted:
		s.stats.interrupts.Add(1)
		s.interrupts.Add(ctx, 1)
	case bus.HookCompleted:
		if d, ok := ev.Data.(bus.HookData); ok && d.Action == "block" {
			s.stats.hookBlocks.Add(1)
			s.hookBlocks.Add(ctx, 1, metric.WithAttributes(attribute.String("hook", d.Hook)))
		}
	case bus.APIRetry:
		s.stats.retries.Add(1)
		s.retries.Add(ctx, 1)
	}
}

// Stats returns the counts recorded so far.
func (s *Subscriber) Stats() Stats {
	return Stats{
		Turns:      s.stats.turns.Load(),
		ToolCalls:  s.stats.toolCalls.Load(),
		Interrupts: s.stats.interrupts.Load(),
		HookBlocks: s.stats.hookBlocks.Load(),
		Retries:    s.stats.retries.Load(),
		Failures:   s.stats.failures.Load(),
	}
}
