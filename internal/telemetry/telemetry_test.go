package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/user/agentcore/internal/bus"
)

func TestSubscriberCounts(t *testing.T) {
	s, err := NewSubscriber(noop.NewMeterProvider())
	require.NoError(t, err)

	b := bus.NewBus()
	s.Attach(b)
	b.Publish(bus.New(bus.TurnEnd, "s1", bus.TurnData{Turn: 1, Duration: time.Second, TTFT: 100 * time.Millisecond}))
	b.Publish(bus.New(bus.TurnEnd, "s1", bus.TurnData{Turn: 2}))
	b.Publish(bus.New(bus.ToolExecEnd, "s1", bus.ToolExecData{Name: "bash"}))
	b.Publish(bus.New(bus.HookCompleted, "s1", bus.HookData{Hook: "guard", Action: "block"}))
	b.Publish(bus.New(bus.HookCompleted, "s1", bus.HookData{Hook: "audit", Action: "continue"}))
	b.Publish(bus.New(bus.AgentInterrupted, "s1", bus.InterruptedData{Turn: 2}))
	b.Publish(bus.New(bus.APIRetry, "s1", bus.RetryData{Attempt: 1}))
	b.Publish(bus.New(bus.TurnFailed, "s1", bus.TurnFailedData{Category: "upstream"}))

	require.Equal(t, Stats{Turns: 2, ToolCalls: 1, Interrupts: 1, HookBlocks: 1, Retries: 1, Failures: 1}, s.Stats())
}

func TestStartSpan(t *testing.T) {
	ctx, span := StartSpan(context.Background(), "turn")
	require.NotNil(t, ctx)
	span.End()
}
