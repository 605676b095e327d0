package otel

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
)

var (
	initMetricsOnce      sync.Once
	storyAttemptsCounter metric.Int64Counter
	agentTurnDuration    metric.Float64Histogram
	loopTransitions      metric.Int64Counter
	trackerOpsCounter    metric.Int64Counter
	busEventsCounter     metric.Int64Counter
	busDroppedCounter    metric.Int64Counter
	sseConnectionsGauge  metric.Int64ObservableGauge
	sseConnections       int64
	sseConnectionsMu     sync.Mutex
)

// InitMetrics creates the meter instruments. Safe to call multiple times; only runs once.
// Call after InitMeterProvider.
func InitMetrics(ctx context.Context) error {
	var err error
	initMetricsOnce.Do(func() {
		m := Meter()
		storyAttemptsCounter, err = m.Int64Counter("maude_story_attempts_total", metric.WithDescription("Story attempts by outcome"))
		if err != nil {
			return
		}
		agentTurnDuration, err = m.Float64Histogram("maude_agent_turn_duration_seconds", metric.WithDescription("Agent turn duration in seconds"))
		if err != nil {
			return
		}
		loopTransitions, err = m.Int64Counter("maude_loop_transitions_total", metric.WithDescription("Loop status transitions by target status"))
		if err != nil {
			return
		}
		trackerOpsCounter, err = m.Int64Counter("maude_tracker_operations_total", metric.WithDescription("Issue tracker calls by provider, operation and outcome"))
		if err != nil {
			return
		}
		busEventsCounter, err = m.Int64Counter("maude_bus_events_total", metric.WithDescription("Loop events published"))
		if err != nil {
			return
		}
		busDroppedCounter, err = m.Int64Counter("maude_bus_dropped_total", metric.WithDescription("Loop events dropped for slow subscribers"))
		if err != nil {
			return
		}
		sseConnectionsGauge, err = m.Int64ObservableGauge("maude_sse_connections", metric.WithDescription("Current SSE subscriber count"))
		if err != nil {
			return
		}
		_, err = m.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
			sseConnectionsMu.Lock()
			n := sseConnections
			sseConnectionsMu.Unlock()
			o.ObserveInt64(sseConnectionsGauge, n)
			return nil
		}, sseConnectionsGauge)
	})
	return err
}

// RecordStoryAttempt records one finished story attempt and how long the agent turn took.
func RecordStoryAttempt(ctx context.Context, outcome string, duration time.Duration) {
	if storyAttemptsCounter != nil {
		storyAttemptsCounter.Add(ctx, 1, metric.WithAttributes(AttrOutcome.String(outcome)))
	}
	if agentTurnDuration != nil && duration > 0 {
		agentTurnDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(AttrOutcome.String(outcome)))
	}
}

// RecordLoopTransition records a loop entering status.
func RecordLoopTransition(ctx context.Context, status string) {
	if loopTransitions != nil {
		loopTransitions.Add(ctx, 1, metric.WithAttributes(AttrStatus.String(status)))
	}
}

// RecordTrackerOp records a provider call; ok is false when it returned an error.
func RecordTrackerOp(ctx context.Context, provider, op string, ok bool) {
	if trackerOpsCounter == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	trackerOpsCounter.Add(ctx, 1, metric.WithAttributes(
		AttrProvider.String(provider),
		AttrOperation.String(op),
		AttrOutcome.String(result),
	))
}

// RecordBusEvent records one published loop event.
func RecordBusEvent(ctx context.Context, eventType string) {
	if busEventsCounter != nil {
		busEventsCounter.Add(ctx, 1, metric.WithAttributes(AttrEventType.String(eventType)))
	}
}

// RecordBusDrop records an event a slow subscriber did not receive.
func RecordBusDrop(ctx context.Context) {
	if busDroppedCounter != nil {
		busDroppedCounter.Add(ctx, 1)
	}
}

// AddSSEConnection adds 1 to the SSE connection gauge (call on subscribe).
func AddSSEConnection() {
	sseConnectionsMu.Lock()
	sseConnections++
	sseConnectionsMu.Unlock()
}

// RemoveSSEConnection subtracts 1 from the SSE connection gauge (call on unsubscribe).
func RemoveSSEConnection() {
	sseConnectionsMu.Lock()
	sseConnections--
	if sseConnections < 0 {
		sseConnections = 0
	}
	sseConnectionsMu.Unlock()
}

// StoryCountFunc returns story counts keyed by status. Used for the maude_stories gauge.
type StoryCountFunc func(ctx context.Context) (map[string]int64, error)

// InitMetricsWithStoryCount creates instruments and optionally registers a callback for the
// stories-by-status gauge. Call after InitMeterProvider. If count is nil, the gauge is not reported.
func InitMetricsWithStoryCount(ctx context.Context, count StoryCountFunc) error {
	if err := InitMetrics(ctx); err != nil {
		return err
	}
	if count == nil {
		return nil
	}
	m := Meter()
	storiesGauge, err := m.Int64ObservableGauge("maude_stories", metric.WithDescription("Number of stories by status"))
	if err != nil {
		return err
	}
	_, err = m.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		counts, err := count(ctx)
		if err != nil {
			return err
		}
		for status, n := range counts {
			o.ObserveInt64(storiesGauge, n, metric.WithAttributes(AttrStatus.String(status)))
		}
		return nil
	}, storiesGauge)
	return err
}
