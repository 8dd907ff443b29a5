package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the coordination instruments. All record helpers are safe on
// a nil receiver.
type Metrics struct {
	TaskDuration        metric.Float64Histogram
	TasksFinished       metric.Int64Counter
	ConsensusConfidence metric.Float64Histogram
	VotesCollected      metric.Int64Counter
	VoteFailures        metric.Int64Counter
	ConnectionsRejected metric.Int64Counter
	ConnectionsEvicted  metric.Int64Counter
	DeliveryFailures    metric.Int64Counter
	MessagesPublished   metric.Int64Counter
	ConflictsResolved   metric.Int64Counter
	RateLimitRejects    metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TaskDuration, err = meter.Float64Histogram("gofleet.task.duration",
		metric.WithDescription("Task processing duration from start to terminal state"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksFinished, err = meter.Int64Counter("gofleet.task.finished",
		metric.WithDescription("Tasks reaching a terminal state, by status"),
	)
	if err != nil {
		return nil, err
	}

	m.ConsensusConfidence, err = meter.Float64Histogram("gofleet.consensus.confidence",
		metric.WithDescription("Majority confidence of each consensus attempt"),
	)
	if err != nil {
		return nil, err
	}

	m.VotesCollected, err = meter.Int64Counter("gofleet.consensus.votes",
		metric.WithDescription("Votes collected, by vote value"),
	)
	if err != nil {
		return nil, err
	}

	m.VoteFailures, err = meter.Int64Counter("gofleet.consensus.vote_failures",
		metric.WithDescription("Vote calls that failed or timed out"),
	)
	if err != nil {
		return nil, err
	}

	m.ConnectionsRejected, err = meter.Int64Counter("gofleet.hub.rejected",
		metric.WithDescription("Connections refused at capacity"),
	)
	if err != nil {
		return nil, err
	}

	m.ConnectionsEvicted, err = meter.Int64Counter("gofleet.hub.evicted",
		metric.WithDescription("Connections evicted, by reason"),
	)
	if err != nil {
		return nil, err
	}

	m.DeliveryFailures, err = meter.Int64Counter("gofleet.pubsub.delivery_failures",
		metric.WithDescription("Subscriber deliveries that failed"),
	)
	if err != nil {
		return nil, err
	}

	m.MessagesPublished, err = meter.Int64Counter("gofleet.pubsub.published",
		metric.WithDescription("Messages delivered to subscribers, by topic"),
	)
	if err != nil {
		return nil, err
	}

	m.ConflictsResolved, err = meter.Int64Counter("gofleet.conflict.resolved",
		metric.WithDescription("Conflict reports resolved, by type and strategy"),
	)
	if err != nil {
		return nil, err
	}

	m.RateLimitRejects, err = meter.Int64Counter("gofleet.ratelimit.rejects",
		metric.WithDescription("Requests rejected by rate limiter"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Metrics) RecordTask(ctx context.Context, status string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(AttrTaskStatus.String(status))
	m.TasksFinished.Add(ctx, 1, attrs)
	m.TaskDuration.Record(ctx, d.Seconds(), attrs)
}

func (m *Metrics) RecordConsensus(ctx context.Context, decision string, confidence float64, votes map[string]int, failures int) {
	if m == nil {
		return
	}
	m.ConsensusConfidence.Record(ctx, confidence, metric.WithAttributes(AttrDecision.String(decision)))
	for v, n := range votes {
		m.VotesCollected.Add(ctx, int64(n), metric.WithAttributes(AttrVote.String(v)))
	}
	if failures > 0 {
		m.VoteFailures.Add(ctx, int64(failures))
	}
}

func (m *Metrics) RecordRejected(ctx context.Context) {
	if m == nil {
		return
	}
	m.ConnectionsRejected.Add(ctx, 1)
}

func (m *Metrics) RecordEvicted(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.ConnectionsEvicted.Add(ctx, 1, metric.WithAttributes(AttrReason.String(reason)))
}

func (m *Metrics) RecordPublish(ctx context.Context, topic string, delivered, failed int) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(AttrTopic.String(topic))
	m.MessagesPublished.Add(ctx, int64(delivered), attrs)
	if failed > 0 {
		m.DeliveryFailures.Add(ctx, int64(failed), attrs)
	}
}

func (m *Metrics) RecordConflict(ctx context.Context, conflictType, strategy string) {
	if m == nil {
		return
	}
	m.ConflictsResolved.Add(ctx, 1, metric.WithAttributes(
		attribute.String("gofleet.conflict.type", conflictType),
		attribute.String("gofleet.conflict.strategy", strategy),
	))
}

func (m *Metrics) RecordRateLimitReject(ctx context.Context) {
	if m == nil {
		return
	}
	m.RateLimitRejects.Add(ctx, 1)
}
