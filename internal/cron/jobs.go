package cron

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/go-fleet/internal/conflict"
	"github.com/basket/go-fleet/internal/history"
	"github.com/basket/go-fleet/internal/metrics"
	"github.com/basket/go-fleet/internal/protocol"
)

// Publisher delivers an envelope to the subscribers of a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, env protocol.Envelope) int
}

// MetricsBroadcast publishes a system_metrics snapshot to its topic.
func MetricsBroadcast(spec string, snapshot metrics.SnapshotFunc, pub Publisher) Job {
	return Job{
		Name: "system_metrics",
		Spec: spec,
		Run: func(ctx context.Context) error {
			env, err := protocol.New(protocol.TypeSystemMetrics, snapshot())
			if err != nil {
				return err
			}
			pub.Publish(ctx, protocol.TopicSystemMetrics, env)
			return nil
		},
	}
}

// TaskPruner drops terminal tasks older than a cutoff.
type TaskPruner interface {
	Prune(cutoff time.Time) int
}

// HistoryPruner purges persisted rows older than a cutoff.
type HistoryPruner interface {
	RunRetention(ctx context.Context, cutoff time.Time) (history.RetentionResult, error)
}

// RetentionConfig configures the retention job. A zero age keeps data forever.
type RetentionConfig struct {
	Tasks      TaskPruner
	TaskAge    time.Duration
	History    HistoryPruner
	HistoryAge time.Duration
	Logger     *slog.Logger
	Now        func() time.Time
}

// Retention prunes in-memory tasks and history rows.
func Retention(spec string, cfg RetentionConfig) Job {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return Job{
		Name: "retention",
		Spec: spec,
		Run: func(ctx context.Context) error {
			now := cfg.Now()
			if cfg.Tasks != nil && cfg.TaskAge > 0 {
				if n := cfg.Tasks.Prune(now.Add(-cfg.TaskAge)); n > 0 {
					cfg.Logger.Info("retention: pruned tasks", "count", n)
				}
			}
			if cfg.History != nil && cfg.HistoryAge > 0 {
				res, err := cfg.History.RunRetention(ctx, now.Add(-cfg.HistoryAge))
				if err != nil {
					return fmt.Errorf("history retention: %w", err)
				}
				cfg.Logger.Info("retention: purged history",
					"tasks", res.PurgedTasks,
					"task_events", res.PurgedTaskEvents,
					"connection_events", res.PurgedConnectionEvents,
				)
			}
			return nil
		},
	}
}

// ConflictSummary is the part of the resolver the report job reads.
type ConflictSummary interface {
	Summary() conflict.Summary
}

// ConflictReport logs the resolver summary and publishes it on the
// conflicts topic when pub is non-nil.
func ConflictReport(spec string, src ConflictSummary, pub Publisher, logger *slog.Logger) Job {
	if logger == nil {
		logger = slog.Default()
	}
	return Job{
		Name: "conflict_report",
		Spec: spec,
		Run: func(ctx context.Context) error {
			sum := src.Summary()
			logger.Info("conflict report",
				"total", sum.Total,
				"successful", sum.Successful,
				"success_rate", sum.SuccessRate,
			)
			if pub == nil || sum.Total == 0 {
				return nil
			}
			env, err := protocol.New(protocol.TypeNotification, protocol.NotificationData{
				Title:   "conflict report",
				Message: fmt.Sprintf("%d conflicts, %.0f%% resolved", sum.Total, sum.SuccessRate*100),
				Level:   "info",
			})
			if err != nil {
				return err
			}
			pub.Publish(ctx, protocol.TopicConflicts, env)
			return nil
		},
	}
}
