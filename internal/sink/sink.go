// Package sink persists calculated datasets as a batch produces them. A
// sink is wired as the scheduler's result hand-off, so a failed write is
// reported against its dataset instead of being dropped.
package sink

import (
	"context"
	"fmt"

	"github.com/taskmgr818/agena-batch/pkg/batch"
	"github.com/taskmgr818/agena-batch/pkg/config"
	"github.com/taskmgr818/agena-batch/pkg/model"
)

// Sink stores calculated datasets
type Sink interface {
	Store(ctx context.Context, runID string, ds *model.CalculatedDataset) error
	Close() error
}

// RunRecorder is implemented by sinks that also keep run summaries
type RunRecorder interface {
	RecordRun(ctx context.Context, report *batch.Report) error
}

// Open creates the sink selected by cfg.Kind. An empty kind means no sink
// and returns nil.
func Open(ctx context.Context, cfg config.Sink) (Sink, error) {
	switch cfg.Kind {
	case "":
		return nil, nil
	case "sqlite":
		return NewSQLite(cfg.Path)
	case "postgres":
		return NewPostgres(cfg.DSN)
	case "redis":
		return NewRedis(ctx, cfg)
	case "amqp":
		return NewAMQP(cfg.AMQPURL, cfg.Exchange)
	default:
		return nil, fmt.Errorf("unknown sink kind %q", cfg.Kind)
	}
}

// HandOff adapts a sink to batch.Options.OnResult for one run
func HandOff(s Sink, runID string) func(context.Context, *model.CalculatedDataset) error {
	return func(ctx context.Context, ds *model.CalculatedDataset) error {
		return s.Store(ctx, runID, ds)
	}
}
