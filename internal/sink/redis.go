package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/taskmgr818/agena-batch/pkg/batch"
	"github.com/taskmgr818/agena-batch/pkg/config"
	"github.com/taskmgr818/agena-batch/pkg/model"
)

// ResultsKey is the hash holding a run's results: "agena:run:{runID}:results"
func ResultsKey(runID string) string {
	return "agena:run:" + runID + ":results"
}

// ReportKey holds a run's JSON report: "agena:run:{runID}:report"
func ReportKey(runID string) string {
	return "agena:run:" + runID + ":report"
}

// Redis keeps each run's results in a hash keyed by dataset id
type Redis struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedis connects and pings the server
func NewRedis(ctx context.Context, cfg config.Sink) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &Redis{
		rdb: rdb,
		ttl: time.Duration(cfg.RedisTTL) * time.Second,
	}, nil
}

// Store sets one field of the run's hash and refreshes its expiry
func (r *Redis) Store(ctx context.Context, runID string, ds *model.CalculatedDataset) error {
	raw, err := json.Marshal(ds.Results)
	if err != nil {
		return fmt.Errorf("marshal results: %w", err)
	}

	key := ResultsKey(runID)
	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, ds.ID, raw)
		if r.ttl > 0 {
			pipe.Expire(ctx, key, r.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("hset %s: %w", key, err)
	}
	return nil
}

// RecordRun stores the run's report without its results
func (r *Redis) RecordRun(ctx context.Context, rep *batch.Report) error {
	summary := *rep
	summary.Results = nil
	raw, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	if err := r.rdb.Set(ctx, ReportKey(rep.RunID), raw, r.ttl).Err(); err != nil {
		return fmt.Errorf("set report %s: %w", rep.RunID, err)
	}
	return nil
}

// Results returns the stored datasets of a run, keyed by dataset id
func (r *Redis) Results(ctx context.Context, runID string) (map[string]*model.CalculatedDataset, error) {
	fields, err := r.rdb.HGetAll(ctx, ResultsKey(runID)).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall: %w", err)
	}

	out := make(map[string]*model.CalculatedDataset, len(fields))
	for id, raw := range fields {
		ds := &model.CalculatedDataset{ID: id}
		if err := json.Unmarshal([]byte(raw), &ds.Results); err != nil {
			return nil, fmt.Errorf("decode results of %s: %w", id, err)
		}
		out[id] = ds
	}
	return out, nil
}

// Close closes the client
func (r *Redis) Close() error {
	return r.rdb.Close()
}
