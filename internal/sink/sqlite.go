package sink

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/taskmgr818/agena-batch/pkg/batch"
	"github.com/taskmgr818/agena-batch/pkg/model"
)

// RunSummary is one recorded batch run
type RunSummary struct {
	RunID      string
	Datasets   int
	Calculated int
	Failed     int
	Waves      int
	TotalWaste int64 // ms
	AvgCalc    int64 // ms
	Duration   time.Duration
	CreatedAt  time.Time
}

// SQLite stores results in a local SQLite database
type SQLite struct {
	conn *sql.DB
}

// NewSQLite opens (creating if needed) the database at dbPath
func NewSQLite(dbPath string) (*SQLite, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create db directory failed: %w", err)
		}
	}

	// WAL lets the dashboard read while a batch writes
	conn, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database failed: %w", err)
	}
	conn.SetMaxOpenConns(1)

	db := &SQLite{conn: conn}
	if err := db.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("init schema failed: %w", err)
	}
	return db, nil
}

func (db *SQLite) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		dataset_id TEXT NOT NULL,
		results TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_results_run ON results(run_id);

	CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		datasets INTEGER NOT NULL,
		calculated INTEGER NOT NULL,
		failed INTEGER NOT NULL,
		waves INTEGER NOT NULL,
		total_waste INTEGER NOT NULL,
		avg_calc INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL,
		created_at DATETIME NOT NULL
	);
	`

	_, err := db.conn.Exec(schema)
	return err
}

// Store inserts one calculated dataset
func (db *SQLite) Store(ctx context.Context, runID string, ds *model.CalculatedDataset) error {
	raw, err := json.Marshal(ds.Results)
	if err != nil {
		return fmt.Errorf("marshal results: %w", err)
	}

	_, err = db.conn.ExecContext(ctx, `
		INSERT INTO results (run_id, dataset_id, results, created_at)
		VALUES (?, ?, ?, ?)
	`, runID, ds.ID, string(raw), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert result %s: %w", ds.ID, err)
	}
	return nil
}

// RecordRun stores the summary of a finished run
func (db *SQLite) RecordRun(ctx context.Context, r *batch.Report) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT OR REPLACE INTO runs
			(run_id, datasets, calculated, failed, waves, total_waste, avg_calc, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.RunID, r.Datasets, len(r.Results), r.Stats.FailedJobs, r.Stats.Waves,
		r.Stats.TotalWaste, r.Stats.AverageCalculationTime, r.Duration.Milliseconds(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert run %s: %w", r.RunID, err)
	}
	return nil
}

// Results returns the stored datasets of a run in insertion order
func (db *SQLite) Results(ctx context.Context, runID string) ([]*model.CalculatedDataset, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT dataset_id, results FROM results WHERE run_id = ? ORDER BY id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query results: %w", err)
	}
	defer rows.Close()

	var out []*model.CalculatedDataset
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, err
		}
		ds := &model.CalculatedDataset{ID: id}
		if err := json.Unmarshal([]byte(raw), &ds.Results); err != nil {
			return nil, fmt.Errorf("decode results of %s: %w", id, err)
		}
		out = append(out, ds)
	}
	return out, rows.Err()
}

// Run returns the summary of a recorded run
func (db *SQLite) Run(ctx context.Context, runID string) (*RunSummary, error) {
	var s RunSummary
	var durationMs int64
	err := db.conn.QueryRowContext(ctx, `
		SELECT run_id, datasets, calculated, failed, waves, total_waste, avg_calc, duration_ms, created_at
		FROM runs WHERE run_id = ?
	`, runID).Scan(&s.RunID, &s.Datasets, &s.Calculated, &s.Failed, &s.Waves,
		&s.TotalWaste, &s.AvgCalc, &durationMs, &s.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("query run %s: %w", runID, err)
	}
	s.Duration = time.Duration(durationMs) * time.Millisecond
	return &s, nil
}

// Close closes the database connection
func (db *SQLite) Close() error {
	return db.conn.Close()
}
