package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/taskmgr818/agena-batch/pkg/batch"
	"github.com/taskmgr818/agena-batch/pkg/model"
)

// ResultRecord is one calculated dataset row
type ResultRecord struct {
	ID        uint   `gorm:"primaryKey"`
	RunID     string `gorm:"index;size:64;not null"`
	DatasetID string `gorm:"size:255;not null"`
	Results   string `gorm:"type:text;not null"`
	CreatedAt time.Time
}

// RunRecord is one finished batch run
type RunRecord struct {
	RunID      string `gorm:"primaryKey;size:64"`
	Datasets   int
	Calculated int
	Failed     int
	Waves      int
	TotalWaste int64
	AvgCalc    int64
	DurationMs int64
	CreatedAt  time.Time
}

// Postgres stores results through GORM
type Postgres struct {
	db *gorm.DB
}

// NewPostgres opens the database and migrates the result tables
func NewPostgres(dsn string) (*Postgres, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetMaxIdleConns(2)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := db.AutoMigrate(&ResultRecord{}, &RunRecord{}); err != nil {
		return nil, err
	}
	return &Postgres{db: db}, nil
}

// Store inserts one calculated dataset. Writes are synchronous; the
// scheduler reports a failure against the dataset.
func (p *Postgres) Store(ctx context.Context, runID string, ds *model.CalculatedDataset) error {
	raw, err := json.Marshal(ds.Results)
	if err != nil {
		return fmt.Errorf("marshal results: %w", err)
	}
	rec := ResultRecord{
		RunID:     runID,
		DatasetID: ds.ID,
		Results:   string(raw),
		CreatedAt: time.Now(),
	}
	if err := p.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("insert result %s: %w", ds.ID, err)
	}
	return nil
}

// RecordRun upserts the summary of a finished run
func (p *Postgres) RecordRun(ctx context.Context, r *batch.Report) error {
	rec := RunRecord{
		RunID:      r.RunID,
		Datasets:   r.Datasets,
		Calculated: len(r.Results),
		Failed:     r.Stats.FailedJobs,
		Waves:      r.Stats.Waves,
		TotalWaste: r.Stats.TotalWaste,
		AvgCalc:    r.Stats.AverageCalculationTime,
		DurationMs: r.Duration.Milliseconds(),
		CreatedAt:  time.Now(),
	}
	if err := p.db.WithContext(ctx).Save(&rec).Error; err != nil {
		return fmt.Errorf("save run %s: %w", r.RunID, err)
	}
	return nil
}

// Results returns the stored datasets of a run in insertion order
func (p *Postgres) Results(ctx context.Context, runID string) ([]*model.CalculatedDataset, error) {
	var recs []ResultRecord
	if err := p.db.WithContext(ctx).Where("run_id = ?", runID).Order("id").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("query results: %w", err)
	}

	out := make([]*model.CalculatedDataset, 0, len(recs))
	for _, rec := range recs {
		ds := &model.CalculatedDataset{ID: rec.DatasetID}
		if err := json.Unmarshal([]byte(rec.Results), &ds.Results); err != nil {
			return nil, fmt.Errorf("decode results of %s: %w", rec.DatasetID, err)
		}
		out = append(out, ds)
	}
	return out, nil
}

// Close closes the connection pool
func (p *Postgres) Close() error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
