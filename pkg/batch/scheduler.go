// Package batch runs many calculations against the service with a
// self-tuning degree of parallelism. Datasets are sent in waves; each wave
// waits for all of its members, and the size of the next wave follows the
// latency the service reported for the completed jobs.
package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/inconshreveable/log15"

	"github.com/taskmgr818/agena-batch/pkg/calc"
	"github.com/taskmgr818/agena-batch/pkg/config"
	"github.com/taskmgr818/agena-batch/pkg/model"
)

// Calculator runs one job to a terminal response; calc.Submitter
// implements it.
type Calculator interface {
	Calculate(ctx context.Context, job *calc.Job) *model.CalculationResponse
}

// Observer follows a run's progress. Calls may come from several
// goroutines at once.
type Observer interface {
	RunStarted(runID string, datasets int)
	JobFinished(runID string, ev JobEvent)
	RunFinished(report *Report)
}

// JobEvent describes one finished dataset
type JobEvent struct {
	Index        int           `json:"index"`
	Wave         int           `json:"wave"`
	DatasetID    string        `json:"datasetId"`
	Succeeded    bool          `json:"succeeded"`
	Calculation  model.Millis  `json:"calculation"`
	Turnaround   model.Millis  `json:"turnaround"`
	Waste        int64         `json:"waste"`
	PollInterval time.Duration `json:"pollInterval"`
	Stats        Stats         `json:"stats"`
}

// Options are the per-run inputs besides the datasets
type Options struct {
	// RunID names the run in reports and sinks; a random UUID when empty.
	RunID string

	Server    string
	Model     json.RawMessage
	AppID     string
	ModelPath string
	Headers   map[string]string

	Interrupted  func() bool
	ResolveToken func() string

	// Errors, when set, receives one entry per failed dataset and per
	// failed hand-off. Without it failed datasets are only logged.
	Errors *[]DatasetError

	// RawResponses, when set, receives every terminal response by dataset id.
	RawResponses map[string]*model.CalculationResponse

	// OnResult is called once per calculated dataset, never concurrently.
	// A returned error is reported through Errors; the result is kept.
	OnResult func(ctx context.Context, ds *model.CalculatedDataset) error

	Observer Observer
}

// DatasetError is a dataset that failed to calculate or to be handed off
type DatasetError struct {
	ID       string   `json:"id"`
	Aborted  bool     `json:"aborted,omitempty"`
	HandOff  bool     `json:"handOff,omitempty"`
	Messages []string `json:"messages"`
	Err      error    `json:"-"`
}

func (e DatasetError) Error() string {
	what := "calculation aborted"
	if e.HandOff {
		what = "hand-off failed"
	}
	if len(e.Messages) == 0 {
		return fmt.Sprintf("Dataset %s %s", e.ID, what)
	}
	return fmt.Sprintf("Dataset %s %s: %s", e.ID, what, strings.Join(e.Messages, "; "))
}

func (e DatasetError) Unwrap() error { return e.Err }

// Report is the outcome of a run. Results are in completion order.
type Report struct {
	RunID    string                     `json:"runId"`
	Datasets int                        `json:"datasets"`
	Results  []*model.CalculatedDataset `json:"results"`
	Stats    Stats                      `json:"stats"`
	Duration time.Duration              `json:"duration"`
}

// Scheduler runs batches through a Calculator
type Scheduler struct {
	calc Calculator
	log  log15.Logger
	now  func() time.Time

	mu  sync.RWMutex
	cfg config.API
}

// NewScheduler creates a scheduler; cfg only drives debug output
func NewScheduler(c Calculator, cfg config.API, log log15.Logger) *Scheduler {
	if log == nil {
		log = log15.New("module", "batch")
	}
	return &Scheduler{
		calc: c,
		log:  log,
		now:  time.Now,
		cfg:  cfg,
	}
}

// SetConfig replaces the API configuration for subsequent runs
func (s *Scheduler) SetConfig(cfg config.API) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

// Run calculates every dataset and returns the successes. A failing
// dataset never stops the run.
func (s *Scheduler) Run(ctx context.Context, datasets []*model.Dataset, opts Options) *Report {
	s.mu.RLock()
	cfg := s.cfg
	s.mu.RUnlock()

	if opts.RunID == "" {
		opts.RunID = uuid.New().String()
	}
	r := &run{
		s:     s,
		cfg:   cfg,
		opts:  opts,
		id:    opts.RunID,
		start: s.now(),
		stats: newStats(),
	}
	r.log = s.log.New("run", r.id)

	if cfg.Verbose(4) {
		r.log.Info("calculating batch", "datasets", len(datasets))
	}
	if opts.Observer != nil {
		opts.Observer.RunStarted(r.id, len(datasets))
	}

	for next := 0; next < len(datasets); {
		r.mu.Lock()
		size := r.stats.JobsToSchedule
		interval := r.stats.PollInterval()
		wave := r.stats.Waves
		r.mu.Unlock()

		end := min(next+size, len(datasets))
		if cfg.Verbose(5) {
			r.log.Info("scheduling wave", "wave", wave, "datasets", end-next, "from", next, "poll_interval", interval)
		}

		var wg sync.WaitGroup
		for i := next; i < end; i++ {
			i := i
			wg.Add(1)
			go func() {
				defer wg.Done()
				r.job(ctx, i, wave, datasets[i], interval)
			}()
		}
		wg.Wait()

		r.mu.Lock()
		r.stats.Waves++
		r.mu.Unlock()
		next = end
	}

	report := &Report{
		RunID:    r.id,
		Datasets: len(datasets),
		Results:  r.results,
		Stats:    r.stats.snapshot(),
		Duration: s.now().Sub(r.start),
	}
	if report.Results == nil {
		report.Results = []*model.CalculatedDataset{}
	}
	r.summary(report)

	if opts.Observer != nil {
		opts.Observer.RunFinished(report)
	}
	return report
}

// run is the state of one Run call
type run struct {
	s     *Scheduler
	cfg   config.API
	opts  Options
	id    string
	start time.Time
	log   log15.Logger

	mu      sync.Mutex
	stats   Stats
	results []*model.CalculatedDataset

	handOffMu sync.Mutex
}

func (r *run) job(ctx context.Context, index, wave int, ds *model.Dataset, interval time.Duration) {
	started := r.s.now()
	resp := r.s.calc.Calculate(ctx, &calc.Job{
		Server:       r.opts.Server,
		Model:        r.opts.Model,
		AppID:        r.opts.AppID,
		ModelPath:    r.opts.ModelPath,
		Dataset:      ds,
		PollInterval: interval,
		Headers:      r.opts.Headers,
		Interrupted:  r.opts.Interrupted,
		ResolveToken: r.opts.ResolveToken,
	})
	wall := r.s.now().Sub(started).Milliseconds()

	ev := JobEvent{
		Index:        index,
		Wave:         wave,
		DatasetID:    ds.ID,
		Succeeded:    resp.Succeeded(),
		Calculation:  resp.CalculationTime(),
		PollInterval: interval,
	}
	if resp.Duration != nil {
		ev.Turnaround = resp.Duration.Turnaround
	}

	r.mu.Lock()
	ds.Done = true
	if r.opts.RawResponses != nil {
		r.opts.RawResponses[ds.ID] = resp
	}

	if !resp.Succeeded() {
		r.stats.FailedJobs++
		derr := DatasetError{
			ID:       ds.ID,
			Aborted:  model.InterruptedError.Contains(resp.Err),
			Messages: resp.Messages,
			Err:      resp.Failure(),
		}
		r.addError(derr)
		ev.Stats = r.stats.snapshot()
		r.mu.Unlock()

		if derr.Aborted {
			r.log.Error("dataset aborted by requester", "dataset", ds.ID)
		} else {
			r.log.Error("dataset failed to calculate", "dataset", ds.ID, "messages", resp.Messages)
		}
		r.observe(ev)
		return
	}

	if ev.Turnaround.Valid {
		ev.Waste = wall - ev.Turnaround.Value
	}
	r.stats.record(ev.Calculation, resp.WaitTime(), ev.Waste)
	out := &model.CalculatedDataset{ID: ds.ID, Results: resp.Results}
	r.results = append(r.results, out)
	ev.Stats = r.stats.snapshot()
	r.mu.Unlock()

	if r.cfg.Verbose(4) {
		st := ev.Stats
		r.log.Info("dataset calculated",
			"i", index, "batch", wave, "dataset", ds.ID,
			"calc_ms", ev.Calculation.Value, "turn_ms", ev.Turnaround.Value, "wasted", ev.Waste,
			"polling", interval.Milliseconds(),
			"avg_clc", st.AverageCalculationTime, "avg_w8", st.AverageRecentWaitTime,
			"nbs", st.JobsToSchedule, "t_calc", st.CompletedTime,
			"t_dur", r.s.now().Sub(r.start).Milliseconds())
	}

	// a result that made it back is stored even when the run is being cancelled
	r.handOff(context.WithoutCancel(ctx), out)
	r.observe(ev)
}

// handOff passes a result to OnResult, one call at a time
func (r *run) handOff(ctx context.Context, ds *model.CalculatedDataset) {
	if r.opts.OnResult == nil {
		return
	}

	r.handOffMu.Lock()
	err := r.opts.OnResult(ctx, ds)
	r.handOffMu.Unlock()
	if err == nil {
		return
	}

	r.log.Error("result hand-off failed", "dataset", ds.ID, "err", err)
	r.mu.Lock()
	r.addError(DatasetError{
		ID:       ds.ID,
		HandOff:  true,
		Messages: []string{err.Error()},
		Err:      model.HandOffError.Wrap(err),
	})
	r.mu.Unlock()
}

// addError must be called with r.mu held
func (r *run) addError(e DatasetError) {
	if r.opts.Errors != nil {
		*r.opts.Errors = append(*r.opts.Errors, e)
	}
}

func (r *run) observe(ev JobEvent) {
	if r.opts.Observer != nil {
		r.opts.Observer.JobFinished(r.id, ev)
	}
}

func (r *run) summary(rep *Report) {
	if !r.cfg.Verbose(2) {
		return
	}
	st := rep.Stats
	r.log.Info("batch calculation finished",
		"datasets", rep.Datasets,
		"calculated", len(rep.Results),
		"failed", st.FailedJobs,
		"waves", st.Waves,
		"total_time", rep.Duration.Round(time.Millisecond),
		"total_waste_ms", st.TotalWaste,
		"avg_calc_ms", st.AverageCalculationTime,
		"longest_calc_ms", st.LongestCalculationTime,
		"shortest_calc_ms", st.ShortestCalculationTime)
}
