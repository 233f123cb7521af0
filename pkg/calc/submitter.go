// Package calc drives a single dataset through the calculation service:
// submit, then poll the job's polling URL until it is terminal.
package calc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/inconshreveable/log15"

	"github.com/taskmgr818/agena-batch/pkg/config"
	"github.com/taskmgr818/agena-batch/pkg/model"
	"github.com/taskmgr818/agena-batch/pkg/transport"
)

// TokenSource supplies the live access token; auth.Manager implements it
type TokenSource interface {
	AccessToken() string
}

// Sleeper waits d or until ctx is done
type Sleeper func(ctx context.Context, d time.Duration) error

// Job is one calculation request. Exactly one of Model, AppID or ModelPath
// normally identifies the model; Dataset wins over Observations.
type Job struct {
	Server       string          // defaults to api.server
	Model        json.RawMessage // sent only when it is a JSON object
	AppID        string
	ModelPath    string
	Dataset      *model.Dataset
	Observations []model.ObservationSummary
	Body         map[string]any // extra body fields, overridden by the ones above
	NoSyncWait   bool
	PollInterval time.Duration // defaults to api.poll_interval
	Headers      map[string]string

	// Interrupted stops the job before the next request when it returns true.
	Interrupted func() bool

	// ResolveToken overrides the live session token, e.g. to pin one.
	ResolveToken func() string
}

// Submitter sends jobs and polls them to completion
type Submitter struct {
	doer   transport.Doer
	tokens TokenSource
	sleep  Sleeper
	log    log15.Logger

	mu  sync.RWMutex
	cfg config.API
}

// NewSubmitter creates a submitter. tokens may be nil for unauthenticated
// use.
func NewSubmitter(doer transport.Doer, tokens TokenSource, cfg config.API, log log15.Logger) *Submitter {
	if log == nil {
		log = log15.New("module", "calc")
	}
	return &Submitter{
		doer:   doer,
		tokens: tokens,
		sleep:  sleepCtx,
		log:    log,
		cfg:    cfg,
	}
}

// SetConfig replaces the API configuration for subsequent jobs
func (s *Submitter) SetConfig(cfg config.API) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

// Config returns the current API configuration
func (s *Submitter) Config() config.API {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Calculate submits job and, when the service answers 202 with a polling
// URL, polls until the job is terminal. It never returns nil: failures are
// responses with Messages and a classified Err.
func (s *Submitter) Calculate(ctx context.Context, job *Job) *model.CalculationResponse {
	cfg := s.Config()

	body, err := s.buildBody(job)
	if err != nil {
		return model.NewErrorResponse(model.PreconditionError.Wrap(err), err.Error())
	}

	if interrupted(ctx, job) {
		return model.AbortedResponse()
	}

	server := job.Server
	if server == "" {
		server = cfg.Server
	}
	endpoint := strings.TrimRight(strings.TrimSpace(server), "/") + cfg.CalculatePath

	if cfg.Verbose(5) {
		s.log.Info("sending calculation", "url", endpoint, "dataset", datasetID(job))
	}
	// A request on the wire is never cut short by cancellation; ctx is
	// honoured at the next interruption check instead.
	resp := s.doer.Do(context.WithoutCancel(ctx), &transport.Request{
		Method:      http.MethodPost,
		URL:         endpoint,
		Headers:     transport.FilterHeaders(job.Headers),
		Body:        body,
		BearerToken: s.token(job),
	})

	if !resp.Pending() {
		return resp
	}

	interval := job.PollInterval
	if interval <= 0 {
		interval = cfg.PollEvery()
	}
	p := &poll{
		s:           s,
		job:         job,
		url:         resp.PollingURL,
		interval:    interval,
		maxAttempts: cfg.PollMaxAttempts,
		verbose:     cfg.Verbose(7),
	}
	return p.run(ctx)
}

// buildBody lays out the request body. Later fields override earlier ones.
func (s *Submitter) buildBody(job *Job) ([]byte, error) {
	body := make(map[string]any, len(job.Body)+5)
	for k, v := range job.Body {
		body[k] = v
	}

	if isObject(job.Model) {
		body["model"] = job.Model
	}
	if !job.NoSyncWait {
		body["sync-wait"] = true
	}
	if job.AppID != "" {
		body["appId"] = job.AppID
	}
	if job.ModelPath != "" {
		body["modelPath"] = job.ModelPath
	}

	switch {
	case job.Dataset != nil:
		body["dataSet"] = job.Dataset
	case job.Observations != nil:
		ds, err := model.CreateDataset(model.DefaultDatasetID, job.Observations)
		if err != nil {
			s.log.Error("dropping invalid observations", "err", err)
		}
		body["dataSet"] = ds
	}

	return json.Marshal(body)
}

// token applies the resolution rule: the job's resolver first, then the
// session's live token. Empty means no Authorization header.
func (s *Submitter) token(job *Job) string {
	if job.ResolveToken != nil {
		if t := job.ResolveToken(); t != "" {
			return t
		}
	}
	if s.tokens != nil {
		return s.tokens.AccessToken()
	}
	return ""
}

// ─────────────────────────────────────────────
// Polling
// ─────────────────────────────────────────────

// poll is the bounded iteration pending → success | error | exhausted |
// interrupted for one accepted job.
type poll struct {
	s           *Submitter
	job         *Job
	url         string
	interval    time.Duration
	maxAttempts int // 0 = unbounded
	verbose     bool
	attempt     int
}

func (p *poll) run(ctx context.Context) *model.CalculationResponse {
	for {
		resp, done := p.step(ctx)
		if done {
			return resp
		}
	}
}

// step waits one interval and issues one poll. It reports done once the
// job reached a terminal state.
func (p *poll) step(ctx context.Context) (*model.CalculationResponse, bool) {
	if interrupted(ctx, p.job) {
		return model.AbortedResponse(), true
	}
	if err := p.s.sleep(ctx, p.interval); err != nil {
		return model.AbortedResponse(), true
	}
	if interrupted(ctx, p.job) {
		return model.AbortedResponse(), true
	}

	if p.verbose {
		p.s.log.Info("polling", "attempt", p.attempt, "url", p.url)
	}
	resp := p.s.doer.Do(context.WithoutCancel(ctx), &transport.Request{
		Method:      http.MethodGet,
		URL:         p.url,
		BearerToken: p.s.token(p.job),
	})
	if resp.Code != http.StatusAccepted {
		return resp, true
	}

	p.attempt++
	if p.maxAttempts > 0 && p.attempt > p.maxAttempts {
		return exhausted(resp, p.maxAttempts), true
	}
	return nil, false
}

func exhausted(last *model.CalculationResponse, limit int) *model.CalculationResponse {
	msg := fmt.Sprintf("Maximum polling attempts (%d) reached", limit)
	out := *last
	out.Status = model.StatusError
	out.Messages = append([]string{msg}, last.Messages...)
	out.Message = msg
	out.PollingURL = ""
	out.Err = model.PollExhaustedError.New("%s", msg)
	return &out
}

// ─── helpers ───

func interrupted(ctx context.Context, job *Job) bool {
	if ctx.Err() != nil {
		return true
	}
	return job.Interrupted != nil && job.Interrupted()
}

func isObject(raw json.RawMessage) bool {
	b := bytes.TrimSpace(raw)
	return len(b) > 0 && b[0] == '{'
}

func datasetID(job *Job) string {
	if job.Dataset != nil {
		return job.Dataset.ID
	}
	return model.DefaultDatasetID
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
