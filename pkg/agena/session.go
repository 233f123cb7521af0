// Package agena is the entry point of the client: a Session bundles the
// configuration, the token manager, the job submitter and the batch
// scheduler of one user. Sessions share nothing, so several can coexist in
// a process.
package agena

import (
	"context"
	"sync"

	"github.com/inconshreveable/log15"

	"github.com/taskmgr818/agena-batch/pkg/auth"
	"github.com/taskmgr818/agena-batch/pkg/batch"
	"github.com/taskmgr818/agena-batch/pkg/calc"
	"github.com/taskmgr818/agena-batch/pkg/config"
	"github.com/taskmgr818/agena-batch/pkg/model"
	"github.com/taskmgr818/agena-batch/pkg/transport"
)

// Session is one authenticated connection to the calculation service
type Session struct {
	log log15.Logger

	mu  sync.RWMutex
	cfg *config.Config

	client    *transport.Client
	exchanger *auth.HTTPExchanger
	auth      *auth.Manager
	submitter *calc.Submitter
	scheduler *batch.Scheduler
}

// NewSession creates a logged out session. cfg is copied; a nil cfg means
// config.Default().
func NewSession(cfg *config.Config, log log15.Logger) *Session {
	if cfg == nil {
		cfg = config.Default()
	}
	cfg = cfg.Clone()
	if log == nil {
		log = log15.New()
	}

	s := &Session{
		log:       log,
		cfg:       cfg,
		client:    transport.NewClient(cfg.API.HTTPTimeout(), cfg.API.DebugResponse),
		exchanger: auth.NewHTTPExchanger(cfg.Auth.TokenURL, cfg.API.HTTPTimeout()),
	}
	s.auth = auth.NewManager(cfg.Auth, s.exchanger, log.New("module", "auth"))
	s.submitter = calc.NewSubmitter(s.client, s.auth, cfg.API, log.New("module", "calc"))
	s.scheduler = batch.NewScheduler(s.submitter, cfg.API, log.New("module", "batch"))
	return s
}

// Init merges p into the configuration. Fields left nil keep their value,
// so repeated calls add up. The HTTP timeout only applies to new sessions.
func (s *Session) Init(p config.Patch) error {
	s.mu.Lock()
	next := s.cfg.Clone()
	next.Apply(p)
	if err := next.Validate(); err != nil {
		s.mu.Unlock()
		return err
	}
	s.cfg = next
	s.mu.Unlock()

	s.exchanger.SetTokenURL(next.Auth.TokenURL)
	s.client.SetDebugResponse(next.API.DebugResponse)
	s.auth.SetConfig(next.Auth)
	s.submitter.SetConfig(next.API)
	s.scheduler.SetConfig(next.API)
	return nil
}

// Config returns a copy of the current configuration
func (s *Session) Config() *config.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Clone()
}

// LogIn authenticates with the configured credentials, after applying the
// non-empty arguments on top of them. The refresh task lives until LogOut
// or the end of ctx.
func (s *Session) LogIn(ctx context.Context, username, password string) error {
	var p config.Patch
	if username != "" {
		p.Auth.Username = config.String(username)
	}
	if password != "" {
		p.Auth.Password = config.String(password)
	}
	if err := s.Init(p); err != nil {
		return err
	}

	cfg := s.Config()
	return s.auth.Login(ctx, model.Credentials{
		Username: cfg.Auth.Username,
		Password: cfg.Auth.Password,
		ClientID: cfg.Auth.ClientID,
	})
}

// LogOut stops the refresh task and forgets the credentials
func (s *Session) LogOut() {
	s.mu.Lock()
	s.cfg.Auth.Username = ""
	s.cfg.Auth.Password = ""
	s.mu.Unlock()

	s.auth.Logout()
}

// AccessToken returns a snapshot of the token state
func (s *Session) AccessToken() model.TokenState {
	return s.auth.Token()
}

// AuthState returns the token manager's lifecycle state
func (s *Session) AuthState() auth.State {
	return s.auth.State()
}

// Calculate runs one job to a terminal response
func (s *Session) Calculate(ctx context.Context, job *calc.Job) *model.CalculationResponse {
	return s.submitter.Calculate(ctx, job)
}

// CalculateBatch runs datasets through the adaptive scheduler
func (s *Session) CalculateBatch(ctx context.Context, datasets []*model.Dataset, opts batch.Options) *batch.Report {
	return s.scheduler.Run(ctx, datasets, opts)
}

// Close logs out
func (s *Session) Close() {
	s.LogOut()
}
