// Package auth keeps a session's bearer token valid. A Manager logs in with
// the password grant and then runs a refresh task that silently renews the
// access token before it expires.
package auth

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"time"

	"github.com/inconshreveable/log15"

	"github.com/taskmgr818/agena-batch/pkg/config"
	"github.com/taskmgr818/agena-batch/pkg/model"
)

// State is the lifecycle state of a Manager
type State string

const (
	StateLoggedOut      State = "LoggedOut"
	StateAuthenticating State = "Authenticating"
	StateAuthenticated  State = "Authenticated"
	StateRefreshFailed  State = "RefreshFailed"
)

// Manager owns the credentials, the token state and the refresh task of
// one session.
type Manager struct {
	exchanger Exchanger
	now       func() time.Time
	log       log15.Logger

	mu        sync.RWMutex
	cfg       config.Auth
	creds     model.Credentials
	token     model.TokenState
	state     State
	loggingIn bool
	gen       uint64             // bumped by Logout; exchanges of an older generation are discarded
	cancel    context.CancelFunc // stops the refresh task
	done      chan struct{}      // closed when the refresh task has exited
}

// NewManager creates a logged out manager
func NewManager(cfg config.Auth, exchanger Exchanger, log log15.Logger) *Manager {
	if log == nil {
		log = log15.New("module", "auth")
	}
	return &Manager{
		exchanger: exchanger,
		now:       time.Now,
		log:       log,
		cfg:       cfg,
		state:     StateLoggedOut,
	}
}

// SetConfig replaces the auth configuration. The refresh interval of a
// running task only changes on the next Login.
func (m *Manager) SetConfig(cfg config.Auth) {
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
}

// errSuperseded is returned by an exchange whose session was logged out
// while the exchange was in flight.
var errSuperseded = errors.New("session logged out during token exchange")

// Login clears any previous session, authenticates with the password grant
// and starts the refresh task. The task runs until Logout, an unrecoverable
// refresh failure, or the cancellation of ctx.
//
// Only a missing username is reported as an error. A failed exchange leaves
// the manager logged out, and requests made afterwards go unauthenticated.
func (m *Manager) Login(ctx context.Context, creds model.Credentials) error {
	if creds.Username == "" {
		return model.PreconditionError.New("need valid username and password")
	}

	m.mu.Lock()
	if m.loggingIn {
		m.mu.Unlock()
		m.log.Warn("login already in progress, ignoring", "username", creds.Username)
		return nil
	}
	m.loggingIn = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.loggingIn = false
		m.mu.Unlock()
	}()

	m.Logout()

	m.mu.Lock()
	if creds.ClientID == "" {
		creds.ClientID = m.cfg.ClientID
	}
	m.creds = creds
	m.state = StateAuthenticating
	interval := m.cfg.RefreshEvery()
	gen := m.gen
	m.mu.Unlock()

	if err := m.passwordGrant(ctx, gen); err != nil {
		if err == errSuperseded {
			m.log.Info("logged out while logging in", "username", creds.Username)
			return nil
		}
		m.log.Error("login failed", "username", creds.Username, "err", err)
		m.reset(gen)
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen {
		m.log.Info("logged out while logging in", "username", creds.Username)
		return nil
	}
	if m.token.RefreshToken == "" {
		m.log.Error("login returned no refresh token", "username", creds.Username)
		m.token = model.TokenState{}
		m.state = StateLoggedOut
		return nil
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.cancel = cancel
	m.done = done
	m.state = StateAuthenticated
	go m.refreshLoop(loopCtx, interval, done)

	m.log.Info("logged in", "username", creds.Username, "expires", m.token.AccessTokenExpiry)
	return nil
}

// Logout stops the refresh task and forgets credentials and tokens. It is
// safe to call at any time, any number of times.
func (m *Manager) Logout() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.gen++
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	m.mu.Lock()
	m.creds = model.Credentials{}
	m.token = model.TokenState{}
	m.state = StateLoggedOut
}

// Token returns a snapshot of the current token state
func (m *Manager) Token() model.TokenState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.token
}

// AccessToken returns the current access token, empty when there is none.
// Every request reads it afresh, so a refresh completing mid-batch is seen
// by the next request.
func (m *Manager) AccessToken() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.token.AccessToken
}

// State returns the lifecycle state
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// refreshing reports whether the refresh task is running
func (m *Manager) refreshing() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cancel != nil
}

// ─────────────────────────────────────────────
// Refresh task
// ─────────────────────────────────────────────

func (m *Manager) refreshLoop(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.refresh(ctx)
		}
	}
}

// refresh is one tick of the refresh task
func (m *Manager) refresh(ctx context.Context) {
	m.mu.RLock()
	tok := m.token
	gen := m.gen
	preempt := m.cfg.PreemptBy()
	noGiveUp := m.cfg.NoGiveUp
	m.mu.RUnlock()

	now := m.now()
	if tok.AccessToken != "" && !now.Add(preempt).After(tok.AccessTokenExpiry) {
		return
	}

	var err error
	if tok.RefreshToken == "" || !tok.RefreshTokenExpiry.After(now) {
		m.log.Debug("refresh token missing or expired, re-authenticating")
		err = m.passwordGrant(ctx, gen)
	} else {
		err = m.refreshGrant(ctx, tok.RefreshToken, gen)
	}

	if ctx.Err() != nil || err == errSuperseded {
		return
	}
	if err == nil {
		m.setState(StateAuthenticated)
		return
	}

	m.setState(StateRefreshFailed)
	m.log.Error("token refresh failed", "err", err)

	if noGiveUp {
		m.setState(StateAuthenticating)
		return
	}

	m.log.Warn("stopping refresh task")
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
		m.cancel, m.done = nil, nil
	}
	m.state = StateLoggedOut
	m.mu.Unlock()
}

// ─────────────────────────────────────────────
// Grants
// ─────────────────────────────────────────────

func (m *Manager) passwordGrant(ctx context.Context, gen uint64) error {
	m.mu.RLock()
	creds := m.creds
	m.mu.RUnlock()

	return m.exchange(ctx, gen, url.Values{
		"username":   {creds.Username},
		"password":   {creds.Password},
		"grant_type": {"password"},
		"client_id":  {creds.ClientID},
	})
}

func (m *Manager) refreshGrant(ctx context.Context, refreshToken string, gen uint64) error {
	m.mu.RLock()
	clientID := m.creds.ClientID
	m.mu.RUnlock()

	return m.exchange(ctx, gen, url.Values{
		"client_id":     {clientID},
		"refresh_token": {refreshToken},
		"grant_type":    {"refresh_token"},
	})
}

// exchange runs a grant for session generation gen. On any failure the
// token state is cleared; on success the reply goes through extractToken,
// the only place tokens are stored. Neither happens once gen is stale.
func (m *Manager) exchange(ctx context.Context, gen uint64, form url.Values) error {
	tr, err := m.exchanger.Exchange(ctx, form)
	switch {
	case err != nil:
		err = model.AuthExchangeError.Wrap(err)
	case tr == nil:
		err = model.AuthExchangeError.New("empty token response")
	case tr.Error != "":
		desc := tr.ErrorDescription
		if desc == "" {
			desc = tr.Error
		}
		err = model.AuthExchangeError.New("%s", desc)
	}

	if err != nil {
		if !m.clearToken(gen) {
			return errSuperseded
		}
		return err
	}

	if !m.extractToken(tr, gen) {
		return errSuperseded
	}
	return nil
}

func (m *Manager) extractToken(tr *TokenResponse, gen uint64) bool {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen {
		return false
	}
	m.token = model.TokenState{
		AccessToken:        tr.AccessToken,
		AccessTokenExpiry:  now.Add(time.Duration(tr.ExpiresIn) * time.Second),
		RefreshToken:       tr.RefreshToken,
		RefreshTokenExpiry: now.Add(time.Duration(tr.RefreshExpiresIn) * time.Second),
	}
	if m.cfg.Debug {
		m.log.Debug("token exchanged",
			"expires_in", tr.ExpiresIn,
			"refresh_expires_in", tr.RefreshExpiresIn)
	}
	return true
}

func (m *Manager) clearToken(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen {
		return false
	}
	m.token = model.TokenState{}
	return true
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// reset drops the token state after a failed login
func (m *Manager) reset(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen {
		return
	}
	m.token = model.TokenState{}
	m.state = StateLoggedOut
}
