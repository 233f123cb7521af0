package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// TokenResponse is the token endpoint's JSON reply. Error is set when the
// endpoint refused the grant.
type TokenResponse struct {
	AccessToken      string `json:"access_token"`
	ExpiresIn        int64  `json:"expires_in"` // seconds
	RefreshToken     string `json:"refresh_token"`
	RefreshExpiresIn int64  `json:"refresh_expires_in"` // seconds
	Error            string `json:"error,omitempty"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// Exchanger performs one grant against the token endpoint.
type Exchanger interface {
	Exchange(ctx context.Context, form url.Values) (*TokenResponse, error)
}

// ExchangerFunc adapts a function to Exchanger
type ExchangerFunc func(ctx context.Context, form url.Values) (*TokenResponse, error)

func (f ExchangerFunc) Exchange(ctx context.Context, form url.Values) (*TokenResponse, error) {
	return f(ctx, form)
}

// HTTPExchanger posts form-encoded grants to an OAuth2 token URL
type HTTPExchanger struct {
	mu         sync.RWMutex
	tokenURL   string
	httpClient *http.Client
}

// NewHTTPExchanger creates an exchanger for tokenURL
func NewHTTPExchanger(tokenURL string, timeout time.Duration) *HTTPExchanger {
	return &HTTPExchanger{
		tokenURL:   tokenURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// SetTokenURL points later exchanges at another endpoint
func (e *HTTPExchanger) SetTokenURL(tokenURL string) {
	e.mu.Lock()
	e.tokenURL = tokenURL
	e.mu.Unlock()
}

// Exchange posts the grant and decodes the reply. A reply carrying an
// error field is returned as is; only transport and decode failures are
// returned as errors.
func (e *HTTPExchanger) Exchange(ctx context.Context, form url.Values) (*TokenResponse, error) {
	e.mu.RLock()
	tokenURL := e.tokenURL
	e.mu.RUnlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var tr TokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, fmt.Errorf("decode token response (%s): %w", resp.Status, err)
	}
	return &tr, nil
}
