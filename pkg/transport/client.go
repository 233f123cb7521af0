// Package transport executes single HTTP exchanges against the calculation
// service and normalizes every outcome, connection failures included, into a
// model.CalculationResponse.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/inconshreveable/log15"

	"github.com/taskmgr818/agena-batch/pkg/model"
)

// DefaultContentType is sent unless the caller overrides Content-Type
const DefaultContentType = "text/plain; charset=utf-8"

// allowedHeaders are the only custom headers forwarded to the service
var allowedHeaders = map[string]bool{
	"x-referer": true,
	"user-id":   true,
}

// Request is one exchange with the service
type Request struct {
	Method      string
	URL         string
	Headers     map[string]string
	Body        []byte
	Params      url.Values
	BearerToken string // sent as "Authorization: Bearer ..." when non-empty
}

// Doer executes a Request. Implementations never return a nil response.
type Doer interface {
	Do(ctx context.Context, req *Request) *model.CalculationResponse
}

// DoerFunc adapts a function to Doer
type DoerFunc func(ctx context.Context, req *Request) *model.CalculationResponse

func (f DoerFunc) Do(ctx context.Context, req *Request) *model.CalculationResponse {
	return f(ctx, req)
}

// Client is the HTTP implementation of Doer
type Client struct {
	httpClient    *http.Client
	debugResponse atomic.Bool
	log           log15.Logger
}

// NewClient creates a client. A zero timeout disables the client timeout;
// with debugResponse set every decoded response keeps its raw exchange.
func NewClient(timeout time.Duration, debugResponse bool) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: timeout},
		log:        log15.New("module", "transport"),
	}
	c.debugResponse.Store(debugResponse)
	return c
}

// SetDebugResponse switches raw response capture for later requests
func (c *Client) SetDebugResponse(on bool) {
	c.debugResponse.Store(on)
}

// Do performs the request and normalizes the response
func (c *Client) Do(ctx context.Context, req *Request) *model.CalculationResponse {
	httpReq, err := c.newRequest(ctx, req)
	if err != nil {
		return connectionError(err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return connectionError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return connectionError(err)
	}

	return c.decode(resp, body)
}

func (c *Client) newRequest(ctx context.Context, req *Request) (*http.Request, error) {
	method := req.Method
	if method == "" {
		method = http.MethodPost
	}

	target, err := url.Parse(req.URL)
	if err != nil {
		return nil, err
	}
	if len(req.Params) > 0 {
		q := target.Query()
		for k, vs := range req.Params {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		target.RawQuery = q.Encode()
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", DefaultContentType)
	httpReq.Header.Set("Cache-Control", "no-cache")
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if req.BearerToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.BearerToken)
	}
	return httpReq, nil
}

func (c *Client) decode(resp *http.Response, body []byte) *model.CalculationResponse {
	statusText := strings.TrimSpace(strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode)))

	var envelope struct {
		model.CalculationResponse
		Error json.RawMessage `json:"error"`
		Code  json.RawMessage `json:"code"` // shadows the body's own code; the HTTP status wins
	}

	var out *model.CalculationResponse
	switch err := json.Unmarshal(body, &envelope); {
	case err != nil:
		c.log.Debug("response is not valid JSON", "code", resp.StatusCode, "err", err)
		out = &model.CalculationResponse{
			Status:   model.StatusError,
			Code:     resp.StatusCode,
			Messages: []string{statusText},
			Message:  statusText,
			Err:      model.RemoteJobError.New("invalid JSON response (%d %s)", resp.StatusCode, statusText),
		}

	case len(envelope.Error) > 0 && string(envelope.Error) != "null":
		remote := errorText(envelope.Error)
		out = &model.CalculationResponse{
			Status:   model.StatusError,
			Code:     resp.StatusCode,
			Messages: []string{statusText, remote},
			Message:  statusText,
			Err:      model.RemoteJobError.New("%s", remote),
		}

	default:
		r := envelope.CalculationResponse
		r.Code = resp.StatusCode
		out = &r
	}

	if c.debugResponse.Load() {
		out.DebugResponse = &model.DebugResponse{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Header:     resp.Header.Clone(),
			Body:       string(body),
		}
	}
	return out
}

// FilterHeaders keeps only the allow-listed custom headers
func FilterHeaders(headers map[string]string) map[string]string {
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		if allowedHeaders[strings.ToLower(k)] {
			out[k] = v
		}
	}
	return out
}

func connectionError(err error) *model.CalculationResponse {
	return &model.CalculationResponse{
		Status:   model.StatusError,
		Messages: []string{err.Error()},
		Message:  err.Error(),
		Err:      model.TransportError.Wrap(err),
	}
}

// errorText renders the "error" field, which may be a string or an object
func errorText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
