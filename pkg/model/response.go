package model

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"strings"
)

const (
	// StatusError is the status of every failed or aborted response.
	StatusError = "error"

	// MessageAborted is the single message of an interrupted job.
	MessageAborted = "Aborted by requester"
)

// Millis is a server-reported duration in milliseconds. The service has
// been seen to send both numbers and numeric strings; anything that does not
// parse to a finite number leaves Valid false.
type Millis struct {
	Value int64
	Valid bool
}

// MillisOf returns a valid Millis.
func MillisOf(v int64) Millis {
	return Millis{Value: v, Valid: true}
}

func (m *Millis) UnmarshalJSON(b []byte) error {
	*m = Millis{}
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	if s == "" || s == "null" {
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	*m = Millis{Value: int64(f), Valid: true}
	return nil
}

func (m Millis) MarshalJSON() ([]byte, error) {
	if !m.Valid {
		return []byte("null"), nil
	}
	return []byte(strconv.FormatInt(m.Value, 10)), nil
}

// Duration is the server-side timing of a job.
type Duration struct {
	Calculation Millis `json:"calculation"` // compute time
	Turnaround  Millis `json:"turnaround"`  // acceptance to completion, queueing included
}

// DebugResponse is the raw HTTP exchange, kept when api.debugResponse is set.
type DebugResponse struct {
	StatusCode int         `json:"statusCode"`
	Status     string      `json:"status"`
	Header     http.Header `json:"header,omitempty"`
	Body       string      `json:"body,omitempty"`
}

// CalculationResponse is the normalized outcome of a calculate or poll
// request. A terminal success carries Results; every failure carries
// Messages instead.
type CalculationResponse struct {
	Status        string            `json:"status,omitempty"`
	Code          int               `json:"code,omitempty"`
	Results       []json.RawMessage `json:"results,omitempty"`
	Messages      []string          `json:"messages,omitempty"`
	Message       string            `json:"message,omitempty"`
	Duration      *Duration         `json:"duration,omitempty"`
	PollingURL    string            `json:"pollingUrl,omitempty"`
	DebugResponse *DebugResponse    `json:"debugResponse,omitempty"`

	// Err classifies a failure; nil on success.
	Err error `json:"-"`
}

// NewErrorResponse builds a failed response classified by err.
func NewErrorResponse(err error, messages ...string) *CalculationResponse {
	return &CalculationResponse{
		Status:   StatusError,
		Messages: messages,
		Err:      err,
	}
}

// AbortedResponse is the one shape every interrupted job ends with.
func AbortedResponse() *CalculationResponse {
	return NewErrorResponse(InterruptedError.New(MessageAborted), MessageAborted)
}

// Succeeded reports whether the response is a terminal success.
func (r *CalculationResponse) Succeeded() bool {
	return r != nil && r.Results != nil
}

// Pending reports whether the job was accepted and must be polled.
func (r *CalculationResponse) Pending() bool {
	return r != nil && r.Code == http.StatusAccepted && r.PollingURL != ""
}

// Failure returns the classified error of a failed response, or nil.
func (r *CalculationResponse) Failure() error {
	if r.Succeeded() {
		return nil
	}
	if r == nil {
		return RemoteJobError.New("no response")
	}
	if r.Err != nil {
		return r.Err
	}
	return RemoteJobError.New("%s", strings.Join(r.Messages, "; "))
}

// CalculationTime returns the reported compute time.
func (r *CalculationResponse) CalculationTime() Millis {
	if r == nil || r.Duration == nil {
		return Millis{}
	}
	return r.Duration.Calculation
}

// WaitTime returns turnaround minus calculation, invalid when either is.
func (r *CalculationResponse) WaitTime() Millis {
	if r == nil || r.Duration == nil {
		return Millis{}
	}
	d := r.Duration
	if !d.Calculation.Valid || !d.Turnaround.Valid {
		return Millis{}
	}
	return MillisOf(d.Turnaround.Value - d.Calculation.Value)
}
