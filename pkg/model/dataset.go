package model

import (
	"encoding/json"
	"strings"
	"time"
)

// DefaultDatasetID is used for datasets built from ad-hoc observations.
const DefaultDatasetID = "Scenario 1"

// Credentials identify the user against the token endpoint
type Credentials struct {
	Username string
	Password string
	ClientID string
}

// TokenState is a read-only snapshot of the session's tokens
type TokenState struct {
	AccessToken        string    `json:"accessToken,omitempty"`
	AccessTokenExpiry  time.Time `json:"accessTokenExpiry"`
	RefreshToken       string    `json:"refreshToken,omitempty"`
	RefreshTokenExpiry time.Time `json:"refreshTokenExpiry"`
}

// Entry is one observed value with its weight
type Entry struct {
	Value  string  `json:"value"`
	Weight float64 `json:"weight"`
}

// Observation sets entries on one node of one network
type Observation struct {
	Network string  `json:"network"`
	Node    string  `json:"node"`
	Entries []Entry `json:"entries"`
}

// ObservationSummary is the shorthand accepted by CreateDataset: either a
// single Entry (weight 1) or a full Entries list.
type ObservationSummary struct {
	Network string
	Node    string
	Entry   string
	Entries []Entry
}

// Dataset is one scenario to calculate
type Dataset struct {
	ID           string        `json:"id"`
	Displayable  bool          `json:"displayable,omitempty"`
	Active       bool          `json:"active,omitempty"`
	Observations []Observation `json:"observations"`

	// Done is set once the dataset reached a terminal outcome in a batch.
	Done bool `json:"-"`
}

// CalculatedDataset is a dataset id paired with its calculation results
type CalculatedDataset struct {
	ID      string            `json:"id"`
	Results []json.RawMessage `json:"results"`
}

// CreateDataset builds a displayable, active dataset from observation
// summaries. Summaries without network, node or entries are dropped; the
// returned error lists them and the dataset is still usable.
func CreateDataset(id string, summaries []ObservationSummary) (*Dataset, error) {
	if id == "" {
		id = DefaultDatasetID
	}
	ds := &Dataset{
		ID:           id,
		Displayable:  true,
		Active:       true,
		Observations: make([]Observation, 0, len(summaries)),
	}

	var invalid []string
	for _, s := range summaries {
		if s.Node == "" || s.Network == "" || (s.Entry == "" && len(s.Entries) == 0) {
			invalid = append(invalid, s.Network+"/"+s.Node)
			continue
		}
		entries := append([]Entry(nil), s.Entries...)
		if len(entries) == 0 {
			entries = []Entry{{Value: s.Entry, Weight: 1}}
		}
		ds.Observations = append(ds.Observations, Observation{
			Network: s.Network,
			Node:    s.Node,
			Entries: entries,
		})
	}

	if len(invalid) > 0 {
		return ds, InvalidObservationError.New(
			"observations must specify node, network and entry/entries: %s",
			strings.Join(invalid, ", "))
	}
	return ds, nil
}
