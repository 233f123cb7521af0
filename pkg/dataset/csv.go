// Package dataset turns tabular observations into datasets.
//
// The first column of a CSV file is the dataset id. The second is the
// network id unless a network is given to ReadCSV. Every other header is
// either a node id, whose cells are observed states with weight 1, or a
// virtual "node=state" column, whose cells are the weight of that state.
package dataset

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/inconshreveable/log15"

	"github.com/taskmgr818/agena-batch/pkg/model"
)

type column struct {
	node    string
	state   string
	virtual bool
}

// ReadCSV reads one dataset per data row. A zero separator means comma.
// A virtual cell that is not a number is skipped with a warning on log; the
// rest of its row is kept.
func ReadCSV(r io.Reader, network string, separator rune, log log15.Logger) ([]*model.Dataset, error) {
	if separator == 0 {
		separator = ','
	}
	if log == nil {
		log = log15.New("module", "dataset")
	}
	reader := csv.NewReader(r)
	reader.Comma = separator
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	reader.LazyQuotes = true

	header, err := reader.Read()
	if err == io.EOF {
		return nil, model.InvalidObservationError.New("csv has no header row")
	}
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	columns := parseHeader(header)

	var out []*model.Dataset
	for line := 2; ; line++ {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv line %d: %w", line, err)
		}
		if isBlank(record) {
			continue
		}

		ds, err := parseRow(record, columns, network, func(col column, cell string) {
			log.Warn("skipping non-numeric weight", "line", line, "column", col.node+"="+col.state, "value", cell)
		})
		if err != nil {
			return nil, model.InvalidObservationError.New("line %d: %s", line, err)
		}
		out = append(out, ds)
	}
	return out, nil
}

func parseHeader(fields []string) []column {
	columns := make([]column, len(fields))
	for i, f := range fields {
		node, state, virtual := strings.Cut(f, "=")
		columns[i] = column{
			node:    strings.TrimSpace(node),
			state:   strings.TrimSpace(state),
			virtual: virtual,
		}
	}
	return columns
}

func parseRow(record []string, columns []column, network string, badWeight func(column, string)) (*model.Dataset, error) {
	for i := range record {
		record[i] = strings.TrimSpace(record[i])
	}
	if len(record) > len(columns) {
		return nil, fmt.Errorf("%d fields but only %d columns", len(record), len(columns))
	}

	first := 1
	if network == "" {
		if len(record) < 2 || record[1] == "" {
			return nil, fmt.Errorf("no network id in second column")
		}
		network = record[1]
		first = 2
	}

	observations := []model.Observation{}
	byNode := map[string]int{}

	for j := first; j < len(record); j++ {
		cell := record[j]
		if cell == "" {
			continue
		}

		col := columns[j]
		entry := model.Entry{Value: cell, Weight: 1}
		if col.virtual {
			w, err := strconv.ParseFloat(cell, 64)
			if err != nil {
				badWeight(col, cell)
				continue
			}
			entry = model.Entry{Value: col.state, Weight: w}
		}

		i, ok := byNode[col.node]
		if !ok {
			i = len(observations)
			byNode[col.node] = i
			observations = append(observations, model.Observation{Network: network, Node: col.node})
		}
		observations[i].Entries = append(observations[i].Entries, entry)
	}

	return &model.Dataset{
		ID:           record[0],
		Observations: observations,
	}, nil
}

func isBlank(record []string) bool {
	for _, f := range record {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}
