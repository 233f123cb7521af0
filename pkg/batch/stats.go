package batch

import (
	"math"
	"time"

	"github.com/taskmgr818/agena-batch/pkg/model"
)

const (
	waitWindow       = 4    // completions in the rolling wait average
	queueingWait     = 500  // ms; above this the server is considered to be queueing
	basePollInterval = 1000 // ms
)

// Stats is the feedback state of one batch run. Times are milliseconds.
type Stats struct {
	CompletedJobs           int   `json:"completedJobs"`
	FailedJobs              int   `json:"failedJobs"`
	CompletedTime           int64 `json:"completedTime"`
	AverageCalculationTime  int64 `json:"averageCalculationTime"`
	AverageRecentWaitTime   int64 `json:"averageRecentWaitTime"`
	LongestCalculationTime  int64 `json:"longestCalculationTime"`
	ShortestCalculationTime int64 `json:"shortestCalculationTime"`
	JobsToSchedule          int   `json:"jobsToSchedule"`
	TotalWaste              int64 `json:"totalWaste"`
	Waves                   int   `json:"waves"`

	recentWaits []model.Millis
	timed       int // completions with a valid calculation time
}

func newStats() Stats {
	return Stats{JobsToSchedule: 1}
}

// record folds one successful completion into the averages and moves the
// wave size by one step.
func (s *Stats) record(calculation, wait model.Millis, waste int64) {
	s.CompletedJobs++
	s.TotalWaste += waste

	if calculation.Valid {
		c := calculation.Value
		s.CompletedTime += c
		if s.timed == 0 || c > s.LongestCalculationTime {
			s.LongestCalculationTime = c
		}
		if s.timed == 0 || c < s.ShortestCalculationTime {
			s.ShortestCalculationTime = c
		}
		s.timed++
	}
	s.AverageCalculationTime = ceilDiv(s.CompletedTime, int64(s.CompletedJobs))

	s.recentWaits = append(s.recentWaits, wait)
	if len(s.recentWaits) > waitWindow {
		s.recentWaits = s.recentWaits[len(s.recentWaits)-waitWindow:]
	}
	s.AverageRecentWaitTime = s.recentWaitAverage()

	s.adjust()
}

// adjust is additive increase / decrease: shrink while waiting dominates
// and exceeds the queueing threshold, grow otherwise.
func (s *Stats) adjust() {
	if s.AverageRecentWaitTime > queueingWait && s.AverageRecentWaitTime >= s.AverageCalculationTime {
		if s.JobsToSchedule > 1 {
			s.JobsToSchedule--
		}
		return
	}
	s.JobsToSchedule++
}

func (s *Stats) recentWaitAverage() int64 {
	var sum, n int64
	for _, w := range s.recentWaits {
		if w.Valid {
			sum += w.Value
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return ceilDiv(sum, n)
}

// PollInterval is the interval for jobs submitted with these statistics.
// It backs off as the server gets busier and never drops below a second.
func (s *Stats) PollInterval() time.Duration {
	ms := math.Ceil(math.Max(basePollInterval,
		basePollInterval+float64(s.AverageCalculationTime+s.AverageRecentWaitTime)/4))
	return time.Duration(ms) * time.Millisecond
}

// snapshot returns a copy safe to hand out of the run's lock
func (s *Stats) snapshot() Stats {
	out := *s
	out.recentWaits = append([]model.Millis(nil), s.recentWaits...)
	return out
}

func ceilDiv(a, b int64) int64 {
	return int64(math.Ceil(float64(a) / float64(b)))
}
