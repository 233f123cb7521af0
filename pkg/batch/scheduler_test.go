package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/inconshreveable/log15"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/taskmgr818/agena-batch/pkg/calc"
	"github.com/taskmgr818/agena-batch/pkg/config"
	"github.com/taskmgr818/agena-batch/pkg/model"
)

// fakeCalculator answers every job with reply(dataset id) and records the
// poll interval each job was given.
type fakeCalculator struct {
	mu        sync.Mutex
	reply     func(id string) *model.CalculationResponse
	intervals map[string]time.Duration
	inFlight  int
	peak      int
}

func newFakeCalculator(reply func(id string) *model.CalculationResponse) *fakeCalculator {
	return &fakeCalculator{reply: reply, intervals: map[string]time.Duration{}}
}

func (f *fakeCalculator) Calculate(ctx context.Context, job *calc.Job) *model.CalculationResponse {
	f.mu.Lock()
	f.intervals[job.Dataset.ID] = job.PollInterval
	f.inFlight++
	if f.inFlight > f.peak {
		f.peak = f.inFlight
	}
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()
	return f.reply(job.Dataset.ID)
}

func timed(calculation, turnaround int64) func(string) *model.CalculationResponse {
	return func(id string) *model.CalculationResponse {
		return &model.CalculationResponse{
			Status:  "success",
			Code:    http.StatusOK,
			Results: []json.RawMessage{json.RawMessage(fmt.Sprintf(`{"id":%q}`, id))},
			Duration: &model.Duration{
				Calculation: model.MillisOf(calculation),
				Turnaround:  model.MillisOf(turnaround),
			},
		}
	}
}

func datasets(n int) []*model.Dataset {
	out := make([]*model.Dataset, n)
	for i := range out {
		out[i] = &model.Dataset{ID: fmt.Sprintf("ds-%d", i)}
	}
	return out
}

func newTestScheduler(c Calculator) *Scheduler {
	log := log15.New()
	log.SetHandler(log15.DiscardHandler())
	return NewScheduler(c, config.Default().API, log)
}

type recordingObserver struct {
	mu       sync.Mutex
	started  int
	events   []JobEvent
	finished *Report
}

func (o *recordingObserver) RunStarted(runID string, n int) {
	o.mu.Lock()
	o.started = n
	o.mu.Unlock()
}

func (o *recordingObserver) JobFinished(runID string, ev JobEvent) {
	o.mu.Lock()
	o.events = append(o.events, ev)
	o.mu.Unlock()
}

func (o *recordingObserver) RunFinished(r *Report) {
	o.mu.Lock()
	o.finished = r
	o.mu.Unlock()
}

func TestSchedulerRun(t *testing.T) {
	ctx := context.Background()

	Convey("Five fast datasets grow the wave size", t, func() {
		fc := newFakeCalculator(timed(100, 120))
		dss := datasets(5)

		report := newTestScheduler(fc).Run(ctx, dss, Options{AppID: "app"})

		So(report.Results, ShouldHaveLength, 5)
		So(report.RunID, ShouldNotBeEmpty)
		// waves of 1, 2 and 2
		So(report.Stats.Waves, ShouldEqual, 3)
		So(report.Stats.JobsToSchedule, ShouldEqual, 6)
		So(fc.peak, ShouldBeLessThanOrEqualTo, 2)
		So(report.Stats.AverageCalculationTime, ShouldEqual, 100)
		So(report.Stats.AverageRecentWaitTime, ShouldEqual, 20)
		So(fc.intervals["ds-0"], ShouldEqual, time.Second)
		So(fc.intervals["ds-1"], ShouldEqual, 1030*time.Millisecond)
		So(fc.intervals["ds-4"], ShouldEqual, 1030*time.Millisecond)
		for _, ds := range dss {
			So(ds.Done, ShouldBeTrue)
		}
	})

	Convey("A queueing server keeps the wave size at one", t, func() {
		fc := newFakeCalculator(timed(100, 1100))

		report := newTestScheduler(fc).Run(ctx, datasets(4), Options{})

		So(report.Results, ShouldHaveLength, 4)
		So(report.Stats.JobsToSchedule, ShouldEqual, 1)
		So(report.Stats.Waves, ShouldEqual, 4)
		So(fc.peak, ShouldEqual, 1)
		So(fc.intervals["ds-1"], ShouldEqual, 1275*time.Millisecond)
	})

	Convey("Failures go to the error list and every dataset is accounted for", t, func() {
		ok := timed(100, 120)
		fc := newFakeCalculator(func(id string) *model.CalculationResponse {
			switch id {
			case "ds-1":
				return model.NewErrorResponse(model.RemoteJobError.New("boom"), "Internal Server Error", "boom")
			case "ds-3":
				return model.AbortedResponse()
			}
			return ok(id)
		})
		var errs []DatasetError
		raw := map[string]*model.CalculationResponse{}
		obs := &recordingObserver{}

		report := newTestScheduler(fc).Run(ctx, datasets(6), Options{Errors: &errs, RawResponses: raw, Observer: obs})

		So(len(report.Results)+len(errs), ShouldEqual, 6)
		So(report.Stats.FailedJobs, ShouldEqual, 2)
		So(report.Stats.CompletedJobs, ShouldEqual, 4)
		So(raw, ShouldHaveLength, 6)

		byID := map[string]DatasetError{}
		for _, e := range errs {
			byID[e.ID] = e
		}
		So(byID["ds-1"].Aborted, ShouldBeFalse)
		So(byID["ds-1"].Messages, ShouldResemble, []string{"Internal Server Error", "boom"})
		So(byID["ds-1"].Error(), ShouldEqual, "Dataset ds-1 calculation aborted: Internal Server Error; boom")
		So(byID["ds-3"].Aborted, ShouldBeTrue)
		So(model.InterruptedError.Contains(byID["ds-3"].Err), ShouldBeTrue)

		So(obs.started, ShouldEqual, 6)
		So(obs.events, ShouldHaveLength, 6)
		So(obs.finished, ShouldPointTo, report)
	})

	Convey("Without an error list failures are dropped from the count", t, func() {
		fc := newFakeCalculator(func(id string) *model.CalculationResponse {
			return model.NewErrorResponse(model.RemoteJobError.New("down"), "down")
		})
		report := newTestScheduler(fc).Run(ctx, datasets(3), Options{})
		So(report.Results, ShouldBeEmpty)
		So(report.Stats.JobsToSchedule, ShouldEqual, 1)
		So(report.Stats.Waves, ShouldEqual, 3)
	})

	Convey("The hand-off sees every result once and its errors are reported", t, func() {
		fc := newFakeCalculator(timed(100, 120))
		var errs []DatasetError
		var mu sync.Mutex
		active, maxActive := 0, 0
		seen := map[string]int{}

		report := newTestScheduler(fc).Run(ctx, datasets(7), Options{
			Errors: &errs,
			OnResult: func(ctx context.Context, ds *model.CalculatedDataset) error {
				mu.Lock()
				active++
				if active > maxActive {
					maxActive = active
				}
				seen[ds.ID]++
				mu.Unlock()

				time.Sleep(time.Millisecond)

				mu.Lock()
				active--
				mu.Unlock()
				if ds.ID == "ds-2" {
					return errors.New("disk full")
				}
				return nil
			},
		})

		So(report.Results, ShouldHaveLength, 7)
		So(seen, ShouldHaveLength, 7)
		So(maxActive, ShouldEqual, 1)
		So(errs, ShouldHaveLength, 1)
		So(errs[0].ID, ShouldEqual, "ds-2")
		So(errs[0].HandOff, ShouldBeTrue)
		So(model.HandOffError.Contains(errs[0].Err), ShouldBeTrue)
	})

	Convey("A result that returns after cancellation is still handed off", t, func() {
		cctx, cancel := context.WithCancel(ctx)
		defer cancel()
		fc := newFakeCalculator(func(id string) *model.CalculationResponse {
			cancel()
			return timed(100, 120)(id)
		})
		var handOffErrs []error
		var errs []DatasetError

		report := newTestScheduler(fc).Run(cctx, datasets(1), Options{
			Errors: &errs,
			OnResult: func(ctx context.Context, ds *model.CalculatedDataset) error {
				handOffErrs = append(handOffErrs, ctx.Err())
				return ctx.Err()
			},
		})

		So(report.Results, ShouldHaveLength, 1)
		So(handOffErrs, ShouldResemble, []error{nil})
		So(errs, ShouldBeEmpty)
	})

	Convey("An empty batch returns an empty report", t, func() {
		report := newTestScheduler(newFakeCalculator(timed(1, 1))).Run(ctx, nil, Options{})
		So(report.Results, ShouldNotBeNil)
		So(report.Results, ShouldBeEmpty)
		So(report.Stats.Waves, ShouldEqual, 0)
	})
}
