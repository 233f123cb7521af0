package model

import (
	"encoding/json"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestMillis(t *testing.T) {
	Convey("Given durations reported by the service", t, func() {
		decode := func(raw string) *CalculationResponse {
			var r CalculationResponse
			So(json.Unmarshal([]byte(raw), &r), ShouldBeNil)
			return &r
		}

		Convey("Numbers and numeric strings both parse", func() {
			r := decode(`{"duration":{"calculation":100,"turnaround":"120"}}`)
			So(r.CalculationTime(), ShouldResemble, MillisOf(100))
			So(r.WaitTime(), ShouldResemble, MillisOf(20))
		})

		Convey("Fractions truncate", func() {
			r := decode(`{"duration":{"calculation":100.9,"turnaround":130.2}}`)
			So(r.CalculationTime().Value, ShouldEqual, 100)
			So(r.WaitTime().Value, ShouldEqual, 30)
		})

		Convey("Garbage leaves the value invalid without failing the decode", func() {
			r := decode(`{"duration":{"calculation":"n/a","turnaround":50}}`)
			So(r.CalculationTime().Valid, ShouldBeFalse)
			So(r.WaitTime().Valid, ShouldBeFalse)
		})

		Convey("A missing duration is invalid", func() {
			r := decode(`{"results":[]}`)
			So(r.CalculationTime().Valid, ShouldBeFalse)
			So(r.Succeeded(), ShouldBeTrue)
		})
	})
}

func TestResponseShape(t *testing.T) {
	Convey("Success and failure are told apart by results", t, func() {
		So((&CalculationResponse{Results: nil, Messages: []string{"x"}}).Succeeded(), ShouldBeFalse)
		So((&CalculationResponse{Results: []json.RawMessage{}}).Succeeded(), ShouldBeTrue)

		Convey("A failure without a classified error is a remote job error", func() {
			r := &CalculationResponse{Status: StatusError, Messages: []string{"model invalid"}}
			So(RemoteJobError.Contains(r.Failure()), ShouldBeTrue)
		})

		Convey("The aborted shape is classified as interrupted", func() {
			r := AbortedResponse()
			So(r.Messages, ShouldResemble, []string{MessageAborted})
			So(InterruptedError.Contains(r.Failure()), ShouldBeTrue)
			So(AgenaError.Contains(r.Failure()), ShouldBeTrue)
		})

		Convey("Pending needs both 202 and a polling URL", func() {
			So((&CalculationResponse{Code: 202}).Pending(), ShouldBeFalse)
			So((&CalculationResponse{Code: 202, PollingURL: "http://x/poll"}).Pending(), ShouldBeTrue)
			So((&CalculationResponse{Code: 200, PollingURL: "http://x/poll"}).Pending(), ShouldBeFalse)
		})
	})
}

func TestCreateDataset(t *testing.T) {
	Convey("CreateDataset", t, func() {
		Convey("Expands a single entry with weight 1", func() {
			ds, err := CreateDataset("", []ObservationSummary{
				{Network: "net", Node: "A", Entry: "True"},
				{Network: "net", Node: "B", Entries: []Entry{{Value: "x", Weight: 0.3}, {Value: "y", Weight: 0.7}}},
			})
			So(err, ShouldBeNil)
			So(ds.ID, ShouldEqual, DefaultDatasetID)
			So(ds.Displayable, ShouldBeTrue)
			So(ds.Observations, ShouldHaveLength, 2)
			So(ds.Observations[0].Entries, ShouldResemble, []Entry{{Value: "True", Weight: 1}})
			So(ds.Observations[1].Entries, ShouldHaveLength, 2)
		})

		Convey("Drops incomplete summaries and reports them", func() {
			ds, err := CreateDataset("ds1", []ObservationSummary{
				{Network: "net", Node: "A", Entry: "True"},
				{Network: "net", Entry: "False"},
			})
			So(InvalidObservationError.Contains(err), ShouldBeTrue)
			So(ds.ID, ShouldEqual, "ds1")
			So(ds.Observations, ShouldHaveLength, 1)
		})
	})
}
