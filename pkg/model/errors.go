package model

import (
	"github.com/spacemonkeygo/errors"
)

var AgenaError *errors.ErrorClass = errors.NewClass("AgenaError") // grouping, do not instantiate

// PreconditionError is returned synchronously when a call is made with
// arguments that can never succeed, e.g. logging in without a username.
var PreconditionError *errors.ErrorClass = AgenaError.NewClass("PreconditionError")

// AuthExchangeError marks a failed exchange with the token endpoint.
// It is recovered inside the token manager and only ever logged.
var AuthExchangeError *errors.ErrorClass = AgenaError.NewClass("AuthExchangeError")

// TransportError marks a connection-level failure on a job or poll call.
var TransportError *errors.ErrorClass = AgenaError.NewClass("TransportError")

// RemoteJobError marks a failure reported by the calculation service.
var RemoteJobError *errors.ErrorClass = AgenaError.NewClass("RemoteJobError")

// PollExhaustedError marks a job that was still pending when the poll
// attempt ceiling was reached.
var PollExhaustedError *errors.ErrorClass = AgenaError.NewClass("PollExhaustedError")

// InterruptedError marks a job stopped by the caller's interruption predicate.
var InterruptedError *errors.ErrorClass = AgenaError.NewClass("InterruptedError")

// HandOffError marks a calculated dataset that could not be handed to the
// caller's result callback or sink.
var HandOffError *errors.ErrorClass = AgenaError.NewClass("HandOffError")

// InvalidObservationError marks an observation summary missing its network,
// node or entries.
var InvalidObservationError *errors.ErrorClass = AgenaError.NewClass("InvalidObservationError")
