package main

import (
	"github.com/spacemonkeygo/errors"
)

type ExitCode byte

const (
	ExitOK      = ExitCode(0)
	ExitBadArgs = ExitCode(1)
	ExitPanic   = ExitCode(2)  // same code as an unhandled Go panic
	ExitUser    = ExitCode(3)  // config, input files, login
	ExitPartial = ExitCode(10) // the batch ran but some datasets failed
)

var exitCodeKey = errors.GenSym()

// CLIError is the last line: its message is shown to the user as is,
// without a stack trace.
var CLIError *errors.ErrorClass = errors.NewClass("CLIError")

// SetExitCode picks the process exit code for a CLIError.
//
//	CLIError.NewWith("cannot read csv", SetExitCode(ExitUser))
func SetExitCode(code ExitCode) errors.ErrorOption {
	return errors.SetData(exitCodeKey, code)
}

func exitCodeFor(err error) ExitCode {
	if err == nil {
		return ExitOK
	}
	if code, ok := errors.GetData(err, exitCodeKey).(ExitCode); ok {
		return code
	}
	return ExitUser
}

// userError wraps err for display with the given exit code
func userError(code ExitCode, msg string, err error) error {
	if err != nil {
		msg = msg + ": " + err.Error()
	}
	return CLIError.NewWith(msg, SetExitCode(code))
}
