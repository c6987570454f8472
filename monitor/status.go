package monitor

import (
	"errors"
	"fmt"
)

// Status is the outcome of a monitoring session. Values are ordered by
// severity; when two outcomes meet, the higher one wins.
type Status int

const (
	StatusRunning Status = iota
	StatusSuccess
	StatusSkip
	StatusError
	StatusFailure
)

var statusNames = [...]string{"RUNNING", "SUCCESS", "SKIP", "ERROR", "FAILURE"}

func (s Status) String() string {
	if s >= 0 && int(s) < len(statusNames) {
		return statusNames[s]
	}

	return fmt.Sprintf("Status(%d)", int(s))
}

// Worse returns the more severe of s and o.
func (s Status) Worse(o Status) Status {
	return max(s, o)
}

// ExitCode maps s to a process exit code.
func (s Status) ExitCode() int {
	switch s {
	case StatusSuccess, StatusSkip:
		return 0
	case StatusRunning, StatusError, StatusFailure:
		return 1
	}

	return 1
}

var (
	// ErrFailure marks an error as a failure of the behaviour under test
	// rather than of the monitor itself.
	ErrFailure = errors.New("test failure")

	// ErrInterrupted is returned when the context is cancelled between
	// drain passes.
	ErrInterrupted = errors.New("monitor interrupted")

	// ErrSealed is returned when a handler is registered after dispatch
	// started.
	ErrSealed = errors.New("registry sealed")

	// ErrInvalidHandler is returned for nil handlers, duplicate
	// registrations and reasons outside the enumeration.
	ErrInvalidHandler = errors.New("invalid handler")
)

// Fail builds an error that classifies as StatusFailure.
func Fail(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrFailure)
}

// Classify maps err to the status it ends a session with.
func Classify(err error) Status {
	switch {
	case err == nil:
		return StatusSuccess
	case errors.Is(err, ErrFailure):
		return StatusFailure
	default:
		return StatusError
	}
}
