package listener

import "errors"

var (
	// ErrAlreadyStarted is returned when Start is called on a running container.
	ErrAlreadyStarted = errors.New("listener: already started")

	// ErrStopTimeout is returned when the poll loop does not finish within
	// the stop timeout. The loop is left running; it is never killed.
	ErrStopTimeout = errors.New("listener: stop timeout")

	// ErrLoopRunning is returned when Start is called while the loop of an
	// earlier run has not finished yet.
	ErrLoopRunning = errors.New("listener: previous poll loop still running")
)
