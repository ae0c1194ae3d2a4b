package pipeline

import (
	"errors"
	"fmt"

	"github.com/fxsml/relay/fault"
)

var (
	// ErrCycleDetected is returned when a run exceeds the hop limit.
	ErrCycleDetected = errors.New("pipeline: cycle detected")

	// ErrNoForward is returned when an outcome has no forward and no
	// exception fallback exists.
	ErrNoForward = errors.New("pipeline: no forward")

	// ErrUnmappedOutcome is recorded when a pipe returns a label that is
	// handled by the exception fallback.
	ErrUnmappedOutcome = errors.New("pipeline: unmapped outcome")
)

// PipeError wraps a failure raised by a pipe.
type PipeError struct {
	Pipe string
	Err  error
}

func (e *PipeError) Error() string {
	return fmt.Sprintf("pipeline: pipe %q: %v", e.Pipe, e.Err)
}

func (e *PipeError) Unwrap() []error {
	return []error{e.Err, fault.ErrPipeExecution}
}

// RoutingError aborts a run whose outcome label cannot be routed.
type RoutingError struct {
	Graph   string
	Pipe    string
	Forward string
	// Cause is the pipe failure that produced the outcome, if any.
	Cause error
}

func (e *RoutingError) Error() string {
	msg := fmt.Sprintf("pipeline: graph %q: pipe %q: no forward for %q", e.Graph, e.Pipe, e.Forward)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *RoutingError) Unwrap() []error {
	return []error{ErrNoForward, fault.ErrPipeExecution, e.Cause}
}

// CycleDetectedError aborts a run that executed MaxHops pipes without
// reaching an exit.
type CycleDetectedError struct {
	Graph   string
	MaxHops int
	// Last holds the most recently executed pipes, oldest first.
	Last []string
}

func (e *CycleDetectedError) Error() string {
	return fmt.Sprintf("pipeline: graph %q: cycle detected after %d hops, last pipes %v", e.Graph, e.MaxHops, e.Last)
}

func (e *CycleDetectedError) Unwrap() []error {
	return []error{ErrCycleDetected, fault.ErrPipeExecution}
}
