package receiver

import (
	"fmt"

	"github.com/fxsml/relay/fault"
	"github.com/fxsml/relay/pipeline"
)

// ExitError reports a run that ended at an error exit.
type ExitError struct {
	Graph string
	Exit  pipeline.Exit
	// Err is the pipe failure that led to the exit, if any.
	Err error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("receiver: graph %q ended at exit %s: %v", e.Graph, e.Exit, e.Err)
	}
	return fmt.Sprintf("receiver: graph %q ended at exit %s", e.Graph, e.Exit)
}

func (e *ExitError) Unwrap() []error {
	if e.Err == nil {
		return []error{fault.ErrPipeExecution}
	}
	return []error{e.Err, fault.ErrPipeExecution}
}
