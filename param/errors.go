package param

import (
	"errors"
	"fmt"

	"github.com/fxsml/relay/fault"
)

var (
	// ErrMissingValue is returned when a required parameter has no value.
	ErrMissingValue = errors.New("param: missing value")

	// ErrCoercion is returned when a value cannot be converted to its type.
	ErrCoercion = errors.New("param: type coercion failed")

	// ErrExpression is returned when an expression or pattern fails to evaluate.
	ErrExpression = errors.New("param: expression failed")
)

// ResolutionError reports the parameter that failed to resolve. It classifies
// as a pipe execution error.
type ResolutionError struct {
	Parameter string
	Err       error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("param: resolve %q: %v", e.Parameter, e.Err)
}

// Unwrap exposes both the cause and fault.ErrPipeExecution to errors.Is.
func (e *ResolutionError) Unwrap() []error {
	return []error{e.Err, fault.ErrPipeExecution}
}

func resolutionError(name string, kind, cause error) error {
	if cause == nil {
		return &ResolutionError{Parameter: name, Err: kind}
	}
	return &ResolutionError{Parameter: name, Err: fmt.Errorf("%w: %w", kind, cause)}
}
