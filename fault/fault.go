// Package fault defines the error taxonomy shared by the relay packages.
//
// Every error produced by relay wraps exactly one of the sentinels below, so
// callers can classify a failure with errors.Is regardless of the component
// that produced it:
//
//	ErrConfiguration         detected before the first message, prevents startup
//	ErrPipeExecution         per message, routed through the "exception" forward
//	ErrRecoverableTransport  source or sink level, retried then diverted
//	ErrStallDetected         raised by the poll guard, never seen by pipes
package fault

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration marks invalid graphs, parameters or component configs.
	ErrConfiguration = errors.New("relay: configuration error")

	// ErrPipeExecution marks a failure raised by a pipe's own logic.
	ErrPipeExecution = errors.New("relay: pipe execution error")

	// ErrRecoverableTransport marks a transient failure talking to a broker.
	ErrRecoverableTransport = errors.New("relay: recoverable transport error")

	// ErrStallDetected marks a listener that stopped delivering without error.
	ErrStallDetected = errors.New("relay: stall detected")
)

// Configf returns an error wrapping ErrConfiguration.
func Configf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}

// Transport wraps err as a recoverable transport error. Returns nil if err is nil.
func Transport(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrRecoverableTransport, op, err)
}

// IsConfiguration reports whether err is a configuration error.
func IsConfiguration(err error) bool {
	return errors.Is(err, ErrConfiguration)
}

// IsTransport reports whether err is a recoverable transport error.
func IsTransport(err error) bool {
	return errors.Is(err, ErrRecoverableTransport)
}
