package message

import "errors"

// ErrStreamConsumed is returned when a stream payload is read a second time.
var ErrStreamConsumed = errors.New("message: stream already consumed")
