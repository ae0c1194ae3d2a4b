package listener

import "sync/atomic"

// tracker counts items handed to the handler. enter() increments the
// in-flight count and exit() decrements it; handled counts completed items.
//
// Thread-safe for concurrent use.
type tracker struct {
	inFlight atomic.Int64
	handled  atomic.Int64
}

func (t *tracker) enter() {
	t.inFlight.Add(1)
}

func (t *tracker) exit() {
	t.inFlight.Add(-1)
	t.handled.Add(1)
}
