package receiver

import "sync"

// settlement settles one item exactly once: it is either acknowledged after
// a success or diverted after failure, never both and never twice.
type settlement struct {
	mu      sync.Mutex
	ackFn   func() error
	divFn   func(reason error) error
	settled bool
}

func newSettlement(ack func() error, divert func(reason error) error) *settlement {
	return &settlement{ackFn: ack, divFn: divert}
}

// ack runs the ack callback unless the item was settled already. It reports
// whether the callback ran.
func (s *settlement) ack() (bool, error) {
	s.mu.Lock()
	if s.settled {
		s.mu.Unlock()
		return false, nil
	}
	s.settled = true
	fn := s.ackFn
	s.mu.Unlock()

	// Callbacks run outside the lock.
	return true, fn()
}

// divert runs the divert callback unless the item was settled already.
func (s *settlement) divert(reason error) (bool, error) {
	s.mu.Lock()
	if s.settled {
		s.mu.Unlock()
		return false, nil
	}
	s.settled = true
	fn := s.divFn
	s.mu.Unlock()

	return true, fn(reason)
}
