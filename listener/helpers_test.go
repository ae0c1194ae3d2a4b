package listener

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fxsml/relay/source"
)

type logCall struct {
	msg  string
	args []any
}

// mockLogger implements the Logger interface for testing.
type mockLogger struct {
	mu         sync.Mutex
	debugCalls []logCall
	infoCalls  []logCall
	warnCalls  []logCall
	errorCalls []logCall
}

func (l *mockLogger) Debug(msg string, args ...any) {
	l.mu.Lock()
	l.debugCalls = append(l.debugCalls, logCall{msg, args})
	l.mu.Unlock()
}

func (l *mockLogger) Info(msg string, args ...any) {
	l.mu.Lock()
	l.infoCalls = append(l.infoCalls, logCall{msg, args})
	l.mu.Unlock()
}

func (l *mockLogger) Warn(msg string, args ...any) {
	l.mu.Lock()
	l.warnCalls = append(l.warnCalls, logCall{msg, args})
	l.mu.Unlock()
}

func (l *mockLogger) Error(msg string, args ...any) {
	l.mu.Lock()
	l.errorCalls = append(l.errorCalls, logCall{msg, args})
	l.mu.Unlock()
}

func (l *mockLogger) warnings() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.warnCalls)
}

func (l *mockLogger) errors() []logCall {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]logCall(nil), l.errorCalls...)
}

var errBroker = errors.New("broker unavailable")

// scriptedSource is a Source whose first run can be made to hang in Poll
// and whose polls can be made to fail.
type scriptedSource struct {
	mu       sync.Mutex
	starts   int
	stops    int
	running  bool
	// overlaps counts starts while the previous run was not stopped.
	overlaps int
	stuck    bool
	startErr error

	// hangFirstRun makes every Poll of the first run block until the loop
	// context is cancelled.
	hangFirstRun bool
	// failPolls is the number of polls that return errBroker.
	failPolls atomic.Int32

	polls  atomic.Int64
	wakeup chan struct{}
}

var _ source.Source = (*scriptedSource)(nil)

func newScriptedSource() *scriptedSource {
	return &scriptedSource{wakeup: make(chan struct{}, 1)}
}

func (s *scriptedSource) Start(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startErr != nil {
		return s.startErr
	}
	s.starts++
	if s.running {
		s.overlaps++
	}
	s.running = true
	s.stuck = s.hangFirstRun && s.starts == 1
	return nil
}

func (s *scriptedSource) Stop(context.Context) error {
	s.mu.Lock()
	s.stops++
	s.running = false
	s.mu.Unlock()
	return nil
}

func (s *scriptedSource) Poll(ctx context.Context, timeout time.Duration) (*source.Item, error) {
	s.polls.Add(1)
	s.mu.Lock()
	stuck := s.stuck
	s.mu.Unlock()
	if stuck {
		<-ctx.Done()
		return nil, nil
	}
	if s.failPolls.Load() > 0 {
		s.failPolls.Add(-1)
		return nil, errBroker
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-t.C:
	case <-s.wakeup:
	case <-ctx.Done():
	}
	return nil, nil
}

func (s *scriptedSource) Acknowledge(context.Context, *source.Item) error { return nil }

func (s *scriptedSource) Wakeup() {
	select {
	case s.wakeup <- struct{}{}:
	default:
	}
}

func (s *scriptedSource) counts() (starts, stops int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.starts, s.stops
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(d time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return cond()
}
