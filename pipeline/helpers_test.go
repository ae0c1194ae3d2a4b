package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/fxsml/relay/message"
	"github.com/fxsml/relay/session"
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

var errBoom = errors.New("boom")

// forward returns a pipe that always emits label.
func forward(name, label string) Pipe {
	return NewPipe(name, func(_ context.Context, msg *message.Message, _ *session.Session) (Result, error) {
		return Next(label, nil), nil
	})
}

// failing returns a pipe that always fails with err.
func failing(name string, err error) Pipe {
	return NewPipe(name, func(context.Context, *message.Message, *session.Session) (Result, error) {
		return Result{}, err
	})
}

// counting wraps p and counts its invocations.
func counting(p Pipe, n *atomic.Int32) Pipe {
	return NewPipe(p.Name(), func(ctx context.Context, msg *message.Message, sess *session.Session) (Result, error) {
		n.Add(1)
		return p.Process(ctx, msg, sess)
	})
}

type releaseCounter struct {
	n atomic.Int32
}

func (r *releaseCounter) Close() error {
	r.n.Add(1)
	return nil
}
