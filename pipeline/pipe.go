package pipeline

import (
	"context"

	"github.com/fxsml/relay/message"
	"github.com/fxsml/relay/session"
)

// Well-known outcome labels.
const (
	// ForwardSuccess is the outcome of a pipe that completed normally.
	ForwardSuccess = "success"
	// ForwardException is the outcome of a pipe that failed. It is also the
	// fallback for labels without a forward.
	ForwardException = "exception"
)

// Result is the outcome of one pipe invocation.
type Result struct {
	// Forward is the outcome label. Empty means ForwardSuccess.
	Forward string
	// Message replaces the working message when not nil.
	Message *message.Message
}

// Success returns a success result carrying msg.
func Success(msg *message.Message) Result {
	return Result{Forward: ForwardSuccess, Message: msg}
}

// Next returns a result with the given outcome label.
func Next(label string, msg *message.Message) Result {
	return Result{Forward: label, Message: msg}
}

// ProcessFunc processes one message.
type ProcessFunc func(ctx context.Context, msg *message.Message, sess *session.Session) (Result, error)

// Pipe is one processing step of a graph.
type Pipe interface {
	// Name identifies the pipe within its graph.
	Name() string
	// Process handles msg. A returned error routes the message through the
	// "exception" forward.
	Process(ctx context.Context, msg *message.Message, sess *session.Session) (Result, error)
}

// OutcomeDeclarer is implemented by pipes with a closed set of outcome
// labels. Every declared label must have a forward, or an "exception"
// fallback must exist. Pipes that do not implement it may return any label;
// unmapped labels are then detected at run time.
type OutcomeDeclarer interface {
	Outcomes() []string
}

type funcPipe struct {
	name     string
	fn       ProcessFunc
	outcomes []string
}

// NewPipe creates a Pipe from fn. When outcomes are given, the pipe declares
// them as its closed outcome set.
func NewPipe(name string, fn ProcessFunc, outcomes ...string) Pipe {
	p := &funcPipe{name: name, fn: fn}
	if len(outcomes) == 0 {
		return &openPipe{p}
	}
	p.outcomes = outcomes
	return p
}

func (p *funcPipe) Name() string { return p.name }

func (p *funcPipe) Process(ctx context.Context, msg *message.Message, sess *session.Session) (Result, error) {
	return p.fn(ctx, msg, sess)
}

func (p *funcPipe) Outcomes() []string { return p.outcomes }

// openPipe hides Outcomes so the pipe is checked at run time only.
type openPipe struct {
	p *funcPipe
}

func (o *openPipe) Name() string { return o.p.name }

func (o *openPipe) Process(ctx context.Context, msg *message.Message, sess *session.Session) (Result, error) {
	return o.p.fn(ctx, msg, sess)
}
