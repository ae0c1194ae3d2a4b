package pipes

import (
	"context"
	"fmt"
	"strings"

	"github.com/fxsml/relay/fault"
	"github.com/fxsml/relay/message"
	"github.com/fxsml/relay/pipeline"
	"github.com/fxsml/relay/session"
)

// Echo passes the message through unchanged.
type Echo struct {
	base
}

// NewEcho creates an Echo pipe.
func NewEcho(spec Spec) (pipeline.Pipe, error) {
	b, err := newBase(spec)
	if err != nil {
		return nil, err
	}
	return &Echo{base: b}, nil
}

func (p *Echo) Process(_ context.Context, msg *message.Message, _ *session.Session) (pipeline.Result, error) {
	return pipeline.Success(msg), nil
}

func (p *Echo) Outcomes() []string { return []string{pipeline.ForwardSuccess} }

// Fixed replaces the message with fixed content and emits a fixed outcome.
// Placeholders {name} in the content are replaced by resolved parameters.
//
// Options: content, forward (default "success").
type Fixed struct {
	base
	content string
	forward string
}

// NewFixed creates a Fixed pipe.
func NewFixed(spec Spec) (pipeline.Pipe, error) {
	b, err := newBase(spec)
	if err != nil {
		return nil, err
	}
	content, err := spec.String("content", "")
	if err != nil {
		return nil, err
	}
	forward, err := spec.String("forward", pipeline.ForwardSuccess)
	if err != nil {
		return nil, err
	}
	return &Fixed{base: b, content: content, forward: forward}, nil
}

func (p *Fixed) Process(_ context.Context, msg *message.Message, sess *session.Session) (pipeline.Result, error) {
	values, err := p.params.Resolve(msg, sess)
	if err != nil {
		return pipeline.Result{}, err
	}
	content := p.content
	if len(values) > 0 {
		pairs := make([]string, 0, 2*len(values))
		for _, v := range values {
			pairs = append(pairs, "{"+v.Name+"}", values.String(v.Name))
		}
		content = strings.NewReplacer(pairs...).Replace(content)
	}
	return pipeline.Next(p.forward, msg.WithData([]byte(content))), nil
}

func (p *Fixed) Outcomes() []string { return []string{p.forward} }

// Exception always fails. It marks branches that must never be taken and
// exercises exception routing.
//
// Options: message.
type Exception struct {
	base
	text string
}

// NewException creates an Exception pipe.
func NewException(spec Spec) (pipeline.Pipe, error) {
	b, err := newBase(spec)
	if err != nil {
		return nil, err
	}
	text, err := spec.String("message", "exception pipe reached")
	if err != nil {
		return nil, err
	}
	return &Exception{base: b, text: text}, nil
}

func (p *Exception) Process(_ context.Context, msg *message.Message, sess *session.Session) (pipeline.Result, error) {
	text := p.text
	values, err := p.params.Resolve(msg, sess)
	if err != nil {
		return pipeline.Result{}, fmt.Errorf("%w: %s: %w", fault.ErrPipeExecution, text, err)
	}
	if len(values) > 0 {
		text = fmt.Sprintf("%s %v", text, values.Map())
	}
	return pipeline.Result{}, fmt.Errorf("%w: %s", fault.ErrPipeExecution, text)
}

func (p *Exception) Outcomes() []string { return []string{pipeline.ForwardException} }
