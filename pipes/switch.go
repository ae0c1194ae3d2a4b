package pipes

import (
	"context"
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/spf13/cast"

	"github.com/fxsml/relay/fault"
	"github.com/fxsml/relay/message"
	"github.com/fxsml/relay/param"
	"github.com/fxsml/relay/pipeline"
	"github.com/fxsml/relay/session"
)

// Switch evaluates an expression and uses the result as the outcome label.
// The expression sees input, session, message and the pipe's parameters.
// Its labels are open, so unmapped results fall back to the exception
// forward at run time.
//
// Options: expression (required), default (label used for empty results).
type Switch struct {
	base
	program *vm.Program
	def     string
}

// NewSwitch creates a Switch pipe.
func NewSwitch(spec Spec) (pipeline.Pipe, error) {
	b, err := newBase(spec)
	if err != nil {
		return nil, err
	}
	src, err := spec.String("expression", "")
	if err != nil {
		return nil, err
	}
	if src == "" {
		return nil, fault.Configf("pipe %q: option expression is required", spec.Name)
	}
	program, err := expr.Compile(src, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fault.Configf("pipe %q: expression: %v", spec.Name, err)
	}
	def, err := spec.String("default", "")
	if err != nil {
		return nil, err
	}
	return &Switch{base: b, program: program, def: def}, nil
}

func (p *Switch) Process(_ context.Context, msg *message.Message, sess *session.Session) (pipeline.Result, error) {
	values, err := p.params.Resolve(msg, sess)
	if err != nil {
		return pipeline.Result{}, err
	}
	env, err := param.Environment(msg, sess, values)
	if err != nil {
		return pipeline.Result{}, err
	}
	out, err := expr.Run(p.program, env)
	if err != nil {
		return pipeline.Result{}, fmt.Errorf("switch: %w", err)
	}
	label, err := cast.ToStringE(out)
	if err != nil {
		return pipeline.Result{}, fmt.Errorf("switch: result %v is not a label: %w", out, err)
	}
	if label == "" {
		label = p.def
	}
	if label == "" {
		return pipeline.Result{}, fmt.Errorf("switch: expression produced no label")
	}
	return pipeline.Next(label, msg), nil
}
