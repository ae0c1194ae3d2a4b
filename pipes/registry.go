// Package pipes provides the built-in pipe types and the registry that
// builds pipes from declarative specs.
//
//	reg := pipes.NewRegistry()
//	p, err := reg.Build(pipes.Spec{
//	    Name:    "route",
//	    Type:    "switch",
//	    Options: map[string]any{"expression": `input.kind == "order" ? "orders" : "other"`},
//	})
package pipes

import (
	"fmt"
	"slices"
	"sync"

	"github.com/spf13/cast"

	"github.com/fxsml/relay/fault"
	"github.com/fxsml/relay/param"
	"github.com/fxsml/relay/pipeline"
)

// Spec declares one pipe instance.
type Spec struct {
	Name    string
	Type    string
	Params  []param.Parameter
	Options map[string]any
}

// String returns the option key as a string, or def if unset.
func (s Spec) String(key, def string) (string, error) {
	v, ok := s.Options[key]
	if !ok || v == nil {
		return def, nil
	}
	str, err := cast.ToStringE(v)
	if err != nil {
		return "", fault.Configf("pipe %q: option %q: %v", s.Name, key, err)
	}
	return str, nil
}

// Factory builds a pipe from a spec.
type Factory func(Spec) (pipeline.Pipe, error)

// Registry maps pipe type names to factories. Safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns a registry with the built-in types registered:
// echo, fixed, exception, putInSession, getFromSession, switch and
// jsonValidator.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register("echo", NewEcho)
	r.Register("fixed", NewFixed)
	r.Register("exception", NewException)
	r.Register("putInSession", NewPutInSession)
	r.Register("getFromSession", NewGetFromSession)
	r.Register("switch", NewSwitch)
	r.Register("jsonValidator", NewJSONValidator)
	return r
}

// Register adds a factory under typ. Overwrites any existing registration.
func (r *Registry) Register(typ string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[typ] = f
}

// Build creates the pipe declared by spec.
func (r *Registry) Build(spec Spec) (pipeline.Pipe, error) {
	if spec.Name == "" {
		return nil, fault.Configf("pipe of type %q has no name", spec.Type)
	}
	r.mu.RLock()
	f, ok := r.factories[spec.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fault.Configf("pipe %q: unknown type %q", spec.Name, spec.Type)
	}
	p, err := f(spec)
	if err != nil {
		return nil, fmt.Errorf("pipe %q: %w", spec.Name, err)
	}
	return p, nil
}

// Types returns the registered type names, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	slices.Sort(types)
	return types
}

// base holds what every built-in pipe has: a name and its parameters.
type base struct {
	name   string
	params *param.List
}

func newBase(spec Spec) (base, error) {
	params, err := param.Compile(spec.Params)
	if err != nil {
		return base{}, err
	}
	return base{name: spec.Name, params: params}, nil
}

func (b base) Name() string { return b.name }
