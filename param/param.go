// Package param resolves the typed inputs of a pipe.
//
// A Parameter names one input and says where its value comes from. A List of
// parameters is compiled once at configuration time and then resolved for
// every message:
//
//	list, err := param.Compile([]param.Parameter{
//	    {Name: "orderID", Expression: "input.order.id", Required: true},
//	    {Name: "attempt", SessionKey: "attempt", Type: param.TypeInteger, Default: "0"},
//	    {Name: "next", Expression: "attempt + 1", Type: param.TypeInteger},
//	})
//	values, err := list.Resolve(msg, sess)
//
// Parameters resolve strictly in declaration order. Each value is taken from
// the first source that yields one:
//
//  1. the static Value, or the Pattern with its {name} placeholders filled in
//  2. the session entry named by SessionKey, when present
//  3. the Expression, evaluated over the parsed message
//  4. the Default
//
// Expressions and patterns see the parameters declared before them, never the
// ones after. A reference to a later parameter is rejected by Compile.
package param

import (
	"fmt"
	"log/slog"
	"slices"
)

// Type is the type a parameter value is coerced to.
type Type string

// Parameter types.
const (
	TypeString  Type = "string"
	TypeInteger Type = "integer"
	TypeNumber  Type = "number"
	TypeBoolean Type = "boolean"
	TypeDate    Type = "date"
	TypeJSON    Type = "json"
)

func (t Type) valid() bool {
	switch t {
	case "", TypeString, TypeInteger, TypeNumber, TypeBoolean, TypeDate, TypeJSON:
		return true
	}
	return false
}

func (t Type) orDefault() Type {
	if t == "" {
		return TypeString
	}
	return t
}

// Identifiers bound by the expression environment. Parameters may not use
// these names.
const (
	// InputVar is the parsed message: decoded JSON, or the raw text when the
	// payload is not JSON.
	InputVar = "input"
	// SessionVar is a snapshot of the session key/value pairs.
	SessionVar = "session"
	// MessageVar is the raw message text.
	MessageVar = "message"
)

var reserved = []string{InputVar, SessionVar, MessageVar}

// Parameter defines one named input of a pipe.
type Parameter struct {
	// Name identifies the parameter and binds its value in later expressions.
	Name string `yaml:"name"`
	// Type is the type the value is coerced to. Default: TypeString.
	Type Type `yaml:"type"`
	// Value is a static value.
	Value string `yaml:"value"`
	// Pattern is a static value with {name} placeholders, filled from earlier
	// parameters, then session keys, then the built-ins {now}, {uid} and
	// {hostname}.
	Pattern string `yaml:"pattern"`
	// SessionKey names a session entry to take the value from.
	SessionKey string `yaml:"sessionKey"`
	// Expression is evaluated over the parsed message when no static value
	// or session entry applies.
	Expression string `yaml:"expression"`
	// Default is used when no other source yields a value.
	Default string `yaml:"default"`
	// Format is the time layout used to parse TypeDate strings.
	Format string `yaml:"format"`
	// Required fails resolution when no source yields a value.
	Required bool `yaml:"required"`
	// Hidden masks the value in logs.
	Hidden bool `yaml:"hidden"`
}

// Value is a resolved parameter.
type Value struct {
	Name   string
	Type   Type
	Value  any
	Hidden bool
}

// Values is the ordered result of one resolution pass.
type Values []Value

// Get returns the value named name.
func (vs Values) Get(name string) (any, bool) {
	i := slices.IndexFunc(vs, func(v Value) bool { return v.Name == name })
	if i < 0 {
		return nil, false
	}
	return vs[i].Value, true
}

// String returns the value named name formatted as a string, or "".
func (vs Values) String(name string) string {
	v, ok := vs.Get(name)
	if !ok || v == nil {
		return ""
	}
	if s, isString := v.(string); isString {
		return s
	}
	return fmt.Sprint(v)
}

// Map returns the values keyed by name.
func (vs Values) Map() map[string]any {
	m := make(map[string]any, len(vs))
	for _, v := range vs {
		m[v.Name] = v.Value
	}
	return m
}

// LogValue implements slog.LogValuer. Hidden values are masked.
func (vs Values) LogValue() slog.Value {
	attrs := make([]slog.Attr, 0, len(vs))
	for _, v := range vs {
		if v.Hidden {
			attrs = append(attrs, slog.String(v.Name, "***"))
			continue
		}
		attrs = append(attrs, slog.Any(v.Name, v.Value))
	}
	return slog.GroupValue(attrs...)
}
