package param

import (
	"strings"

	"github.com/expr-lang/expr"

	"github.com/fxsml/relay/message"
	"github.com/fxsml/relay/session"
)

// Resolve computes the values of all parameters for msg. Parameters resolve
// in declaration order and later parameters see the values of earlier ones.
// The first failure is returned as a *ResolutionError.
func (l *List) Resolve(msg *message.Message, sess *session.Session) (Values, error) {
	if l == nil || len(l.params) == 0 {
		return nil, nil
	}
	r := &resolution{msg: msg, sess: sess, values: make(Values, 0, len(l.params))}
	for i := range l.params {
		v, err := r.resolve(&l.params[i])
		if err != nil {
			return r.values, err
		}
		r.values = append(r.values, v)
	}
	return r.values, nil
}

// resolution holds the state of one pass.
type resolution struct {
	msg    *message.Message
	sess   *session.Session
	values Values
	env    map[string]any
}

func (r *resolution) resolve(p *compiled) (Value, error) {
	raw, found, err := r.lookup(p)
	if err != nil {
		return Value{}, err
	}

	out := Value{Name: p.Name, Type: p.Type, Hidden: p.Hidden}
	switch {
	case found:
		v, err := Coerce(p.Type, p.Format, raw)
		if err != nil {
			return Value{}, resolutionError(p.Name, ErrCoercion, err)
		}
		out.Value = v
	case p.hasDefault:
		out.Value = p.def
	case p.Required:
		return Value{}, resolutionError(p.Name, ErrMissingValue, nil)
	}
	return out, nil
}

// lookup returns the raw value of the first source that yields one.
func (r *resolution) lookup(p *compiled) (any, bool, error) {
	if p.Value != "" {
		return p.Value, true, nil
	}
	if p.pattern != nil {
		s, err := r.fill(p)
		if err != nil {
			return nil, false, err
		}
		return s, true, nil
	}
	if p.SessionKey != "" && r.sess != nil {
		if v, ok := r.sess.Get(p.SessionKey); ok && v != nil {
			return v, true, nil
		}
	}
	if p.program != nil {
		env, err := r.environment()
		if err != nil {
			return nil, false, resolutionError(p.Name, ErrExpression, err)
		}
		v, err := expr.Run(p.program, env)
		if err != nil {
			return nil, false, resolutionError(p.Name, ErrExpression, err)
		}
		if v != nil {
			return v, true, nil
		}
	}
	return nil, false, nil
}

func (r *resolution) fill(p *compiled) (string, error) {
	var b strings.Builder
	for _, seg := range p.pattern {
		if !seg.placeholder {
			b.WriteString(seg.text)
			continue
		}
		if _, ok := r.values.Get(seg.text); ok {
			b.WriteString(r.values.String(seg.text))
			continue
		}
		if r.sess != nil {
			if _, ok := r.sess.Get(seg.text); ok {
				s, err := r.sess.GetString(seg.text)
				if err != nil {
					return "", resolutionError(p.Name, ErrExpression, err)
				}
				b.WriteString(s)
				continue
			}
		}
		if s, ok := builtin(seg.text); ok {
			b.WriteString(s)
			continue
		}
		return "", resolutionError(p.Name, ErrExpression, errUnknownPlaceholder(seg.text))
	}
	return b.String(), nil
}

type errUnknownPlaceholder string

func (e errUnknownPlaceholder) Error() string {
	return "unknown placeholder {" + string(e) + "}"
}

// environment builds the expression environment. The message is parsed on
// first use; values resolved later in the pass are added as they appear.
func (r *resolution) environment() (map[string]any, error) {
	if r.env == nil {
		env, err := Environment(r.msg, r.sess, nil)
		if err != nil {
			return nil, err
		}
		r.env = env
	}
	for _, v := range r.values {
		r.env[v.Name] = v.Value
	}
	return r.env, nil
}

// Environment returns the variables an expression over msg can refer to:
// input, session, message and every value in vs by name. The parsed view of
// msg is memoized on sess.
func Environment(msg *message.Message, sess *session.Session, vs Values) (map[string]any, error) {
	view, err := structuredView(msg, sess)
	if err != nil {
		return nil, err
	}
	text := ""
	if msg != nil {
		text, _ = msg.Text()
	}
	var snapshot map[string]any
	if sess != nil {
		snapshot = sess.Snapshot()
	}
	env := map[string]any{
		InputVar:   view,
		SessionVar: snapshot,
		MessageVar: text,
	}
	for _, v := range vs {
		env[v.Name] = v.Value
	}
	return env, nil
}
