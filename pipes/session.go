package pipes

import (
	"context"

	"github.com/spf13/cast"

	"github.com/fxsml/relay/message"
	"github.com/fxsml/relay/pipeline"
	"github.com/fxsml/relay/session"
)

// PutInSession resolves its parameters and stores each value in the session
// under the parameter name.
type PutInSession struct {
	base
}

// NewPutInSession creates a PutInSession pipe.
func NewPutInSession(spec Spec) (pipeline.Pipe, error) {
	b, err := newBase(spec)
	if err != nil {
		return nil, err
	}
	return &PutInSession{base: b}, nil
}

func (p *PutInSession) Process(_ context.Context, msg *message.Message, sess *session.Session) (pipeline.Result, error) {
	values, err := p.params.Resolve(msg, sess)
	if err != nil {
		return pipeline.Result{}, err
	}
	for _, v := range values {
		sess.Put(v.Name, v.Value)
	}
	return pipeline.Success(msg), nil
}

func (p *PutInSession) Outcomes() []string { return []string{pipeline.ForwardSuccess} }

// ForwardNotFound is emitted by GetFromSession when the key is absent.
const ForwardNotFound = "notFound"

// GetFromSession replaces the message with a session value.
//
// Options: key (default "originalMessage").
type GetFromSession struct {
	base
	key string
}

// NewGetFromSession creates a GetFromSession pipe.
func NewGetFromSession(spec Spec) (pipeline.Pipe, error) {
	b, err := newBase(spec)
	if err != nil {
		return nil, err
	}
	key, err := spec.String("key", session.OriginalMessageKey)
	if err != nil {
		return nil, err
	}
	return &GetFromSession{base: b, key: key}, nil
}

func (p *GetFromSession) Process(_ context.Context, msg *message.Message, sess *session.Session) (pipeline.Result, error) {
	v, ok := sess.Get(p.key)
	if !ok || v == nil {
		return pipeline.Next(ForwardNotFound, msg), nil
	}
	switch t := v.(type) {
	case *message.Message:
		return pipeline.Success(t), nil
	case []byte:
		return pipeline.Success(msg.WithData(t)), nil
	}
	s, err := cast.ToStringE(v)
	if err != nil {
		return pipeline.Result{}, err
	}
	return pipeline.Success(msg.WithData([]byte(s))), nil
}

func (p *GetFromSession) Outcomes() []string {
	return []string{pipeline.ForwardSuccess, ForwardNotFound}
}
