package param

import (
	"bytes"
	"encoding/json"

	"github.com/fxsml/relay/message"
	"github.com/fxsml/relay/session"
)

const viewMemoKey = "param.view"

// parseView decodes the payload for expression evaluation. JSON payloads
// decode to maps and slices; anything else is exposed as its text.
var parseView = func(msg *message.Message) (any, error) {
	b, err := msg.Bytes()
	if err != nil {
		return nil, err
	}
	trimmed := bytes.TrimSpace(b)
	if len(trimmed) == 0 || (trimmed[0] != '{' && trimmed[0] != '[') {
		return string(b), nil
	}
	var v any
	if err := json.Unmarshal(trimmed, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// structuredView returns the parsed message, memoized on the session for
// this message instance.
func structuredView(msg *message.Message, sess *session.Session) (any, error) {
	if msg == nil {
		return nil, nil
	}
	if sess == nil {
		return parseView(msg)
	}
	return sess.Memo(viewMemoKey, msg, func() (any, error) {
		return parseView(msg)
	})
}
