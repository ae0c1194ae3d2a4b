package param

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cast"

	"github.com/fxsml/relay/message"
)

// Coerce converts v to t. Date strings are parsed with format when set.
func Coerce(t Type, format string, v any) (any, error) {
	if m, ok := v.(*message.Message); ok {
		text, err := m.Text()
		if err != nil {
			return nil, err
		}
		v = text
	}
	switch t.orDefault() {
	case TypeString:
		return cast.ToStringE(v)
	case TypeInteger:
		return cast.ToInt64E(v)
	case TypeNumber:
		return cast.ToFloat64E(v)
	case TypeBoolean:
		return cast.ToBoolE(v)
	case TypeDate:
		if s, ok := v.(string); ok && format != "" {
			return time.Parse(format, s)
		}
		return cast.ToTimeE(v)
	case TypeJSON:
		s, ok := v.(string)
		if !ok {
			return v, nil
		}
		var out any
		if err := json.Unmarshal([]byte(s), &out); err != nil {
			return nil, err
		}
		return out, nil
	}
	return nil, fmt.Errorf("unknown type %q", t)
}
