package message

import (
	"fmt"
	"maps"
	"time"
)

// Attributes is a map of message metadata. Keys follow the CloudEvents
// attribute names where one exists.
type Attributes map[string]any

// Attribute keys.
const (
	// AttrID is the unique message identifier.
	AttrID = "id"
	// AttrCorrelationID links related messages, such as a request and its reply.
	AttrCorrelationID = "correlationid"
	// AttrType is the message type (e.g., "order.created").
	AttrType = "type"
	// AttrSource identifies the origin, usually the broker queue or topic.
	AttrSource = "source"
	// AttrSubject is the message subject or routing key.
	AttrSubject = "subject"
	// AttrTime is the time the message was produced.
	AttrTime = "time"
	// AttrDataContentType is the payload media type.
	AttrDataContentType = "datacontenttype"
)

// String returns the attribute as a string, or "" if it is absent.
func (a Attributes) String(key string) string {
	v, ok := a[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	case time.Time:
		return t.Format(time.RFC3339Nano)
	default:
		return fmt.Sprint(t)
	}
}

// Clone returns a shallow copy. A nil map clones to an empty one.
func (a Attributes) Clone() Attributes {
	c := make(Attributes, len(a))
	maps.Copy(c, a)
	return c
}
