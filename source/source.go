// Package source defines the contract between a listener and the broker it
// pulls items from, plus an in-process implementation.
package source

import (
	"context"
	"time"

	"github.com/fxsml/relay/message"
)

// Source is an inbound broker endpoint polled by a listener container.
//
// Poll blocks for at most timeout and returns (nil, nil) when no item
// arrived. Wakeup must interrupt a blocked Poll from another goroutine.
// Items must be acknowledged in the order they were polled.
type Source interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Poll(ctx context.Context, timeout time.Duration) (*Item, error)
	Acknowledge(ctx context.Context, item *Item) error
	Wakeup()
}

// Item is one raw inbound item.
type Item struct {
	// ID identifies the item at its source.
	ID string
	// Payload is the raw content.
	Payload []byte
	// Attributes carries broker metadata (headers, topic, key).
	Attributes message.Attributes
	// Raw is the broker-specific handle used for acknowledgement.
	Raw any
	// ReceivedAt is the time the item was polled.
	ReceivedAt time.Time
}

// Message builds a fresh Message from the item. Every call returns a new
// message, so retries never observe changes made by an earlier attempt.
func (i *Item) Message() *message.Message {
	attrs := i.Attributes.Clone()
	if attrs.String(message.AttrID) == "" && i.ID != "" {
		attrs[message.AttrID] = i.ID
	}
	return message.New(i.Payload, attrs)
}
