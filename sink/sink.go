// Package sink defines where items go when every delivery attempt failed,
// and the CloudEvents envelope dead letters are written in.
package sink

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/fxsml/relay/source"
)

// ErrorSink accepts an item that could not be processed, together with the
// reason, for manual reprocessing.
type ErrorSink interface {
	Divert(ctx context.Context, item *source.Item, reason error) error
}

// ErrNoSink is returned by Discard.
var ErrNoSink = errors.New("sink: no error sink configured")

// Discard is an ErrorSink that refuses every item, so failed items stay
// unacknowledged at their source.
var Discard ErrorSink = discard{}

type discard struct{}

func (discard) Divert(context.Context, *source.Item, error) error { return ErrNoSink }

// Diverted is one item recorded by a Memory sink.
type Diverted struct {
	Item   *source.Item
	Reason error
	At     time.Time
}

// Memory records diverted items in process.
type Memory struct {
	mu    sync.Mutex
	items []Diverted
	err   error
}

var _ ErrorSink = (*Memory)(nil)

// NewMemory creates an empty memory sink.
func NewMemory() *Memory {
	return &Memory{}
}

// Divert records the item, unless a failure was set with FailWith.
func (m *Memory) Divert(_ context.Context, item *source.Item, reason error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.items = append(m.items, Diverted{Item: item, Reason: reason, At: time.Now()})
	return nil
}

// FailWith makes subsequent Divert calls return err. A nil err restores
// normal operation.
func (m *Memory) FailWith(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

// Items returns the diverted items in order.
func (m *Memory) Items() []Diverted {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Diverted(nil), m.items...)
}
