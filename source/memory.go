package source

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/fxsml/relay/message"
)

var (
	// ErrClosed is returned when a stopped memory source is used.
	ErrClosed = errors.New("source: closed")
	// ErrSendTimeout is returned when Send times out on a full buffer.
	ErrSendTimeout = errors.New("source: send timeout")
)

// MemoryConfig configures an in-process source.
type MemoryConfig struct {
	// Name is reported as the source attribute. Default: "memory".
	Name string
	// BufferSize is the queue capacity. Default: 100.
	BufferSize int
	// SendTimeout bounds Send on a full queue. Zero blocks until ctx is done.
	SendTimeout time.Duration
}

func (c MemoryConfig) defaults() MemoryConfig {
	if c.Name == "" {
		c.Name = "memory"
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 100
	}
	return c
}

// Memory is a channel-backed Source. Items that are polled but never
// acknowledged can be put back with Redeliver.
type Memory struct {
	cfg    MemoryConfig
	queue  chan *Item
	wakeup chan struct{}

	mu       sync.Mutex
	started  bool
	inflight map[string]*Item
	acked    []string
}

var _ Source = (*Memory)(nil)

// NewMemory creates an in-process source.
func NewMemory(cfg MemoryConfig) *Memory {
	cfg = cfg.defaults()
	return &Memory{
		cfg:      cfg,
		queue:    make(chan *Item, cfg.BufferSize),
		wakeup:   make(chan struct{}, 1),
		inflight: make(map[string]*Item),
	}
}

// Send enqueues a payload. The item gets a new id unless attrs carries one.
func (m *Memory) Send(ctx context.Context, payload []byte, attrs message.Attributes) error {
	attrs = attrs.Clone()
	id := attrs.String(message.AttrID)
	if id == "" {
		id = message.NewID()
		attrs[message.AttrID] = id
	}
	if attrs.String(message.AttrSource) == "" {
		attrs[message.AttrSource] = m.cfg.Name
	}
	item := &Item{ID: id, Payload: payload, Attributes: attrs}

	if m.cfg.SendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.SendTimeout)
		defer cancel()
	}
	select {
	case m.queue <- item:
		return nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ErrSendTimeout
		}
		return ctx.Err()
	}
}

func (m *Memory) Start(context.Context) error {
	m.mu.Lock()
	m.started = true
	m.mu.Unlock()
	return nil
}

func (m *Memory) Stop(context.Context) error {
	m.mu.Lock()
	m.started = false
	m.mu.Unlock()
	return nil
}

// Poll waits up to timeout for the next item.
func (m *Memory) Poll(ctx context.Context, timeout time.Duration) (*Item, error) {
	m.mu.Lock()
	started := m.started
	m.mu.Unlock()
	if !started {
		return nil, ErrClosed
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case item := <-m.queue:
		item.ReceivedAt = time.Now()
		m.mu.Lock()
		m.inflight[item.ID] = item
		m.mu.Unlock()
		return item, nil
	case <-m.wakeup:
		return nil, nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, nil
	}
}

// Acknowledge removes the item from the in-flight set.
func (m *Memory) Acknowledge(_ context.Context, item *Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inflight, item.ID)
	m.acked = append(m.acked, item.ID)
	return nil
}

// Wakeup interrupts a blocked Poll.
func (m *Memory) Wakeup() {
	select {
	case m.wakeup <- struct{}{}:
	default:
	}
}

// Acked returns the ids of acknowledged items in order.
func (m *Memory) Acked() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.acked...)
}

// Len returns the number of queued items.
func (m *Memory) Len() int {
	return len(m.queue)
}

// Redeliver requeues every polled but unacknowledged item and returns how
// many were requeued.
func (m *Memory) Redeliver(ctx context.Context) (int, error) {
	m.mu.Lock()
	pending := make([]*Item, 0, len(m.inflight))
	for id, item := range m.inflight {
		pending = append(pending, item)
		delete(m.inflight, id)
	}
	m.mu.Unlock()

	for i, item := range pending {
		select {
		case m.queue <- item:
		case <-ctx.Done():
			return i, ctx.Err()
		}
	}
	return len(pending), nil
}
