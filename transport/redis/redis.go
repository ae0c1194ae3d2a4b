// Package redis moves items through Redis lists.
//
// The Source implements the reliable queue pattern: BLMOVE takes an item
// from the queue and parks it on a processing list in one step, and
// Acknowledge removes it from there. Items left on the processing list by a
// crashed process are moved back to the queue on Start.
//
// The Sink pushes dead letters, encoded as CloudEvents, onto a list.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fxsml/relay/fault"
	"github.com/fxsml/relay/message"
	"github.com/fxsml/relay/sink"
	"github.com/fxsml/relay/source"
)

// ErrNotStarted is returned by Poll and Acknowledge before Start.
var ErrNotStarted = errors.New("redis: source not started")

// ConnConfig holds the connection settings shared by Source and Sink.
type ConnConfig struct {
	// Addr is the server address. Default: "localhost:6379".
	Addr     string `yaml:"addr" env:"ADDR"`
	Password string `yaml:"password" env:"PASSWORD"`
	DB       int    `yaml:"db" env:"DB"`
}

func (c ConnConfig) applyDefaults() ConnConfig {
	if c.Addr == "" {
		c.Addr = "localhost:6379"
	}
	return c
}

func (c ConnConfig) options() *redis.Options {
	return &redis.Options{
		Addr:     c.Addr,
		Password: c.Password,
		DB:       c.DB,
		// Poll deadlines and Wakeup are carried by the context.
		ContextTimeoutEnabled: true,
	}
}

// SourceConfig configures a Source.
type SourceConfig struct {
	ConnConfig `yaml:",inline"`
	// Queue is the list items are taken from (right end).
	Queue string `yaml:"queue" env:"QUEUE"`
	// ProcessingQueue parks items until they are acknowledged.
	// Default: Queue + ":processing".
	ProcessingQueue string `yaml:"processingQueue" env:"PROCESSING_QUEUE"`
	// Logger for operational logging. Default: slog.Default().
	Logger Logger `yaml:"-"`
}

func (c SourceConfig) applyDefaults() SourceConfig {
	c.ConnConfig = c.ConnConfig.applyDefaults()
	if c.ProcessingQueue == "" {
		c.ProcessingQueue = c.Queue + ":processing"
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Source polls a Redis list.
type Source struct {
	config SourceConfig
	waker  source.Waker

	mu      sync.Mutex
	client  *redis.Client
	pending chan moveResult
}

var _ source.Source = (*Source)(nil)

// NewSource creates a Source. It connects on Start.
func NewSource(config SourceConfig) (*Source, error) {
	if config.Queue == "" {
		return nil, fault.Configf("redis source: no queue")
	}
	return &Source{config: config.applyDefaults()}, nil
}

// Start connects and moves items left on the processing list back to the
// queue.
func (s *Source) Start(ctx context.Context) error {
	client := redis.NewClient(s.config.options())
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return fmt.Errorf("redis: connect %s: %w", s.config.Addr, err)
	}
	n, err := requeue(ctx, client, s.config.ProcessingQueue, s.config.Queue)
	if err != nil {
		client.Close()
		return fmt.Errorf("redis: requeue %s: %w", s.config.ProcessingQueue, err)
	}
	if n > 0 {
		s.config.Logger.Warn("Requeued unacknowledged items", "queue", s.config.Queue, "count", n)
	}

	s.mu.Lock()
	s.client = client
	s.mu.Unlock()
	s.config.Logger.Info("Redis source started", "addr", s.config.Addr, "queue", s.config.Queue)
	return nil
}

func requeue(ctx context.Context, client *redis.Client, from, to string) (int, error) {
	n := 0
	for {
		err := client.LMove(ctx, from, to, "LEFT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		n++
	}
}

// Stop closes the connection.
func (s *Source) Stop(context.Context) error {
	s.mu.Lock()
	client := s.client
	s.client = nil
	s.pending = nil
	s.mu.Unlock()
	if client == nil {
		return nil
	}
	return client.Close()
}

func (s *Source) conn() (*redis.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil, ErrNotStarted
	}
	return s.client, nil
}

type moveResult struct {
	raw string
	err error
}

// Poll waits up to timeout for the next item. The client cannot abort a
// blocking command, so Wakeup abandons the wait instead; a result that
// arrives later is returned by the next Poll.
func (s *Source) Poll(ctx context.Context, timeout time.Duration) (*source.Item, error) {
	client, err := s.conn()
	if err != nil {
		return nil, err
	}
	pctx, done := s.waker.Context(ctx, timeout)
	defer done()

	s.mu.Lock()
	pending := s.pending
	if pending == nil {
		pending = make(chan moveResult, 1)
		s.pending = pending
		mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		go func() {
			defer cancel()
			raw, err := client.BLMove(mctx, s.config.Queue, s.config.ProcessingQueue, "RIGHT", "LEFT", timeout).Result()
			if mctx.Err() != nil || isTimeout(err) {
				err = redis.Nil
			}
			pending <- moveResult{raw: raw, err: err}
		}()
	}
	s.mu.Unlock()

	var res moveResult
	select {
	case res = <-pending:
		s.mu.Lock()
		s.pending = nil
		s.mu.Unlock()
	case <-pctx.Done():
		return nil, nil
	}
	if errors.Is(res.err, redis.Nil) {
		return nil, nil
	}
	if res.err != nil {
		return nil, fault.Transport("redis poll "+s.config.Queue, res.err)
	}
	return &source.Item{
		ID:      message.NewID(),
		Payload: []byte(res.raw),
		Attributes: message.Attributes{
			message.AttrSource: "redis://" + s.config.Addr + "/" + s.config.Queue,
			"redis.queue":      s.config.Queue,
		},
		Raw:        res.raw,
		ReceivedAt: time.Now(),
	}, nil
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Acknowledge removes the item from the processing list.
func (s *Source) Acknowledge(ctx context.Context, item *source.Item) error {
	client, err := s.conn()
	if err != nil {
		return err
	}
	raw, ok := item.Raw.(string)
	if !ok {
		return fmt.Errorf("redis: item %s was not polled from redis", item.ID)
	}
	if err := client.LRem(ctx, s.config.ProcessingQueue, 1, raw).Err(); err != nil {
		return fault.Transport("redis ack "+s.config.ProcessingQueue, err)
	}
	return nil
}

// Wakeup interrupts a blocked Poll.
func (s *Source) Wakeup() { s.waker.Wakeup() }

// SinkConfig configures a Sink.
type SinkConfig struct {
	ConnConfig `yaml:",inline"`
	// Queue receives dead letters (left end).
	Queue string `yaml:"queue" env:"QUEUE"`
	// Source is the CloudEvents source of dead letters. Default: "relay".
	Source string `yaml:"source" env:"SOURCE"`
	// Logger for operational logging. Default: slog.Default().
	Logger Logger `yaml:"-"`
}

func (c SinkConfig) applyDefaults() SinkConfig {
	c.ConnConfig = c.ConnConfig.applyDefaults()
	if c.Source == "" {
		c.Source = "relay"
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Sink pushes dead letters onto a Redis list.
type Sink struct {
	config SinkConfig
	client *redis.Client
}

var _ sink.ErrorSink = (*Sink)(nil)

// NewSink creates a Sink. The connection is opened lazily by the client.
func NewSink(config SinkConfig) (*Sink, error) {
	if config.Queue == "" {
		return nil, fault.Configf("redis sink: no queue")
	}
	config = config.applyDefaults()
	return &Sink{config: config, client: redis.NewClient(config.options())}, nil
}

// Divert pushes a fault event for item.
func (s *Sink) Divert(ctx context.Context, item *source.Item, reason error) error {
	data, err := sink.EncodeFault(s.config.Source, item, reason)
	if err != nil {
		return err
	}
	if err := s.client.LPush(ctx, s.config.Queue, data).Err(); err != nil {
		return fault.Transport("redis divert "+s.config.Queue, err)
	}
	s.config.Logger.Debug("Dead letter pushed", "queue", s.config.Queue, "item", item.ID)
	return nil
}

// Close closes the connection.
func (s *Sink) Close() error {
	return s.client.Close()
}
