// Package kafka polls items from a Kafka consumer group and writes dead
// letters to a topic.
//
// Offsets are committed only when an item is acknowledged, which gives
// at-least-once delivery: an item that is neither processed nor diverted is
// fetched again after a rebalance or restart.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/fxsml/relay/fault"
	"github.com/fxsml/relay/message"
	"github.com/fxsml/relay/sink"
	"github.com/fxsml/relay/source"
)

// ErrNotStarted is returned by Poll and Acknowledge before Start.
var ErrNotStarted = errors.New("kafka: source not started")

// reader is the part of *kafka.Reader a Source uses.
type reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// writer is the part of *kafka.Writer a Sink uses.
type writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// SourceConfig configures a Source.
type SourceConfig struct {
	// Brokers is the list of broker addresses.
	Brokers []string `yaml:"brokers" env:"BROKERS"`
	// Topic to consume.
	Topic string `yaml:"topic" env:"TOPIC"`
	// GroupID is the consumer group. Required, offsets are committed to it.
	GroupID string `yaml:"groupId" env:"GROUP_ID"`
	// StartOffset applies when the group has no committed offset:
	// "first" or "last". Default: "last".
	StartOffset string `yaml:"startOffset" env:"START_OFFSET"`
	// MaxWait bounds a single fetch request. Default: 1s.
	MaxWait time.Duration `yaml:"maxWait" env:"MAX_WAIT"`
	// Logger for operational logging. Default: slog.Default().
	Logger Logger `yaml:"-"`
}

func (c SourceConfig) applyDefaults() SourceConfig {
	if c.StartOffset == "" {
		c.StartOffset = "last"
	}
	if c.MaxWait <= 0 {
		c.MaxWait = time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

func (c SourceConfig) validate() error {
	var errs []error
	if len(c.Brokers) == 0 {
		errs = append(errs, fault.Configf("kafka source: no brokers"))
	}
	if c.Topic == "" {
		errs = append(errs, fault.Configf("kafka source: no topic"))
	}
	if c.GroupID == "" {
		errs = append(errs, fault.Configf("kafka source: no consumer group"))
	}
	switch c.StartOffset {
	case "first", "last":
	default:
		errs = append(errs, fault.Configf("kafka source: start offset %q is neither first nor last", c.StartOffset))
	}
	return errors.Join(errs...)
}

func (c SourceConfig) readerConfig() kafka.ReaderConfig {
	offset := kafka.LastOffset
	if c.StartOffset == "first" {
		offset = kafka.FirstOffset
	}
	return kafka.ReaderConfig{
		Brokers:     c.Brokers,
		GroupID:     c.GroupID,
		Topic:       c.Topic,
		StartOffset: offset,
		MaxWait:     c.MaxWait,
		// Offsets are committed explicitly on acknowledge.
		CommitInterval: 0,
	}
}

// Source consumes a topic as part of a consumer group.
type Source struct {
	config    SourceConfig
	newReader func(kafka.ReaderConfig) reader
	waker     source.Waker

	mu     sync.Mutex
	reader reader
}

var _ source.Source = (*Source)(nil)

// NewSource creates a Source. The consumer joins its group on Start.
func NewSource(config SourceConfig) (*Source, error) {
	config = config.applyDefaults()
	if err := config.validate(); err != nil {
		return nil, err
	}
	return &Source{
		config: config,
		newReader: func(rc kafka.ReaderConfig) reader {
			return kafka.NewReader(rc)
		},
	}, nil
}

// Start creates the consumer.
func (s *Source) Start(context.Context) error {
	r := s.newReader(s.config.readerConfig())
	s.mu.Lock()
	s.reader = r
	s.mu.Unlock()
	s.config.Logger.Info("Kafka source started", "topic", s.config.Topic, "group", s.config.GroupID, "brokers", s.config.Brokers)
	return nil
}

// Stop closes the consumer and leaves the group.
func (s *Source) Stop(context.Context) error {
	s.mu.Lock()
	r := s.reader
	s.reader = nil
	s.mu.Unlock()
	if r == nil {
		return nil
	}
	return r.Close()
}

func (s *Source) current() (reader, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reader == nil {
		return nil, ErrNotStarted
	}
	return s.reader, nil
}

// Poll fetches the next message without committing it.
func (s *Source) Poll(ctx context.Context, timeout time.Duration) (*source.Item, error) {
	r, err := s.current()
	if err != nil {
		return nil, err
	}
	pctx, done := s.waker.Context(ctx, timeout)
	defer done()

	m, err := r.FetchMessage(pctx)
	if err != nil {
		if pctx.Err() != nil {
			return nil, nil
		}
		return nil, fault.Transport("kafka fetch "+s.config.Topic, err)
	}
	return s.toItem(m), nil
}

func (s *Source) toItem(m kafka.Message) *source.Item {
	id := fmt.Sprintf("%s/%d/%d", m.Topic, m.Partition, m.Offset)
	attrs := message.Attributes{
		message.AttrID:     id,
		message.AttrSource: "kafka://" + strings.Join(s.config.Brokers, ",") + "/" + m.Topic,
		"kafka.topic":      m.Topic,
		"kafka.partition":  m.Partition,
		"kafka.offset":     m.Offset,
	}
	if len(m.Key) > 0 {
		attrs["kafka.key"] = string(m.Key)
	}
	if !m.Time.IsZero() {
		attrs[message.AttrTime] = m.Time
	}
	for _, h := range m.Headers {
		switch h.Key {
		case message.AttrID, message.AttrCorrelationID, message.AttrType, message.AttrDataContentType:
			attrs[h.Key] = string(h.Value)
		default:
			attrs["kafka.header."+h.Key] = string(h.Value)
		}
	}
	return &source.Item{
		ID:         attrs.String(message.AttrID),
		Payload:    m.Value,
		Attributes: attrs,
		Raw:        m,
		ReceivedAt: time.Now(),
	}
}

// Acknowledge commits the item's offset.
func (s *Source) Acknowledge(ctx context.Context, item *source.Item) error {
	r, err := s.current()
	if err != nil {
		return err
	}
	m, ok := item.Raw.(kafka.Message)
	if !ok {
		return fmt.Errorf("kafka: item %s was not polled from kafka", item.ID)
	}
	if err := r.CommitMessages(ctx, m); err != nil {
		return fault.Transport("kafka commit "+m.Topic, err)
	}
	return nil
}

// Wakeup interrupts a blocked Poll.
func (s *Source) Wakeup() { s.waker.Wakeup() }

// SinkConfig configures a Sink.
type SinkConfig struct {
	// Brokers is the list of broker addresses.
	Brokers []string `yaml:"brokers" env:"BROKERS"`
	// Topic receives dead letters.
	Topic string `yaml:"topic" env:"TOPIC"`
	// Source is the CloudEvents source of dead letters. Default: "relay".
	Source string `yaml:"source" env:"SOURCE"`
	// Logger for operational logging. Default: slog.Default().
	Logger Logger `yaml:"-"`
}

func (c SinkConfig) applyDefaults() SinkConfig {
	if c.Source == "" {
		c.Source = "relay"
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Sink writes dead letters to a topic, keyed by item id.
type Sink struct {
	config SinkConfig
	writer writer
}

var _ sink.ErrorSink = (*Sink)(nil)

// NewSink creates a Sink. Writes wait for all in-sync replicas.
func NewSink(config SinkConfig) (*Sink, error) {
	config = config.applyDefaults()
	if len(config.Brokers) == 0 || config.Topic == "" {
		return nil, fault.Configf("kafka sink: brokers and topic are required")
	}
	return &Sink{
		config: config,
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(config.Brokers...),
			Topic:                  config.Topic,
			RequiredAcks:           kafka.RequireAll,
			Balancer:               &kafka.Hash{},
			AllowAutoTopicCreation: true,
		},
	}, nil
}

// Divert writes a fault event for item.
func (s *Sink) Divert(ctx context.Context, item *source.Item, reason error) error {
	data, err := sink.EncodeFault(s.config.Source, item, reason)
	if err != nil {
		return err
	}
	err = s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(item.ID),
		Value: data,
		Headers: []kafka.Header{
			{Key: "content-type", Value: []byte("application/cloudevents+json")},
		},
	})
	if err != nil {
		return fault.Transport("kafka divert "+s.config.Topic, err)
	}
	s.config.Logger.Debug("Dead letter written", "topic", s.config.Topic, "item", item.ID)
	return nil
}

// Close flushes and closes the writer.
func (s *Sink) Close() error {
	return s.writer.Close()
}
