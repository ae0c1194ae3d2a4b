// Package nats polls items from a NATS subject and publishes dead letters.
//
// Core NATS has no acknowledgement: an item is gone once delivered. Set
// Ack when the subject is backed by a JetStream consumer so that
// Acknowledge confirms the message.
package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/fxsml/relay/fault"
	"github.com/fxsml/relay/message"
	"github.com/fxsml/relay/sink"
	"github.com/fxsml/relay/source"
)

// ErrNotStarted is returned by Poll before Start.
var ErrNotStarted = errors.New("nats: source not started")

// subscription is the part of *nats.Subscription a Source uses.
type subscription interface {
	NextMsgWithContext(ctx context.Context) (*nats.Msg, error)
	Unsubscribe() error
}

// publisher is the part of *nats.Conn a Sink uses.
type publisher interface {
	PublishMsg(m *nats.Msg) error
	FlushTimeout(timeout time.Duration) error
	Close()
}

// SourceConfig configures a Source.
type SourceConfig struct {
	// URL is the server URL. Default: nats.DefaultURL.
	URL string `yaml:"url" env:"URL"`
	// Subject to subscribe to. Wildcards are allowed.
	Subject string `yaml:"subject" env:"SUBJECT"`
	// Queue is the optional queue group shared by competing receivers.
	Queue string `yaml:"queue" env:"QUEUE"`
	// Ack acknowledges messages on Acknowledge (JetStream).
	Ack bool `yaml:"ack" env:"ACK"`
	// PendingLimit caps the messages buffered by the client. Default: 1024.
	PendingLimit int `yaml:"pendingLimit" env:"PENDING_LIMIT"`
	// ConnectTimeout bounds the initial connection. Default: 5s.
	ConnectTimeout time.Duration `yaml:"connectTimeout" env:"CONNECT_TIMEOUT"`
	// Logger for operational logging. Default: slog.Default().
	Logger Logger `yaml:"-"`
}

func (c SourceConfig) applyDefaults() SourceConfig {
	if c.URL == "" {
		c.URL = nats.DefaultURL
	}
	if c.PendingLimit <= 0 {
		c.PendingLimit = 1024
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

func connect(url string, timeout time.Duration, logger Logger) (*nats.Conn, error) {
	return nats.Connect(url,
		nats.Timeout(timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("NATS reconnected")
		}),
	)
}

// Source pulls messages from a synchronous subscription.
type Source struct {
	config    SourceConfig
	subscribe func(ctx context.Context) (subscription, func(), error)
	waker     source.Waker

	mu    sync.Mutex
	sub   subscription
	close func()
}

var _ source.Source = (*Source)(nil)

// NewSource creates a Source. It connects on Start.
func NewSource(config SourceConfig) (*Source, error) {
	if config.Subject == "" {
		return nil, fault.Configf("nats source: no subject")
	}
	s := &Source{config: config.applyDefaults()}
	s.subscribe = s.dial
	return s, nil
}

func (s *Source) dial(context.Context) (subscription, func(), error) {
	conn, err := connect(s.config.URL, s.config.ConnectTimeout, s.config.Logger)
	if err != nil {
		return nil, nil, fmt.Errorf("nats: connect %s: %w", s.config.URL, err)
	}
	var sub *nats.Subscription
	if s.config.Queue != "" {
		sub, err = conn.QueueSubscribeSync(s.config.Subject, s.config.Queue)
	} else {
		sub, err = conn.SubscribeSync(s.config.Subject)
	}
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("nats: subscribe %s: %w", s.config.Subject, err)
	}
	if err := sub.SetPendingLimits(s.config.PendingLimit, -1); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("nats: pending limits: %w", err)
	}
	return sub, conn.Close, nil
}

// Start connects and subscribes.
func (s *Source) Start(ctx context.Context) error {
	sub, closeConn, err := s.subscribe(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.sub, s.close = sub, closeConn
	s.mu.Unlock()
	s.config.Logger.Info("NATS source started", "subject", s.config.Subject, "queue", s.config.Queue)
	return nil
}

// Stop unsubscribes and closes the connection.
func (s *Source) Stop(context.Context) error {
	s.mu.Lock()
	sub, closeConn := s.sub, s.close
	s.sub, s.close = nil, nil
	s.mu.Unlock()
	if sub == nil {
		return nil
	}
	err := sub.Unsubscribe()
	if closeConn != nil {
		closeConn()
	}
	if errors.Is(err, nats.ErrConnectionClosed) {
		return nil
	}
	return err
}

// Poll waits up to timeout for the next message.
func (s *Source) Poll(ctx context.Context, timeout time.Duration) (*source.Item, error) {
	s.mu.Lock()
	sub := s.sub
	s.mu.Unlock()
	if sub == nil {
		return nil, ErrNotStarted
	}
	pctx, done := s.waker.Context(ctx, timeout)
	defer done()

	m, err := sub.NextMsgWithContext(pctx)
	if err != nil {
		if pctx.Err() != nil || errors.Is(err, nats.ErrTimeout) {
			return nil, nil
		}
		return nil, fault.Transport("nats next "+s.config.Subject, err)
	}
	return s.toItem(m), nil
}

func (s *Source) toItem(m *nats.Msg) *source.Item {
	attrs := message.Attributes{
		message.AttrSource:  s.config.URL,
		message.AttrSubject: m.Subject,
		"nats.subject":      m.Subject,
	}
	if m.Reply != "" {
		attrs["nats.reply"] = m.Reply
	}
	for k := range m.Header {
		switch k {
		case nats.MsgIdHdr:
			attrs[message.AttrID] = m.Header.Get(k)
		case message.AttrCorrelationID, message.AttrType:
			attrs[k] = m.Header.Get(k)
		default:
			attrs["nats.header."+k] = m.Header.Get(k)
		}
	}
	id := attrs.String(message.AttrID)
	if id == "" {
		id = message.NewID()
		attrs[message.AttrID] = id
	}
	return &source.Item{
		ID:         id,
		Payload:    m.Data,
		Attributes: attrs,
		Raw:        m,
		ReceivedAt: time.Now(),
	}
}

// Acknowledge confirms the message when Ack is set and is a no-op
// otherwise.
func (s *Source) Acknowledge(ctx context.Context, item *source.Item) error {
	if !s.config.Ack {
		return nil
	}
	m, ok := item.Raw.(*nats.Msg)
	if !ok {
		return fmt.Errorf("nats: item %s was not polled from nats", item.ID)
	}
	if err := m.Ack(nats.Context(ctx)); err != nil {
		return fault.Transport("nats ack "+m.Subject, err)
	}
	return nil
}

// Wakeup interrupts a blocked Poll.
func (s *Source) Wakeup() { s.waker.Wakeup() }

// SinkConfig configures a Sink.
type SinkConfig struct {
	// URL is the server URL. Default: nats.DefaultURL.
	URL string `yaml:"url" env:"URL"`
	// Subject receives dead letters.
	Subject string `yaml:"subject" env:"SUBJECT"`
	// Source is the CloudEvents source of dead letters. Default: "relay".
	Source string `yaml:"source" env:"SOURCE"`
	// FlushTimeout bounds the flush after each publish. Default: 1s.
	FlushTimeout time.Duration `yaml:"flushTimeout" env:"FLUSH_TIMEOUT"`
	// ConnectTimeout bounds the initial connection. Default: 5s.
	ConnectTimeout time.Duration `yaml:"connectTimeout" env:"CONNECT_TIMEOUT"`
	// Logger for operational logging. Default: slog.Default().
	Logger Logger `yaml:"-"`
}

func (c SinkConfig) applyDefaults() SinkConfig {
	if c.URL == "" {
		c.URL = nats.DefaultURL
	}
	if c.Source == "" {
		c.Source = "relay"
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Sink publishes dead letters to a subject.
type Sink struct {
	config SinkConfig
	conn   publisher
}

var _ sink.ErrorSink = (*Sink)(nil)

// NewSink connects and creates a Sink.
func NewSink(config SinkConfig) (*Sink, error) {
	if config.Subject == "" {
		return nil, fault.Configf("nats sink: no subject")
	}
	config = config.applyDefaults()
	conn, err := connect(config.URL, config.ConnectTimeout, config.Logger)
	if err != nil {
		return nil, fmt.Errorf("nats: connect %s: %w", config.URL, err)
	}
	return &Sink{config: config, conn: conn}, nil
}

// Divert publishes a fault event for item and waits for the flush.
func (s *Sink) Divert(_ context.Context, item *source.Item, reason error) error {
	data, err := sink.EncodeFault(s.config.Source, item, reason)
	if err != nil {
		return err
	}
	m := nats.NewMsg(s.config.Subject)
	m.Data = data
	m.Header.Set("Content-Type", "application/cloudevents+json")
	if item.ID != "" {
		m.Header.Set(nats.MsgIdHdr, "fault-"+item.ID)
	}
	if err := s.conn.PublishMsg(m); err != nil {
		return fault.Transport("nats divert "+s.config.Subject, err)
	}
	if err := s.conn.FlushTimeout(s.config.FlushTimeout); err != nil {
		return fault.Transport("nats flush "+s.config.Subject, err)
	}
	s.config.Logger.Debug("Dead letter published", "subject", s.config.Subject, "item", item.ID)
	return nil
}

// Close closes the connection.
func (s *Sink) Close() error {
	s.conn.Close()
	return nil
}
