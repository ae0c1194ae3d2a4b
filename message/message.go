// Package message provides the payload handle that travels through a pipeline.
//
// A Message wraps bytes, a string or a stream. Messages are treated as
// immutable for the duration of one traversal: pipes that transform the
// payload return a new Message instead of modifying the one they received.
package message

import (
	"bytes"
	"io"
	"strings"
	"sync"
)

// Message is a payload handle with CloudEvents-style attributes.
type Message struct {
	// Attributes carries metadata such as id, correlation id and source.
	Attributes Attributes

	mu        sync.Mutex
	data      []byte
	stream    io.Reader
	preserved bool
}

// New creates a message holding data. Pass nil attrs if none are needed.
func New(data []byte, attrs Attributes) *Message {
	return &Message{Attributes: ensure(attrs), data: data, preserved: true}
}

// NewString creates a message holding s.
func NewString(s string, attrs Attributes) *Message {
	return New([]byte(s), attrs)
}

// NewStream creates a message backed by r. The stream is read at most once;
// call Preserve or Bytes to make the content repeatable.
func NewStream(r io.Reader, attrs Attributes) *Message {
	if r == nil {
		return New(nil, attrs)
	}
	return &Message{Attributes: ensure(attrs), stream: r}
}

func ensure(attrs Attributes) Attributes {
	if attrs == nil {
		return make(Attributes)
	}
	return attrs
}

// IsStream reports whether the payload is an unread stream.
func (m *Message) IsStream() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.preserved
}

// IsEmpty reports whether the message carries no payload.
func (m *Message) IsEmpty() bool {
	if m == nil {
		return true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.preserved && len(m.data) == 0
}

// Preserve reads a stream payload into memory so it can be read repeatedly.
// It is a no-op for byte and string payloads.
func (m *Message) Preserve() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.preserveLocked()
}

func (m *Message) preserveLocked() error {
	if m.preserved {
		return nil
	}
	if m.stream == nil {
		return ErrStreamConsumed
	}
	data, err := io.ReadAll(m.stream)
	if c, ok := m.stream.(io.Closer); ok {
		_ = c.Close()
	}
	m.stream = nil
	if err != nil {
		return err
	}
	m.data = data
	m.preserved = true
	return nil
}

// Bytes returns the payload, preserving a stream first. The returned slice
// must not be modified.
func (m *Message) Bytes() ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.preserveLocked(); err != nil {
		return nil, err
	}
	return m.data, nil
}

// Text returns the payload as a string, preserving a stream first.
func (m *Message) Text() (string, error) {
	b, err := m.Bytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Reader returns a reader over the payload. An unpreserved stream is handed
// out exactly once; later calls return ErrStreamConsumed.
func (m *Message) Reader() (io.Reader, error) {
	if m == nil {
		return strings.NewReader(""), nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.preserved {
		return bytes.NewReader(m.data), nil
	}
	if m.stream == nil {
		return nil, ErrStreamConsumed
	}
	r := m.stream
	m.stream = nil
	return r, nil
}

// ID returns the id attribute, or the empty string.
func (m *Message) ID() string {
	if m == nil {
		return ""
	}
	return m.Attributes.String(AttrID)
}

// WithData returns a new message with data and a copy of m's attributes.
func (m *Message) WithData(data []byte) *Message {
	var attrs Attributes
	if m != nil {
		attrs = m.Attributes.Clone()
	}
	return New(data, attrs)
}
