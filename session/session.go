// Package session provides the per-message context that travels with a
// message through a pipeline.
//
// A Session is a key/value store plus a resource registry. Resources that a
// pipe opens while processing (streams, connections, temp files) are
// scheduled on the session and released exactly once when the session is
// closed, whatever path the traversal took.
package session

import (
	"errors"
	"fmt"
	"io"
	"maps"
	"sync"
	"time"

	"github.com/spf13/cast"

	"github.com/fxsml/relay/message"
)

// Well-known session keys.
const (
	OriginalMessageKey = "originalMessage"
	MessageIDKey       = "mid"
	CorrelationIDKey   = "cid"
	ReceivedKey        = "tsReceived"
	ExitStateKey       = "exitState"
	ExitCodeKey        = "exitCode"
	ExceptionKey       = "exception"
)

// ErrClosed is returned when a resource is scheduled on a closed session.
var ErrClosed = errors.New("session: closed")

type closeable struct {
	c     io.Closer
	owner string
}

type memo struct {
	owner any
	value any
	err   error
}

// Session is the mutable context of one in-flight message. It must not be
// shared between messages.
type Session struct {
	mu        sync.Mutex
	values    map[string]any
	closeable []closeable
	memos     map[string]memo
	closed    bool
	once      sync.Once
	closeErr  error
}

// New creates an empty session.
func New() *Session {
	return &Session{
		values: make(map[string]any),
		memos:  make(map[string]memo),
	}
}

// NewFor creates a session for msg: the original message, its id, its
// correlation id and the receive time are stored under the well-known keys.
func NewFor(msg *message.Message) *Session {
	s := New()
	s.values[OriginalMessageKey] = msg
	s.values[ReceivedKey] = time.Now()
	if msg != nil {
		id := msg.ID()
		s.values[MessageIDKey] = id
		cid := msg.Attributes.String(message.AttrCorrelationID)
		if cid == "" {
			cid = id
		}
		s.values[CorrelationIDKey] = cid
	}
	return s
}

// Put stores value under key.
func (s *Session) Put(key string, value any) {
	s.mu.Lock()
	s.values[key] = value
	s.mu.Unlock()
}

// PutAll stores every entry of m.
func (s *Session) PutAll(m map[string]any) {
	s.mu.Lock()
	maps.Copy(s.values, m)
	s.mu.Unlock()
}

// Get returns the value stored under key.
func (s *Session) Get(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok
}

// Remove deletes key and returns its previous value.
func (s *Session) Remove(key string) any {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.values[key]
	delete(s.values, key)
	return v
}

// GetString returns the value under key converted to a string.
// Messages are rendered as their text payload.
func (s *Session) GetString(key string) (string, error) {
	v, ok := s.Get(key)
	if !ok || v == nil {
		return "", nil
	}
	if m, isMsg := v.(*message.Message); isMsg {
		return m.Text()
	}
	return cast.ToStringE(v)
}

// GetInt returns the value under key converted to an int, or def if absent.
func (s *Session) GetInt(key string, def int) (int, error) {
	v, ok := s.Get(key)
	if !ok || v == nil {
		return def, nil
	}
	n, err := cast.ToIntE(v)
	if err != nil {
		return def, fmt.Errorf("session: key %q: %w", key, err)
	}
	return n, nil
}

// GetBool returns the value under key converted to a bool, or def if absent.
func (s *Session) GetBool(key string, def bool) (bool, error) {
	v, ok := s.Get(key)
	if !ok || v == nil {
		return def, nil
	}
	b, err := cast.ToBoolE(v)
	if err != nil {
		return def, fmt.Errorf("session: key %q: %w", key, err)
	}
	return b, nil
}

// Snapshot returns a copy of all key/value pairs.
func (s *Session) Snapshot() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.values)
}

// OriginalMessage returns the inbound message retained under
// OriginalMessageKey, or nil.
func (s *Session) OriginalMessage() *message.Message {
	v, _ := s.Get(OriginalMessageKey)
	m, _ := v.(*message.Message)
	return m
}

// MessageID returns the message id stored on the session.
func (s *Session) MessageID() string {
	v, _ := s.Get(MessageIDKey)
	id, _ := v.(string)
	return id
}

// Memo returns the value computed by fn for key, computing it at most once
// per owner. A different owner under the same key invalidates the memo, so
// derived views of a message are recomputed when a pipe replaces it.
func (s *Session) Memo(key string, owner any, fn func() (any, error)) (any, error) {
	s.mu.Lock()
	if m, ok := s.memos[key]; ok && m.owner == owner {
		s.mu.Unlock()
		return m.value, m.err
	}
	s.mu.Unlock()

	v, err := fn()

	s.mu.Lock()
	s.memos[key] = memo{owner: owner, value: v, err: err}
	s.mu.Unlock()
	return v, err
}

// ScheduleCloseOnExit registers c to be closed when the session closes.
// The owner names the requester in release error messages.
func (s *Session) ScheduleCloseOnExit(c io.Closer, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	for _, e := range s.closeable {
		if e.c == c {
			return nil
		}
	}
	s.closeable = append(s.closeable, closeable{c: c, owner: owner})
	return nil
}

// Unschedule removes c from the resources released on close. Use it when a
// pipe hands ownership of the resource elsewhere.
func (s *Session) Unschedule(c io.Closer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.closeable {
		if e.c == c {
			s.closeable = append(s.closeable[:i], s.closeable[i+1:]...)
			return
		}
	}
}

// IsScheduled reports whether c will be closed with the session.
func (s *Session) IsScheduled(c io.Closer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.closeable {
		if e.c == c {
			return true
		}
	}
	return false
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close releases every scheduled resource exactly once, in reverse order of
// registration. It is idempotent: later calls return the first result.
func (s *Session) Close() error {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		pending := s.closeable
		s.closeable = nil
		s.mu.Unlock()

		var errs []error
		for i := len(pending) - 1; i >= 0; i-- {
			e := pending[i]
			if err := e.c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("session: close resource of %s: %w", e.owner, err))
			}
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}
