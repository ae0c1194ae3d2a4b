package source

import (
	"context"
	"sync"
	"time"
)

// Waker lets Wakeup interrupt a Poll that blocks on a broker call taking a
// context. A Wakeup with no poll in progress makes the next poll return at
// once.
//
// The zero value is ready to use.
type Waker struct {
	mu      sync.Mutex
	cancel  context.CancelFunc
	pending bool
}

// Context returns the context for one poll, bounded by timeout. The caller
// must call the returned cancel function when the poll returns.
func (w *Waker) Context(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	pctx, cancel := context.WithTimeout(ctx, timeout)
	w.mu.Lock()
	if w.pending {
		w.pending = false
		cancel()
	}
	w.cancel = cancel
	w.mu.Unlock()
	return pctx, func() {
		w.mu.Lock()
		w.cancel = nil
		w.mu.Unlock()
		cancel()
	}
}

// Wakeup cancels the poll in progress, or the next one.
func (w *Waker) Wakeup() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		w.cancel()
		return
	}
	w.pending = true
}
