// Package listener runs the poll loop that pulls items from a source and
// hands them to a handler, and the guard that restarts a loop that silently
// stopped receiving.
//
// A Container owns exactly one goroutine. Items are handled synchronously on
// that goroutine, in the order the source delivers them, so a container has
// at most one item in flight.
package listener

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fxsml/relay/fault"
	"github.com/fxsml/relay/source"
)

// Handler processes one polled item. It owns acknowledgement.
type Handler interface {
	Handle(ctx context.Context, item *source.Item)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, item *source.Item)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, item *source.Item) { f(ctx, item) }

// Config configures a Container.
type Config struct {
	// Name identifies the container in logs. Default: "listener".
	Name string
	// PollTimeout bounds each blocking poll. Default: 1s.
	PollTimeout time.Duration
	// StopTimeout is how long Stop waits for the loop to finish, including
	// the item being handled. Default: 30s.
	StopTimeout time.Duration
	// RetryInterval is the first wait after a failed poll. It doubles on
	// every consecutive failure and resets after a successful poll.
	// Default: 1s.
	RetryInterval time.Duration
	// MaxRetryInterval caps RetryInterval. Default: 1h.
	MaxRetryInterval time.Duration
	// Logger for lifecycle events and poll errors. Default: slog.Default().
	Logger Logger
}

func (c Config) parse() Config {
	if c.Name == "" {
		c.Name = "listener"
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = time.Second
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 30 * time.Second
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = time.Second
	}
	if c.MaxRetryInterval <= 0 {
		c.MaxRetryInterval = time.Hour
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Container drives the poll loop of one source.
//
// Start, Stop and Restart are serialized by a single lifecycle lock, so a
// manual stop and a guard-triggered restart never interleave.
type Container struct {
	cfg     Config
	src     source.Source
	handler Handler

	lifecycle  sync.Mutex
	cancel     context.CancelFunc
	done       chan struct{}
	state      atomic.Int32
	recovering atomic.Bool
	lastPoll   atomic.Int64
	tracker    tracker
}

// New creates a stopped container.
func New(src source.Source, handler Handler, cfg Config) *Container {
	return &Container{cfg: cfg.parse(), src: src, handler: handler}
}

// Name returns the container name.
func (c *Container) Name() string { return c.cfg.Name }

// PollTimeout returns the configured poll timeout.
func (c *Container) PollTimeout() time.Duration { return c.cfg.PollTimeout }

// State returns the current lifecycle state.
func (c *Container) State() State { return State(c.state.Load()) }

// LastPoll returns the time the last poll cycle finished: the poll itself
// or the handling of the item it returned.
func (c *Container) LastPoll() time.Time { return time.Unix(0, c.lastPoll.Load()) }

// InFlight returns the number of items being handled.
func (c *Container) InFlight() int64 { return c.tracker.inFlight.Load() }

// Handled returns the number of items handled since creation.
func (c *Container) Handled() int64 { return c.tracker.handled.Load() }

// Recovering reports whether a restart is in progress.
func (c *Container) Recovering() bool { return c.recovering.Load() }

func (c *Container) setState(s State) {
	old := State(c.state.Swap(int32(s)))
	if old != s {
		c.cfg.Logger.Debug("Listener state changed", "listener", c.cfg.Name, "from", old, "to", s)
	}
}

func (c *Container) markPoll(t time.Time) {
	c.lastPoll.Store(t.UnixNano())
}

// Start starts the source and the poll loop. The loop outlives ctx; use Stop
// to end it.
func (c *Container) Start(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	return c.start(ctx)
}

func (c *Container) start(ctx context.Context) error {
	switch c.State() {
	case Starting, Started:
		return ErrAlreadyStarted
	}
	if c.done != nil {
		select {
		case <-c.done:
		default:
			return ErrLoopRunning
		}
	}

	c.setState(Starting)
	if err := c.src.Start(ctx); err != nil {
		c.setState(ExceptionStarting)
		c.cfg.Logger.Error("Failed to start listener", "listener", c.cfg.Name, "error", err)
		return fault.Transport("start "+c.cfg.Name, err)
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	c.done = make(chan struct{})
	c.markPoll(time.Now())
	go c.loop(loopCtx, c.done)

	c.setState(Started)
	c.cfg.Logger.Info("Listener started", "listener", c.cfg.Name, "pollTimeout", c.cfg.PollTimeout)
	return nil
}

// Stop signals the loop to finish, wakes up a blocked poll and waits up to
// StopTimeout. When the loop does not finish in time the container moves to
// ExceptionStopping and ErrStopTimeout is returned; calling Stop again keeps
// waiting for the same loop.
func (c *Container) Stop(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	return c.stop(ctx)
}

func (c *Container) stop(ctx context.Context) error {
	switch c.State() {
	case Stopped:
		return nil
	case ExceptionStarting:
		c.setState(Stopped)
		return nil
	}
	if c.cancel == nil {
		c.setState(Stopped)
		return nil
	}

	c.setState(Stopping)
	c.cancel()
	c.src.Wakeup()

	timer := time.NewTimer(c.cfg.StopTimeout)
	defer timer.Stop()
	select {
	case <-c.done:
	case <-timer.C:
		c.setState(ExceptionStopping)
		c.cfg.Logger.Error("Listener did not stop in time", "listener", c.cfg.Name, "timeout", c.cfg.StopTimeout, "inFlight", c.InFlight())
		return fmt.Errorf("%w: %s after %s", ErrStopTimeout, c.cfg.Name, c.cfg.StopTimeout)
	case <-ctx.Done():
		c.setState(ExceptionStopping)
		c.cfg.Logger.Error("Listener stop aborted", "listener", c.cfg.Name, "error", ctx.Err())
		return fmt.Errorf("%w: %s: %w", ErrStopTimeout, c.cfg.Name, ctx.Err())
	}

	c.cancel = nil
	err := c.src.Stop(ctx)
	c.setState(Stopped)
	if err != nil {
		c.cfg.Logger.Warn("Failed to stop source", "listener", c.cfg.Name, "error", err)
		return fault.Transport("stop "+c.cfg.Name, err)
	}
	c.cfg.Logger.Info("Listener stopped", "listener", c.cfg.Name, "handled", c.Handled())
	return nil
}

// Restart stops and starts the container while holding the lifecycle lock.
// cond is evaluated under the lock; when it returns false nothing happens.
// Only one restart runs at a time; concurrent calls return false.
func (c *Container) Restart(ctx context.Context, cond func() bool) (bool, error) {
	if !c.recovering.CompareAndSwap(false, true) {
		return false, nil
	}
	defer c.recovering.Store(false)

	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	if cond != nil && !cond() {
		return false, nil
	}
	if err := c.stop(ctx); err != nil {
		return true, err
	}
	return true, c.start(ctx)
}

func (c *Container) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	// Items in progress finish even when the loop is asked to stop.
	handleCtx := context.WithoutCancel(ctx)
	var wait time.Duration
	for ctx.Err() == nil {
		item, err := c.src.Poll(ctx, c.cfg.PollTimeout)
		now := time.Now()
		c.markPoll(now)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			wait = c.nextRetryInterval(wait)
			c.cfg.Logger.Error("Poll failed", "listener", c.cfg.Name, "error", err, "retryIn", wait)
			// A loop waiting out a poll error counts as alive until the
			// wait ends.
			c.markPoll(now.Add(wait))
			if !sleep(ctx, wait) {
				return
			}
			continue
		}
		if wait > 0 {
			c.cfg.Logger.Info("Poll recovered", "listener", c.cfg.Name)
			wait = 0
		}
		if item == nil {
			continue
		}
		c.handle(handleCtx, item)
	}
}

// handle runs the handler and then marks the poll cycle finished, before the
// in-flight count drops, so a slow item never looks like a stalled poll.
func (c *Container) handle(ctx context.Context, item *source.Item) {
	c.tracker.enter()
	defer c.tracker.exit()
	defer func() { c.markPoll(time.Now()) }()
	defer func() {
		if r := recover(); r != nil {
			c.cfg.Logger.Error("Handler panicked", "listener", c.cfg.Name, "item", item.ID, "panic", r)
		}
	}()
	c.handler.Handle(ctx, item)
}

func (c *Container) nextRetryInterval(cur time.Duration) time.Duration {
	if cur <= 0 {
		return c.cfg.RetryInterval
	}
	return min(2*cur, c.cfg.MaxRetryInterval)
}

// sleep waits for d or until ctx is done. It reports whether the full
// duration elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
