// Package receiver turns polled items into pipeline runs. It settles every
// item exactly once: successful runs are acknowledged, failed runs are
// retried and then diverted to an error sink.
package receiver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fxsml/relay/fault"
	"github.com/fxsml/relay/listener"
	"github.com/fxsml/relay/pipeline"
	"github.com/fxsml/relay/session"
	"github.com/fxsml/relay/sink"
	"github.com/fxsml/relay/source"
	"github.com/fxsml/relay/stats"
)

// Config configures a Receiver.
type Config struct {
	// Name identifies the receiver in logs and statistics. Default: "receiver".
	Name string
	// MaxRetries is the number of immediate retries after the first failed
	// attempt. Default: 0.
	MaxRetries int
	// ShouldRetry selects the failures that are retried. Default: all.
	ShouldRetry ShouldRetryFunc
	// Backoff produces the wait between retries. Default: none.
	Backoff BackoffFunc
	// ErrorSink receives items whose retries are exhausted.
	// Default: sink.Discard, which leaves them unacknowledged.
	ErrorSink sink.ErrorSink
	// Stats receives the receiver counters and pipe durations.
	// Nil keeps them private to the receiver.
	Stats *stats.Registry
	// Middleware wraps every pipe invocation.
	Middleware []pipeline.Middleware
	// Listener configures the poll loop. Its Name and Logger default to the
	// receiver's.
	Listener listener.Config
	// Guard configures the poll guard. Its Logger defaults to the receiver's.
	Guard listener.GuardConfig
	// DisableGuard turns the poll guard off.
	DisableGuard bool
	// Logger for item outcomes. Default: slog.Default().
	Logger Logger
}

func (c Config) parse() (Config, error) {
	if c.Name == "" {
		c.Name = "receiver"
	}
	if c.MaxRetries < 0 {
		return c, fault.Configf("receiver %q: negative max retries %d", c.Name, c.MaxRetries)
	}
	if c.ShouldRetry == nil {
		c.ShouldRetry = ShouldRetry()
	}
	if c.Backoff == nil {
		c.Backoff = NoBackoff()
	}
	if c.ErrorSink == nil {
		c.ErrorSink = sink.Discard
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Listener.Name == "" {
		c.Listener.Name = c.Name
	}
	if c.Listener.Logger == nil {
		c.Listener.Logger = c.Logger
	}
	if c.Guard.Logger == nil {
		c.Guard.Logger = c.Logger
	}
	return c, nil
}

// Stats is a snapshot of the receiver counters.
type Stats struct {
	Received  int64
	Processed int64
	Retried   int64
	Failed    int64
	AckFailed int64
}

type counters struct {
	received  *stats.Counter
	processed *stats.Counter
	retried   *stats.Counter
	failed    *stats.Counter
	ackFailed *stats.Counter
	duration  *stats.Distribution
}

func newCounters(r *stats.Registry, name string) counters {
	key := func(s string) string { return fmt.Sprintf("receiver.%s.%s", name, s) }
	return counters{
		received:  r.Counter(key("received")),
		processed: r.Counter(key("processed")),
		retried:   r.Counter(key("retried")),
		failed:    r.Counter(key("failed")),
		ackFailed: r.Counter(key("ackFailed")),
		duration:  r.Distribution(key("duration")),
	}
}

// Receiver runs one graph for every item of one source.
type Receiver struct {
	cfg       Config
	runner    *pipeline.Runner
	src       source.Source
	container *listener.Container
	guard     *listener.Guard
	counters  counters
}

var _ listener.Handler = (*Receiver)(nil)

// New creates a stopped receiver.
func New(cfg Config, g *pipeline.Graph, src source.Source) (*Receiver, error) {
	cfg, err := cfg.parse()
	if err != nil {
		return nil, err
	}
	if g == nil {
		return nil, fault.Configf("receiver %q: no graph", cfg.Name)
	}
	if src == nil {
		return nil, fault.Configf("receiver %q: no source", cfg.Name)
	}
	r := &Receiver{
		cfg: cfg,
		runner: pipeline.NewRunner(g, pipeline.RunnerConfig{
			Logger:     cfg.Logger,
			Stats:      cfg.Stats,
			Middleware: cfg.Middleware,
		}),
		src:      src,
		counters: newCounters(cfg.Stats, cfg.Name),
	}
	r.container = listener.New(src, r, cfg.Listener)
	if !cfg.DisableGuard {
		r.guard = listener.NewGuard(r.container, cfg.Guard)
	}
	return r, nil
}

// Name returns the receiver name.
func (r *Receiver) Name() string { return r.cfg.Name }

// Container returns the poll loop of the receiver.
func (r *Receiver) Container() *listener.Container { return r.container }

// Guard returns the poll guard, or nil when it is disabled.
func (r *Receiver) Guard() *listener.Guard { return r.guard }

// Stats returns the current counters.
func (r *Receiver) Stats() Stats {
	return Stats{
		Received:  r.counters.received.Value(),
		Processed: r.counters.processed.Value(),
		Retried:   r.counters.retried.Value(),
		Failed:    r.counters.failed.Value(),
		AckFailed: r.counters.ackFailed.Value(),
	}
}

// Start starts polling and, unless disabled, the poll guard.
func (r *Receiver) Start(ctx context.Context) error {
	if err := r.container.Start(ctx); err != nil {
		return fmt.Errorf("receiver %q: %w", r.cfg.Name, err)
	}
	if r.guard != nil {
		if err := r.guard.Start(ctx); err != nil {
			return fmt.Errorf("receiver %q: %w", r.cfg.Name, err)
		}
	}
	r.cfg.Logger.Info("Receiver started", "receiver", r.cfg.Name, "graph", r.runner.Graph().Name())
	return nil
}

// Stop stops the poll guard, then the poll loop. An item being handled is
// finished first, within the listener stop timeout.
func (r *Receiver) Stop(ctx context.Context) error {
	if r.guard != nil {
		r.guard.Stop()
	}
	if err := r.container.Stop(ctx); err != nil {
		return fmt.Errorf("receiver %q: %w", r.cfg.Name, err)
	}
	st := r.Stats()
	r.cfg.Logger.Info("Receiver stopped", "receiver", r.cfg.Name,
		"received", st.Received, "processed", st.Processed, "retried", st.Retried, "failed", st.Failed)
	return nil
}

// Process runs the graph once for item without settling it. It returns the
// run result and, for error exits, an *ExitError; the result's Fault
// describes the failure for synchronous callers.
func (r *Receiver) Process(ctx context.Context, item *source.Item) (*pipeline.RunResult, error) {
	return r.attempt(ctx, item)
}

// Handle runs the graph for item and settles it: acknowledged on success,
// retried and then diverted on failure. It implements listener.Handler.
func (r *Receiver) Handle(ctx context.Context, item *source.Item) {
	start := time.Now()
	r.counters.received.Inc()
	defer r.counters.duration.Since(start)

	s := newSettlement(
		func() error { return r.src.Acknowledge(ctx, item) },
		func(reason error) error { return r.cfg.ErrorSink.Divert(ctx, item, reason) },
	)

	var reason error
	for attempt := 0; ; attempt++ {
		res, err := r.attempt(ctx, item)
		if err == nil {
			r.cfg.Logger.Debug("Item processed", "receiver", r.cfg.Name, "item", item.ID, "exit", res.Exit, "hops", res.Hops)
			r.counters.processed.Inc()
			r.acknowledge(ctx, s, item)
			return
		}
		reason = err
		if attempt >= r.cfg.MaxRetries || !r.cfg.ShouldRetry(err) || ctx.Err() != nil {
			break
		}
		r.counters.retried.Inc()
		wait := r.cfg.Backoff(attempt + 1)
		r.cfg.Logger.Warn("Retrying item", "receiver", r.cfg.Name, "item", item.ID, "attempt", attempt+1, "wait", wait, "error", err)
		if wait > 0 && !sleep(ctx, wait) {
			break
		}
	}

	r.counters.failed.Inc()
	diverted, err := s.divert(reason)
	if !diverted {
		return
	}
	if err != nil {
		r.cfg.Logger.Error("Failed to divert item", "receiver", r.cfg.Name, "item", item.ID, "reason", reason, "error", err)
		return
	}
	r.cfg.Logger.Warn("Item diverted", "receiver", r.cfg.Name, "item", item.ID, "reason", reason)
	// A diverted item is done at its source.
	if err := r.src.Acknowledge(ctx, item); err != nil {
		r.ackFailed(item, err)
	}
}

func (r *Receiver) acknowledge(ctx context.Context, s *settlement, item *source.Item) {
	if ok, err := s.ack(); ok && err != nil {
		r.ackFailed(item, err)
	}
}

func (r *Receiver) ackFailed(item *source.Item, err error) {
	r.counters.ackFailed.Inc()
	r.cfg.Logger.Error("Failed to acknowledge item", "receiver", r.cfg.Name, "item", item.ID,
		"error", fault.Transport("acknowledge", err))
}

// attempt runs the graph once with a fresh message and session.
func (r *Receiver) attempt(ctx context.Context, item *source.Item) (*pipeline.RunResult, error) {
	msg := item.Message()
	sess := session.NewFor(msg)
	for k, v := range item.Attributes {
		if _, ok := sess.Get(k); !ok {
			sess.Put(k, v)
		}
	}
	defer func() {
		if err := sess.Close(); err != nil {
			r.cfg.Logger.Warn("Failed to release session resources", "receiver", r.cfg.Name, "item", item.ID, "error", err)
		}
	}()

	res, err := r.runner.Run(ctx, msg, sess)
	if err != nil {
		return nil, err
	}
	if res.Exit.IsError() {
		return res, &ExitError{Graph: res.Graph, Exit: res.Exit, Err: res.Err}
	}
	return res, nil
}

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

// IsExitError reports whether err is an *ExitError.
func IsExitError(err error) bool {
	var e *ExitError
	return errors.As(err, &e)
}
