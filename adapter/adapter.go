// Package adapter groups one pipeline graph with the receivers feeding it,
// so they start and stop as a unit.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/fxsml/relay/fault"
	"github.com/fxsml/relay/pipeline"
	"github.com/fxsml/relay/receiver"
)

// ErrAlreadyStarted is returned when Start is called on a running adapter.
var ErrAlreadyStarted = errors.New("adapter: already started")

// Logger is the logging interface used by adapters.
// *slog.Logger satisfies it.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Config configures an Adapter.
type Config struct {
	// Name identifies the adapter in logs. Default: the graph name.
	Name string
	// Logger for lifecycle events. Default: slog.Default().
	Logger Logger
}

func (c Config) parse(g *pipeline.Graph) Config {
	if c.Name == "" && g != nil {
		c.Name = g.Name()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Adapter owns a graph, its receivers and the resources they use.
type Adapter struct {
	cfg       Config
	graph     *pipeline.Graph
	receivers []*receiver.Receiver
	closers   []io.Closer

	mu      sync.Mutex
	started bool
}

// New creates an adapter. Every receiver must run graph g.
func New(cfg Config, g *pipeline.Graph, receivers ...*receiver.Receiver) (*Adapter, error) {
	cfg = cfg.parse(g)
	if g == nil {
		return nil, fault.Configf("adapter %q: no graph", cfg.Name)
	}
	if len(receivers) == 0 {
		return nil, fault.Configf("adapter %q: no receivers", cfg.Name)
	}
	seen := make(map[string]bool, len(receivers))
	for _, r := range receivers {
		if seen[r.Name()] {
			return nil, fault.Configf("adapter %q: duplicate receiver %q", cfg.Name, r.Name())
		}
		seen[r.Name()] = true
	}
	return &Adapter{cfg: cfg, graph: g, receivers: receivers}, nil
}

// Name returns the adapter name.
func (a *Adapter) Name() string { return a.cfg.Name }

// Graph returns the adapter's graph.
func (a *Adapter) Graph() *pipeline.Graph { return a.graph }

// Receivers returns the adapter's receivers.
func (a *Adapter) Receivers() []*receiver.Receiver { return a.receivers }

// CloseOnStop registers resources, such as error sinks, that are closed
// after the receivers stopped.
func (a *Adapter) CloseOnStop(c ...io.Closer) {
	a.mu.Lock()
	a.closers = append(a.closers, c...)
	a.mu.Unlock()
}

// Start starts all receivers concurrently. If one fails, the ones that
// started are stopped again and the error is returned.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return ErrAlreadyStarted
	}

	var (
		startedMu sync.Mutex
		started   []*receiver.Receiver
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, r := range a.receivers {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if err := r.Start(ctx); err != nil {
				return err
			}
			startedMu.Lock()
			started = append(started, r)
			startedMu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		a.cfg.Logger.Error("Failed to start adapter", "adapter", a.cfg.Name, "error", err)
		if stopErr := stopAll(context.WithoutCancel(ctx), started); stopErr != nil {
			a.cfg.Logger.Warn("Failed to stop receivers after start failure", "adapter", a.cfg.Name, "error", stopErr)
		}
		return fmt.Errorf("adapter %q: %w", a.cfg.Name, err)
	}
	a.started = true
	a.cfg.Logger.Info("Adapter started", "adapter", a.cfg.Name, "graph", a.graph.Name(), "receivers", len(a.receivers))
	return nil
}

// Stop stops all receivers concurrently, then closes the registered
// resources. All errors are returned joined.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.started {
		return nil
	}
	a.started = false

	err := stopAll(ctx, a.receivers)
	var errs []error
	if err != nil {
		errs = append(errs, err)
	}
	for _, c := range a.closers {
		if cerr := c.Close(); cerr != nil {
			errs = append(errs, cerr)
		}
	}
	if len(errs) > 0 {
		err = fmt.Errorf("adapter %q: %w", a.cfg.Name, errors.Join(errs...))
		a.cfg.Logger.Error("Adapter stopped with errors", "adapter", a.cfg.Name, "error", err)
		return err
	}
	a.cfg.Logger.Info("Adapter stopped", "adapter", a.cfg.Name)
	return nil
}

// stopAll stops receivers concurrently and joins their errors. Unlike
// errgroup's first-error result, every stop error is kept.
func stopAll(ctx context.Context, receivers []*receiver.Receiver) error {
	var (
		mu   sync.Mutex
		errs []error
		g    errgroup.Group
	)
	for _, r := range receivers {
		g.Go(func() error {
			if err := r.Stop(ctx); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Stats returns the counters of every receiver by name.
func (a *Adapter) Stats() map[string]receiver.Stats {
	out := make(map[string]receiver.Stats, len(a.receivers))
	for _, r := range a.receivers {
		out[r.Name()] = r.Stats()
	}
	return out
}
