package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/fxsml/relay/adapter"
	"github.com/fxsml/relay/fault"
	"github.com/fxsml/relay/listener"
	"github.com/fxsml/relay/pipeline"
	"github.com/fxsml/relay/pipes"
	"github.com/fxsml/relay/receiver"
	"github.com/fxsml/relay/sink"
	"github.com/fxsml/relay/sink/sqlite"
	"github.com/fxsml/relay/source"
	"github.com/fxsml/relay/stats"
	"github.com/fxsml/relay/transport/kafka"
	"github.com/fxsml/relay/transport/nats"
	"github.com/fxsml/relay/transport/rabbitmq"
	"github.com/fxsml/relay/transport/redis"
)

// BuildOptions configures Build.
type BuildOptions struct {
	// Pipes resolves pipe types. Default: pipes.NewRegistry().
	Pipes *pipes.Registry
	// Env overlays environment variables on receiver, source and sink
	// settings. Nil disables the overlay.
	Env *Loader
	// Stats receives the receiver counters.
	Stats *stats.Registry
	// Logger is handed to every component. Default: slog.Default().
	Logger *slog.Logger
}

func (o BuildOptions) parse() BuildOptions {
	if o.Pipes == nil {
		o.Pipes = pipes.NewRegistry()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Runtime is the result of Build.
type Runtime struct {
	Adapters []*adapter.Adapter
	// Sources by receiver name.
	Sources map[string]source.Source
	// Sinks by receiver name, for receivers that declare one.
	Sinks map[string]sink.ErrorSink
}

// Build creates the adapters declared by doc. Sinks that hold connections
// are closed when their adapter stops. On error, everything opened so far
// is closed again.
func Build(doc *Document, opts BuildOptions) (_ *Runtime, err error) {
	if doc == nil {
		return nil, fault.Configf("no document")
	}
	opts = opts.parse()

	rt := &Runtime{
		Sources: make(map[string]source.Source),
		Sinks:   make(map[string]sink.ErrorSink),
	}
	var opened []io.Closer
	defer func() {
		if err == nil {
			return
		}
		for _, c := range opened {
			_ = c.Close()
		}
	}()

	for _, as := range doc.Adapters {
		g, err := buildGraph(as.Pipeline, opts.Pipes)
		if err != nil {
			return nil, fmt.Errorf("adapter %q: %w", as.Name, err)
		}

		var (
			receivers []*receiver.Receiver
			closers   []io.Closer
		)
		for _, rs := range as.Receivers {
			if opts.Env != nil {
				if err := opts.Env.Load(rs.Name, &rs); err != nil {
					return nil, fmt.Errorf("%w: %v", fault.ErrConfiguration, err)
				}
			}
			src, err := buildSource(rs, opts)
			if err != nil {
				return nil, fmt.Errorf("receiver %q: %w", rs.Name, err)
			}
			es, err := buildSink(rs, opts)
			if err != nil {
				return nil, fmt.Errorf("receiver %q: %w", rs.Name, err)
			}
			if c, ok := es.(io.Closer); ok {
				opened = append(opened, c)
				closers = append(closers, c)
			}

			r, err := receiver.New(receiverConfig(rs, es, opts), g, src)
			if err != nil {
				return nil, err
			}
			receivers = append(receivers, r)
			rt.Sources[rs.Name] = src
			if es != nil {
				rt.Sinks[rs.Name] = es
			}
		}

		a, err := adapter.New(adapter.Config{Name: as.Name, Logger: opts.Logger}, g, receivers...)
		if err != nil {
			return nil, err
		}
		a.CloseOnStop(closers...)
		rt.Adapters = append(rt.Adapters, a)
	}
	return rt, nil
}

func buildGraph(ps PipelineSpec, reg *pipes.Registry) (*pipeline.Graph, error) {
	cfg := pipeline.Config{
		Name:     ps.Name,
		Entry:    ps.Entry,
		MaxHops:  ps.MaxHops,
		Exits:    ps.Exits,
		Forwards: ps.Forwards,
	}
	var errs []error
	for _, spec := range ps.Pipes {
		p, err := reg.Build(pipes.Spec{
			Name:    spec.Name,
			Type:    spec.Type,
			Params:  spec.Params,
			Options: spec.Options,
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		cfg.Pipes = append(cfg.Pipes, pipeline.PipeConfig{
			Pipe:     p,
			Forwards: spec.Forwards,
			Timeout:  spec.Timeout.Duration(),
		})
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return pipeline.New(cfg)
}

func receiverConfig(rs ReceiverSpec, es sink.ErrorSink, opts BuildOptions) receiver.Config {
	return receiver.Config{
		Name:       rs.Name,
		MaxRetries: rs.MaxRetries,
		Backoff:    backoff(rs.Backoff),
		ErrorSink:  es,
		Stats:      opts.Stats,
		Listener: listener.Config{
			PollTimeout:      rs.Listener.PollTimeout.Duration(),
			StopTimeout:      rs.Listener.StopTimeout.Duration(),
			RetryInterval:    rs.Listener.RetryInterval.Duration(),
			MaxRetryInterval: rs.Listener.MaxRetryInterval.Duration(),
		},
		Guard: listener.GuardConfig{
			Interval:  rs.Guard.Interval.Duration(),
			Threshold: rs.Guard.Threshold.Duration(),
		},
		DisableGuard: rs.Guard.Disabled,
		Logger:       opts.Logger,
	}
}

func backoff(b BackoffSpec) receiver.BackoffFunc {
	switch b.Type {
	case "constant":
		return receiver.ConstantBackoff(b.Delay.Duration(), b.Jitter)
	case "exponential":
		factor := b.Factor
		if factor <= 0 {
			factor = 2
		}
		return receiver.ExponentialBackoff(b.Delay.Duration(), factor, b.Max.Duration(), b.Jitter)
	}
	return receiver.NoBackoff()
}

// memoryConfig is the YAML form of source.MemoryConfig.
type memoryConfig struct {
	BufferSize  int      `yaml:"bufferSize" env:"BUFFER_SIZE"`
	SendTimeout Duration `yaml:"sendTimeout" env:"SEND_TIMEOUT"`
}

// decode fills dst from the endpoint and overlays the environment under
// the component name.
func decode(e Endpoint, component string, dst any, opts BuildOptions) error {
	if err := e.Decode(dst); err != nil {
		return fmt.Errorf("%w: %s: %v", fault.ErrConfiguration, component, err)
	}
	if opts.Env != nil {
		if err := opts.Env.Load(component, dst); err != nil {
			return fmt.Errorf("%w: %v", fault.ErrConfiguration, err)
		}
	}
	return nil
}

func buildSource(rs ReceiverSpec, opts BuildOptions) (source.Source, error) {
	component := rs.Name + "_source"
	logger := opts.Logger.With("receiver", rs.Name)
	switch rs.Source.Type {
	case "memory":
		var c memoryConfig
		if err := decode(rs.Source, component, &c, opts); err != nil {
			return nil, err
		}
		return source.NewMemory(source.MemoryConfig{
			Name:        rs.Name,
			BufferSize:  c.BufferSize,
			SendTimeout: c.SendTimeout.Duration(),
		}), nil
	case "redis":
		var c redis.SourceConfig
		if err := decode(rs.Source, component, &c, opts); err != nil {
			return nil, err
		}
		c.Logger = logger
		return redis.NewSource(c)
	case "kafka":
		var c kafka.SourceConfig
		if err := decode(rs.Source, component, &c, opts); err != nil {
			return nil, err
		}
		c.Logger = logger
		return kafka.NewSource(c)
	case "nats":
		var c nats.SourceConfig
		if err := decode(rs.Source, component, &c, opts); err != nil {
			return nil, err
		}
		c.Logger = logger
		return nats.NewSource(c)
	case "rabbitmq":
		var c rabbitmq.SourceConfig
		if err := decode(rs.Source, component, &c, opts); err != nil {
			return nil, err
		}
		c.Logger = logger
		return rabbitmq.NewSource(c)
	}
	return nil, fault.Configf("unknown source type %q", rs.Source.Type)
}

// buildSink returns nil when the receiver declares no error sink.
func buildSink(rs ReceiverSpec, opts BuildOptions) (sink.ErrorSink, error) {
	if rs.ErrorSink == nil {
		return nil, nil
	}
	e := *rs.ErrorSink
	component := rs.Name + "_error_sink"
	logger := opts.Logger.With("receiver", rs.Name)
	switch e.Type {
	case "memory":
		return sink.NewMemory(), nil
	case "sqlite":
		var c sqlite.Config
		if err := decode(e, component, &c, opts); err != nil {
			return nil, err
		}
		c.Logger = logger
		return sqlite.Open(c)
	case "redis":
		var c redis.SinkConfig
		if err := decode(e, component, &c, opts); err != nil {
			return nil, err
		}
		c.Logger = logger
		return redis.NewSink(c)
	case "kafka":
		var c kafka.SinkConfig
		if err := decode(e, component, &c, opts); err != nil {
			return nil, err
		}
		c.Logger = logger
		return kafka.NewSink(c)
	case "nats":
		var c nats.SinkConfig
		if err := decode(e, component, &c, opts); err != nil {
			return nil, err
		}
		c.Logger = logger
		return nats.NewSink(c)
	case "rabbitmq":
		var c rabbitmq.SinkConfig
		if err := decode(e, component, &c, opts); err != nil {
			return nil, err
		}
		c.Logger = logger
		return rabbitmq.NewSink(c)
	}
	return nil, fault.Configf("unknown error sink type %q", e.Type)
}
