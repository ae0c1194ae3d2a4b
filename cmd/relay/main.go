// Command relay runs the adapters declared in a YAML document until it is
// interrupted.
//
//	relay -config relay.yaml
//
// Process settings come from the environment:
//
//	RELAY_CONFIG_PATH   document path, when -config is not given
//	RELAY_LOG_LEVEL     debug, info (default), warn or error
//	RELAY_LOG_FORMAT    text (default) or json
//	RELAY_STOP_TIMEOUT  bound on the graceful stop (default 30s)
//
// Receiver, source and sink settings of the document are overridden by
// RELAY_{RECEIVER}_... variables, see package config.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fxsml/relay/adapter"
	"github.com/fxsml/relay/config"
	"github.com/fxsml/relay/listener"
	"github.com/fxsml/relay/stats"
)

type settings struct {
	ConfigPath  string        `env:"CONFIG_PATH"`
	LogLevel    string        `env:"LOG_LEVEL"`
	LogFormat   string        `env:"LOG_FORMAT"`
	StopTimeout time.Duration `env:"STOP_TIMEOUT"`
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		slog.Error("Relay failed", "error", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	s := settings{LogLevel: "info", LogFormat: "text", StopTimeout: 30 * time.Second}
	env := &config.Loader{}
	if err := env.Load("", &s); err != nil {
		return err
	}

	fs := flag.NewFlagSet("relay", flag.ContinueOnError)
	fs.StringVar(&s.ConfigPath, "config", s.ConfigPath, "path of the YAML document")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if s.ConfigPath == "" {
		return errors.New("no document: pass -config or set RELAY_CONFIG_PATH")
	}

	logger, err := newLogger(s.LogLevel, s.LogFormat)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	doc, err := config.ReadFile(s.ConfigPath)
	if err != nil {
		return err
	}
	reg := stats.NewRegistry()
	rt, err := config.Build(doc, config.BuildOptions{Env: env, Stats: reg, Logger: logger})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := startAll(ctx, rt.Adapters); err != nil {
		return err
	}
	logger.Info("Relay started", "config", s.ConfigPath, "adapters", len(rt.Adapters))

	<-ctx.Done()
	logger.Info("Shutting down", "timeout", s.StopTimeout)

	stopCtx, cancel := context.WithTimeout(context.Background(), s.StopTimeout)
	defer cancel()
	err = stopAll(stopCtx, rt.Adapters)
	logStats(logger, reg)
	return err
}

// startAll starts the adapters concurrently and stops every one again if
// any of them fails.
func startAll(ctx context.Context, adapters []*adapter.Adapter) error {
	var g errgroup.Group
	for _, a := range adapters {
		g.Go(func() error { return a.Start(ctx) })
	}
	if err := g.Wait(); err != nil {
		_ = stopAll(context.WithoutCancel(ctx), adapters)
		return err
	}
	return nil
}

func stopAll(ctx context.Context, adapters []*adapter.Adapter) error {
	errs := make([]error, len(adapters))
	var g errgroup.Group
	for i, a := range adapters {
		g.Go(func() error {
			errs[i] = a.Stop(ctx)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

func newLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("RELAY_LOG_LEVEL: %w", err)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	case "text", "":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	}
	return nil, fmt.Errorf("RELAY_LOG_FORMAT: unknown format %q", format)
}

func logStats(logger *slog.Logger, reg *stats.Registry) {
	snap := reg.Snapshot()
	args := []any{"pollTimeouts", listener.TotalTimeouts()}
	for _, name := range snap.Names() {
		if n, ok := snap.Counters[name]; ok {
			args = append(args, name, n)
			continue
		}
		d := snap.Distributions[name]
		args = append(args, slog.Group(name, "count", d.Count, "avg", d.Avg, "max", d.Max))
	}
	logger.Info("Final statistics", args...)
}
