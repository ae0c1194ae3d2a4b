package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/fxsml/relay/message"
	"github.com/fxsml/relay/session"
	"github.com/fxsml/relay/stats"
)

// RunnerConfig configures a Runner.
type RunnerConfig struct {
	// Logger for pipe failures and exits. Default: slog.Default().
	Logger Logger
	// Stats receives a duration distribution per pipe, named
	// "pipe.<graph>.<pipe>". Nil disables statistics.
	Stats *stats.Registry
	// Middleware wraps every pipe invocation, inside panic recovery.
	Middleware []Middleware
}

func (c RunnerConfig) parse() RunnerConfig {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// RunResult is the outcome of a run that reached an exit.
type RunResult struct {
	Graph string
	// Exit is the terminal exit reached.
	Exit Exit
	// Message is the working message at the exit.
	Message *message.Message
	// Err is the last pipe failure routed through an exception forward.
	Err error
	// Hops is the number of pipes executed.
	Hops int
	// Path lists the executed pipes in order.
	Path []string
}

// Fault returns a JSON fault payload for error exits, or nil otherwise.
func (r *RunResult) Fault() *message.Message {
	if r == nil || !r.Exit.IsError() {
		return nil
	}
	f := struct {
		Graph string `json:"graph"`
		Exit  string `json:"exit"`
		State string `json:"state"`
		Code  int    `json:"code,omitempty"`
		Error string `json:"error,omitempty"`
	}{
		Graph: r.Graph,
		Exit:  r.Exit.Name,
		State: string(r.Exit.State),
		Code:  r.Exit.Code,
	}
	if r.Err != nil {
		f.Error = r.Err.Error()
	}
	data, _ := json.Marshal(f)
	return message.New(data, message.Attributes{message.AttrDataContentType: "application/json"})
}

// Runner drives messages through a graph. It is safe for concurrent use;
// each run owns its message and session.
type Runner struct {
	graph   *Graph
	cfg     RunnerConfig
	process map[string]ProcessFunc
}

// NewRunner creates a Runner for g.
func NewRunner(g *Graph, cfg RunnerConfig) *Runner {
	cfg = cfg.parse()
	r := &Runner{graph: g, cfg: cfg, process: make(map[string]ProcessFunc, len(g.nodes))}
	for name, n := range g.nodes {
		mw := []Middleware{Recover()}
		if cfg.Stats != nil {
			mw = append(mw, Metrics(cfg.Stats.Distribution(fmt.Sprintf("pipe.%s.%s", g.name, name))))
		}
		mw = append(mw, Log(cfg.Logger, name))
		mw = append(mw, cfg.Middleware...)
		mw = append(mw, Timeout(n.timeout))
		r.process[name] = chain(n.pipe.Process, mw...)
	}
	return r
}

// Graph returns the graph the runner executes.
func (r *Runner) Graph() *Graph { return r.graph }

const tracked = 8

// Run executes the graph for msg, starting at the entry pipe, until an exit
// is reached. The session is not closed; its owner closes it.
//
// Run returns an error when the run aborts: an outcome without forward or
// exception fallback (*RoutingError), the hop limit (*CycleDetectedError)
// or a cancelled context.
func (r *Runner) Run(ctx context.Context, msg *message.Message, sess *session.Session) (*RunResult, error) {
	g := r.graph
	if _, ok := sess.Get(session.OriginalMessageKey); !ok {
		sess.Put(session.OriginalMessageKey, msg)
	}

	res := &RunResult{Graph: g.name, Message: msg}
	current := g.entry
	for {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("pipeline: graph %q: run aborted at pipe %q: %w", g.name, current, err)
		}
		if res.Hops >= g.maxHops {
			last := res.Path[max(0, len(res.Path)-tracked):]
			r.cfg.Logger.Error("Pipeline cycle detected", "graph", g.name, "mid", sess.MessageID(), "hops", res.Hops, "last", last)
			return nil, &CycleDetectedError{Graph: g.name, MaxHops: g.maxHops, Last: last}
		}
		res.Hops++
		res.Path = append(res.Path, current)

		out, err := r.process[current](ctx, res.Message, sess)
		label := out.Forward
		if err != nil {
			label = ForwardException
			res.Err = &PipeError{Pipe: current, Err: err}
			sess.Put(session.ExceptionKey, res.Err)
			r.cfg.Logger.Warn("Pipe failed", "graph", g.name, "pipe", current, "mid", sess.MessageID(), "error", err)
		} else if label == "" {
			label = ForwardSuccess
		}
		if out.Message != nil {
			res.Message = out.Message
		}

		target, fallback, ok := g.route(current, label)
		if !ok {
			r.cfg.Logger.Error("No forward for outcome", "graph", g.name, "pipe", current, "forward", label, "mid", sess.MessageID())
			return nil, &RoutingError{Graph: g.name, Pipe: current, Forward: label, Cause: res.Err}
		}
		if fallback && err == nil {
			res.Err = &PipeError{Pipe: current, Err: fmt.Errorf("%w %q", ErrUnmappedOutcome, label)}
			sess.Put(session.ExceptionKey, res.Err)
		}

		if exit, ok := g.exits[target]; ok {
			res.Exit = exit
			sess.Put(session.ExitStateKey, string(exit.State))
			sess.Put(session.ExitCodeKey, exit.Code)
			r.cfg.Logger.Debug("Pipeline exit", "graph", g.name, "exit", exit.Name, "state", exit.State, "mid", sess.MessageID(), "hops", res.Hops)
			return res, nil
		}
		current = target
	}
}
