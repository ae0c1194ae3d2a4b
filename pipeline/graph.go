package pipeline

import (
	"errors"
	"maps"
	"slices"
	"time"

	"github.com/fxsml/relay/fault"
)

// Config declares a graph.
type Config struct {
	// Name identifies the graph in logs and statistics. Default: "pipeline".
	Name string
	// Entry names the first pipe. Default: the first declared pipe.
	Entry string
	// Pipes in declaration order.
	Pipes []PipeConfig
	// Exits are the terminal nodes. Default: a single success exit "READY".
	Exits []Exit
	// Forwards apply to every pipe that has no forward for that label.
	Forwards []Forward
	// MaxHops bounds the pipes executed per run. Default: 100.
	MaxHops int
}

// PipeConfig declares one pipe and its forward table.
type PipeConfig struct {
	Pipe     Pipe
	Forwards []Forward
	// Timeout bounds a single invocation. Zero disables it.
	Timeout time.Duration
}

const defaultMaxHops = 100

func (c Config) parse() Config {
	if c.Name == "" {
		c.Name = "pipeline"
	}
	if c.MaxHops <= 0 {
		c.MaxHops = defaultMaxHops
	}
	if len(c.Exits) == 0 {
		c.Exits = []Exit{DefaultExit}
	}
	for i := range c.Exits {
		if c.Exits[i].State == "" {
			c.Exits[i].State = ExitUnspecified
		}
	}
	return c
}

type node struct {
	pipe     Pipe
	forwards map[string]string
	timeout  time.Duration
}

// Graph is a validated, immutable pipe graph. It is safe for concurrent use
// by any number of runners.
type Graph struct {
	name    string
	entry   string
	order   []string
	nodes   map[string]*node
	exits   map[string]Exit
	exitSeq []string
	global  map[string]string
	maxHops int
}

// New validates cfg and builds a Graph. All problems are reported together,
// each wrapping fault.ErrConfiguration.
func New(cfg Config) (*Graph, error) {
	cfg = cfg.parse()
	g := &Graph{
		name:    cfg.Name,
		nodes:   make(map[string]*node),
		exits:   make(map[string]Exit),
		global:  make(map[string]string),
		maxHops: cfg.MaxHops,
	}
	v := &validator{graph: cfg.Name}

	if len(cfg.Pipes) == 0 {
		v.fail("no pipes declared")
		return nil, v.err()
	}

	for i, pc := range cfg.Pipes {
		switch {
		case pc.Pipe == nil:
			v.fail("pipe #%d is nil", i)
			continue
		case pc.Pipe.Name() == "":
			v.fail("pipe #%d has no name", i)
			continue
		}
		name := pc.Pipe.Name()
		if _, dup := g.nodes[name]; dup {
			v.fail("duplicate pipe %q", name)
			continue
		}
		g.nodes[name] = &node{
			pipe:     pc.Pipe,
			forwards: v.table("pipe "+quote(name), pc.Forwards),
			timeout:  pc.Timeout,
		}
		g.order = append(g.order, name)
	}

	for _, e := range cfg.Exits {
		switch {
		case e.Name == "":
			v.fail("exit without name")
		case !e.State.valid():
			v.fail("exit %q: unknown state %q", e.Name, e.State)
		case g.nodes[e.Name] != nil:
			v.fail("exit %q collides with a pipe of the same name", e.Name)
		default:
			if _, dup := g.exits[e.Name]; dup {
				v.fail("duplicate exit %q", e.Name)
				continue
			}
			g.exits[e.Name] = e
			g.exitSeq = append(g.exitSeq, e.Name)
		}
	}

	g.global = v.table("global forwards", cfg.Forwards)
	g.addImplicitSuccess()

	g.entry = cfg.Entry
	if g.entry == "" && len(g.order) > 0 {
		g.entry = g.order[0]
	}
	if _, ok := g.nodes[g.entry]; !ok {
		v.fail("entry pipe %q does not exist", g.entry)
	}

	v.targets(g)
	v.outcomes(g)
	if _, ok := g.nodes[g.entry]; ok {
		v.reachability(g)
	}

	if err := v.err(); err != nil {
		return nil, err
	}
	return g, nil
}

// MustNew is like New but panics on error.
func MustNew(cfg Config) *Graph {
	g, err := New(cfg)
	if err != nil {
		panic(err)
	}
	return g
}

// addImplicitSuccess gives every pipe without a success forward one to the
// next pipe, or to the first success exit for the last pipe.
func (g *Graph) addImplicitSuccess() {
	if _, ok := g.global[ForwardSuccess]; ok {
		return
	}
	for i, name := range g.order {
		n := g.nodes[name]
		if _, ok := n.forwards[ForwardSuccess]; ok {
			continue
		}
		if i+1 < len(g.order) {
			n.forwards[ForwardSuccess] = g.order[i+1]
			continue
		}
		for _, exit := range g.exitSeq {
			if g.exits[exit].IsSuccess() {
				n.forwards[ForwardSuccess] = exit
				break
			}
		}
	}
}

// route returns the target for label emitted by pipe. Lookup order: the
// pipe's own table, the global forwards, then the exception fallback of
// each. fallback reports whether the exception fallback was used.
func (g *Graph) route(pipe, label string) (target string, fallback bool, ok bool) {
	n := g.nodes[pipe]
	if t, ok := n.forwards[label]; ok {
		return t, false, true
	}
	if t, ok := g.global[label]; ok {
		return t, false, true
	}
	if t, ok := n.forwards[ForwardException]; ok {
		return t, true, true
	}
	if t, ok := g.global[ForwardException]; ok {
		return t, true, true
	}
	return "", false, false
}

// Name returns the graph name.
func (g *Graph) Name() string { return g.name }

// Entry returns the name of the entry pipe.
func (g *Graph) Entry() string { return g.entry }

// MaxHops returns the hop limit.
func (g *Graph) MaxHops() int { return g.maxHops }

// Pipes returns the pipe names in declaration order.
func (g *Graph) Pipes() []string { return slices.Clone(g.order) }

// Pipe returns the pipe named name.
func (g *Graph) Pipe(name string) (Pipe, bool) {
	n, ok := g.nodes[name]
	if !ok {
		return nil, false
	}
	return n.pipe, true
}

// Exits returns the exits in declaration order.
func (g *Graph) Exits() []Exit {
	out := make([]Exit, len(g.exitSeq))
	for i, name := range g.exitSeq {
		out[i] = g.exits[name]
	}
	return out
}

// Exit returns the exit named name.
func (g *Graph) Exit(name string) (Exit, bool) {
	e, ok := g.exits[name]
	return e, ok
}

// Forwards returns a copy of the forward table of pipe, including implicit
// forwards.
func (g *Graph) Forwards(pipe string) map[string]string {
	n, ok := g.nodes[pipe]
	if !ok {
		return nil
	}
	return maps.Clone(n.forwards)
}

// validator accumulates configuration problems.
type validator struct {
	graph string
	errs  []error
}

func (v *validator) fail(format string, args ...any) {
	v.errs = append(v.errs, fault.Configf("graph %q: "+format, append([]any{v.graph}, args...)...))
}

func (v *validator) err() error {
	return errors.Join(v.errs...)
}

func (v *validator) table(owner string, forwards []Forward) map[string]string {
	t := make(map[string]string, len(forwards))
	for _, f := range forwards {
		switch {
		case f.Name == "":
			v.fail("%s: forward without name", owner)
		case f.Target == "":
			v.fail("%s: forward %q has no target", owner, f.Name)
		default:
			if _, dup := t[f.Name]; dup {
				v.fail("%s: duplicate forward %q", owner, f.Name)
				continue
			}
			t[f.Name] = f.Target
		}
	}
	return t
}

func (v *validator) targets(g *Graph) {
	check := func(owner, label, target string) {
		if _, ok := g.nodes[target]; ok {
			return
		}
		if _, ok := g.exits[target]; ok {
			return
		}
		v.fail("%s: forward %q targets unknown pipe or exit %q", owner, label, target)
	}
	for _, name := range g.order {
		for _, label := range sortedKeys(g.nodes[name].forwards) {
			check("pipe "+quote(name), label, g.nodes[name].forwards[label])
		}
	}
	for _, label := range sortedKeys(g.global) {
		check("global forwards", label, g.global[label])
	}
}

func (v *validator) outcomes(g *Graph) {
	for _, name := range g.order {
		d, ok := g.nodes[name].pipe.(OutcomeDeclarer)
		if !ok {
			continue
		}
		for _, label := range d.Outcomes() {
			if _, _, ok := g.route(name, label); !ok {
				v.fail("pipe %q: outcome %q has no forward and no exception fallback", name, label)
			}
		}
	}
}

// reachability walks every forward from the entry pipe and reports exits
// that cannot be reached.
func (v *validator) reachability(g *Graph) {
	seen := map[string]bool{g.entry: true}
	queue := []string{g.entry}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		n, isPipe := g.nodes[cur]
		if !isPipe {
			continue
		}
		for _, table := range []map[string]string{n.forwards, g.global} {
			for _, target := range table {
				if !seen[target] {
					seen[target] = true
					queue = append(queue, target)
				}
			}
		}
	}
	for _, exit := range g.exitSeq {
		if !seen[exit] {
			v.fail("exit %q is not reachable from entry pipe %q", exit, g.entry)
		}
	}
}

func sortedKeys(m map[string]string) []string {
	return slices.Sorted(maps.Keys(m))
}

func quote(s string) string {
	return `"` + s + `"`
}
