package listener

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fxsml/relay/fault"
)

// totalTimeouts counts stalls detected by all guards of the process.
var totalTimeouts atomic.Int64

// TotalTimeouts returns how many stalls all guards of the process detected.
func TotalTimeouts() int64 { return totalTimeouts.Load() }

// Target is what a Guard watches. *Container implements it.
type Target interface {
	Name() string
	PollTimeout() time.Duration
	LastPoll() time.Time
	InFlight() int64
	State() State
	Recovering() bool
	Restart(ctx context.Context, cond func() bool) (bool, error)
}

var _ Target = (*Container)(nil)

// GuardConfig configures a Guard.
type GuardConfig struct {
	// Interval between checks. Default: the target's poll timeout.
	Interval time.Duration
	// Threshold is how long the target may go without finishing a poll
	// before it is restarted. Default: 3 x the target's poll timeout.
	Threshold time.Duration
	// Logger for stall warnings and restart outcomes. Default: slog.Default().
	Logger Logger
}

func (c GuardConfig) parse(t Target) GuardConfig {
	if c.Interval <= 0 {
		c.Interval = t.PollTimeout()
	}
	if c.Threshold <= 0 {
		c.Threshold = 3 * t.PollTimeout()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Guard restarts a container whose poll loop stopped making progress while
// nothing was being handled.
type Guard struct {
	cfg    GuardConfig
	target Target

	baseline atomic.Int64
	timeouts atomic.Int64

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewGuard creates a guard for target. It does nothing until Start.
func NewGuard(target Target, cfg GuardConfig) *Guard {
	return &Guard{cfg: cfg.parse(target), target: target}
}

// Timeouts returns how many stalls this guard detected.
func (g *Guard) Timeouts() int64 { return g.timeouts.Load() }

// Check inspects the target once and restarts it when its last poll is older
// than the threshold, nothing is in flight, it is started and no restart is
// already running. It reports whether a restart was attempted.
func (g *Guard) Check(ctx context.Context, now time.Time) bool {
	last := g.target.LastPoll()
	if base := time.Unix(0, g.baseline.Load()); base.After(last) {
		last = base
	}
	stale := now.Sub(last) > g.cfg.Threshold
	if !stale || g.target.InFlight() != 0 || g.target.State() != Started || g.target.Recovering() {
		return false
	}

	g.baseline.Store(now.UnixNano())
	g.timeouts.Add(1)
	totalTimeouts.Add(1)
	g.cfg.Logger.Warn("Poll timeout, restarting listener",
		"listener", g.target.Name(),
		"error", fault.ErrStallDetected,
		"lastPoll", g.target.LastPoll(),
		"threshold", g.cfg.Threshold)

	threshold := g.cfg.Threshold
	restarted, err := g.target.Restart(ctx, func() bool {
		return g.target.InFlight() == 0 &&
			g.target.State() == Started &&
			now.Sub(g.target.LastPoll()) > threshold
	})
	switch {
	case err != nil:
		g.cfg.Logger.Error("Failed to restart listener", "listener", g.target.Name(), "state", g.target.State(), "error", err)
	case restarted:
		g.cfg.Logger.Info("Listener restarted", "listener", g.target.Name())
	default:
		g.cfg.Logger.Debug("Listener recovered before restart", "listener", g.target.Name())
	}
	return true
}

// Start runs Check every Interval until Stop.
func (g *Guard) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cancel != nil {
		return ErrAlreadyStarted
	}
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	g.cancel = cancel
	g.done = make(chan struct{})
	// Polls before the guard started do not count as stalls.
	g.baseline.Store(time.Now().UnixNano())

	go func(done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(g.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				g.Check(ctx, now)
			}
		}
	}(g.done)
	return nil
}

// Stop ends the ticker goroutine and waits for a running check to return.
func (g *Guard) Stop() {
	g.mu.Lock()
	cancel, done := g.cancel, g.done
	g.cancel, g.done = nil, nil
	g.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}
