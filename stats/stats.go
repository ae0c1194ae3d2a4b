// Package stats keeps runtime counters and timing distributions for
// receivers and pipes. Entries are created on first use and are queryable
// by name.
package stats

import (
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// Counter is a monotonically increasing count.
type Counter struct {
	n atomic.Int64
}

// Inc adds one.
func (c *Counter) Inc() { c.n.Add(1) }

// Add adds delta.
func (c *Counter) Add(delta int64) { c.n.Add(delta) }

// Value returns the current count.
func (c *Counter) Value() int64 { return c.n.Load() }

// Distribution aggregates observed durations.
type Distribution struct {
	mu    sync.Mutex
	count int64
	sum   time.Duration
	min   time.Duration
	max   time.Duration
}

// Observe records one duration.
func (d *Distribution) Observe(v time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.count == 0 || v < d.min {
		d.min = v
	}
	if v > d.max {
		d.max = v
	}
	d.count++
	d.sum += v
}

// Since records the time elapsed since start.
func (d *Distribution) Since(start time.Time) {
	d.Observe(time.Since(start))
}

// Summary is a point-in-time view of a Distribution.
type Summary struct {
	Count int64
	Sum   time.Duration
	Min   time.Duration
	Max   time.Duration
	Avg   time.Duration
}

// Summary returns the current aggregates.
func (d *Distribution) Summary() Summary {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := Summary{Count: d.count, Sum: d.sum, Min: d.min, Max: d.max}
	if d.count > 0 {
		s.Avg = d.sum / time.Duration(d.count)
	}
	return s
}

// Registry holds named counters and distributions. The zero value is not
// usable; create one with NewRegistry. A nil *Registry discards everything,
// so components can record unconditionally.
type Registry struct {
	mu            sync.RWMutex
	counters      map[string]*Counter
	distributions map[string]*Distribution
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		counters:      make(map[string]*Counter),
		distributions: make(map[string]*Distribution),
	}
}

// Counter returns the counter named name, creating it if needed.
func (r *Registry) Counter(name string) *Counter {
	if r == nil {
		return &Counter{}
	}
	r.mu.RLock()
	c, ok := r.counters[name]
	r.mu.RUnlock()
	if ok {
		return c
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok = r.counters[name]; !ok {
		c = &Counter{}
		r.counters[name] = c
	}
	return c
}

// Distribution returns the distribution named name, creating it if needed.
func (r *Registry) Distribution(name string) *Distribution {
	if r == nil {
		return &Distribution{}
	}
	r.mu.RLock()
	d, ok := r.distributions[name]
	r.mu.RUnlock()
	if ok {
		return d
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok = r.distributions[name]; !ok {
		d = &Distribution{}
		r.distributions[name] = d
	}
	return d
}

// Snapshot is a point-in-time copy of a registry.
type Snapshot struct {
	Counters      map[string]int64
	Distributions map[string]Summary
}

// Names returns all counter and distribution names, sorted.
func (s Snapshot) Names() []string {
	names := slices.Collect(maps.Keys(s.Counters))
	names = append(names, slices.Collect(maps.Keys(s.Distributions))...)
	slices.Sort(names)
	return names
}

// Snapshot copies the current values.
func (r *Registry) Snapshot() Snapshot {
	s := Snapshot{
		Counters:      make(map[string]int64),
		Distributions: make(map[string]Summary),
	}
	if r == nil {
		return s
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for name, c := range r.counters {
		s.Counters[name] = c.Value()
	}
	for name, d := range r.distributions {
		s.Distributions[name] = d.Summary()
	}
	return s
}
