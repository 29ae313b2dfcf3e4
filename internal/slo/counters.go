// Package slo aggregates the persistent stores and the in-process counter
// stream into a deterministic, hashable metrics report and evaluates it
// against declared service-level targets.
package slo

import (
	"sync"
	"time"
)

// CounterSink receives fire-and-forget counter emissions from handlers and
// workers.
type CounterSink interface {
	Emit(name string, value float64, labels map[string]string)
}

// CounterEntry is one recorded emission.
type CounterEntry struct {
	Name   string            `json:"name"`
	Value  float64           `json:"value"`
	Labels map[string]string `json:"labels,omitempty"`
	At     time.Time         `json:"at"`
}

// DefaultCounterCap bounds the ring buffer.
const DefaultCounterCap = 10000

// RuntimeCounters is a capped ring buffer of counter emissions. It is
// process-local and best-effort: once the cap is exceeded the oldest entries
// are evicted, and nothing here survives a restart. Correctness decisions
// must come from the persistent stores; this stream only feeds
// non-authoritative observability series.
type RuntimeCounters struct {
	mu   sync.Mutex
	cap  int
	buf  []CounterEntry
	next int
	full bool
	now  func() time.Time
}

// NewRuntimeCounters creates a ring buffer. capacity <= 0 uses the default;
// now nil means time.Now.
func NewRuntimeCounters(capacity int, now func() time.Time) *RuntimeCounters {
	if capacity <= 0 {
		capacity = DefaultCounterCap
	}
	if now == nil {
		now = time.Now
	}
	return &RuntimeCounters{cap: capacity, buf: make([]CounterEntry, capacity), now: now}
}

// Emit records one counter entry, evicting the oldest once full.
func (r *RuntimeCounters) Emit(name string, value float64, labels map[string]string) {
	var cp map[string]string
	if len(labels) > 0 {
		cp = make(map[string]string, len(labels))
		for k, v := range labels {
			cp[k] = v
		}
	}
	entry := CounterEntry{Name: name, Value: value, Labels: cp, At: r.now().UTC()}

	r.mu.Lock()
	r.buf[r.next] = entry
	r.next++
	if r.next == r.cap {
		r.next = 0
		r.full = true
	}
	r.mu.Unlock()
}

// Snapshot returns the buffered entries oldest-first.
func (r *RuntimeCounters) Snapshot() []CounterEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.full {
		out := make([]CounterEntry, r.next)
		copy(out, r.buf[:r.next])
		return out
	}
	out := make([]CounterEntry, 0, r.cap)
	out = append(out, r.buf[r.next:]...)
	out = append(out, r.buf[:r.next]...)
	return out
}

// Len reports how many entries are currently buffered.
func (r *RuntimeCounters) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.full {
		return r.cap
	}
	return r.next
}

// Compile-time assertion that RuntimeCounters implements CounterSink.
var _ CounterSink = (*RuntimeCounters)(nil)
