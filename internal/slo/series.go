package slo

import (
	"math"
	"sort"

	"github.com/harborline/paycore/internal/canonical"
)

// SeriesKey groups latency samples.
type SeriesKey struct {
	Provider      string `json:"provider"`
	EndpointClass string `json:"endpointClass"`
	Scope         string `json:"scope"`
	Outcome       string `json:"outcome"`
}

// LatencySummary is the aggregate of one latency series, in milliseconds.
type LatencySummary struct {
	Key           SeriesKey `json:"key"`
	Count         int       `json:"count"`
	P50           float64   `json:"p50"`
	P95           float64   `json:"p95"`
	P99           float64   `json:"p99"`
	Min           float64   `json:"min"`
	Max           float64   `json:"max"`
	Authoritative bool      `json:"authoritative"`
}

// Percentile computes the p-th percentile of samples by linear interpolation
// over the sorted slice: index = p/100 * (n-1). The input need not be sorted.
func Percentile(samples []float64, p float64) float64 {
	n := len(samples)
	if n == 0 {
		return 0
	}
	sorted := make([]float64, n)
	copy(sorted, samples)
	sort.Float64s(sorted)

	if n == 1 {
		return sorted[0]
	}
	idx := p / 100 * float64(n-1)
	lo := int(math.Floor(idx))
	hi := int(math.Ceil(idx))
	if lo == hi {
		return sorted[lo]
	}
	frac := idx - float64(lo)
	return sorted[lo] + frac*(sorted[hi]-sorted[lo])
}

// Summarize aggregates one series of latency samples.
func Summarize(key SeriesKey, samples []float64, authoritative bool) LatencySummary {
	s := LatencySummary{Key: key, Count: len(samples), Authoritative: authoritative}
	if len(samples) == 0 {
		return s
	}
	s.P50 = Percentile(samples, 50)
	s.P95 = Percentile(samples, 95)
	s.P99 = Percentile(samples, 99)
	s.Min = samples[0]
	s.Max = samples[0]
	for _, v := range samples {
		if v < s.Min {
			s.Min = v
		}
		if v > s.Max {
			s.Max = v
		}
	}
	return s
}

// PooledP95ByEndpointClass approximates a pooled p95 per endpoint class by
// expanding each series into Count repeated samples of its own p95 and
// taking the p95 of the pool. This weights series by sample count but is
// not an exact order statistic over the raw samples.
func PooledP95ByEndpointClass(series []LatencySummary) map[string]float64 {
	pools := map[string][]float64{}
	for _, s := range series {
		for i := 0; i < s.Count; i++ {
			pools[s.Key.EndpointClass] = append(pools[s.Key.EndpointClass], s.P95)
		}
	}

	out := make(map[string]float64, len(pools))
	for class, pool := range pools {
		out[class] = Percentile(pool, 95)
	}
	return out
}

// CountSeries is one canonicalized counter aggregate. Authoritative is ANDed
// across merged contributions: mixing in a single best-effort sample makes
// the whole series best-effort.
type CountSeries struct {
	Name          string            `json:"name"`
	Labels        map[string]string `json:"labels,omitempty"`
	Count         float64           `json:"count"`
	Authoritative bool              `json:"authoritative"`
}

// countKey canonicalizes name + labels for merging.
func countKey(name string, labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, 1+2*len(keys))
	parts = append(parts, name)
	for _, k := range keys {
		parts = append(parts, k, labels[k])
	}
	return canonical.Key(parts...)
}

// countMerger accumulates count series contributions.
type countMerger struct {
	byKey map[string]*CountSeries
}

func newCountMerger() *countMerger {
	return &countMerger{byKey: map[string]*CountSeries{}}
}

// Add merges one contribution into the set.
func (m *countMerger) Add(name string, labels map[string]string, value float64, authoritative bool) {
	key := countKey(name, labels)
	cs, ok := m.byKey[key]
	if !ok {
		var cp map[string]string
		if len(labels) > 0 {
			cp = make(map[string]string, len(labels))
			for k, v := range labels {
				cp[k] = v
			}
		}
		m.byKey[key] = &CountSeries{Name: name, Labels: cp, Count: value, Authoritative: authoritative}
		return
	}
	cs.Count += value
	cs.Authoritative = cs.Authoritative && authoritative
}

// Series returns the merged set sorted by canonical key for stable output.
func (m *countMerger) Series() []CountSeries {
	keys := make([]string, 0, len(m.byKey))
	for k := range m.byKey {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]CountSeries, 0, len(keys))
	for _, k := range keys {
		out = append(out, *m.byKey[k])
	}
	return out
}
