package slo

import (
	"math"
	"testing"
)

func almostEqual(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestPercentile_LinearInterpolation(t *testing.T) {
	samples := []float64{10, 20, 30, 40}

	cases := []struct {
		p    float64
		want float64
	}{
		{0, 10},
		{50, 25},   // index 1.5 -> midpoint of 20 and 30
		{95, 38.5}, // index 2.85 -> 30 + 0.85*10
		{100, 40},
	}
	for _, tc := range cases {
		got := Percentile(samples, tc.p)
		if !almostEqual(got, tc.want) {
			t.Errorf("Percentile(%v, %v) = %v, want %v", samples, tc.p, got, tc.want)
		}
	}
}

func TestPercentile_EdgeCases(t *testing.T) {
	if got := Percentile(nil, 95); got != 0 {
		t.Errorf("empty input = %v, want 0", got)
	}
	if got := Percentile([]float64{42}, 99); got != 42 {
		t.Errorf("single sample = %v, want 42", got)
	}
	// Input order must not matter.
	a := Percentile([]float64{3, 1, 2}, 50)
	b := Percentile([]float64{1, 2, 3}, 50)
	if a != b || a != 2 {
		t.Errorf("unsorted input changed result: %v vs %v", a, b)
	}
}

func TestSummarize(t *testing.T) {
	key := SeriesKey{Provider: "wise", EndpointClass: "transfer", Scope: "transfer_create", Outcome: "SUCCEEDED"}
	s := Summarize(key, []float64{5, 1, 9}, true)
	if s.Count != 3 || s.Min != 1 || s.Max != 9 {
		t.Errorf("summary = %+v", s)
	}
	if !almostEqual(s.P50, 5) {
		t.Errorf("p50 = %v", s.P50)
	}
	if !s.Authoritative {
		t.Error("authoritative flag lost")
	}

	empty := Summarize(key, nil, false)
	if empty.Count != 0 || empty.P95 != 0 {
		t.Errorf("empty summary = %+v", empty)
	}
}

func TestPooledP95ByEndpointClass(t *testing.T) {
	series := []LatencySummary{
		{Key: SeriesKey{EndpointClass: "transfer"}, Count: 3, P95: 100},
		{Key: SeriesKey{EndpointClass: "transfer"}, Count: 1, P95: 500},
		{Key: SeriesKey{EndpointClass: "webhook"}, Count: 2, P95: 50},
	}

	pooled := PooledP95ByEndpointClass(series)
	// transfer pool: [100 100 100 500], index 2.85 -> 100 + 0.85*400 = 440.
	if !almostEqual(pooled["transfer"], 440) {
		t.Errorf("transfer pooled p95 = %v, want 440", pooled["transfer"])
	}
	if !almostEqual(pooled["webhook"], 50) {
		t.Errorf("webhook pooled p95 = %v, want 50", pooled["webhook"])
	}
}

func TestCountMerger_MergesAndANDsAuthoritative(t *testing.T) {
	m := newCountMerger()
	m.Add("webhook_received", map[string]string{"provider": "stripe"}, 1, true)
	m.Add("webhook_received", map[string]string{"provider": "stripe"}, 2, true)
	m.Add("webhook_received", map[string]string{"provider": "wise"}, 1, true)
	m.Add("webhook_received", map[string]string{"provider": "stripe"}, 1, false)

	series := m.Series()
	if len(series) != 2 {
		t.Fatalf("series = %+v", series)
	}

	var stripe, wise *CountSeries
	for i := range series {
		switch series[i].Labels["provider"] {
		case "stripe":
			stripe = &series[i]
		case "wise":
			wise = &series[i]
		}
	}
	if stripe == nil || stripe.Count != 4 {
		t.Fatalf("stripe series = %+v", stripe)
	}
	if stripe.Authoritative {
		t.Error("one best-effort contribution must make the series best-effort")
	}
	if wise == nil || wise.Count != 1 || !wise.Authoritative {
		t.Errorf("wise series = %+v", wise)
	}
}

func TestCountMerger_LabelOrderInsensitive(t *testing.T) {
	m := newCountMerger()
	m.Add("x", map[string]string{"a": "1", "b": "2"}, 1, true)
	m.Add("x", map[string]string{"b": "2", "a": "1"}, 1, true)
	if series := m.Series(); len(series) != 1 || series[0].Count != 2 {
		t.Errorf("label order must not split a series: %+v", series)
	}
}
