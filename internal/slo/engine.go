package slo

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/harborline/paycore/internal/canonical"
	"github.com/harborline/paycore/internal/events"
	"github.com/harborline/paycore/internal/idempotency"
	"github.com/harborline/paycore/internal/logging"
	"github.com/harborline/paycore/internal/reconcile"
	"github.com/harborline/paycore/internal/transfer"
)

// IdempotencySource is the read slice of the lock store the engine needs.
type IdempotencySource interface {
	ListByWindow(ctx context.Context, from, to time.Time, limit int) ([]*idempotency.Record, error)
}

// EventSource reads the provider event ledger.
type EventSource interface {
	ListByWindow(ctx context.Context, from, to time.Time, provider string, limit int) ([]*events.Event, error)
}

// IntentSource reads the transfer intent store.
type IntentSource interface {
	ListByWindow(ctx context.Context, from, to time.Time, limit int) ([]*transfer.Intent, error)
}

// Reconciler runs a reconciliation pass. The metrics engine depends on one
// run per snapshot; its hash is embedded in the report.
type Reconciler interface {
	Run(ctx context.Context, f reconcile.Filter) (*reconcile.Report, error)
}

// Window bounds a snapshot.
type Window struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// SLO evaluation statuses.
const (
	SLOPass    = "PASS"
	SLOWarn    = "WARN"
	SLOFail    = "FAIL"
	SLOUnknown = "UNKNOWN"
)

// SLOResult is the evaluation of one target against a snapshot.
type SLOResult struct {
	Name          string   `json:"name"`
	Metric        string   `json:"metric"`
	Value         float64  `json:"value"`
	Comparator    string   `json:"comparator"`
	PassThreshold float64  `json:"passThreshold"`
	WarnThreshold *float64 `json:"warnThreshold,omitempty"`
	Status        string   `json:"status"`
	PagingTrigger bool     `json:"pagingTrigger"`
}

// LifecycleStats aggregates transfer durations over the window, split by
// transition. Fallbacks counts intents timed from their own records because
// no qualifying ledger event existed.
type LifecycleStats struct {
	CreatedToAccepted   LatencySummary `json:"createdToAccepted"`
	AcceptedToCompleted LatencySummary `json:"acceptedToCompleted"`
	Fallbacks           int            `json:"fallbacks"`
}

// Report is one metrics snapshot. Hash covers everything except GeneratedAt,
// is invariant to input ordering (all series are canonically sorted before
// hashing), and changes whenever any aggregate value changes.
type Report struct {
	Window                   Window             `json:"window"`
	GeneratedAt              time.Time          `json:"generatedAt"`
	LatencySeries            []LatencySummary   `json:"latencySeries"`
	PooledP95ByEndpointClass map[string]float64 `json:"pooledP95ByEndpointClass"`
	CountSeries              []CountSeries      `json:"countSeries"`
	Lifecycle                LifecycleStats     `json:"lifecycle"`
	SLOResults               []SLOResult        `json:"sloResults"`
	ReconciliationHash       string             `json:"reconciliationHash"`
	Hash                     string             `json:"hash"`
}

// Engine assembles metrics snapshots. Collaborators are injected; Targets
// may be swapped at runtime via SetTargets (hot reload).
type Engine struct {
	Idempotency IdempotencySource
	Events      EventSource
	Intents     IntentSource
	Runtime     *RuntimeCounters
	Reconciler  Reconciler
	Now         func() time.Time

	mu      sync.RWMutex
	targets []Target
}

// NewEngine creates a metrics engine. now nil means time.Now.
func NewEngine(idem IdempotencySource, ev EventSource, in IntentSource, rt *RuntimeCounters, rec Reconciler, targets []Target, now func() time.Time) *Engine {
	if now == nil {
		now = time.Now
	}
	return &Engine{
		Idempotency: idem, Events: ev, Intents: in,
		Runtime: rt, Reconciler: rec, Now: now, targets: targets,
	}
}

// SetTargets replaces the live targets; used by the file watcher.
func (e *Engine) SetTargets(targets []Target) {
	e.mu.Lock()
	e.targets = targets
	e.mu.Unlock()
}

// CurrentTargets returns the live targets.
func (e *Engine) CurrentTargets() []Target {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Target, len(e.targets))
	copy(out, e.targets)
	return out
}

const sourceLimit = 5000

// Snapshot pulls every source, aggregates, evaluates targets, and hashes
// the result. It is read-only against the core stores.
func (e *Engine) Snapshot(ctx context.Context, w Window) (*Report, error) {
	if w.To.IsZero() {
		w.To = e.Now().UTC()
	}

	records, err := e.Idempotency.ListByWindow(ctx, w.From, w.To, sourceLimit)
	if err != nil {
		return nil, err
	}
	evs, err := e.Events.ListByWindow(ctx, w.From, w.To, "", sourceLimit)
	if err != nil {
		return nil, err
	}
	intents, err := e.Intents.ListByWindow(ctx, w.From, w.To, sourceLimit)
	if err != nil {
		return nil, err
	}
	recon, err := e.Reconciler.Run(ctx, reconcile.Filter{From: w.From, To: w.To})
	if err != nil {
		return nil, err
	}

	latency := latencyFromRecords(records)
	counts := newCountMerger()
	countFromEvents(counts, evs)
	countFromIntents(counts, intents)
	countFromRuntime(counts, e.Runtime)
	lifecycle := lifecycleFromIntents(intents, evs)
	pooled := PooledP95ByEndpointClass(latency)

	metrics := map[string]float64{
		"wise_created_to_accepted_p95_ms":    lifecycle.CreatedToAccepted.P95,
		"wise_accepted_to_completed_p95_ms":  lifecycle.AcceptedToCompleted.P95,
		"reconciliation_discrepancy_count":   float64(recon.Summary.DiscrepancyCount),
		"reconciliation_critical_count":      float64(recon.Summary.CountsBySeverity[string(reconcile.SeverityCritical)]),
		"reconciliation_manual_review_count": float64(recon.Summary.ManualReviewCount),
		"intent_timeout_count":               countIntents(intents, transfer.StateTimedOut),
		"intent_failed_count":                countIntents(intents, transfer.StateFailed),
		"event_failure_count":                countEvents(evs, events.StatusFailed),
	}
	for class, p95 := range pooled {
		metrics["pooled_p95_ms:"+class] = p95
	}

	results := evaluate(e.CurrentTargets(), metrics)

	report := &Report{
		Window:                   w,
		GeneratedAt:              e.Now().UTC(),
		LatencySeries:            latency,
		PooledP95ByEndpointClass: pooled,
		CountSeries:              counts.Series(),
		Lifecycle:                lifecycle,
		SLOResults:               results,
		ReconciliationHash:       recon.DeterministicHash,
	}
	report.Hash = canonical.MustHash(map[string]interface{}{
		"window":             report.Window,
		"latencySeries":      report.LatencySeries,
		"pooledP95":          report.PooledP95ByEndpointClass,
		"countSeries":        report.CountSeries,
		"lifecycle":          report.Lifecycle,
		"sloResults":         report.SLOResults,
		"reconciliationHash": report.ReconciliationHash,
	})

	logging.L(ctx).Info("metrics snapshot built",
		"latency_series", len(report.LatencySeries),
		"count_series", len(report.CountSeries),
		"slo_results", len(report.SLOResults),
		"hash", report.Hash)
	return report, nil
}

// latencyFromRecords derives provider latency from the created→updated
// duration of terminal idempotency records. Tagged authoritative: the lock
// store is durable and transition-ordered.
func latencyFromRecords(records []*idempotency.Record) []LatencySummary {
	samples := map[SeriesKey][]float64{}
	for _, rec := range records {
		if rec.Status == idempotency.StatusInProgress {
			continue
		}
		key := SeriesKey{
			Provider:      rec.Provider,
			EndpointClass: endpointClassOf(rec.Scope),
			Scope:         rec.Scope,
			Outcome:       string(rec.Status),
		}
		ms := float64(rec.UpdatedAt.Sub(rec.CreatedAt)) / float64(time.Millisecond)
		samples[key] = append(samples[key], ms)
	}

	out := make([]LatencySummary, 0, len(samples))
	for key, s := range samples {
		out = append(out, Summarize(key, s, true))
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Key, out[j].Key
		if a.Provider != b.Provider {
			return a.Provider < b.Provider
		}
		if a.EndpointClass != b.EndpointClass {
			return a.EndpointClass < b.EndpointClass
		}
		if a.Scope != b.Scope {
			return a.Scope < b.Scope
		}
		return a.Outcome < b.Outcome
	})
	return out
}

// endpointClassOf buckets a lock scope into a coarse endpoint class: the
// token before the first underscore ("transfer_create" → "transfer").
func endpointClassOf(scope string) string {
	if i := strings.IndexByte(scope, '_'); i > 0 {
		return scope[:i]
	}
	return scope
}

func countFromEvents(m *countMerger, evs []*events.Event) {
	for _, ev := range evs {
		m.Add("provider_events_total", map[string]string{
			"provider": ev.Provider,
			"status":   string(ev.Status),
		}, 1, true)
	}
}

func countFromIntents(m *countMerger, intents []*transfer.Intent) {
	for _, in := range intents {
		m.Add("transfer_intents_total", map[string]string{
			"state": string(in.State),
		}, 1, true)
	}
}

func countFromRuntime(m *countMerger, rt *RuntimeCounters) {
	if rt == nil {
		return
	}
	for _, entry := range rt.Snapshot() {
		m.Add(entry.Name, entry.Labels, entry.Value, false)
	}
}

func countIntents(intents []*transfer.Intent, state transfer.State) float64 {
	n := 0
	for _, in := range intents {
		if in.State == state {
			n++
		}
	}
	return float64(n)
}

func countEvents(evs []*events.Event, status events.Status) float64 {
	n := 0
	for _, ev := range evs {
		if ev.Status == status {
			n++
		}
	}
	return float64(n)
}

// lifecycleFromIntents times INTENT_CREATED→ACCEPTED and ACCEPTED→COMPLETED
// per intent. The first qualifying ledger event per transition is preferred;
// intents with no qualifying event fall back to their own timestamps.
func lifecycleFromIntents(intents []*transfer.Intent, evs []*events.Event) LifecycleStats {
	// Index the first event per (transferId, target state), oldest first.
	type evKey struct {
		transferID string
		state      transfer.State
	}
	firstEvent := map[evKey]time.Time{}
	sorted := make([]*events.Event, len(evs))
	copy(sorted, evs)
	sort.Slice(sorted, func(i, j int) bool {
		return eventAt(sorted[i]).Before(eventAt(sorted[j]))
	})
	for _, ev := range sorted {
		if ev.TransferID == "" {
			continue
		}
		state, ok := transfer.NormalizeProviderStatus(ev.Metadata["providerStatus"])
		if !ok {
			continue
		}
		k := evKey{ev.TransferID, state}
		if _, seen := firstEvent[k]; !seen {
			firstEvent[k] = eventAt(ev)
		}
	}

	var toAccepted, toCompleted []float64
	fallbacks := 0
	for _, in := range intents {
		acceptedAt, acceptedFromEvent := firstEvent[evKey{in.TransferID, transfer.StateAccepted}]
		completedAt, completedFromEvent := firstEvent[evKey{in.TransferID, transfer.StateCompleted}]

		if !acceptedFromEvent && in.State != transfer.StateIntentCreated && in.State != transfer.StateRequested {
			// No acceptance event survived; approximate from the intent.
			if in.ProviderStatusAt != nil {
				acceptedAt = *in.ProviderStatusAt
				fallbacks++
			}
		}
		if hasTime(acceptedAt) {
			toAccepted = append(toAccepted, durationMs(in.CreatedAt, acceptedAt))
		}

		if !completedFromEvent && in.State == transfer.StateCompleted {
			completedAt = in.UpdatedAt
			fallbacks++
		}
		if hasTime(completedAt) && hasTime(acceptedAt) {
			toCompleted = append(toCompleted, durationMs(acceptedAt, completedAt))
		}
	}

	return LifecycleStats{
		CreatedToAccepted:   Summarize(SeriesKey{Provider: "wise", EndpointClass: "transfer", Scope: "lifecycle", Outcome: "accepted"}, toAccepted, true),
		AcceptedToCompleted: Summarize(SeriesKey{Provider: "wise", EndpointClass: "transfer", Scope: "lifecycle", Outcome: "completed"}, toCompleted, true),
		Fallbacks:           fallbacks,
	}
}

func eventAt(ev *events.Event) time.Time {
	if ev.OccurredAt != nil {
		return *ev.OccurredAt
	}
	return ev.ReceivedAt
}

func hasTime(t time.Time) bool { return !t.IsZero() }

func durationMs(from, to time.Time) float64 {
	d := to.Sub(from)
	if d < 0 {
		d = 0
	}
	return float64(d) / float64(time.Millisecond)
}

// evaluate runs every target against the computed metric values. Status is
// PASS if the comparator holds at the pass threshold, else WARN at the warn
// threshold, else FAIL. The paging trigger fires when the paging comparator
// does NOT hold, independent of the status ladder.
func evaluate(targets []Target, metrics map[string]float64) []SLOResult {
	out := make([]SLOResult, 0, len(targets))
	for _, t := range targets {
		r := SLOResult{
			Name:          t.Name,
			Metric:        t.Metric,
			Comparator:    t.Comparator,
			PassThreshold: t.Pass,
			WarnThreshold: t.Warn,
		}

		value, known := metrics[t.Metric]
		if !known {
			r.Status = SLOUnknown
			out = append(out, r)
			continue
		}
		r.Value = value

		switch {
		case compare(value, t.Comparator, t.Pass):
			r.Status = SLOPass
		case t.Warn != nil && compare(value, t.Comparator, *t.Warn):
			r.Status = SLOWarn
		default:
			r.Status = SLOFail
		}

		if t.Paging != nil {
			r.PagingTrigger = !compare(value, t.Paging.Comparator, t.Paging.Threshold)
		}
		out = append(out, r)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
