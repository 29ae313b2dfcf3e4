package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/harborline/paycore/internal/events"
	"github.com/harborline/paycore/internal/orders"
	"github.com/harborline/paycore/internal/transfer"
)

var frozen = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	orders  *orders.MemoryStore
	events  *events.Ledger
	intents *transfer.MemoryStore
	engine  *Engine
}

func newFixture() *fixture {
	os := orders.NewMemoryStore().WithNow(func() time.Time { return frozen })
	ledger := events.NewLedger(events.NewMemoryStore(), func() time.Time { return frozen })
	intents := transfer.NewMemoryStore()
	return &fixture{
		orders:  os,
		events:  ledger,
		intents: intents,
		engine:  NewEngine(os, ledger, intents, func() time.Time { return frozen }),
	}
}

func (f *fixture) seedOrder(o *orders.Order) {
	if o.Currency == "" {
		o.Currency = "USD"
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = frozen.Add(-2 * time.Hour)
	}
	if o.UpdatedAt.IsZero() {
		o.UpdatedAt = o.CreatedAt
	}
	f.orders.Put(o)
}

func (f *fixture) seedPaymentEvent(t *testing.T, orderID string, age time.Duration) {
	t.Helper()
	at := frozen.Add(-age)
	_, err := f.events.Append(context.Background(), &events.Event{
		Provider:           "stripe",
		EventID:            "evt_" + orderID,
		EventType:          "payment_intent.succeeded",
		Status:             events.StatusProcessed,
		OrderID:            orderID,
		PaymentReferenceID: "pi_" + orderID,
		OccurredAt:         &at,
		PayloadHash:        "h",
	})
	if err != nil {
		t.Fatalf("seed event failed: %v", err)
	}
}

func (f *fixture) seedCompletedIntent(t *testing.T, orderID string, completedAgo time.Duration) {
	t.Helper()
	at := frozen.Add(-completedAgo)
	err := f.intents.Insert(context.Background(), &transfer.Intent{
		ID: "tin_" + orderID, OrderID: orderID, ReleaseAttemptID: "attempt-1", AttemptNumber: 1,
		State: transfer.StateCompleted, TransferID: "trf_" + orderID,
		ProviderStatusAt: &at, CreatedAt: at.Add(-time.Minute), UpdatedAt: at,
	})
	if err != nil {
		t.Fatalf("seed intent failed: %v", err)
	}
}

func run(t *testing.T, f *fixture) *Report {
	t.Helper()
	report, err := f.engine.Run(context.Background(), Filter{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	return report
}

func TestRun_CleanOrderProducesNoDiscrepancies(t *testing.T) {
	f := newFixture()
	f.seedOrder(&orders.Order{ID: "ord-clean", Status: orders.StatusPaid, EscrowStatus: orders.EscrowHeld, TotalAmountMinor: 5000})
	f.seedPaymentEvent(t, "ord-clean", time.Minute)

	report := run(t, f)
	if report.Summary.DiscrepancyCount != 0 {
		t.Fatalf("expected clean run, got %+v", report.Discrepancies)
	}
	if report.Summary.CleanOrders != 1 || report.Summary.OrdersScanned != 1 {
		t.Errorf("summary = %+v", report.Summary)
	}
}

func TestRun_SettledWithoutCompletionIsCriticalContradiction(t *testing.T) {
	f := newFixture()
	f.seedOrder(&orders.Order{ID: "ord-1", Status: orders.StatusSettled, EscrowStatus: orders.EscrowSettled, TotalAmountMinor: 5000})

	report := run(t, f)
	if report.Summary.DiscrepancyCount != 1 {
		t.Fatalf("expected exactly one discrepancy, got %d", report.Summary.DiscrepancyCount)
	}
	d := report.Discrepancies[0]
	if d.Code != CodeSettlementMarkedNoCompletion {
		t.Errorf("code = %s", d.Code)
	}
	if d.Severity != SeverityCritical || d.Retryable || !d.ManualReviewRequired {
		t.Errorf("discrepancy = %+v", d)
	}
	if d.RecommendedAction != ActionManualReviewRequired {
		t.Errorf("action = %s", d.RecommendedAction)
	}
}

func TestRun_DeterministicHashStableAcrossRuns(t *testing.T) {
	f := newFixture()
	f.seedOrder(&orders.Order{ID: "ord-1", Status: orders.StatusSettled, EscrowStatus: orders.EscrowSettled, TotalAmountMinor: 5000})

	first := run(t, f)
	second := run(t, f)
	if first.DeterministicHash != second.DeterministicHash {
		t.Errorf("hash changed across identical runs: %s vs %s", first.DeterministicHash, second.DeterministicHash)
	}
	if first.RunID == second.RunID {
		t.Error("run ids must be unique per run")
	}
	if first.Discrepancies[0].DiscrepancyID != second.Discrepancies[0].DiscrepancyID {
		t.Error("discrepancy ids must be stable across runs")
	}
}

func TestRun_PaymentConfirmedNoEscrowEscalatesWithAge(t *testing.T) {
	f := newFixture()
	f.seedOrder(&orders.Order{ID: "ord-fresh", Status: orders.StatusPaid, EscrowStatus: orders.EscrowNone, TotalAmountMinor: 1000})
	f.seedPaymentEvent(t, "ord-fresh", 5*time.Minute)
	f.seedOrder(&orders.Order{ID: "ord-stale", Status: orders.StatusPaid, EscrowStatus: orders.EscrowNone, TotalAmountMinor: 1000})
	f.seedPaymentEvent(t, "ord-stale", 30*time.Minute)

	report := run(t, f)
	bySeverity := map[string]Severity{}
	for _, d := range report.Discrepancies {
		if d.Code != CodePaymentConfirmedNoEscrow {
			t.Fatalf("unexpected code %s", d.Code)
		}
		bySeverity[d.Order.OrderID] = d.Severity
	}
	if bySeverity["ord-fresh"] != SeverityWarning {
		t.Errorf("fresh evidence severity = %s, want WARNING", bySeverity["ord-fresh"])
	}
	if bySeverity["ord-stale"] != SeverityCritical {
		t.Errorf("stale evidence severity = %s, want CRITICAL", bySeverity["ord-stale"])
	}
}

func TestRun_EscrowHeldWithoutConfirmation(t *testing.T) {
	f := newFixture()
	f.seedOrder(&orders.Order{
		ID: "ord-1", Status: orders.StatusPaid, EscrowStatus: orders.EscrowHeld,
		TotalAmountMinor: 1000, UpdatedAt: frozen.Add(-10 * time.Minute),
	})

	report := run(t, f)
	if report.Summary.DiscrepancyCount != 1 {
		t.Fatalf("got %d discrepancies", report.Summary.DiscrepancyCount)
	}
	d := report.Discrepancies[0]
	if d.Code != CodeEscrowHeldNoProviderConfirmation || d.Severity != SeverityWarning {
		t.Errorf("discrepancy = %+v", d)
	}
	if !d.Retryable || d.RecommendedAction != ActionRetryReconciliation {
		t.Errorf("a fresh lag must be retryable: %+v", d)
	}
}

func TestRun_TransferCompletedNoSettlement(t *testing.T) {
	f := newFixture()
	f.seedOrder(&orders.Order{ID: "ord-1", Status: orders.StatusDelivered, EscrowStatus: orders.EscrowReleased, TotalAmountMinor: 1000})
	f.seedPaymentEvent(t, "ord-1", time.Minute)
	f.seedCompletedIntent(t, "ord-1", 20*time.Minute)

	report := run(t, f)
	if report.Summary.DiscrepancyCount != 1 {
		t.Fatalf("got %+v", report.Discrepancies)
	}
	d := report.Discrepancies[0]
	if d.Code != CodeTransferCompletedNoSettlement {
		t.Errorf("code = %s", d.Code)
	}
	if d.Severity != SeverityCritical {
		t.Errorf("20m-old completion must escalate, got %s", d.Severity)
	}
	if d.Evidence["providerReference"] != "trf_ord-1" {
		t.Errorf("evidence = %v", d.Evidence)
	}
}

func TestRun_IdentityMismatch(t *testing.T) {
	f := newFixture()
	o := &orders.Order{
		ID: "ord-1", Status: orders.StatusPaid, EscrowStatus: orders.EscrowHeld,
		Currency: "USD", TotalAmountMinor: 5000,
		Lines: []orders.Line{{SKU: "sku-1", Quantity: 2, UnitAmountMinor: 2500}},
	}
	good, err := orders.PricingHash(o)
	if err != nil {
		t.Fatalf("PricingHash failed: %v", err)
	}
	o.PricingHash = good
	f.seedOrder(o)
	f.seedPaymentEvent(t, "ord-1", time.Minute)

	if report := run(t, f); report.Summary.DiscrepancyCount != 0 {
		t.Fatalf("matching hash flagged: %+v", report.Discrepancies)
	}

	// Mutate a line after the hash was stored.
	o.Lines[0].UnitAmountMinor = 2600
	f.seedOrder(o)

	report := run(t, f)
	if report.Summary.DiscrepancyCount != 1 {
		t.Fatalf("got %+v", report.Discrepancies)
	}
	d := report.Discrepancies[0]
	if d.Code != CodeIdentityMismatch || d.Severity != SeverityCritical || d.Retryable {
		t.Errorf("discrepancy = %+v", d)
	}
}

func TestRun_SortStableBySeverityThenCodeThenOrder(t *testing.T) {
	f := newFixture()
	// WARNING for ord-b, CRITICAL for ord-a: CRITICAL must sort first.
	f.seedOrder(&orders.Order{ID: "ord-a", Status: orders.StatusSettled, EscrowStatus: orders.EscrowSettled, TotalAmountMinor: 100})
	f.seedOrder(&orders.Order{ID: "ord-b", Status: orders.StatusPaid, EscrowStatus: orders.EscrowNone, TotalAmountMinor: 100})
	f.seedPaymentEvent(t, "ord-b", time.Minute)

	report := run(t, f)
	if len(report.Discrepancies) != 2 {
		t.Fatalf("got %+v", report.Discrepancies)
	}
	if report.Discrepancies[0].Severity != SeverityCritical || report.Discrepancies[1].Severity != SeverityWarning {
		t.Errorf("sort order wrong: %s then %s", report.Discrepancies[0].Severity, report.Discrepancies[1].Severity)
	}
}
