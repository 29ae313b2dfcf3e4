package reconcile

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/harborline/paycore/internal/events"
	"github.com/harborline/paycore/internal/logging"
	"github.com/harborline/paycore/internal/orders"
	"github.com/harborline/paycore/internal/transfer"
)

// EventSource is the read slice of the event ledger the engine needs.
type EventSource interface {
	ListByOrder(ctx context.Context, orderID string, limit int) ([]*events.Event, error)
}

// IntentSource resolves an order to its latest transfer attempt.
type IntentSource interface {
	LatestByOrder(ctx context.Context, orderID string) (*transfer.Intent, error)
}

// Engine runs reconciliation. All collaborators are injected so the engine
// tests against in-memory fakes.
type Engine struct {
	Orders  orders.Store
	Events  EventSource
	Intents IntentSource
	Now     func() time.Time
}

// NewEngine creates a reconciliation engine. now nil means time.Now.
func NewEngine(o orders.Store, e EventSource, i IntentSource, now func() time.Time) *Engine {
	if now == nil {
		now = time.Now
	}
	return &Engine{Orders: o, Events: e, Intents: i, Now: now}
}

const perOrderEventLimit = 500

// Run scans the filtered order slice and evaluates every detector against
// every order. The result is fully regenerated each run.
func (e *Engine) Run(ctx context.Context, f Filter) (*Report, error) {
	candidates, err := e.Orders.List(ctx, orders.Filter{
		OrderID: f.OrderID, From: f.From, To: f.To, Limit: f.Limit,
	})
	if err != nil {
		return nil, err
	}

	log := logging.L(ctx)
	now := e.Now().UTC()

	var discrepancies []Discrepancy
	clean := 0
	for _, o := range candidates {
		found, err := e.checkOrder(ctx, o, now)
		if err != nil {
			return nil, err
		}
		if len(found) == 0 {
			clean++
		}
		discrepancies = append(discrepancies, found...)
	}

	sortDiscrepancies(discrepancies)

	summary := Summary{
		OrdersScanned:    len(candidates),
		DiscrepancyCount: len(discrepancies),
		CountsBySeverity: map[string]int{},
		CountsByCode:     map[string]int{},
		CleanOrders:      clean,
	}
	for _, d := range discrepancies {
		summary.CountsBySeverity[string(d.Severity)]++
		summary.CountsByCode[d.Code]++
		if d.ManualReviewRequired {
			summary.ManualReviewCount++
		}
	}

	report := &Report{
		RunID:             "rec_" + uuid.NewString(),
		GeneratedAt:       now,
		Filter:            f,
		Summary:           summary,
		Discrepancies:     discrepancies,
		DeterministicHash: reportHash(f, summary, discrepancies),
	}

	log.Info("reconciliation run complete",
		"run_id", report.RunID,
		"orders_scanned", summary.OrdersScanned,
		"discrepancies", summary.DiscrepancyCount,
		"manual_review", summary.ManualReviewCount)
	return report, nil
}

// truth is provider-derived evidence, independent of the order's own status.
type truth struct {
	confirmed  bool
	reference  string     // provider id backing the evidence
	observedAt *time.Time // when the provider says it happened
}

func (e *Engine) checkOrder(ctx context.Context, o *orders.Order, now time.Time) ([]Discrepancy, error) {
	evs, err := e.Events.ListByOrder(ctx, o.ID, perOrderEventLimit)
	if err != nil {
		return nil, err
	}

	var latestIntent *transfer.Intent
	latestIntent, err = e.Intents.LatestByOrder(ctx, o.ID)
	if err != nil && !errors.Is(err, transfer.ErrNotFound) {
		return nil, err
	}

	payment := paymentTruth(o, evs)
	transferT := transferTruth(latestIntent, evs)
	settled := o.Status == orders.StatusSettled || o.EscrowStatus == orders.EscrowSettled

	var out []Discrepancy

	// 1. Payment confirmed upstream but funds were never moved into escrow.
	if payment.confirmed && o.Status.PostPayment() && o.EscrowStatus == orders.EscrowNone {
		out = append(out, lagDiscrepancy(o, CodePaymentConfirmedNoEscrow, payment, now, escrowLagEscalation))
	}

	// 2. Escrow holds funds with no provider confirmation to justify it.
	if o.EscrowStatus == orders.EscrowHeld && !payment.confirmed {
		d := lagDiscrepancy(o, CodeEscrowHeldNoProviderConfirmation, truth{observedAt: &o.UpdatedAt}, now, paymentLagEscalation)
		d.Evidence["paymentReference"] = o.PaymentReference
		out = append(out, d)
	}

	// 3. Transfer completed upstream but the order never settled.
	if transferT.confirmed && !settled {
		out = append(out, lagDiscrepancy(o, CodeTransferCompletedNoSettlement, transferT, now, settlementLagEscalation))
	}

	// 4. Settled with nothing upstream to back it. Not a timing lag: the
	// books claim money moved that no provider confirms.
	if settled && !transferT.confirmed {
		out = append(out, contradiction(o, CodeSettlementMarkedNoCompletion, map[string]string{
			"orderStatus":       string(o.Status),
			"escrowStatus":      string(o.EscrowStatus),
			"transferReference": o.TransferReference,
		}))
	}

	// 5. Stored pricing hash no longer matches the recomputed snapshot.
	if o.Status.PostPayment() && o.PricingHash != "" {
		recomputed, err := orders.PricingHash(o)
		if err == nil && recomputed != o.PricingHash {
			out = append(out, contradiction(o, CodeIdentityMismatch, map[string]string{
				"storedPricingHash":     o.PricingHash,
				"recomputedPricingHash": recomputed,
			}))
		}
	}

	return out, nil
}

// lagDiscrepancy builds a WARNING that escalates to CRITICAL once the
// backing evidence is older than the escalation age.
func lagDiscrepancy(o *orders.Order, code string, t truth, now time.Time, escalation time.Duration) Discrepancy {
	severity := SeverityWarning
	evidence := map[string]string{"providerReference": t.reference}
	if t.observedAt != nil {
		age := now.Sub(*t.observedAt)
		evidence["evidenceAt"] = t.observedAt.UTC().Format(time.RFC3339)
		evidence["ageSeconds"] = strconv.FormatInt(int64(age.Seconds()), 10)
		if age > escalation {
			severity = SeverityCritical
		}
	}

	d := Discrepancy{
		DiscrepancyID: discrepancyID(code, o.ID, t.reference),
		Code:          code,
		Severity:      severity,
		Retryable:     true,
		Order:         snapshotOf(o),
		Evidence:      evidence,
	}
	finalize(&d)
	return d
}

// contradiction builds a CRITICAL, non-retryable discrepancy.
func contradiction(o *orders.Order, code string, evidence map[string]string) Discrepancy {
	ref := o.TransferReference
	if ref == "" {
		ref = o.PaymentReference
	}
	d := Discrepancy{
		DiscrepancyID: discrepancyID(code, o.ID, ref),
		Code:          code,
		Severity:      SeverityCritical,
		Retryable:     false,
		Order:         snapshotOf(o),
		Evidence:      evidence,
	}
	finalize(&d)
	return d
}

// finalize derives the manual-review flag and recommended action.
func finalize(d *Discrepancy) {
	d.ManualReviewRequired = d.Severity == SeverityCritical || !d.Retryable
	if d.ManualReviewRequired {
		d.RecommendedAction = ActionManualReviewRequired
	} else {
		d.RecommendedAction = ActionRetryReconciliation
	}
}

func snapshotOf(o *orders.Order) OrderSnapshot {
	return OrderSnapshot{
		OrderID:           o.ID,
		Status:            o.Status,
		EscrowStatus:      o.EscrowStatus,
		Currency:          o.Currency,
		TotalAmountMinor:  o.TotalAmountMinor,
		PricingHash:       o.PricingHash,
		PaymentReference:  o.PaymentReference,
		TransferReference: o.TransferReference,
		UpdatedAt:         o.UpdatedAt,
	}
}

// paymentTruth derives payment confirmation from processed card-provider
// events only, never from the order's status field.
func paymentTruth(o *orders.Order, evs []*events.Event) truth {
	for _, ev := range evs {
		if ev.Status != events.StatusProcessed {
			continue
		}
		switch ev.EventType {
		case "payment_intent.succeeded":
			return truth{confirmed: true, reference: ev.PaymentReferenceID, observedAt: eventTime(ev)}
		case "checkout.session.completed":
			if o.PricingHash != "" && ev.Metadata["pricingHash"] == o.PricingHash {
				return truth{confirmed: true, reference: ev.PaymentReferenceID, observedAt: eventTime(ev)}
			}
		}
	}
	return truth{}
}

// transferTruth derives transfer completion from the latest intent or from a
// processed transfer event whose provider status normalizes to completed.
func transferTruth(latest *transfer.Intent, evs []*events.Event) truth {
	if latest != nil && latest.State == transfer.StateCompleted {
		at := latest.ProviderStatusAt
		if at == nil {
			at = &latest.UpdatedAt
		}
		return truth{confirmed: true, reference: latest.TransferID, observedAt: at}
	}
	for _, ev := range evs {
		if ev.Status != events.StatusProcessed || ev.TransferID == "" {
			continue
		}
		state, ok := transfer.NormalizeProviderStatus(ev.Metadata["providerStatus"])
		if ok && state == transfer.StateCompleted {
			return truth{confirmed: true, reference: ev.TransferID, observedAt: eventTime(ev)}
		}
	}
	return truth{}
}

func eventTime(ev *events.Event) *time.Time {
	if ev.OccurredAt != nil {
		return ev.OccurredAt
	}
	t := ev.ReceivedAt
	return &t
}

// sortDiscrepancies orders output for stable run-to-run diffing.
func sortDiscrepancies(ds []Discrepancy) {
	sort.SliceStable(ds, func(i, j int) bool {
		if ds[i].Severity.rank() != ds[j].Severity.rank() {
			return ds[i].Severity.rank() > ds[j].Severity.rank()
		}
		if ds[i].Code != ds[j].Code {
			return ds[i].Code < ds[j].Code
		}
		if ds[i].Order.OrderID != ds[j].Order.OrderID {
			return ds[i].Order.OrderID < ds[j].Order.OrderID
		}
		return ds[i].DiscrepancyID < ds[j].DiscrepancyID
	})
}
