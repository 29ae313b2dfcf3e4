// Package reconcile cross-checks the order ledger against the provider
// event ledger and the transfer-intent store.
//
// The engine never trusts an order's own status field: it recomputes payment
// and transfer "truths" from provider evidence and reports where the two
// views disagree. Runs are read-only snapshots and are safe to run
// concurrently with live writes, and a race resolved moments later simply
// disappears from the next run.
package reconcile

import (
	"time"

	"github.com/harborline/paycore/internal/canonical"
	"github.com/harborline/paycore/internal/orders"
)

// Severity orders discrepancies for triage.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// rank makes severities sortable, highest first.
func (s Severity) rank() int {
	switch s {
	case SeverityCritical:
		return 2
	case SeverityWarning:
		return 1
	}
	return 0
}

// Discrepancy codes. Codes 1-3 are timing lags that escalate with age;
// 4 and 5 are data contradictions and always demand a human.
const (
	CodePaymentConfirmedNoEscrow         = "PAYMENT_CONFIRMED_NO_ESCROW"
	CodeEscrowHeldNoProviderConfirmation = "ESCROW_HELD_NO_PROVIDER_CONFIRMATION"
	CodeTransferCompletedNoSettlement    = "TRANSFER_COMPLETED_NO_SETTLEMENT"
	CodeSettlementMarkedNoCompletion     = "SETTLEMENT_MARKED_NO_PROVIDER_COMPLETION"
	CodeIdentityMismatch                 = "IDENTITY_MISMATCH"
)

// Recommended actions.
const (
	ActionRetryReconciliation  = "RETRY_RECONCILIATION"
	ActionManualReviewRequired = "MANUAL_REVIEW_REQUIRED"
)

// Escalation ages: a timing-lag discrepancy older than its threshold stops
// being a lag and becomes CRITICAL.
const (
	escrowLagEscalation     = 15 * time.Minute
	paymentLagEscalation    = 60 * time.Minute
	settlementLagEscalation = 15 * time.Minute
)

// OrderSnapshot is the order state captured at detection time.
type OrderSnapshot struct {
	OrderID           string              `json:"orderId"`
	Status            orders.Status       `json:"status"`
	EscrowStatus      orders.EscrowStatus `json:"escrowStatus"`
	Currency          string              `json:"currency"`
	TotalAmountMinor  int64               `json:"totalAmountMinor"`
	PricingHash       string              `json:"pricingHash,omitempty"`
	PaymentReference  string              `json:"paymentReference,omitempty"`
	TransferReference string              `json:"transferReference,omitempty"`
	UpdatedAt         time.Time           `json:"updatedAt"`
}

// Discrepancy is one detected disagreement. It is derived, never persisted:
// every run regenerates the full set from current evidence.
type Discrepancy struct {
	DiscrepancyID        string            `json:"discrepancyId"`
	Code                 string            `json:"code"`
	Severity             Severity          `json:"severity"`
	Retryable            bool              `json:"retryable"`
	ManualReviewRequired bool              `json:"manualReviewRequired"`
	Order                OrderSnapshot     `json:"order"`
	Evidence             map[string]string `json:"evidence,omitempty"`
	RecommendedAction    string            `json:"recommendedAction"`
}

// Summary aggregates a run for dashboards.
type Summary struct {
	OrdersScanned     int            `json:"ordersScanned"`
	DiscrepancyCount  int            `json:"discrepancyCount"`
	CountsBySeverity  map[string]int `json:"countsBySeverity"`
	CountsByCode      map[string]int `json:"countsByCode"`
	ManualReviewCount int            `json:"manualReviewCount"`
	CleanOrders       int            `json:"cleanOrders"`
}

// Report is the output of one reconciliation run. DeterministicHash covers
// filters, summary, and discrepancies, not RunID or GeneratedAt, so two
// runs over identical input hash identically.
type Report struct {
	RunID             string        `json:"runId"`
	GeneratedAt       time.Time     `json:"generatedAt"`
	Filter            Filter        `json:"filter"`
	Summary           Summary       `json:"summary"`
	Discrepancies     []Discrepancy `json:"discrepancies"`
	DeterministicHash string        `json:"deterministicHash"`
}

// Filter bounds a run over the order ledger.
type Filter struct {
	OrderID string    `json:"orderId,omitempty"`
	From    time.Time `json:"from,omitempty"`
	To      time.Time `json:"to,omitempty"`
	Limit   int       `json:"limit,omitempty"`
}

// discrepancyID is a stable content hash so the same finding keeps the same
// id across runs: code + order + the best available provider reference.
func discrepancyID(code, orderID, providerRef string) string {
	return "dsc_" + canonical.MustHash(map[string]string{
		"code":        code,
		"orderId":     orderID,
		"providerRef": providerRef,
	})[:24]
}

// reportHash covers everything except run identity and wall-clock stamps.
func reportHash(f Filter, s Summary, ds []Discrepancy) string {
	return canonical.MustHash(map[string]interface{}{
		"filter":        f,
		"summary":       s,
		"discrepancies": ds,
	})
}
