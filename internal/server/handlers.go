package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	stripe "github.com/stripe/stripe-go/v81"

	"github.com/harborline/paycore/internal/canonical"
	"github.com/harborline/paycore/internal/events"
	"github.com/harborline/paycore/internal/logging"
	"github.com/harborline/paycore/internal/metrics"
	"github.com/harborline/paycore/internal/orders"
	"github.com/harborline/paycore/internal/providers"
	"github.com/harborline/paycore/internal/reconcile"
	"github.com/harborline/paycore/internal/signature"
	"github.com/harborline/paycore/internal/slo"
	"github.com/harborline/paycore/internal/traces"
	"github.com/harborline/paycore/internal/transfer"
)

// maxWebhookBody bounds inbound webhook payloads.
const maxWebhookBody = 1 << 20

// -----------------------------------------------------------------------------
// Webhooks
// -----------------------------------------------------------------------------

// stripeWebhookHandler ingests card-processor events. The raw body is the
// signed artifact; it must be read before any JSON decoding.
func (s *Server) stripeWebhookHandler(c *gin.Context) {
	ctx := c.Request.Context()

	body, err := readRawBody(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_body", "message": "could not read request body"})
		return
	}

	if err := s.cardVerifier.VerifyStripeHeader(c.GetHeader("Stripe-Signature"), body); err != nil {
		s.rejectSignature(c, "stripe", err)
		return
	}

	var ev stripe.Event
	if err := json.Unmarshal(body, &ev); err != nil || ev.ID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed_event", "message": "payload is not a provider event"})
		return
	}

	ctx, span := traces.StartSpan(ctx, "webhook.stripe", traces.EventID(ev.ID))
	defer span.End()

	obj := stripeObject(&ev)
	occurredAt := unixTime(ev.Created)

	appended, err := s.ledger.Append(ctx, &events.Event{
		Provider:           "stripe",
		EventID:            ev.ID,
		EventType:          string(ev.Type),
		OccurredAt:         occurredAt,
		OrderID:            obj.orderID,
		PaymentReferenceID: obj.reference,
		PayloadHash:        canonical.HashBytes(body),
		Payload:            body,
		Metadata:           obj.eventMetadata(),
	})
	if err != nil {
		logging.L(ctx).Error("failed to record card event", "event_id", ev.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "could not record event"})
		return
	}
	if !appended.Created {
		metrics.WebhookDuplicatesTotal.WithLabelValues("stripe").Inc()
		s.runtime.Emit("webhook_duplicate", 1, map[string]string{"provider": "stripe"})
		c.JSON(http.StatusOK, gin.H{"received": true, "duplicate": true})
		return
	}

	if err := s.applyStripeEvent(ctx, &ev, obj); err != nil {
		// The event row exists; the failure is recorded on it and the
		// provider still gets its ack so it stops retrying.
		_ = s.ledger.UpdateStatus(ctx, "stripe", ev.ID, events.StatusFailed, "order_update_failed", err.Error(), nil)
		metrics.WebhookEventsTotal.WithLabelValues("stripe", "failed").Inc()
		logging.L(ctx).Warn("card event recorded but not applied", "event_id", ev.ID, "error", err)
	} else {
		_ = s.ledger.UpdateStatus(ctx, "stripe", ev.ID, events.StatusProcessed, "", "", nil)
		metrics.WebhookEventsTotal.WithLabelValues("stripe", "processed").Inc()
	}
	s.runtime.Emit("webhook_received", 1, map[string]string{"provider": "stripe", "event_type": string(ev.Type)})

	c.JSON(http.StatusOK, gin.H{"received": true, "duplicate": false})
}

// applyStripeEvent runs the order-side effect of a freshly recorded event.
func (s *Server) applyStripeEvent(ctx context.Context, ev *stripe.Event, obj stripeObjectFields) error {
	switch ev.Type {
	case "payment_intent.succeeded", "checkout.session.completed":
		if obj.orderID == "" {
			return errors.New("event carries no order id")
		}
		order, err := s.orders.Get(ctx, obj.orderID)
		if err != nil {
			return err
		}

		paid := orders.StatusPaid
		held := orders.EscrowHeld
		update := orders.Update{PaymentReference: &obj.reference}
		if !order.Status.PostPayment() {
			update.Status = &paid
		}
		if order.EscrowStatus == orders.EscrowNone {
			update.EscrowStatus = &held
		}
		if order.PricingHash == "" {
			if hash, err := orders.PricingHash(order); err == nil {
				update.PricingHash = &hash
			}
		}
		_, err = s.orders.Apply(ctx, order.ID, update)
		return err
	default:
		// Recorded for reconciliation; no order mutation.
		return nil
	}
}

// stripeObjectFields is the slice of the event object the core cares about.
type stripeObjectFields struct {
	orderID     string
	reference   string
	pricingHash string
}

func (f stripeObjectFields) eventMetadata() map[string]string {
	if f.pricingHash == "" {
		return nil
	}
	return map[string]string{"pricingHash": f.pricingHash}
}

// stripeObject pulls the order correlation fields out of the event object.
// Events without them are still recorded; reconciliation works with what it has.
func stripeObject(ev *stripe.Event) stripeObjectFields {
	var f stripeObjectFields
	if ev.Data == nil {
		return f
	}
	obj := ev.Data.Object
	if id, ok := obj["id"].(string); ok {
		f.reference = id
	}
	if meta, ok := obj["metadata"].(map[string]interface{}); ok {
		if v, ok := meta["orderId"].(string); ok {
			f.orderID = v
		}
		if v, ok := meta["pricingHash"].(string); ok {
			f.pricingHash = v
		}
	}
	return f
}

// wisePayload is the transfer provider's state-change notification.
type wisePayload struct {
	EventType string `json:"event_type"`
	Data      struct {
		Resource struct {
			ID   json.Number `json:"id"`
			Type string      `json:"type"`
		} `json:"resource"`
		CurrentState string    `json:"current_state"`
		OccurredAt   time.Time `json:"occurred_at"`
	} `json:"data"`
}

// wiseWebhookHandler ingests transfer state changes. The provider supplies no
// event id, so one is derived from the observation itself before appending.
func (s *Server) wiseWebhookHandler(c *gin.Context) {
	ctx := c.Request.Context()

	body, err := readRawBody(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_body", "message": "could not read request body"})
		return
	}

	if err := s.wiseVerifier.VerifyStripeHeader(c.GetHeader("X-Wise-Signature"), body); err != nil {
		s.rejectSignature(c, "wise", err)
		return
	}

	var payload wisePayload
	if err := json.Unmarshal(body, &payload); err != nil || payload.Data.Resource.ID.String() == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed_event", "message": "payload is not a transfer notification"})
		return
	}

	transferID := payload.Data.Resource.ID.String()
	state := payload.Data.CurrentState
	var occurredAt *time.Time
	if !payload.Data.OccurredAt.IsZero() {
		t := payload.Data.OccurredAt
		occurredAt = &t
	}

	ctx, span := traces.StartSpan(ctx, "webhook.wise", traces.TransferID(transferID))
	defer span.End()

	payloadHash := canonical.HashBytes(body)
	derivedID := events.DeriveEventID("wise", "", transferID, payload.EventType, state, occurredAt, payloadHash)
	if _, err := s.ledger.Get(ctx, "wise", derivedID); err == nil {
		metrics.WebhookDuplicatesTotal.WithLabelValues("wise").Inc()
		s.runtime.Emit("webhook_duplicate", 1, map[string]string{"provider": "wise"})
		c.JSON(http.StatusOK, gin.H{"received": true, "duplicate": true})
		return
	}

	intent, err := s.transfers.LookupByTransferID(ctx, transferID)
	switch {
	case err == nil:
		if _, err := s.transfers.ApplyProviderStatus(ctx, intent, state, "", payload.EventType, occurredAt, body); err != nil {
			if errors.Is(err, transfer.ErrEventNotRecorded) {
				// No ledger row exists, so a redelivery could not be deduped.
				// Refuse the ack and let the provider retry.
				logging.L(ctx).Error("failed to record transfer event", "transfer_id", transferID, "error", err)
				c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "could not record event"})
				return
			}
			// The observation is recorded (and marked failed) inside
			// ApplyProviderStatus; ack so the provider stops retrying.
			metrics.WebhookEventsTotal.WithLabelValues("wise", "failed").Inc()
			logging.L(ctx).Warn("transfer event recorded but not applied",
				"transfer_id", transferID, "state", state, "error", err)
		} else {
			metrics.WebhookEventsTotal.WithLabelValues("wise", "processed").Inc()
		}
	case errors.Is(err, transfer.ErrNotFound):
		// No intent claims this transfer. Record the observation anyway so
		// reconciliation can surface it.
		appended, aerr := s.ledger.Append(ctx, &events.Event{
			Provider:    "wise",
			EventID:     derivedID,
			EventType:   payload.EventType,
			TransferID:  transferID,
			OccurredAt:  occurredAt,
			PayloadHash: payloadHash,
			Payload:     body,
			Metadata:    map[string]string{"providerStatus": state},
		})
		if aerr != nil {
			logging.L(ctx).Error("failed to record unmatched transfer event", "transfer_id", transferID, "error", aerr)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "could not record event"})
			return
		}
		if !appended.Created {
			metrics.WebhookDuplicatesTotal.WithLabelValues("wise").Inc()
			c.JSON(http.StatusOK, gin.H{"received": true, "duplicate": true})
			return
		}
		_ = s.ledger.UpdateStatus(ctx, "wise", derivedID, events.StatusFailed, "unknown_transfer", "no intent matches transfer id", nil)
		metrics.WebhookEventsTotal.WithLabelValues("wise", "failed").Inc()
		logging.L(ctx).Warn("transfer event for unknown transfer", "transfer_id", transferID, "state", state)
	default:
		logging.L(ctx).Error("failed to resolve transfer event", "transfer_id", transferID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "could not resolve transfer"})
		return
	}

	s.runtime.Emit("webhook_received", 1, map[string]string{"provider": "wise", "event_type": payload.EventType})
	c.JSON(http.StatusOK, gin.H{"received": true, "duplicate": false})
}

// -----------------------------------------------------------------------------
// Jobs
// -----------------------------------------------------------------------------

// reconcileJobHandler runs a reconciliation pass. The body is the filter.
func (s *Server) reconcileJobHandler(c *gin.Context) {
	body, ok := s.verifiedJobBody(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	var filter reconcile.Filter
	if len(body) > 0 {
		if err := json.Unmarshal(body, &filter); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_filter", "message": "body must be a reconciliation filter"})
			return
		}
	}

	ctx, span := traces.StartSpan(ctx, "job.reconcile")
	defer span.End()

	report, err := s.reconciler.Run(ctx, filter)
	if err != nil {
		logging.L(ctx).Error("reconciliation run failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "reconciliation failed"})
		return
	}

	metrics.ObserveReconciliation(report.Summary.CountsBySeverity)
	s.runtime.Emit("reconciliation_run", 1, map[string]string{
		"discrepancies": strconv.Itoa(report.Summary.DiscrepancyCount),
	})
	c.JSON(http.StatusOK, report)
}

// metricsJobHandler builds a metrics/SLO snapshot. The body is the window.
func (s *Server) metricsJobHandler(c *gin.Context) {
	body, ok := s.verifiedJobBody(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	var window slo.Window
	if len(body) > 0 {
		if err := json.Unmarshal(body, &window); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_window", "message": "body must be a snapshot window"})
			return
		}
	}

	ctx, span := traces.StartSpan(ctx, "job.metrics")
	defer span.End()

	report, err := s.sloEngine.Snapshot(ctx, window)
	if err != nil {
		logging.L(ctx).Error("metrics snapshot failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "snapshot failed"})
		return
	}

	statuses := make(map[string]string, len(report.SLOResults))
	var paging []string
	for _, r := range report.SLOResults {
		statuses[r.Name] = r.Status
		if r.PagingTrigger {
			paging = append(paging, r.Name)
		}
	}
	metrics.ObserveSLOResults(statuses, paging)

	c.JSON(http.StatusOK, report)
}

// releaseJobRequest is the body of a signed funds-release job.
type releaseJobRequest struct {
	OrderID            string `json:"orderId"`
	DestinationType    string `json:"destinationType"`
	ProviderProfileID  string `json:"providerProfileId"`
	QuoteID            string `json:"quoteId"`
	CreatedBy          string `json:"createdBy"`
	MaxPollAttempts    int    `json:"maxPollAttempts"`
	OverrideRetryBlock bool   `json:"overrideRetryBlock"`
}

// releaseJobHandler drives one funds-release attempt end to end. Payment is
// confirmed before any transfer is created, and the poll loop runs inline so
// the caller gets the terminal intent back. Replays for an already-terminal
// attempt return the stored intent without touching the provider.
func (s *Server) releaseJobHandler(c *gin.Context) {
	body, ok := s.verifiedJobBody(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	var req releaseJobRequest
	if err := json.Unmarshal(body, &req); err != nil || req.OrderID == "" || req.DestinationType == "" || req.ProviderProfileID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_release", "message": "body must carry orderId, destinationType and providerProfileId"})
		return
	}

	ctx, span := traces.StartSpan(ctx, "job.release")
	defer span.End()

	order, err := s.orders.Get(ctx, req.OrderID)
	if err != nil {
		if errors.Is(err, orders.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "no order with that id"})
			return
		}
		logging.L(ctx).Error("order lookup failed", "order_id", req.OrderID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "lookup failed"})
		return
	}

	if !s.paymentConfirmed(ctx, order) {
		c.JSON(http.StatusConflict, gin.H{"error": "payment_not_confirmed", "message": "order has no confirmed payment to release"})
		return
	}

	intent, err := s.transfers.CreateOrLoad(ctx, transfer.CreateRequest{
		OrderID:            order.ID,
		TenantID:           order.TenantID,
		DestinationType:    req.DestinationType,
		ProviderProfileID:  req.ProviderProfileID,
		CreatedBy:          req.CreatedBy,
		MaxPollAttempts:    req.MaxPollAttempts,
		OverrideRetryBlock: req.OverrideRetryBlock,
	})
	switch {
	case err == nil:
	case errors.Is(err, transfer.ErrAutoRetryBlocked):
		c.JSON(http.StatusConflict, gin.H{"error": "auto_retry_blocked", "message": err.Error()})
		return
	case errors.Is(err, transfer.ErrAttemptInProgress):
		c.JSON(http.StatusConflict, gin.H{"error": "attempt_in_progress", "message": err.Error()})
		return
	case errors.Is(err, transfer.ErrAttemptConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "attempt_conflict", "message": err.Error()})
		return
	default:
		logging.L(ctx).Error("release intent creation failed", "order_id", order.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "could not create intent"})
		return
	}

	if intent.State.Terminal() {
		c.JSON(http.StatusOK, intent)
		return
	}

	if intent.State == transfer.StateIntentCreated {
		intent, err = s.transfers.Request(ctx, intent.ID, req.QuoteID, order.Currency, order.TotalAmountMinor)
		if err != nil {
			var perr *providers.Error
			if errors.As(err, &perr) {
				c.JSON(perr.ExternalStatus(), gin.H{"error": "provider_error", "message": perr.Error()})
				return
			}
			logging.L(ctx).Error("transfer request failed", "order_id", order.ID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "could not submit transfer"})
			return
		}
	}

	final, err := s.transfers.PollUntilTerminal(ctx, intent.ID, transfer.RetryPolicy{
		MaxAttempts: int(s.cfg.PollMaxAttempts),
		Interval:    s.cfg.PollInterval(),
	})
	if err != nil {
		logging.L(ctx).Error("transfer poll failed", "intent_id", intent.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "poll failed"})
		return
	}

	if final.State == transfer.StateCompleted {
		update := orders.Update{TransferReference: &final.TransferID}
		if order.EscrowStatus == orders.EscrowHeld {
			released := orders.EscrowReleased
			update.EscrowStatus = &released
		}
		if _, err := s.orders.Apply(ctx, order.ID, update); err != nil {
			logging.L(ctx).Warn("completed transfer not written back to order", "order_id", order.ID, "error", err)
		}
	}

	s.runtime.Emit("release_attempt", 1, map[string]string{"state": string(final.State)})
	c.JSON(http.StatusOK, final)
}

// paymentConfirmed gates release on payment truth. When a card client is
// configured and the order carries a payment reference, the processor is
// asked directly; otherwise the order ledger's own status stands in.
func (s *Server) paymentConfirmed(ctx context.Context, order *orders.Order) bool {
	if s.cardClient != nil && order.PaymentReference != "" {
		pi, err := s.cardClient.PaymentIntent(ctx, order.PaymentReference)
		if err != nil {
			logging.L(ctx).Warn("payment confirmation lookup failed",
				"order_id", order.ID, "reference", order.PaymentReference, "error", err)
			return false
		}
		return pi.Status == stripe.PaymentIntentStatusSucceeded
	}
	return order.Status.PostPayment()
}

// verifiedJobBody reads the raw body and checks the job signature headers.
func (s *Server) verifiedJobBody(c *gin.Context) ([]byte, bool) {
	body, err := readRawBody(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_body", "message": "could not read request body"})
		return nil, false
	}
	err = s.jobVerifier.VerifyJobRequest(
		c.GetHeader("X-Paycore-Job-Signature"),
		c.GetHeader("X-Paycore-Job-Timestamp"),
		body,
	)
	if err != nil {
		s.rejectSignature(c, "job", err)
		return nil, false
	}
	return body, true
}

// -----------------------------------------------------------------------------
// Reads
// -----------------------------------------------------------------------------

func (s *Server) getIntentHandler(c *gin.Context) {
	intent, err := s.transfers.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, transfer.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "no intent with that id"})
			return
		}
		logging.L(c.Request.Context()).Error("intent lookup failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "lookup failed"})
		return
	}
	c.JSON(http.StatusOK, intent)
}

func (s *Server) listOrderEventsHandler(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit", "message": "limit must be a non-negative integer"})
			return
		}
		limit = n
	}

	orderID := c.Param("id")
	evs, err := s.ledger.ListByOrder(c.Request.Context(), orderID, limit)
	if err != nil {
		logging.L(c.Request.Context()).Error("event listing failed", "order_id", orderID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "listing failed"})
		return
	}
	if evs == nil {
		evs = []*events.Event{}
	}
	c.JSON(http.StatusOK, gin.H{"orderId": orderID, "events": evs, "count": len(evs)})
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func readRawBody(c *gin.Context) ([]byte, error) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody)
	return c.GetRawData()
}

// rejectSignature maps a verification failure to its HTTP response and
// counts it. Stale and mismatched signatures are 401; malformed input is 400.
func (s *Server) rejectSignature(c *gin.Context, surface string, err error) {
	code := signature.Code(err)
	if code == "" {
		code = "signature_invalid"
	}
	metrics.SignatureFailuresTotal.WithLabelValues(code).Inc()
	logging.L(c.Request.Context()).Warn("rejected unsigned request",
		"surface", surface, "code", code, "path", c.Request.URL.Path)

	status := http.StatusUnauthorized
	if code == signature.CodeMalformedHeader || code == signature.CodeMissingHeader {
		status = http.StatusBadRequest
	}
	c.JSON(status, gin.H{"error": code, "message": "request signature verification failed"})
}

func unixTime(sec int64) *time.Time {
	if sec == 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}
