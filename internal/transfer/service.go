package transfer

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/harborline/paycore/internal/canonical"
	"github.com/harborline/paycore/internal/events"
	"github.com/harborline/paycore/internal/idempotency"
	"github.com/harborline/paycore/internal/idgen"
	"github.com/harborline/paycore/internal/logging"
	"github.com/harborline/paycore/internal/metrics"
	"github.com/harborline/paycore/internal/providers"
)

const providerName = "wise"

// Recorder receives best-effort runtime counter emissions. It must never be
// the basis of a correctness decision; the persistent stores are.
type Recorder interface {
	Emit(name string, value float64, labels map[string]string)
}

// Service drives the intent state machine.
type Service struct {
	store    Store
	ledger   *events.Ledger
	locks    *idempotency.Service
	client   providers.TransferClient
	recorder Recorder
	now      func() time.Time
}

// NewService creates a transfer service. now is injectable for tests; nil
// means time.Now.
func NewService(store Store, ledger *events.Ledger, locks *idempotency.Service, client providers.TransferClient, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{store: store, ledger: ledger, locks: locks, client: client, now: now}
}

// WithRecorder adds a runtime counter sink.
func (s *Service) WithRecorder(r Recorder) *Service {
	s.recorder = r
	return s
}

func (s *Service) emit(name string, labels map[string]string) {
	if s.recorder != nil {
		s.recorder.Emit(name, 1, labels)
	}
}

// CreateRequest carries the parameters for starting a release attempt.
type CreateRequest struct {
	OrderID            string `json:"orderId" binding:"required"`
	TenantID           string `json:"tenantId"`
	DestinationType    string `json:"destinationType" binding:"required"`
	ProviderProfileID  string `json:"providerProfileId" binding:"required"`
	CreatedBy          string `json:"createdBy"`
	MaxPollAttempts    int    `json:"maxPollAttempts"`
	OverrideRetryBlock bool   `json:"overrideRetryBlock"`
}

// CreateOrLoad returns the active or completed intent for an order, or
// creates a fresh attempt under an idempotency lock. It never creates a
// duplicate live attempt and refuses unattended retry after a timeout
// unless the caller passes the explicit override flag.
func (s *Service) CreateOrLoad(ctx context.Context, req CreateRequest) (*Intent, error) {
	attemptNumber := 1
	latest, err := s.store.LatestByOrder(ctx, req.OrderID)
	switch {
	case err == nil:
		if latest.State.Active() || latest.State == StateCompleted {
			return latest, nil
		}
		if latest.AutoRetryBlocked && !req.OverrideRetryBlock {
			return nil, ErrAutoRetryBlocked
		}
		attemptNumber = latest.AttemptNumber + 1
	case errors.Is(err, ErrNotFound):
		// First attempt for this order.
	default:
		return nil, err
	}

	releaseAttemptID := "attempt-" + strconv.Itoa(attemptNumber)
	key := canonical.Key(providerName, "transfer_create", req.TenantID, req.OrderID, releaseAttemptID)
	token := canonical.Token(providerName, req.TenantID, req.OrderID, releaseAttemptID)

	lock, err := s.locks.Acquire(ctx, providerName, "transfer_create", key, idempotency.AcquireRequest{
		Operation: "create_transfer_intent",
		TenantID:  req.TenantID,
		OrderID:   req.OrderID,
	})
	if err != nil {
		return nil, err
	}
	if !lock.Acquired {
		switch lock.Record.Status {
		case idempotency.StatusSucceeded:
			return s.store.GetByIdempotencyKey(ctx, key)
		case idempotency.StatusInProgress:
			return nil, ErrAttemptInProgress
		default:
			return nil, ErrAttemptConflict
		}
	}

	maxPoll := req.MaxPollAttempts
	if maxPoll <= 0 {
		maxPoll = DefaultMaxPollAttempts
	}

	now := s.now().UTC()
	intent := &Intent{
		ID:                idgen.WithPrefix("tin_"),
		OrderID:           req.OrderID,
		ReleaseAttemptID:  releaseAttemptID,
		AttemptNumber:     attemptNumber,
		DestinationType:   req.DestinationType,
		ProviderProfileID: req.ProviderProfileID,
		State:             StateIntentCreated,
		MaxPollAttempts:   maxPoll,
		IdempotencyKey:    key,
		IdempotenceToken:  token,
		CreatedBy:         req.CreatedBy,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	if err := s.store.Insert(ctx, intent); err != nil {
		_ = s.locks.MarkResult(ctx, providerName, "transfer_create", key, idempotency.StatusFailed, "", map[string]string{"error": err.Error()})
		return nil, fmt.Errorf("transfer: create intent: %w", err)
	}
	if err := s.locks.MarkResult(ctx, providerName, "transfer_create", key, idempotency.StatusSucceeded, "", map[string]string{"intentId": intent.ID}); err != nil {
		logging.L(ctx).Warn("failed to mark intent creation lock", "intent_id", intent.ID, "error", err)
	}

	s.emit("transfer_intent_created", map[string]string{"destination_type": req.DestinationType})
	return intent, nil
}

// TransitionOpts carries the fields refreshed alongside a state change.
type TransitionOpts struct {
	TransferID       string
	QuoteID          string
	ProviderStatus   string
	ProviderStatusAt *time.Time
	ErrorCode        string
	ErrorMessage     string
	AutoRetryBlocked bool
}

// Transition moves an intent along one edge of the state graph. Re-applying
// the current state is a no-op status refresh, not a transition; any other
// off-table edge fails with a TransitionError.
func (s *Service) Transition(ctx context.Context, intentID string, to State, opts TransitionOpts) (*Intent, error) {
	intent, err := s.store.Get(ctx, intentID)
	if err != nil {
		return nil, err
	}

	if intent.State != to && !CanTransition(intent.State, to) {
		return nil, &TransitionError{IntentID: intentID, From: intent.State, To: to}
	}

	if intent.State != to {
		intent.State = to
		metrics.TransferTransitionsTotal.WithLabelValues(string(to)).Inc()
		s.emit("transfer_intent_transition", map[string]string{"to_state": string(to)})
	}
	s.applyOpts(intent, opts)
	intent.UpdatedAt = s.now().UTC()

	if err := s.store.Update(ctx, intent); err != nil {
		return nil, err
	}
	return intent, nil
}

func (s *Service) applyOpts(intent *Intent, opts TransitionOpts) {
	if opts.TransferID != "" {
		intent.TransferID = opts.TransferID
	}
	if opts.QuoteID != "" {
		intent.QuoteID = opts.QuoteID
	}
	if opts.ProviderStatus != "" {
		intent.ProviderStatus = opts.ProviderStatus
		at := opts.ProviderStatusAt
		if at == nil {
			now := s.now().UTC()
			at = &now
		}
		intent.ProviderStatusAt = at
	}
	if opts.ErrorCode != "" {
		intent.LastErrorCode = opts.ErrorCode
		intent.LastErrorMessage = opts.ErrorMessage
	}
	if opts.AutoRetryBlocked {
		intent.AutoRetryBlocked = true
	}
}

// Get returns an intent by id.
func (s *Service) Get(ctx context.Context, id string) (*Intent, error) {
	return s.store.Get(ctx, id)
}

// Request submits the transfer to the provider and moves the intent to
// REQUESTED. The intent's idempotence token rides the provider call so a
// resubmission after a network gap cannot create a second transfer.
func (s *Service) Request(ctx context.Context, intentID, quoteID, currency string, amountMinor int64) (*Intent, error) {
	intent, err := s.store.Get(ctx, intentID)
	if err != nil {
		return nil, err
	}
	if intent.State == StateRequested {
		return intent, nil
	}
	if !CanTransition(intent.State, StateRequested) {
		return nil, &TransitionError{IntentID: intentID, From: intent.State, To: StateRequested}
	}

	created, err := s.client.CreateTransfer(ctx, providers.CreateTransferRequest{
		QuoteID:          quoteID,
		TargetProfileID:  intent.ProviderProfileID,
		SourceAmount:     minorToDecimal(amountMinor),
		SourceCurrency:   currency,
		Reference:        intent.OrderID,
		IdempotenceToken: intent.IdempotenceToken,
	})
	if err != nil {
		perr := providers.ClassifyErr(providerName, err)
		if !perr.Retryable() && CanTransition(StateRequested, StateFailed) {
			// The request itself is unrecoverable; record and park the intent.
			intent.LastErrorCode = string(perr.Class)
			intent.LastErrorMessage = perr.Message
			intent.UpdatedAt = s.now().UTC()
			_ = s.store.Update(ctx, intent)
		}
		return nil, perr
	}

	return s.Transition(ctx, intentID, StateRequested, TransitionOpts{
		TransferID:     created.ID,
		QuoteID:        quoteID,
		ProviderStatus: created.Status,
	})
}

// ApplyProviderStatus records a provider observation (from webhook or poll)
// against the event ledger, then transitions the intent if the normalized
// status is terminal or advances acceptance. Duplicate observations append
// nothing and change nothing.
func (s *Service) ApplyProviderStatus(ctx context.Context, intent *Intent, rawStatus, eventID, eventType string, occurredAt *time.Time, payload []byte) (*Intent, error) {
	payloadHash := canonical.HashBytes(payload)
	derivedID := events.DeriveEventID(providerName, eventID, intent.TransferID, eventType, rawStatus, occurredAt, payloadHash)

	appended, err := s.ledger.Append(ctx, &events.Event{
		Provider:    providerName,
		EventID:     derivedID,
		EventType:   eventType,
		OrderID:     intent.OrderID,
		TransferID:  intent.TransferID,
		OccurredAt:  occurredAt,
		PayloadHash: payloadHash,
		Payload:     payload,
		Metadata:    map[string]string{"providerStatus": rawStatus},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEventNotRecorded, err)
	}
	if !appended.Created {
		// Same observation already applied; refresh nothing.
		s.emit("transfer_event_duplicate", map[string]string{"event_type": eventType})
		return intent, nil
	}

	target, terminal := normalizeTarget(rawStatus)
	opts := TransitionOpts{ProviderStatus: rawStatus, ProviderStatusAt: occurredAt}
	var updated *Intent

	switch {
	case terminal:
		// Same-state re-application is a no-op refresh; an unreachable
		// terminal edge is a real contradiction and must surface.
		updated, err = s.Transition(ctx, intent.ID, target, opts)
	case target == StateAccepted && CanTransition(intent.State, StateAccepted):
		updated, err = s.Transition(ctx, intent.ID, StateAccepted, opts)
	default:
		// Unknown or non-advancing status: refresh providerStatus only.
		updated, err = s.Transition(ctx, intent.ID, intent.State, opts)
	}
	if err != nil {
		_ = s.ledger.UpdateStatus(ctx, providerName, derivedID, events.StatusFailed, "transition_invalid", err.Error(), nil)
		return nil, err
	}

	_ = s.ledger.UpdateStatus(ctx, providerName, derivedID, events.StatusProcessed, "", "", nil)
	return updated, nil
}

// minorToDecimal converts integer minor units to the provider's decimal
// wire amount (two-exponent currencies only; the order ledger stores no
// zero-decimal currencies today).
func minorToDecimal(amountMinor int64) decimal.Decimal {
	return decimal.New(amountMinor, -2)
}

// normalizeTarget splits NormalizeProviderStatus into target + terminality.
func normalizeTarget(raw string) (State, bool) {
	state, ok := NormalizeProviderStatus(raw)
	if !ok {
		return "", false
	}
	return state, state.Terminal()
}

// LookupByTransferID resolves a provider transfer id to our intent.
func (s *Service) LookupByTransferID(ctx context.Context, transferID string) (*Intent, error) {
	return s.store.GetByTransferID(ctx, transferID)
}

// ListByWindow returns intents created inside the window, newest first.
func (s *Service) ListByWindow(ctx context.Context, from, to time.Time, limit int) ([]*Intent, error) {
	if limit <= 0 || limit > 5000 {
		limit = 5000
	}
	return s.store.ListByWindow(ctx, from, to, limit)
}
