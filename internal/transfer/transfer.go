// Package transfer tracks the lifecycle of cross-border payout attempts
// through an explicit state machine.
//
// An intent is our durable record of one release attempt, distinct from the
// provider's transfer object. Poll-driven and webhook-driven observations
// converge on the same terminal states; every transition is preceded by an
// idempotent event-ledger append so a terminal observation recorded twice
// never double-applies side effects.
package transfer

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no intent exists for a lookup.
	ErrNotFound = errors.New("transfer intent not found")
	// ErrDuplicateIntent is returned by stores when an insert hits a
	// uniqueness constraint (intent id, idempotency key, or token).
	ErrDuplicateIntent = errors.New("transfer intent already exists")
	// ErrAutoRetryBlocked is returned by CreateOrLoad when the latest
	// attempt timed out. A timeout is provider-state-ambiguous: the
	// transfer may have completed upstream, so unattended retry is
	// forbidden until a human confirms.
	ErrAutoRetryBlocked = errors.New("auto retry blocked: previous attempt timed out, manual confirmation required")
	// ErrAttemptInProgress is returned when another caller holds the
	// creation lock for the same attempt.
	ErrAttemptInProgress = errors.New("transfer attempt already in progress")
	// ErrAttemptConflict is returned when a previous attempt under the
	// same key failed; the caller needs a fresh attempt.
	ErrAttemptConflict = errors.New("previous transfer attempt failed under this key")
	// ErrEventNotRecorded is returned when a provider observation could not
	// be durably appended to the event ledger. The observation must not be
	// acknowledged: without the ledger row a redelivery cannot be deduped.
	ErrEventNotRecorded = errors.New("provider event could not be recorded")
)

// State is a node in the intent state graph.
type State string

const (
	StateIntentCreated State = "INTENT_CREATED"
	StateRequested     State = "REQUESTED"
	StateAccepted      State = "ACCEPTED"
	StateCompleted     State = "COMPLETED"
	StateFailed        State = "FAILED"
	StateCancelled     State = "CANCELLED"
	StateTimedOut      State = "TIMED_OUT"
)

// allowedEdges is the complete transition table. Absent source states are
// terminal.
var allowedEdges = map[State][]State{
	StateIntentCreated: {StateRequested},
	StateRequested:     {StateAccepted, StateFailed, StateCancelled, StateTimedOut},
	StateAccepted:      {StateCompleted, StateFailed, StateCancelled, StateTimedOut},
}

// Terminal reports whether s has no outgoing edges.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled, StateTimedOut:
		return true
	}
	return false
}

// Active reports whether s is a live, non-terminal attempt.
func (s State) Active() bool {
	switch s {
	case StateIntentCreated, StateRequested, StateAccepted:
		return true
	}
	return false
}

// CanTransition reports whether from → to is in the edge table.
func CanTransition(from, to State) bool {
	for _, next := range allowedEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionError is a typed invalid-edge failure with a stable code.
type TransitionError struct {
	IntentID string
	From     State
	To       State
}

func (e *TransitionError) Error() string {
	return "transfer: transition_invalid: " + string(e.From) + " -> " + string(e.To) + " (intent " + e.IntentID + ")"
}

// Code returns the stable error code.
func (e *TransitionError) Code() string { return "transition_invalid" }

// DefaultMaxPollAttempts bounds the polling loop when the caller does not
// override it.
const DefaultMaxPollAttempts = 10

// Intent is one persisted release attempt, unique on ID, IdempotencyKey,
// and IdempotenceToken.
type Intent struct {
	ID                string     `json:"id"`
	OrderID           string     `json:"orderId"`
	ReleaseAttemptID  string     `json:"releaseAttemptId"`
	AttemptNumber     int        `json:"attemptNumber"`
	DestinationType   string     `json:"destinationType"`
	ProviderProfileID string     `json:"providerProfileId"`
	State             State      `json:"state"`
	AutoRetryBlocked  bool       `json:"autoRetryBlocked"`
	TransferID        string     `json:"transferId,omitempty"`
	QuoteID           string     `json:"quoteId,omitempty"`
	ProviderStatus    string     `json:"providerStatus,omitempty"`
	ProviderStatusAt  *time.Time `json:"providerStatusAt,omitempty"`
	LastErrorCode     string     `json:"lastErrorCode,omitempty"`
	LastErrorMessage  string     `json:"lastErrorMessage,omitempty"`
	PollAttempts      int        `json:"pollAttempts"`
	MaxPollAttempts   int        `json:"maxPollAttempts"`
	IdempotencyKey    string     `json:"idempotencyKey"`
	IdempotenceToken  string     `json:"idempotenceToken"`
	CreatedBy         string     `json:"createdBy"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
}
