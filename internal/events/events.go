// Package events is the append-only ledger of provider-originated events.
//
// Every webhook delivery and every poll observation is recorded here before
// any side effect runs. The uniqueness constraint on (provider, eventId)
// neutralizes at-least-once delivery: a replayed event appends nothing and
// the caller is told it saw a duplicate.
package events

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when no event exists for (provider, eventId).
	ErrNotFound = errors.New("provider event not found")
	// ErrDuplicateEvent is returned by stores when an append hits the
	// uniqueness constraint.
	ErrDuplicateEvent = errors.New("provider event already recorded")
)

// Status is the processing lifecycle of a recorded event, independent of the
// idempotency store.
type Status string

const (
	StatusReceived         Status = "RECEIVED"
	StatusProcessed        Status = "PROCESSED"
	StatusFailed           Status = "FAILED"
	StatusIgnoredDuplicate Status = "IGNORED_DUPLICATE"
)

// Event is one durably recorded provider event, unique on (provider, eventId).
type Event struct {
	Provider           string            `json:"provider"`
	EventID            string            `json:"eventId"`
	EventType          string            `json:"eventType"`
	Status             Status            `json:"status"`
	ReceivedAt         time.Time         `json:"receivedAt"`
	OccurredAt         *time.Time        `json:"occurredAt,omitempty"`
	TenantID           string            `json:"tenantId,omitempty"`
	OrderID            string            `json:"orderId,omitempty"`
	PaymentReferenceID string            `json:"paymentReferenceId,omitempty"`
	TransferID         string            `json:"transferId,omitempty"`
	PayloadHash        string            `json:"payloadHash"`
	Payload            []byte            `json:"payload,omitempty"`
	ErrorCode          string            `json:"errorCode,omitempty"`
	ErrorMessage       string            `json:"errorMessage,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
}

// Store persists events. Insert must be atomic insert-if-absent on
// (provider, eventId) and return ErrDuplicateEvent on conflict.
type Store interface {
	Insert(ctx context.Context, ev *Event) error
	Get(ctx context.Context, provider, eventID string) (*Event, error)
	UpdateStatus(ctx context.Context, provider, eventID string, status Status, errorCode, errorMessage string, metadata map[string]string) error
	ListByOrder(ctx context.Context, orderID string, limit int) ([]*Event, error)
	ListByWindow(ctx context.Context, from, to time.Time, provider string, limit int) ([]*Event, error)
}

// AppendResult tells the caller whether the append was fresh. Duplicate
// appends return the previously stored event.
type AppendResult struct {
	Created bool   `json:"created"`
	Event   *Event `json:"event"`
}

// maxWindowLimit bounds windowed scans.
const maxWindowLimit = 5000

// Ledger implements the append/dedupe protocol over a Store.
type Ledger struct {
	store Store
	now   func() time.Time
}

// NewLedger creates an event ledger. now is injectable for tests; nil means
// time.Now.
func NewLedger(store Store, now func() time.Time) *Ledger {
	if now == nil {
		now = time.Now
	}
	return &Ledger{store: store, now: now}
}

// Append records an event if (provider, eventId) is unseen. Replays return
// Created=false with the stored event and never create a second row.
func (l *Ledger) Append(ctx context.Context, ev *Event) (*AppendResult, error) {
	if ev.Provider == "" || ev.EventID == "" {
		return nil, fmt.Errorf("events: provider and eventId are required")
	}
	if ev.Status == "" {
		ev.Status = StatusReceived
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = l.now().UTC()
	}

	err := l.store.Insert(ctx, ev)
	if err == nil {
		return &AppendResult{Created: true, Event: ev}, nil
	}
	if !errors.Is(err, ErrDuplicateEvent) {
		return nil, err
	}

	existing, err := l.store.Get(ctx, ev.Provider, ev.EventID)
	if err != nil {
		return nil, err
	}
	return &AppendResult{Created: false, Event: existing}, nil
}

// UpdateStatus records the processing outcome of an event in place.
func (l *Ledger) UpdateStatus(ctx context.Context, provider, eventID string, status Status, errorCode, errorMessage string, metadata map[string]string) error {
	return l.store.UpdateStatus(ctx, provider, eventID, status, errorCode, errorMessage, metadata)
}

// Get returns a single event.
func (l *Ledger) Get(ctx context.Context, provider, eventID string) (*Event, error) {
	return l.store.Get(ctx, provider, eventID)
}

// ListByOrder returns events recorded against an order, newest first.
func (l *Ledger) ListByOrder(ctx context.Context, orderID string, limit int) ([]*Event, error) {
	if limit <= 0 || limit > maxWindowLimit {
		limit = maxWindowLimit
	}
	return l.store.ListByOrder(ctx, orderID, limit)
}

// ListByWindow returns events received inside the window, optionally
// filtered by provider. An open bound defaults to the epoch / now.
func (l *Ledger) ListByWindow(ctx context.Context, from, to time.Time, provider string, limit int) ([]*Event, error) {
	if limit <= 0 || limit > maxWindowLimit {
		limit = maxWindowLimit
	}
	if to.IsZero() {
		to = l.now().UTC()
	}
	return l.store.ListByWindow(ctx, from, to, provider, limit)
}

// DeriveEventID builds a stable dedupe id for providers that omit one.
// Preference order: the provider-supplied id; else
// provider::transferId::eventType::normalizedStatus::occurredAtUnix; else,
// with no timestamp, the payload hash replaces the timestamp. Two genuinely
// distinct same-second events with identical status collapse to one, a
// documented cost of deduping a weak-delivery provider, not a silent bug.
func DeriveEventID(provider, supplied, transferID, eventType, status string, occurredAt *time.Time, payloadHash string) string {
	if supplied != "" {
		return supplied
	}
	normalized := NormalizeStatusToken(status)
	if occurredAt != nil {
		return strings.Join([]string{provider, transferID, eventType, normalized, strconv.FormatInt(occurredAt.Unix(), 10)}, "::")
	}
	return strings.Join([]string{provider, transferID, eventType, normalized, payloadHash}, "::")
}

// NormalizeStatusToken lower-cases a free-text provider status and collapses
// non-alphanumeric runs to single underscores.
func NormalizeStatusToken(status string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range strings.ToLower(strings.TrimSpace(status)) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			lastUnderscore = false
			continue
		}
		if !lastUnderscore && b.Len() > 0 {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	return strings.TrimSuffix(b.String(), "_")
}
