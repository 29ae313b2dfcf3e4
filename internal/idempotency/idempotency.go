// Package idempotency provides the single-writer-wins lock store that makes
// money-moving operations safe to repeat.
//
// The only synchronization primitive is the persistent store's uniqueness
// constraint on (provider, scope, key): Acquire races resolve at insert
// time, never via in-process locks, because multiple processes may contend
// for the same key. Callers must always branch on the Acquired flag.
package idempotency

import (
	"context"
	"errors"
	"time"

	"github.com/harborline/paycore/internal/metrics"
)

var (
	// ErrNotFound is returned when no record exists for a key.
	ErrNotFound = errors.New("idempotency record not found")
	// ErrDuplicateKey is returned by stores when an insert hits the
	// uniqueness constraint.
	ErrDuplicateKey = errors.New("idempotency key already exists")
	// ErrNotInProgress is returned when marking a record that already
	// reached a terminal status. Terminal records are never re-marked;
	// retries must use a new key.
	ErrNotInProgress = errors.New("idempotency record is not in progress")
	// ErrInvalidStatus is returned when marking with a non-terminal status.
	ErrInvalidStatus = errors.New("result status must be SUCCEEDED or FAILED")
)

// Status is the lifecycle of an idempotency record.
type Status string

const (
	StatusInProgress Status = "IN_PROGRESS"
	StatusSucceeded  Status = "SUCCEEDED"
	StatusFailed     Status = "FAILED"
)

// Record is one acquired lock, unique on (provider, scope, key).
type Record struct {
	Provider     string            `json:"provider"`
	Scope        string            `json:"scope"`
	Key          string            `json:"key"`
	Operation    string            `json:"operation"`
	Status       Status            `json:"status"`
	RequestHash  string            `json:"requestHash,omitempty"`
	ResponseHash string            `json:"responseHash,omitempty"`
	TenantID     string            `json:"tenantId,omitempty"`
	OrderID      string            `json:"orderId,omitempty"`
	ReferenceID  string            `json:"referenceId,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
	UpdatedAt    time.Time         `json:"updatedAt"`
	ExpiresAt    *time.Time        `json:"expiresAt,omitempty"`
}

// Store persists idempotency records. Insert must be atomic insert-if-absent
// on (provider, scope, key) and return ErrDuplicateKey on conflict.
// MarkResult must be a conditional update from IN_PROGRESS only.
type Store interface {
	Insert(ctx context.Context, rec *Record) error
	Get(ctx context.Context, provider, scope, key string) (*Record, error)
	MarkResult(ctx context.Context, provider, scope, key string, status Status, responseHash string, metadata map[string]string, now time.Time) error
	ListByWindow(ctx context.Context, from, to time.Time, limit int) ([]*Record, error)
}

// AcquireRequest carries the optional fields recorded on first acquisition.
type AcquireRequest struct {
	Operation   string
	RequestHash string
	TenantID    string
	OrderID     string
	ReferenceID string
	Metadata    map[string]string
	TTL         time.Duration
}

// AcquireResult tells the caller whether it won the race. When Acquired is
// false, Record is the pre-existing record and the caller branches on its
// status: SUCCEEDED replays the stored result, IN_PROGRESS means retry
// later, FAILED means a previous attempt failed and needs a fresh key.
type AcquireResult struct {
	Acquired bool    `json:"acquired"`
	Record   *Record `json:"record"`
}

// Service implements the lock protocol over a Store.
type Service struct {
	store Store
	now   func() time.Time
}

// NewService creates an idempotency service. now is injectable for tests;
// nil means time.Now.
func NewService(store Store, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{store: store, now: now}
}

// Acquire attempts to take the lock for (provider, scope, key). Exactly one
// concurrent caller wins; all others get the winner's record back.
func (s *Service) Acquire(ctx context.Context, provider, scope, key string, req AcquireRequest) (*AcquireResult, error) {
	now := s.now().UTC()
	rec := &Record{
		Provider:    provider,
		Scope:       scope,
		Key:         key,
		Operation:   req.Operation,
		Status:      StatusInProgress,
		RequestHash: req.RequestHash,
		TenantID:    req.TenantID,
		OrderID:     req.OrderID,
		ReferenceID: req.ReferenceID,
		Metadata:    req.Metadata,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if req.TTL > 0 {
		exp := now.Add(req.TTL)
		rec.ExpiresAt = &exp
	}

	err := s.store.Insert(ctx, rec)
	if err == nil {
		metrics.IdempotencyAcquiresTotal.WithLabelValues(scope, "acquired").Inc()
		return &AcquireResult{Acquired: true, Record: rec}, nil
	}
	if !errors.Is(err, ErrDuplicateKey) {
		return nil, err
	}

	existing, err := s.store.Get(ctx, provider, scope, key)
	if err != nil {
		return nil, err
	}
	metrics.IdempotencyAcquiresTotal.WithLabelValues(scope, "duplicate").Inc()
	return &AcquireResult{Acquired: false, Record: existing}, nil
}

// MarkResult records the terminal outcome of an in-progress operation.
func (s *Service) MarkResult(ctx context.Context, provider, scope, key string, status Status, responseHash string, metadata map[string]string) error {
	if status != StatusSucceeded && status != StatusFailed {
		return ErrInvalidStatus
	}
	return s.store.MarkResult(ctx, provider, scope, key, status, responseHash, metadata, s.now().UTC())
}

// Get is a read-only lookup.
func (s *Service) Get(ctx context.Context, provider, scope, key string) (*Record, error) {
	return s.store.Get(ctx, provider, scope, key)
}

// ListByWindow returns records created inside the window, newest first.
// The metrics engine derives authoritative provider latency from the
// created→updated duration of terminal records.
func (s *Service) ListByWindow(ctx context.Context, from, to time.Time, limit int) ([]*Record, error) {
	if limit <= 0 || limit > 5000 {
		limit = 5000
	}
	return s.store.ListByWindow(ctx, from, to, limit)
}
