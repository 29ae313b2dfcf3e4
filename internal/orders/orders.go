// Package orders is the core's narrow view of the marketplace order ledger.
//
// Order CRUD lives in an external service; the core only
// reads the fields reconciliation and the webhook transitions need, and
// writes back status/escrow/reference updates on confirmed transitions. The
// Store interface is that boundary; the memory implementation backs tests
// and single-process deployments.
package orders

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrNotFound is returned when no order exists for an id.
var ErrNotFound = errors.New("order not found")

// Status is the order lifecycle as the core observes it.
type Status string

const (
	StatusPendingPayment Status = "pending_payment"
	StatusPaid           Status = "paid"
	StatusInFulfillment  Status = "in_fulfillment"
	StatusDelivered      Status = "delivered"
	StatusSettled        Status = "settled"
	StatusCancelled      Status = "cancelled"
)

// PostPayment reports whether a status is at or past payment confirmation.
func (s Status) PostPayment() bool {
	switch s {
	case StatusPaid, StatusInFulfillment, StatusDelivered, StatusSettled:
		return true
	}
	return false
}

// EscrowStatus tracks the platform-held funds for an order.
type EscrowStatus string

const (
	EscrowNone     EscrowStatus = "none"
	EscrowHeld     EscrowStatus = "held"
	EscrowReleased EscrowStatus = "released"
	EscrowSettled  EscrowStatus = "settled"
)

// Line is one priced order line. Amounts are integer minor units.
type Line struct {
	SKU             string `json:"sku"`
	Quantity        int64  `json:"quantity"`
	UnitAmountMinor int64  `json:"unitAmountMinor"`
}

// Order is the core-visible projection of a marketplace order.
type Order struct {
	ID                string       `json:"id"`
	TenantID          string       `json:"tenantId,omitempty"`
	Status            Status       `json:"status"`
	EscrowStatus      EscrowStatus `json:"escrowStatus"`
	Currency          string       `json:"currency"`
	TotalAmountMinor  int64        `json:"totalAmountMinor"`
	Lines             []Line       `json:"lines,omitempty"`
	PricingHash       string       `json:"pricingHash,omitempty"`
	PaymentReference  string       `json:"paymentReference,omitempty"`  // card processor intent/session id
	TransferReference string       `json:"transferReference,omitempty"` // transfer provider id
	CreatedAt         time.Time    `json:"createdAt"`
	UpdatedAt         time.Time    `json:"updatedAt"`
}

// Filter bounds a reconciliation scan over the order ledger.
type Filter struct {
	OrderID string
	From    time.Time
	To      time.Time
	Limit   int
}

// Update carries the fields the core writes back on confirmed transitions.
// Nil fields are left untouched.
type Update struct {
	Status            *Status
	EscrowStatus      *EscrowStatus
	PricingHash       *string
	PaymentReference  *string
	TransferReference *string
}

// Store is the external order-ledger boundary.
type Store interface {
	Get(ctx context.Context, id string) (*Order, error)
	List(ctx context.Context, f Filter) ([]*Order, error)
	Apply(ctx context.Context, id string, u Update) (*Order, error)
}

// MemoryStore is an in-memory Store for tests and single-process use.
type MemoryStore struct {
	mu     sync.RWMutex
	orders map[string]*Order
	now    func() time.Time
}

// NewMemoryStore creates an empty in-memory order store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{orders: make(map[string]*Order), now: time.Now}
}

// WithNow overrides the clock used for UpdatedAt stamps.
func (m *MemoryStore) WithNow(now func() time.Time) *MemoryStore {
	m.now = now
	return m
}

// Put seeds or replaces an order.
func (m *MemoryStore) Put(o *Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *o
	m.orders[o.ID] = &cp
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *MemoryStore) List(ctx context.Context, f Filter) ([]*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Order
	for _, o := range m.orders {
		if f.OrderID != "" && o.ID != f.OrderID {
			continue
		}
		if !f.From.IsZero() && o.CreatedAt.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && o.CreatedAt.After(f.To) {
			continue
		}
		cp := *o
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	if f.Limit > 0 && len(result) > f.Limit {
		result = result[:f.Limit]
	}
	return result, nil
}

func (m *MemoryStore) Apply(ctx context.Context, id string, u Update) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	if u.Status != nil {
		o.Status = *u.Status
	}
	if u.EscrowStatus != nil {
		o.EscrowStatus = *u.EscrowStatus
	}
	if u.PricingHash != nil {
		o.PricingHash = *u.PricingHash
	}
	if u.PaymentReference != nil {
		o.PaymentReference = *u.PaymentReference
	}
	if u.TransferReference != nil {
		o.TransferReference = *u.TransferReference
	}
	o.UpdatedAt = m.now()
	cp := *o
	return &cp, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
