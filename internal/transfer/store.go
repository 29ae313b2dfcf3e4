package transfer

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Store persists transfer intents. Insert must enforce uniqueness on intent
// id, idempotency key, and idempotence token, returning ErrDuplicateIntent.
type Store interface {
	Insert(ctx context.Context, in *Intent) error
	Get(ctx context.Context, id string) (*Intent, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*Intent, error)
	GetByTransferID(ctx context.Context, transferID string) (*Intent, error)
	LatestByOrder(ctx context.Context, orderID string) (*Intent, error)
	Update(ctx context.Context, in *Intent) error
	ListByWindow(ctx context.Context, from, to time.Time, limit int) ([]*Intent, error)
}

// MemoryStore is an in-memory Store for tests and single-process use.
type MemoryStore struct {
	mu      sync.RWMutex
	byID    map[string]*Intent
	byKey   map[string]string // idempotency key -> intent id
	byToken map[string]string
}

// NewMemoryStore creates an empty in-memory intent store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:    make(map[string]*Intent),
		byKey:   make(map[string]string),
		byToken: make(map[string]string),
	}
}

func (m *MemoryStore) Insert(ctx context.Context, in *Intent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byID[in.ID]; exists {
		return ErrDuplicateIntent
	}
	if _, exists := m.byKey[in.IdempotencyKey]; exists && in.IdempotencyKey != "" {
		return ErrDuplicateIntent
	}
	if _, exists := m.byToken[in.IdempotenceToken]; exists && in.IdempotenceToken != "" {
		return ErrDuplicateIntent
	}

	cp := *in
	m.byID[in.ID] = &cp
	if in.IdempotencyKey != "" {
		m.byKey[in.IdempotencyKey] = in.ID
	}
	if in.IdempotenceToken != "" {
		m.byToken[in.IdempotenceToken] = in.ID
	}
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Intent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getLocked(id)
}

func (m *MemoryStore) getLocked(id string) (*Intent, error) {
	in, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *in
	return &cp, nil
}

func (m *MemoryStore) GetByIdempotencyKey(ctx context.Context, key string) (*Intent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byKey[key]
	if !ok {
		return nil, ErrNotFound
	}
	return m.getLocked(id)
}

func (m *MemoryStore) GetByTransferID(ctx context.Context, transferID string) (*Intent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, in := range m.byID {
		if in.TransferID == transferID {
			cp := *in
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) LatestByOrder(ctx context.Context, orderID string) (*Intent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest *Intent
	for _, in := range m.byID {
		if in.OrderID != orderID {
			continue
		}
		if latest == nil || in.AttemptNumber > latest.AttemptNumber {
			latest = in
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (m *MemoryStore) Update(ctx context.Context, in *Intent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byID[in.ID]; !ok {
		return ErrNotFound
	}
	cp := *in
	m.byID[in.ID] = &cp
	return nil
}

func (m *MemoryStore) ListByWindow(ctx context.Context, from, to time.Time, limit int) ([]*Intent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Intent
	for _, in := range m.byID {
		if !from.IsZero() && in.CreatedAt.Before(from) {
			continue
		}
		if !to.IsZero() && in.CreatedAt.After(to) {
			continue
		}
		cp := *in
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
