package idempotency

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/harborline/paycore/internal/canonical"
)

// MemoryStore is an in-memory Store for tests and single-process use.
// The map insert under one mutex mirrors the unique-index semantics of the
// postgres store: first insert wins, later inserts see ErrDuplicateKey.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

func storeKey(provider, scope, key string) string {
	return canonical.Key(provider, scope, key)
}

func (m *MemoryStore) Insert(ctx context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := storeKey(rec.Provider, rec.Scope, rec.Key)
	if _, exists := m.records[k]; exists {
		return ErrDuplicateKey
	}
	cp := *rec
	m.records[k] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, provider, scope, key string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[storeKey(provider, scope, key)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryStore) MarkResult(ctx context.Context, provider, scope, key string, status Status, responseHash string, metadata map[string]string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[storeKey(provider, scope, key)]
	if !ok {
		return ErrNotFound
	}
	if rec.Status != StatusInProgress {
		return ErrNotInProgress
	}

	rec.Status = status
	rec.ResponseHash = responseHash
	rec.UpdatedAt = now
	if len(metadata) > 0 {
		if rec.Metadata == nil {
			rec.Metadata = make(map[string]string, len(metadata))
		}
		for k, v := range metadata {
			rec.Metadata[k] = v
		}
	}
	return nil
}

func (m *MemoryStore) ListByWindow(ctx context.Context, from, to time.Time, limit int) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Record
	for _, rec := range m.records {
		if !from.IsZero() && rec.CreatedAt.Before(from) {
			continue
		}
		if !to.IsZero() && rec.CreatedAt.After(to) {
			continue
		}
		cp := *rec
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
