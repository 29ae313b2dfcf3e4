package events

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/harborline/paycore/internal/canonical"
)

// MemoryStore is an in-memory Store for tests and single-process use.
type MemoryStore struct {
	mu     sync.RWMutex
	events map[string]*Event
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{events: make(map[string]*Event)}
}

func eventKey(provider, eventID string) string {
	return canonical.Key(provider, eventID)
}

func (m *MemoryStore) Insert(ctx context.Context, ev *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := eventKey(ev.Provider, ev.EventID)
	if _, exists := m.events[k]; exists {
		return ErrDuplicateEvent
	}
	cp := *ev
	m.events[k] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, provider, eventID string) (*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ev, ok := m.events[eventKey(provider, eventID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *ev
	return &cp, nil
}

func (m *MemoryStore) UpdateStatus(ctx context.Context, provider, eventID string, status Status, errorCode, errorMessage string, metadata map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ev, ok := m.events[eventKey(provider, eventID)]
	if !ok {
		return ErrNotFound
	}
	ev.Status = status
	ev.ErrorCode = errorCode
	ev.ErrorMessage = errorMessage
	if len(metadata) > 0 {
		if ev.Metadata == nil {
			ev.Metadata = make(map[string]string, len(metadata))
		}
		for k, v := range metadata {
			ev.Metadata[k] = v
		}
	}
	return nil
}

func (m *MemoryStore) ListByOrder(ctx context.Context, orderID string, limit int) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Event
	for _, ev := range m.events {
		if ev.OrderID == orderID {
			cp := *ev
			result = append(result, &cp)
		}
	}
	sortNewestFirst(result)
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListByWindow(ctx context.Context, from, to time.Time, provider string, limit int) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Event
	for _, ev := range m.events {
		if provider != "" && ev.Provider != provider {
			continue
		}
		if !from.IsZero() && ev.ReceivedAt.Before(from) {
			continue
		}
		if !to.IsZero() && ev.ReceivedAt.After(to) {
			continue
		}
		cp := *ev
		result = append(result, &cp)
	}
	sortNewestFirst(result)
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func sortNewestFirst(evs []*Event) {
	sort.Slice(evs, func(i, j int) bool {
		if !evs[i].ReceivedAt.Equal(evs[j].ReceivedAt) {
			return evs[i].ReceivedAt.After(evs[j].ReceivedAt)
		}
		return evs[i].EventID < evs[j].EventID
	})
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
