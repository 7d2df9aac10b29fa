package order

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory order store for demo/development mode.
type MemoryStore struct {
	orders map[string]*Order
	mu     sync.RWMutex
}

// NewMemoryStore creates a new in-memory order store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders: make(map[string]*Order),
	}
}

func (m *MemoryStore) Create(ctx context.Context, o *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *o
	m.orders[o.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *MemoryStore) Update(ctx context.Context, o *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.orders[o.ID]; !ok {
		return ErrOrderNotFound
	}
	cp := *o
	m.orders[o.ID] = &cp
	return nil
}

func (m *MemoryStore) List(ctx context.Context, f ListFilter) ([]*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Order
	for _, o := range m.orders {
		if f.Status != "" && o.Status != f.Status {
			continue
		}
		if f.ClientID != "" && o.ClientID != f.ClientID {
			continue
		}
		if f.MasterID != "" && o.MasterID != f.MasterID {
			continue
		}
		cp := *o
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if f.Limit > 0 && len(result) > f.Limit {
		result = result[:f.Limit]
	}
	return result, nil
}

func (m *MemoryStore) CountActiveByClient(ctx context.Context, clientID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, o := range m.orders {
		if o.ClientID == clientID && IsActive(o.Status) {
			count++
		}
	}
	return count, nil
}

func (m *MemoryStore) ListAutoReleasable(ctx context.Context, completedBefore time.Time, limit int) ([]*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Order
	for _, o := range m.orders {
		if o.Status != StatusInProgress || o.PaymentStatus != PaymentEscrowed {
			continue
		}
		if o.CompletedAt == nil || !o.CompletedAt.Before(completedBefore) {
			continue
		}
		cp := *o
		result = append(result, &cp)
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}

var _ Store = (*MemoryStore)(nil)
