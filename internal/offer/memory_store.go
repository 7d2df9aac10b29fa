package offer

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory offer store for demo/development mode.
type MemoryStore struct {
	offers map[string]*Offer
	mu     sync.RWMutex
}

// NewMemoryStore creates a new in-memory offer store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		offers: make(map[string]*Offer),
	}
}

func (m *MemoryStore) Create(ctx context.Context, o *Offer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *o
	m.offers[o.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.offers[id]
	if !ok {
		return nil, ErrOfferNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *MemoryStore) Update(ctx context.Context, o *Offer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.offers[o.ID]; !ok {
		return ErrOfferNotFound
	}
	cp := *o
	m.offers[o.ID] = &cp
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.offers[id]; !ok {
		return ErrOfferNotFound
	}
	delete(m.offers, id)
	return nil
}

func (m *MemoryStore) ListByOrder(ctx context.Context, orderID string) ([]*Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Offer
	for _, o := range m.offers {
		if o.OrderID == orderID {
			cp := *o
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (m *MemoryStore) CountPendingByMaster(ctx context.Context, masterID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, o := range m.offers {
		if o.MasterID == masterID && o.Status == StatusPending {
			count++
		}
	}
	return count, nil
}

func (m *MemoryStore) GetByOrderAndMaster(ctx context.Context, orderID, masterID string) (*Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, o := range m.offers {
		if o.OrderID == orderID && o.MasterID == masterID {
			cp := *o
			return &cp, nil
		}
	}
	return nil, ErrOfferNotFound
}

var _ Store = (*MemoryStore)(nil)
