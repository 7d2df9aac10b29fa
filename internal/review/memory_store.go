package review

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	reviews map[string]*Review
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{reviews: make(map[string]*Review)}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Create(ctx context.Context, r *Review) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *r
	m.reviews[r.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Review, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.reviews[id]
	if !ok {
		return nil, ErrReviewNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) GetByOrder(ctx context.Context, orderID string) (*Review, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, r := range m.reviews {
		if r.OrderID == orderID {
			cp := *r
			return &cp, nil
		}
	}
	return nil, ErrReviewNotFound
}

func (m *MemoryStore) Update(ctx context.Context, r *Review) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.reviews[r.ID]; !ok {
		return ErrReviewNotFound
	}
	cp := *r
	m.reviews[r.ID] = &cp
	return nil
}

func (m *MemoryStore) ListByMaster(ctx context.Context, masterID string, limit int) ([]*Review, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Review
	for _, r := range m.reviews {
		if r.MasterID == masterID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
