package user

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryStore is an in-memory user store for demo/development mode.
type MemoryStore struct {
	users   map[string]*User
	entries map[string][]*Entry
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory user store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:   make(map[string]*User),
		entries: make(map[string][]*Entry),
	}
}

func (m *MemoryStore) Create(ctx context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.users {
		if existing.Email == u.Email {
			return ErrDuplicateEmail
		}
	}
	cp := *u
	m.users[u.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *u
	cp.Rating = cp.AverageRating()
	return &cp, nil
}

func (m *MemoryStore) GetByEmail(ctx context.Context, email string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	email = strings.ToLower(email)
	for _, u := range m.users {
		if u.Email == email {
			cp := *u
			cp.Rating = cp.AverageRating()
			return &cp, nil
		}
	}
	return nil, ErrUserNotFound
}

func (m *MemoryStore) Update(ctx context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.users[u.ID]
	if !ok {
		return ErrUserNotFound
	}
	cp := *u
	// Balance and CompletedOrders move only through CreditEarnings/Debit,
	// matching the Postgres UPDATE column set. A caller holding a stale
	// read must not clobber concurrent credits.
	cp.Balance = existing.Balance
	cp.CompletedOrders = existing.CompletedOrders
	m.users[u.ID] = &cp
	return nil
}

func (m *MemoryStore) CreditEarnings(ctx context.Context, id string, amount int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[id]
	if !ok {
		return ErrUserNotFound
	}
	u.Balance += amount
	u.CompletedOrders++
	return nil
}

func (m *MemoryStore) Debit(ctx context.Context, id string, amount int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[id]
	if !ok {
		return ErrUserNotFound
	}
	if u.Balance < amount {
		return ErrInsufficientBalance
	}
	u.Balance -= amount
	return nil
}

func (m *MemoryStore) AddEntry(ctx context.Context, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *e
	m.entries[e.UserID] = append(m.entries[e.UserID], &cp)
	return nil
}

func (m *MemoryStore) History(ctx context.Context, userID string, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := m.entries[userID]
	result := make([]*Entry, 0, len(all))
	for _, e := range all {
		cp := *e
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

var _ Store = (*MemoryStore)(nil)
