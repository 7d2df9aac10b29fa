// Package user manages marketplace accounts and the master wallet.
//
// Masters accumulate earnings from released payments (amount minus the
// platform commission) and withdraw them once the balance clears the
// configured minimum. Every balance change writes a wallet entry.
package user

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fixmarket/fixmarket/internal/identity"
	"github.com/fixmarket/fixmarket/internal/idgen"
	"github.com/fixmarket/fixmarket/internal/money"
)

var (
	ErrUserNotFound        = errors.New("user not found")
	ErrDuplicateEmail      = errors.New("email already registered")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrBelowMinimum        = errors.New("withdrawal amount below minimum")
	ErrNotMaster           = errors.New("only masters have a wallet")
	ErrBlocked             = errors.New("account is blocked")
)

// Wallet entry types.
const (
	EntryEarning    = "earning"
	EntryWithdrawal = "withdrawal"
)

// User is a marketplace account.
type User struct {
	ID              string    `json:"id"`
	Email           string    `json:"email"`
	Name            string    `json:"name"`
	Role            string    `json:"role"`
	Balance         int64     `json:"balance"`
	CompletedOrders int64     `json:"completedOrders"`
	RatingSum       int64     `json:"-"`
	RatingCount     int64     `json:"ratingCount"`
	Rating          float64   `json:"rating"`
	Blocked         bool      `json:"blocked"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// AverageRating computes the running average from the stored sum and count.
func (u *User) AverageRating() float64 {
	if u.RatingCount == 0 {
		return 0
	}
	return float64(u.RatingSum) / float64(u.RatingCount)
}

// Entry is one wallet movement for a master.
type Entry struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId"`
	Type        string    `json:"type"`
	Amount      int64     `json:"amount"`
	Reference   string    `json:"reference,omitempty"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Store persists users and wallet entries.
type Store interface {
	Create(ctx context.Context, u *User) error
	Get(ctx context.Context, id string) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
	Update(ctx context.Context, u *User) error
	// CreditEarnings atomically adds amount to the user's balance and
	// bumps the completed-order counter.
	CreditEarnings(ctx context.Context, id string, amount int64) error
	// Debit atomically subtracts amount from the user's balance,
	// failing with ErrInsufficientBalance if it would go negative.
	Debit(ctx context.Context, id string, amount int64) error
	AddEntry(ctx context.Context, e *Entry) error
	History(ctx context.Context, userID string, limit int) ([]*Entry, error)
}

// RegisterRequest contains the parameters for creating an account.
type RegisterRequest struct {
	Email string `json:"email" binding:"required"`
	Name  string `json:"name" binding:"required"`
	Role  string `json:"role" binding:"required"`
}

// Service implements account and wallet business logic.
type Service struct {
	store         Store
	minWithdrawal int64
	now           func() time.Time
}

// NewService creates a new user service. minWithdrawal is in minor units.
func NewService(store Store, minWithdrawal int64) *Service {
	return &Service{
		store:         store,
		minWithdrawal: minWithdrawal,
		now:           time.Now,
	}
}

// Register creates a new client or master account.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*User, error) {
	role := identity.Role(req.Role)
	if role != identity.RoleClient && role != identity.RoleMaster {
		return nil, fmt.Errorf("role must be client or master")
	}

	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" {
		return nil, fmt.Errorf("email is required")
	}
	if _, err := s.store.GetByEmail(ctx, email); err == nil {
		return nil, ErrDuplicateEmail
	} else if !errors.Is(err, ErrUserNotFound) {
		return nil, err
	}

	now := s.now()
	u := &User{
		ID:        idgen.WithPrefix("usr_"),
		Email:     email,
		Name:      strings.TrimSpace(req.Name),
		Role:      string(role),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.Create(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

// Get returns a user by ID.
func (s *Service) Get(ctx context.Context, id string) (*User, error) {
	return s.store.Get(ctx, id)
}

// IsBlocked reports whether the account is blocked.
func (s *Service) IsBlocked(ctx context.Context, id string) (bool, error) {
	u, err := s.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return u.Blocked, nil
}

// SetBlocked toggles the account's blocked flag. Blocked masters cannot
// submit offers or withdraw; blocked accounts keep their balance and history.
func (s *Service) SetBlocked(ctx context.Context, id string, blocked bool) (*User, error) {
	u, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if u.Blocked == blocked {
		return u, nil
	}
	u.Blocked = blocked
	u.UpdatedAt = s.now()
	if err := s.store.Update(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

// Wallet returns the master's account plus recent wallet entries.
func (s *Service) Wallet(ctx context.Context, p identity.Principal, limit int) (*User, []*Entry, error) {
	u, err := s.store.Get(ctx, p.UserID)
	if err != nil {
		return nil, nil, err
	}
	if u.Role != string(identity.RoleMaster) {
		return nil, nil, ErrNotMaster
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	entries, err := s.store.History(ctx, u.ID, limit)
	if err != nil {
		return nil, nil, err
	}
	return u, entries, nil
}

// CreditEarnings adds a released payment's master share to the wallet
// and records the entry. Called from the payment settlement path.
func (s *Service) CreditEarnings(ctx context.Context, masterID string, amount int64, reference string) error {
	if amount <= 0 {
		return money.ErrInvalidAmount
	}
	if err := s.store.CreditEarnings(ctx, masterID, amount); err != nil {
		return err
	}
	return s.store.AddEntry(ctx, &Entry{
		ID:          idgen.WithPrefix("ent_"),
		UserID:      masterID,
		Type:        EntryEarning,
		Amount:      amount,
		Reference:   reference,
		Description: "earnings from completed order",
		CreatedAt:   s.now(),
	})
}

// Withdraw debits the master's balance. The amount must clear the
// configured minimum and fit within the current balance.
func (s *Service) Withdraw(ctx context.Context, p identity.Principal, amount int64) (*User, error) {
	u, err := s.store.Get(ctx, p.UserID)
	if err != nil {
		return nil, err
	}
	if u.Role != string(identity.RoleMaster) {
		return nil, ErrNotMaster
	}
	if u.Blocked {
		return nil, ErrBlocked
	}
	if amount <= 0 {
		return nil, money.ErrInvalidAmount
	}
	if amount < s.minWithdrawal {
		return nil, fmt.Errorf("%w: minimum is %s", ErrBelowMinimum, money.Format(s.minWithdrawal))
	}
	if err := s.store.Debit(ctx, u.ID, amount); err != nil {
		return nil, err
	}
	if err := s.store.AddEntry(ctx, &Entry{
		ID:        idgen.WithPrefix("ent_"),
		UserID:    u.ID,
		Type:      EntryWithdrawal,
		Amount:    -amount,
		CreatedAt: s.now(),
	}); err != nil {
		// Balance already moved; the entry is bookkeeping only.
		return nil, fmt.Errorf("withdrawal debited but entry not recorded: %w", err)
	}
	return s.store.Get(ctx, u.ID)
}

// RecordRating folds a review's stars into the master's running average.
// delta is the change in star total, countDelta is 1 for a new review
// and 0 for an edit.
func (s *Service) RecordRating(ctx context.Context, masterID string, delta, countDelta int64) error {
	u, err := s.store.Get(ctx, masterID)
	if err != nil {
		return err
	}
	u.RatingSum += delta
	u.RatingCount += countDelta
	u.Rating = u.AverageRating()
	u.UpdatedAt = s.now()
	return s.store.Update(ctx, u)
}
