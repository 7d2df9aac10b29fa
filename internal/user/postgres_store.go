package user

import (
	"context"
	"database/sql"

	"github.com/lib/pq"
)

// PostgresStore persists users and wallet entries in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed user store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const userColumns = `id, email, name, role, balance, completed_orders,
		rating_sum, rating_count, blocked, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, u *User) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO users (`+userColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		u.ID, u.Email, u.Name, u.Role, u.Balance, u.CompletedOrders,
		u.RatingSum, u.RatingCount, u.Blocked, u.CreatedAt, u.UpdatedAt,
	)
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
		return ErrDuplicateEmail
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*User, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	return scanUser(row)
}

func (p *PostgresStore) GetByEmail(ctx context.Context, email string) (*User, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE email = $1`, email)
	return scanUser(row)
}

func (p *PostgresStore) Update(ctx context.Context, u *User) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE users SET
			name = $1, role = $2, rating_sum = $3, rating_count = $4,
			blocked = $5, updated_at = $6
		WHERE id = $7`,
		u.Name, u.Role, u.RatingSum, u.RatingCount, u.Blocked, u.UpdatedAt, u.ID,
	)
	if err != nil {
		return err
	}
	return requireRow(result)
}

func (p *PostgresStore) CreditEarnings(ctx context.Context, id string, amount int64) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE users SET
			balance = balance + $1,
			completed_orders = completed_orders + 1,
			updated_at = NOW()
		WHERE id = $2`, amount, id)
	if err != nil {
		return err
	}
	return requireRow(result)
}

func (p *PostgresStore) Debit(ctx context.Context, id string, amount int64) error {
	// The balance guard lives in the WHERE clause so concurrent debits
	// cannot overdraw.
	result, err := p.db.ExecContext(ctx, `
		UPDATE users SET balance = balance - $1, updated_at = NOW()
		WHERE id = $2 AND balance >= $1`, amount, id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if _, getErr := p.Get(ctx, id); getErr != nil {
			return getErr
		}
		return ErrInsufficientBalance
	}
	return nil
}

func (p *PostgresStore) AddEntry(ctx context.Context, e *Entry) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO wallet_entries (id, user_id, type, amount, reference, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, e.UserID, e.Type, e.Amount,
		nullString(e.Reference), nullString(e.Description), e.CreatedAt,
	)
	return err
}

func (p *PostgresStore) History(ctx context.Context, userID string, limit int) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, user_id, type, amount, reference, description, created_at
		FROM wallet_entries
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Entry
	for rows.Next() {
		e := &Entry{}
		var reference, description sql.NullString
		if err := rows.Scan(&e.ID, &e.UserID, &e.Type, &e.Amount,
			&reference, &description, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Reference = reference.String
		e.Description = description.String
		result = append(result, e)
	}
	return result, rows.Err()
}

func scanUser(row *sql.Row) (*User, error) {
	u := &User{}
	err := row.Scan(&u.ID, &u.Email, &u.Name, &u.Role, &u.Balance,
		&u.CompletedOrders, &u.RatingSum, &u.RatingCount, &u.Blocked,
		&u.CreatedAt, &u.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	u.Rating = u.AverageRating()
	return u, nil
}

func requireRow(result sql.Result) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrUserNotFound
	}
	return nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
