package auth

import (
	"context"
	"database/sql"
	"time"

	"github.com/fixmarket/fixmarket/internal/identity"
)

// PostgresStore persists API keys in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed key store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const keyColumns = `id, hash, user_id, role, name, created_at, last_used, expires_at, revoked`

func (p *PostgresStore) Create(ctx context.Context, key *APIKey) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO api_keys (`+keyColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		key.ID, key.Hash, key.UserID, string(key.Role), key.Name,
		key.CreatedAt, nullIfZero(key.LastUsed), nullTimePtr(key.ExpiresAt), key.Revoked,
	)
	return err
}

func (p *PostgresStore) GetByHash(ctx context.Context, hash string) (*APIKey, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+keyColumns+` FROM api_keys WHERE hash = $1`, hash)
	return scanKey(row)
}

func (p *PostgresStore) GetByUser(ctx context.Context, userID string) ([]*APIKey, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+keyColumns+` FROM api_keys
		WHERE user_id = $1
		ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*APIKey
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, k)
	}
	return result, rows.Err()
}

func (p *PostgresStore) Update(ctx context.Context, key *APIKey) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE api_keys SET last_used = $1, expires_at = $2, revoked = $3
		WHERE id = $4`,
		nullIfZero(key.LastUsed), nullTimePtr(key.ExpiresAt), key.Revoked, key.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrKeyNotFound
	}
	return nil
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM api_keys WHERE id = $1`, id)
	return err
}

type scannable interface {
	Scan(dest ...any) error
}

func scanKey(row scannable) (*APIKey, error) {
	k := &APIKey{}
	var role string
	var lastUsed, expiresAt sql.NullTime
	err := row.Scan(&k.ID, &k.Hash, &k.UserID, &role, &k.Name,
		&k.CreatedAt, &lastUsed, &expiresAt, &k.Revoked)
	if err == sql.ErrNoRows {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	k.Role = identity.Role(role)
	if lastUsed.Valid {
		k.LastUsed = lastUsed.Time
	}
	if expiresAt.Valid {
		k.ExpiresAt = &expiresAt.Time
	}
	return k, nil
}

func nullIfZero(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

func nullTimePtr(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
