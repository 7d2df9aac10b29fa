package review

import (
	"context"
	"database/sql"
)

// PostgresStore persists reviews in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed review store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const reviewColumns = `id, order_id, author_id, master_id, rating, comment,
		created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, r *Review) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO reviews (`+reviewColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		r.ID, r.OrderID, r.AuthorID, r.MasterID, r.Rating, nullString(r.Comment),
		r.CreatedAt, r.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Review, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+reviewColumns+` FROM reviews WHERE id = $1`, id)
	return scanReview(row)
}

func (p *PostgresStore) GetByOrder(ctx context.Context, orderID string) (*Review, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+reviewColumns+` FROM reviews WHERE order_id = $1 LIMIT 1`, orderID)
	return scanReview(row)
}

func (p *PostgresStore) Update(ctx context.Context, r *Review) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE reviews SET rating = $1, comment = $2, updated_at = $3
		WHERE id = $4`,
		r.Rating, nullString(r.Comment), r.UpdatedAt, r.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrReviewNotFound
	}
	return nil
}

func (p *PostgresStore) ListByMaster(ctx context.Context, masterID string, limit int) ([]*Review, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+reviewColumns+` FROM reviews
		WHERE master_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, masterID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Review
	for rows.Next() {
		r, err := scanReview(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanReview(row scannable) (*Review, error) {
	r := &Review{}
	var comment sql.NullString
	err := row.Scan(&r.ID, &r.OrderID, &r.AuthorID, &r.MasterID, &r.Rating,
		&comment, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrReviewNotFound
	}
	if err != nil {
		return nil, err
	}
	r.Comment = comment.String
	return r, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
