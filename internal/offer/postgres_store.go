package offer

import (
	"context"
	"database/sql"
)

// PostgresStore persists offers in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed offer store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const offerColumns = `id, order_id, master_id, price, estimated_days, message, status, created_at`

func (p *PostgresStore) Create(ctx context.Context, o *Offer) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO offers (`+offerColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		o.ID, o.OrderID, o.MasterID, o.Price, o.EstimatedDays,
		nullString(o.Message), string(o.Status), o.CreatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Offer, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+offerColumns+` FROM offers WHERE id = $1`, id)
	return scanOffer(row)
}

func (p *PostgresStore) Update(ctx context.Context, o *Offer) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE offers SET price = $1, estimated_days = $2, message = $3, status = $4
		WHERE id = $5`,
		o.Price, o.EstimatedDays, nullString(o.Message), string(o.Status), o.ID,
	)
	if err != nil {
		return err
	}
	return requireRow(result)
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	result, err := p.db.ExecContext(ctx, `DELETE FROM offers WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return requireRow(result)
}

func (p *PostgresStore) ListByOrder(ctx context.Context, orderID string) ([]*Offer, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+offerColumns+` FROM offers
		WHERE order_id = $1
		ORDER BY created_at ASC`, orderID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	return result, rows.Err()
}

func (p *PostgresStore) CountPendingByMaster(ctx context.Context, masterID string) (int, error) {
	var count int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM offers
		WHERE master_id = $1 AND status = 'pending'`, masterID).Scan(&count)
	return count, err
}

func (p *PostgresStore) GetByOrderAndMaster(ctx context.Context, orderID, masterID string) (*Offer, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+offerColumns+` FROM offers
		WHERE order_id = $1 AND master_id = $2`, orderID, masterID)
	return scanOffer(row)
}

type scannable interface {
	Scan(dest ...any) error
}

func scanOffer(row scannable) (*Offer, error) {
	o := &Offer{}
	var message sql.NullString
	var status string
	err := row.Scan(&o.ID, &o.OrderID, &o.MasterID, &o.Price,
		&o.EstimatedDays, &message, &status, &o.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrOfferNotFound
	}
	if err != nil {
		return nil, err
	}
	o.Message = message.String
	o.Status = Status(status)
	return o, nil
}

func requireRow(result sql.Result) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrOfferNotFound
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
