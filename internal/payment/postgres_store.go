package payment

import (
	"context"
	"database/sql"
	"time"
)

// PostgresStore persists payments in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed payment store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const paymentColumns = `id, order_id, amount, commission_bps, status,
		released_at, refunded_at, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, pay *Payment) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO payments (`+paymentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		pay.ID, pay.OrderID, pay.Amount, pay.CommissionBps, string(pay.Status),
		nullTime(pay.ReleasedAt), nullTime(pay.RefundedAt), pay.CreatedAt, pay.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Payment, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id)
	return scanPayment(row)
}

func (p *PostgresStore) GetByOrder(ctx context.Context, orderID string) (*Payment, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE order_id = $1
		ORDER BY created_at DESC
		LIMIT 1`, orderID)
	return scanPayment(row)
}

func (p *PostgresStore) Update(ctx context.Context, pay *Payment) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE payments SET status = $1, released_at = $2, refunded_at = $3, updated_at = $4
		WHERE id = $5`,
		string(pay.Status), nullTime(pay.ReleasedAt), nullTime(pay.RefundedAt),
		pay.UpdatedAt, pay.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrPaymentNotFound
	}
	return nil
}

func scanPayment(row *sql.Row) (*Payment, error) {
	pay := &Payment{}
	var status string
	var releasedAt, refundedAt sql.NullTime
	err := row.Scan(&pay.ID, &pay.OrderID, &pay.Amount, &pay.CommissionBps,
		&status, &releasedAt, &refundedAt, &pay.CreatedAt, &pay.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, err
	}
	pay.Status = Status(status)
	if releasedAt.Valid {
		pay.ReleasedAt = &releasedAt.Time
	}
	if refundedAt.Valid {
		pay.RefundedAt = &refundedAt.Time
	}
	return pay, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
