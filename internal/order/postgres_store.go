package order

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresStore persists orders in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed order store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const orderColumns = `id, client_id, master_id, title, description, device_type, device,
		agreed_price, proposal_count, status, payment_status, dispute_status,
		completed_at, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, o *Order) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		o.ID, o.ClientID, nullString(o.MasterID), o.Title, o.Description,
		o.DeviceType, nullString(o.Device), o.AgreedPrice, o.ProposalCount,
		string(o.Status), string(o.PaymentStatus), string(o.DisputeStatus),
		nullTime(o.CompletedAt), o.CreatedAt, o.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Order, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)

	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, ErrOrderNotFound
	}
	return o, err
}

func (p *PostgresStore) Update(ctx context.Context, o *Order) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE orders SET
			master_id = $1, title = $2, description = $3, device_type = $4,
			device = $5, agreed_price = $6, proposal_count = $7, status = $8,
			payment_status = $9, dispute_status = $10, completed_at = $11,
			updated_at = $12
		WHERE id = $13`,
		nullString(o.MasterID), o.Title, o.Description, o.DeviceType,
		nullString(o.Device), o.AgreedPrice, o.ProposalCount, string(o.Status),
		string(o.PaymentStatus), string(o.DisputeStatus), nullTime(o.CompletedAt),
		o.UpdatedAt, o.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrOrderNotFound
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context, f ListFilter) ([]*Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE 1=1`
	args := []any{}
	idx := 1
	if f.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", idx)
		args = append(args, string(f.Status))
		idx++
	}
	if f.ClientID != "" {
		query += fmt.Sprintf(" AND client_id = $%d", idx)
		args = append(args, f.ClientID)
		idx++
	}
	if f.MasterID != "" {
		query += fmt.Sprintf(" AND master_id = $%d", idx)
		args = append(args, f.MasterID)
		idx++
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", idx)
	args = append(args, f.Limit)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanOrders(rows)
}

func (p *PostgresStore) CountActiveByClient(ctx context.Context, clientID string) (int, error) {
	var count int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM orders
		WHERE client_id = $1 AND status IN ('open', 'accepted', 'in_progress', 'disputed')`,
		clientID).Scan(&count)
	return count, err
}

func (p *PostgresStore) ListAutoReleasable(ctx context.Context, completedBefore time.Time, limit int) ([]*Order, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE status = 'in_progress'
		  AND payment_status = 'escrowed'
		  AND completed_at IS NOT NULL
		  AND completed_at < $1
		ORDER BY completed_at ASC
		LIMIT $2`, completedBefore, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanOrders(rows)
}

type scannable interface {
	Scan(dest ...any) error
}

func scanOrder(row scannable) (*Order, error) {
	o := &Order{}
	var masterID, device sql.NullString
	var completedAt sql.NullTime
	var status, paymentStatus, disputeStatus string
	err := row.Scan(&o.ID, &o.ClientID, &masterID, &o.Title, &o.Description,
		&o.DeviceType, &device, &o.AgreedPrice, &o.ProposalCount,
		&status, &paymentStatus, &disputeStatus,
		&completedAt, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	o.MasterID = masterID.String
	o.Device = device.String
	o.Status = Status(status)
	o.PaymentStatus = PaymentStatus(paymentStatus)
	o.DisputeStatus = DisputeStatus(disputeStatus)
	if completedAt.Valid {
		o.CompletedAt = &completedAt.Time
	}
	return o, nil
}

func scanOrders(rows *sql.Rows) ([]*Order, error) {
	var result []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	return result, rows.Err()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
