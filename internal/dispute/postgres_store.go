package dispute

import (
	"context"
	"database/sql"
	"time"
)

// PostgresStore persists disputes in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed dispute store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const disputeColumns = `id, order_id, client_id, master_id, reason, description,
		status, decision, resolution, resolved_by, created_at, resolved_at`

func (p *PostgresStore) Create(ctx context.Context, d *Dispute) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO disputes (`+disputeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		d.ID, d.OrderID, d.ClientID, d.MasterID, d.Reason, nullString(d.Description),
		string(d.Status), nullString(string(d.Decision)), nullString(d.Resolution),
		nullString(d.ResolvedBy), d.CreatedAt, nullTime(d.ResolvedAt),
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id)
	return scanDispute(row)
}

func (p *PostgresStore) Update(ctx context.Context, d *Dispute) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE disputes SET status = $1, decision = $2, resolution = $3,
			resolved_by = $4, resolved_at = $5
		WHERE id = $6`,
		string(d.Status), nullString(string(d.Decision)), nullString(d.Resolution),
		nullString(d.ResolvedBy), nullTime(d.ResolvedAt), d.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrDisputeNotFound
	}
	return nil
}

func (p *PostgresStore) GetOpenByOrder(ctx context.Context, orderID string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE order_id = $1 AND status = 'open'
		LIMIT 1`, orderID)
	return scanDispute(row)
}

func (p *PostgresStore) List(ctx context.Context, status Status, limit int) ([]*Dispute, error) {
	var rows *sql.Rows
	var err error
	if status != "" {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+disputeColumns+` FROM disputes
			WHERE status = $1
			ORDER BY created_at DESC
			LIMIT $2`, string(status), limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+disputeColumns+` FROM disputes
			ORDER BY created_at DESC
			LIMIT $1`, limit)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanDisputes(rows)
}

func (p *PostgresStore) ListOpenBefore(ctx context.Context, before time.Time, limit int) ([]*Dispute, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE status = 'open' AND created_at < $1
		ORDER BY created_at ASC
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanDisputes(rows)
}

type scannable interface {
	Scan(dest ...any) error
}

func scanDispute(row scannable) (*Dispute, error) {
	d := &Dispute{}
	var description, decision, resolution, resolvedBy sql.NullString
	var status string
	var resolvedAt sql.NullTime
	err := row.Scan(&d.ID, &d.OrderID, &d.ClientID, &d.MasterID, &d.Reason,
		&description, &status, &decision, &resolution, &resolvedBy,
		&d.CreatedAt, &resolvedAt)
	if err == sql.ErrNoRows {
		return nil, ErrDisputeNotFound
	}
	if err != nil {
		return nil, err
	}
	d.Description = description.String
	d.Status = Status(status)
	d.Decision = Decision(decision.String)
	d.Resolution = resolution.String
	d.ResolvedBy = resolvedBy.String
	if resolvedAt.Valid {
		d.ResolvedAt = &resolvedAt.Time
	}
	return d, nil
}

func scanDisputes(rows *sql.Rows) ([]*Dispute, error) {
	var result []*Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
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
