package notify

import (
	"context"
	"database/sql"
	"time"
)

// PostgresStore persists notifications in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed notification store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, n *Notification) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO notifications (id, user_id, kind, message, created_at, read_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		n.ID, n.UserID, n.Kind, n.Message, n.CreatedAt, nullTime(n.ReadAt),
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Notification, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, user_id, kind, message, created_at, read_at
		FROM notifications WHERE id = $1`, id)

	n := &Notification{}
	var readAt sql.NullTime
	err := row.Scan(&n.ID, &n.UserID, &n.Kind, &n.Message, &n.CreatedAt, &readAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotificationNotFound
	}
	if err != nil {
		return nil, err
	}
	if readAt.Valid {
		n.ReadAt = &readAt.Time
	}
	return n, nil
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Notification, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, user_id, kind, message, created_at, read_at
		FROM notifications
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Notification
	for rows.Next() {
		n := &Notification{}
		var readAt sql.NullTime
		if err := rows.Scan(&n.ID, &n.UserID, &n.Kind, &n.Message, &n.CreatedAt, &readAt); err != nil {
			return nil, err
		}
		if readAt.Valid {
			n.ReadAt = &readAt.Time
		}
		result = append(result, n)
	}
	return result, rows.Err()
}

func (p *PostgresStore) MarkRead(ctx context.Context, id string, at time.Time) error {
	result, err := p.db.ExecContext(ctx,
		`UPDATE notifications SET read_at = $1 WHERE id = $2`, at, id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotificationNotFound
	}
	return nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
