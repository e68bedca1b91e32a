package notifications

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is satisfied by *pgxpool.Pool.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStorage keeps notifications in the notifications table created by
// the ledger migrations.
type PostgresStorage struct {
	db DB
}

var _ Storage = (*PostgresStorage)(nil)

// NewPostgresStorage returns a Storage over the notifications table.
func NewPostgresStorage(db DB) *PostgresStorage {
	if db == nil {
		panic("notifications: postgres storage requires a database")
	}
	return &PostgresStorage{db: db}
}

func (s *PostgresStorage) Create(ctx context.Context, n Notification) error {
	if n.ID == uuid.Nil || n.UserID == uuid.Nil {
		return ErrInvalidNotification
	}
	data := n.Data
	if data == nil {
		data = map[string]any{}
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO notifications (id, user_id, kind, severity, title, content, template, data, read, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		n.ID, n.UserID, string(n.Kind), string(n.Severity), n.Title, n.Content, n.Template, data, n.Read, n.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

// List returns the newest notifications first.
func (s *PostgresStorage) List(ctx context.Context, userID uuid.UUID, opts ListOptions) ([]Notification, error) {
	kinds := make([]string, 0, len(opts.Kinds))
	for _, k := range opts.Kinds {
		kinds = append(kinds, string(k))
	}
	var limit *int
	if opts.Limit > 0 {
		limit = &opts.Limit
	}

	rows, err := s.db.Query(ctx, `
		SELECT id, user_id, kind, severity, title, content, template, data, read, created_at
		FROM notifications
		WHERE user_id = $1
		  AND (NOT $2 OR NOT read)
		  AND (cardinality($3::text[]) = 0 OR kind = ANY($3))
		ORDER BY created_at DESC, id DESC
		LIMIT $4`,
		userID, opts.OnlyUnread, kinds, limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	var out []Notification
	for rows.Next() {
		var (
			n              Notification
			kind, severity string
		)
		if err := rows.Scan(&n.ID, &n.UserID, &kind, &severity, &n.Title, &n.Content, &n.Template, &n.Data, &n.Read, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		n.Kind = Kind(kind)
		n.Severity = Severity(severity)
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *PostgresStorage) MarkRead(ctx context.Context, userID uuid.UUID, ids ...uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	tag, err := s.db.Exec(ctx,
		`UPDATE notifications SET read = TRUE WHERE user_id = $1 AND id = ANY($2)`, userID, ids)
	if err != nil {
		return fmt.Errorf("mark notifications read: %w", err)
	}
	if tag.RowsAffected() != int64(len(ids)) {
		return ErrNotificationNotFound
	}
	return nil
}

func (s *PostgresStorage) CountUnread(ctx context.Context, userID uuid.UUID) (int, error) {
	var count int
	err := s.db.QueryRow(ctx,
		`SELECT count(*) FROM notifications WHERE user_id = $1 AND NOT read`, userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count unread notifications: %w", err)
	}
	return count, nil
}
