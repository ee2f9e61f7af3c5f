package notification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medvault/medvault/internal/platform/apperr"
	"github.com/medvault/medvault/internal/platform/db"
)

type Store interface {
	// Insert joins the caller's transaction when ctx carries one.
	Insert(ctx context.Context, ns ...Notification) error
	ListByUser(ctx context.Context, userID string, ch Channel, limit, offset int) ([]Notification, int, error)
	MarkRead(ctx context.Context, id, userID string, at time.Time) error
	MarkDelivered(ctx context.Context, id string, at time.Time) error
	MarkFailed(ctx context.Context, id string, cause string) error
	ListUndelivered(ctx context.Context, createdBefore time.Time, maxAttempts, limit int) ([]Notification, error)
}

type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

const notificationCols = `id, user_id, channel, kind, title, body, created_at, read_at, delivered_at, attempts, COALESCE(last_error, '')`

func (s *PGStore) Insert(ctx context.Context, ns ...Notification) error {
	conn := db.Conn(ctx, s.pool)
	for _, n := range ns {
		_, err := conn.Exec(ctx, `
			INSERT INTO notification (id, user_id, channel, kind, title, body, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			n.ID, n.UserID, n.Channel, n.Kind, n.Title, n.Body, n.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert notification: %w", err)
		}
	}
	return nil
}

func (s *PGStore) ListByUser(ctx context.Context, userID string, ch Channel, limit, offset int) ([]Notification, int, error) {
	conn := db.Conn(ctx, s.pool)

	var total int
	if err := conn.QueryRow(ctx,
		`SELECT COUNT(*) FROM notification WHERE user_id = $1 AND channel = $2`,
		userID, ch).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count notifications: %w", err)
	}

	rows, err := conn.Query(ctx, `SELECT `+notificationCols+` FROM notification
		WHERE user_id = $1 AND channel = $2
		ORDER BY created_at DESC LIMIT $3 OFFSET $4`, userID, ch, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	out, err := scanNotifications(rows)
	return out, total, err
}

func (s *PGStore) MarkRead(ctx context.Context, id, userID string, at time.Time) error {
	tag, err := db.Conn(ctx, s.pool).Exec(ctx, `
		UPDATE notification SET read_at = COALESCE(read_at, $3)
		WHERE id = $1 AND user_id = $2`, id, userID, at)
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.New(apperr.NotFound, "notification not found")
	}
	return nil
}

func (s *PGStore) MarkDelivered(ctx context.Context, id string, at time.Time) error {
	_, err := db.Conn(ctx, s.pool).Exec(ctx, `
		UPDATE notification SET delivered_at = $2, attempts = attempts + 1, last_error = NULL
		WHERE id = $1 AND delivered_at IS NULL`, id, at)
	if err != nil {
		return fmt.Errorf("mark notification delivered: %w", err)
	}
	return nil
}

func (s *PGStore) MarkFailed(ctx context.Context, id string, cause string) error {
	_, err := db.Conn(ctx, s.pool).Exec(ctx, `
		UPDATE notification SET attempts = attempts + 1, last_error = $2
		WHERE id = $1`, id, cause)
	if err != nil {
		return fmt.Errorf("mark notification failed: %w", err)
	}
	return nil
}

func (s *PGStore) ListUndelivered(ctx context.Context, createdBefore time.Time, maxAttempts, limit int) ([]Notification, error) {
	rows, err := db.Conn(ctx, s.pool).Query(ctx, `SELECT `+notificationCols+` FROM notification
		WHERE delivered_at IS NULL AND created_at < $1 AND attempts < $2
		ORDER BY created_at LIMIT $3`, createdBefore, maxAttempts, limit)
	if err != nil {
		return nil, fmt.Errorf("list undelivered notifications: %w", err)
	}
	defer rows.Close()
	return scanNotifications(rows)
}

func scanNotifications(rows pgx.Rows) ([]Notification, error) {
	var out []Notification
	for rows.Next() {
		var n Notification
		if err := rows.Scan(&n.ID, &n.UserID, &n.Channel, &n.Kind, &n.Title, &n.Body,
			&n.CreatedAt, &n.ReadAt, &n.DeliveredAt, &n.Attempts, &n.LastError); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	return out, nil
}
