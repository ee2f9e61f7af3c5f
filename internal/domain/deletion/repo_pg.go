package deletion

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medvault/medvault/internal/platform/apperr"
	"github.com/medvault/medvault/internal/platform/db"
	"github.com/medvault/medvault/internal/platform/hipaa"
)

const activeIndex = "deletion_request_active_idx"

type DeletionRepoPG struct {
	pool *pgxpool.Pool
}

func NewDeletionRepoPG(pool *pgxpool.Pool) *DeletionRepoPG {
	return &DeletionRepoPG{pool: pool}
}

const requestCols = `id, user_id, status, requested_at, scheduled_deletion_date, mfa_verified_at,
	account_locked, device_fingerprint, reminder_sent_at, cancelled_at, completed_at, version`

func scanRequest(row pgx.Row) (*Request, error) {
	var r Request
	err := row.Scan(&r.ID, &r.UserID, &r.Status, &r.RequestedAt, &r.ScheduledDeletionDate, &r.MFAVerifiedAt,
		&r.AccountLocked, &r.DeviceFingerprint, &r.ReminderSentAt, &r.CancelledAt, &r.CompletedAt, &r.version)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (r *DeletionRepoPG) list(ctx context.Context, query string, args ...interface{}) ([]*Request, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list deletion requests: %w", err)
	}
	defer rows.Close()

	var out []*Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan deletion request: %w", err)
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

func (r *DeletionRepoPG) Insert(ctx context.Context, req *Request) error {
	req.version = 1
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO deletion_request (id, user_id, status, requested_at, scheduled_deletion_date,
			account_locked, device_fingerprint, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 1)`,
		req.ID, req.UserID, req.Status, req.RequestedAt, req.ScheduledDeletionDate, req.AccountLocked, req.DeviceFingerprint)
	if err != nil {
		if db.IsUniqueViolation(err, activeIndex) {
			return apperr.Wrap(apperr.ExistingRequest, "a deletion request is already in progress", err)
		}
		if db.IsForeignKeyViolation(err) {
			return apperr.Wrap(apperr.NotFound, "user not found", err)
		}
		return fmt.Errorf("insert deletion request: %w", err)
	}
	return nil
}

func (r *DeletionRepoPG) FindActive(ctx context.Context, userID string) (*Request, error) {
	req, err := scanRequest(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+requestCols+` FROM deletion_request
		WHERE user_id = $1 AND status IN ('PENDING_MFA', 'MFA_VERIFIED')`, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find active deletion request: %w", err)
	}
	return req, nil
}

func (r *DeletionRepoPG) Transition(ctx context.Context, req *Request, from Status) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE deletion_request SET
			status = $3, mfa_verified_at = $4, account_locked = $5, device_fingerprint = $6,
			reminder_sent_at = $7, cancelled_at = $8, completed_at = $9, version = version + 1
		WHERE id = $1 AND version = $2 AND status = $10`,
		req.ID, req.version, req.Status, req.MFAVerifiedAt, req.AccountLocked, req.DeviceFingerprint,
		req.ReminderSentAt, req.CancelledAt, req.CompletedAt, from)
	if err != nil {
		return fmt.Errorf("update deletion request: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.New(apperr.Conflict, "deletion request was modified concurrently")
	}
	req.version++
	return nil
}

func (r *DeletionRepoPG) Scrub(ctx context.Context, id uuid.UUID, userID string, cols []hipaa.Column) error {
	if len(cols) == 0 {
		return nil
	}
	sets := make([]string, 0, len(cols))
	args := []interface{}{id}
	for _, c := range cols {
		args = append(args, hipaa.Replacement(c, userID))
		sets = append(sets, fmt.Sprintf("%s = $%d", c.Name, len(args)))
	}
	_, err := db.Conn(ctx, r.pool).Exec(ctx,
		`UPDATE deletion_request SET `+strings.Join(sets, ", ")+` WHERE id = $1`, args...)
	if err != nil {
		return fmt.Errorf("scrub deletion request: %w", err)
	}
	return nil
}

func (r *DeletionRepoPG) ListActive(ctx context.Context) ([]*Request, error) {
	return r.list(ctx, `SELECT `+requestCols+` FROM deletion_request
		WHERE status IN ('PENDING_MFA', 'MFA_VERIFIED')
		ORDER BY scheduled_deletion_date ASC`)
}

func (r *DeletionRepoPG) ListDue(ctx context.Context, now time.Time, limit int) ([]*Request, error) {
	return r.list(ctx, `SELECT `+requestCols+` FROM deletion_request
		WHERE status = 'MFA_VERIFIED' AND scheduled_deletion_date <= $1
		ORDER BY scheduled_deletion_date ASC LIMIT $2`, now, limit)
}

func (r *DeletionRepoPG) ListReminderDue(ctx context.Context, now, before time.Time, limit int) ([]*Request, error) {
	return r.list(ctx, `SELECT `+requestCols+` FROM deletion_request
		WHERE status = 'MFA_VERIFIED' AND reminder_sent_at IS NULL
			AND scheduled_deletion_date > $1 AND scheduled_deletion_date <= $2
		ORDER BY scheduled_deletion_date ASC LIMIT $3`, now, before, limit)
}

// HasActive reports whether userID has a non-terminal request. It lets the
// MFA service refuse to disable MFA mid-deletion.
func (r *DeletionRepoPG) HasActive(ctx context.Context, userID string) (bool, error) {
	req, err := r.FindActive(ctx, userID)
	return req != nil, err
}
