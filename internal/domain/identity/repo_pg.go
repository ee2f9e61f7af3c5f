package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medvault/medvault/internal/platform/apperr"
	"github.com/medvault/medvault/internal/platform/db"
	"github.com/medvault/medvault/internal/platform/hipaa"
)

type userRepoPG struct {
	pool *pgxpool.Pool
	enc  hipaa.FieldEncryptor
}

// NewUserRepoPG returns a Postgres user repository. Phone numbers and MFA
// secrets pass through enc; a nil enc stores them as-is.
func NewUserRepoPG(pool *pgxpool.Pool, enc hipaa.FieldEncryptor) Repository {
	return &userRepoPG{pool: pool, enc: enc}
}

const userCols = `user_id, role, email, first_name, last_name, phone, specialty, care_unit,
	mfa_enabled, COALESCE(mfa_secret, ''), account_locked, status, anonymized_at, version, created_at, updated_at`

func (r *userRepoPG) encrypt(col hipaa.Column, v string) (string, error) {
	if r.enc == nil {
		return v, nil
	}
	out, err := r.enc.EncryptField(col.Key(), v)
	if err != nil {
		return "", fmt.Errorf("encrypt %s: %w", col.Key(), err)
	}
	return out, nil
}

func (r *userRepoPG) decrypt(col hipaa.Column, v string) (string, error) {
	if r.enc == nil {
		return v, nil
	}
	out, err := r.enc.DecryptField(col.Key(), v)
	if err != nil {
		return "", fmt.Errorf("decrypt %s: %w", col.Key(), err)
	}
	return out, nil
}

func (r *userRepoPG) encryptPhone(p *string) (*string, error) {
	if p == nil {
		return nil, nil
	}
	v, err := r.encrypt(hipaa.UserPhone, *p)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (r *userRepoPG) Create(ctx context.Context, u *User) error {
	phone, err := r.encryptPhone(u.Phone)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	u.CreatedAt, u.UpdatedAt, u.version = now, now, 1
	if u.Status == "" {
		u.Status = StatusActive
	}

	_, err = db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO users (user_id, role, email, first_name, last_name, phone, specialty, care_unit,
			status, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 1, $10, $10)`,
		u.UserID, u.Role, u.Email, u.FirstName, u.LastName, phone, u.Specialty, u.CareUnit, u.Status, now)
	if err != nil {
		if db.IsUniqueViolation(err, "") {
			return apperr.Wrap(apperr.Conflict, "user already exists", err)
		}
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (r *userRepoPG) GetByID(ctx context.Context, userID string) (*User, error) {
	row := db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+userCols+` FROM users WHERE user_id = $1`, userID)

	var u User
	err := row.Scan(&u.UserID, &u.Role, &u.Email, &u.FirstName, &u.LastName, &u.Phone, &u.Specialty, &u.CareUnit,
		&u.MFAEnabled, &u.mfaSecret, &u.AccountLocked, &u.Status, &u.AnonymizedAt, &u.version, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.New(apperr.NotFound, "user not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}

	if u.Phone != nil {
		p, err := r.decrypt(hipaa.UserPhone, *u.Phone)
		if err != nil {
			return nil, err
		}
		u.Phone = &p
	}
	if u.mfaSecret, err = r.decrypt(hipaa.UserMFASecret, u.mfaSecret); err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *userRepoPG) UpdateProfile(ctx context.Context, u *User) error {
	phone, err := r.encryptPhone(u.Phone)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE users SET first_name = $3, last_name = $4, phone = $5, specialty = $6,
			version = version + 1, updated_at = $7
		WHERE user_id = $1 AND version = $2 AND NOT account_locked`,
		u.UserID, u.version, u.FirstName, u.LastName, phone, u.Specialty, now)
	if err != nil {
		return fmt.Errorf("update user profile: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.New(apperr.Conflict, "user was modified concurrently or is locked")
	}
	u.version++
	u.UpdatedAt = now
	return nil
}

func (r *userRepoPG) SetAccountLocked(ctx context.Context, userID string, locked bool) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE users SET account_locked = $2, version = version + 1, updated_at = NOW()
		WHERE user_id = $1`, userID, locked)
	if err != nil {
		return fmt.Errorf("set account lock: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.New(apperr.NotFound, "user not found")
	}
	return nil
}

func (r *userRepoPG) AccountLocked(ctx context.Context, userID string) (bool, error) {
	var locked bool
	err := db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT account_locked FROM users WHERE user_id = $1 FOR SHARE`, userID).Scan(&locked)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, apperr.New(apperr.NotFound, "user not found")
	}
	if err != nil {
		return false, fmt.Errorf("read account lock: %w", err)
	}
	return locked, nil
}

func (r *userRepoPG) SetMFA(ctx context.Context, userID, secret string, enabled bool) error {
	var stored *string
	if secret != "" {
		enc, err := r.encrypt(hipaa.UserMFASecret, secret)
		if err != nil {
			return err
		}
		stored = &enc
	}
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE users SET mfa_secret = $2, mfa_enabled = $3, version = version + 1, updated_at = NOW()
		WHERE user_id = $1 AND anonymized_at IS NULL`, userID, stored, enabled)
	if err != nil {
		return fmt.Errorf("set mfa: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.New(apperr.NotFound, "user not found")
	}
	return nil
}

// Anonymize overwrites every users column the plan marks for erasure. Column
// names come from the hipaa catalogue, never from input.
func (r *userRepoPG) Anonymize(ctx context.Context, userID string, plan hipaa.ErasurePlan, at time.Time) error {
	cols := plan.AnonymizedColumns("users")
	sets := make([]string, 0, len(cols)+4)
	args := []interface{}{userID, at}
	for _, c := range cols {
		args = append(args, hipaa.Replacement(c, userID))
		sets = append(sets, fmt.Sprintf("%s = $%d", c.Name, len(args)))
	}
	sets = append(sets,
		"mfa_enabled = FALSE",
		"status = 'SUSPENDED'",
		"anonymized_at = $2",
		"version = version + 1",
		"updated_at = $2",
	)

	tag, err := db.Conn(ctx, r.pool).Exec(ctx,
		`UPDATE users SET `+strings.Join(sets, ", ")+` WHERE user_id = $1 AND anonymized_at IS NULL`, args...)
	if err != nil {
		return fmt.Errorf("anonymize user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.New(apperr.NotFound, "user not found or already anonymized")
	}
	return nil
}

func (r *userRepoPG) Emails(ctx context.Context, userIDs []string) (map[string]string, error) {
	out := make(map[string]string, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}
	rows, err := db.Conn(ctx, r.pool).Query(ctx,
		`SELECT user_id, email FROM users WHERE user_id = ANY($1)`, userIDs)
	if err != nil {
		return nil, fmt.Errorf("lookup emails: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id, email string
		if err := rows.Scan(&id, &email); err != nil {
			return nil, fmt.Errorf("scan email: %w", err)
		}
		out[id] = email
	}
	return out, rows.Err()
}
