package consent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medvault/medvault/internal/platform/apperr"
	"github.com/medvault/medvault/internal/platform/db"
)

type ConsentRepoPG struct {
	pool *pgxpool.Pool
}

func NewConsentRepoPG(pool *pgxpool.Pool) *ConsentRepoPG {
	return &ConsentRepoPG{pool: pool}
}

const consentCols = `id, patient_id, doctor_id, status, requested_at, responded_at, expires_at, updated_at, version`

func scanConsent(row pgx.Row) (*Consent, error) {
	var c Consent
	err := row.Scan(&c.ID, &c.PatientID, &c.DoctorID, &c.Status, &c.RequestedAt,
		&c.RespondedAt, &c.ExpiresAt, &c.UpdatedAt, &c.version)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *ConsentRepoPG) LockPair(ctx context.Context, patientID, doctorID string) error {
	_, err := db.Conn(ctx, r.pool).Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtext($1::text || ':' || $2::text))`, patientID, doctorID)
	if err != nil {
		return fmt.Errorf("lock consent pair: %w", err)
	}
	return nil
}

func (r *ConsentRepoPG) Insert(ctx context.Context, c *Consent) error {
	c.version = 1
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO consent (id, patient_id, doctor_id, status, requested_at, updated_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, 1)`,
		c.ID, c.PatientID, c.DoctorID, c.Status, c.RequestedAt, c.UpdatedAt)
	switch {
	case err == nil:
		return nil
	case db.IsUniqueViolation(err, "consent_active_pair_idx"):
		return apperr.Wrap(apperr.DuplicatePending, "a consent request is already open for this patient", err)
	case db.IsForeignKeyViolation(err):
		return apperr.Wrap(apperr.NotFound, "patient not found", err)
	default:
		return fmt.Errorf("insert consent: %w", err)
	}
}

func (r *ConsentRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Consent, error) {
	c, err := scanConsent(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+consentCols+` FROM consent WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.New(apperr.NotFound, "consent not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get consent: %w", err)
	}
	return c, nil
}

func (r *ConsentRepoPG) FindOpen(ctx context.Context, patientID, doctorID string) (*Consent, error) {
	c, err := scanConsent(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+consentCols+` FROM consent
		WHERE patient_id = $1 AND doctor_id = $2 AND status IN ('PENDING','GRANTED')`, patientID, doctorID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find open consent: %w", err)
	}
	return c, nil
}

func (r *ConsentRepoPG) Transition(ctx context.Context, c *Consent, from Status) error {
	now := time.Now().UTC()
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE consent SET status = $4, responded_at = $5, expires_at = $6,
			version = version + 1, updated_at = $7
		WHERE id = $1 AND version = $2 AND status = $3`,
		c.ID, c.version, from, c.Status, c.RespondedAt, c.ExpiresAt, now)
	if err != nil {
		return fmt.Errorf("update consent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.New(apperr.Conflict, "consent changed concurrently")
	}
	c.version++
	c.UpdatedAt = now
	return nil
}

func (r *ConsentRepoPG) ListByPatient(ctx context.Context, patientID string, statuses ...Status) ([]*Consent, error) {
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `SELECT `+consentCols+` FROM consent
		WHERE patient_id = $1 AND (cardinality($2::text[]) = 0 OR status = ANY($2))
		ORDER BY requested_at DESC`, patientID, names)
	if err != nil {
		return nil, fmt.Errorf("list patient consents: %w", err)
	}
	defer rows.Close()
	return collectConsents(rows)
}

func (r *ConsentRepoPG) ListByDoctor(ctx context.Context, doctorID string, limit, offset int) ([]*Consent, int, error) {
	conn := db.Conn(ctx, r.pool)
	var total int
	if err := conn.QueryRow(ctx, `SELECT COUNT(*) FROM consent WHERE doctor_id = $1`, doctorID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count doctor consents: %w", err)
	}
	rows, err := conn.Query(ctx, `SELECT `+consentCols+` FROM consent
		WHERE doctor_id = $1 ORDER BY requested_at DESC LIMIT $2 OFFSET $3`, doctorID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list doctor consents: %w", err)
	}
	defer rows.Close()
	out, err := collectConsents(rows)
	return out, total, err
}

func collectConsents(rows pgx.Rows) ([]*Consent, error) {
	var out []*Consent
	for rows.Next() {
		c, err := scanConsent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan consent: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

const peerCols = `id, patient_id, grantor_id, grantee_id, access_scope, status, created_at, expires_at, revoked_at, version`

func scanPeer(row pgx.Row) (*PeerGrant, error) {
	var g PeerGrant
	err := row.Scan(&g.ID, &g.PatientID, &g.GrantorID, &g.GranteeID, &g.Scope, &g.Status,
		&g.CreatedAt, &g.ExpiresAt, &g.RevokedAt, &g.version)
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func (r *ConsentRepoPG) InsertPeer(ctx context.Context, g *PeerGrant) error {
	g.version = 1
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO peer_grant (id, patient_id, grantor_id, grantee_id, access_scope, status, created_at, expires_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 1)`,
		g.ID, g.PatientID, g.GrantorID, g.GranteeID, g.Scope, g.Status, g.CreatedAt, g.ExpiresAt)
	switch {
	case err == nil:
		return nil
	case db.IsUniqueViolation(err, "peer_grant_active_idx"):
		return apperr.Wrap(apperr.AlreadyGranted, "an active peer grant already exists", err)
	case db.IsForeignKeyViolation(err):
		return apperr.Wrap(apperr.NotFound, "grantee not found", err)
	default:
		return fmt.Errorf("insert peer grant: %w", err)
	}
}

func (r *ConsentRepoPG) GetPeer(ctx context.Context, id uuid.UUID) (*PeerGrant, error) {
	g, err := scanPeer(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+peerCols+` FROM peer_grant WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.New(apperr.NotFound, "peer grant not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get peer grant: %w", err)
	}
	return g, nil
}

func (r *ConsentRepoPG) FindActivePeer(ctx context.Context, patientID, granteeID string) (*PeerGrant, error) {
	g, err := scanPeer(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+peerCols+` FROM peer_grant
		WHERE patient_id = $1 AND grantee_id = $2 AND status = 'ACTIVE'`, patientID, granteeID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find peer grant: %w", err)
	}
	return g, nil
}

func (r *ConsentRepoPG) TransitionPeer(ctx context.Context, g *PeerGrant, from PeerStatus, at time.Time) error {
	var revokedAt *time.Time
	if g.Status == PeerRevoked {
		revokedAt = &at
	}
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE peer_grant SET status = $4, revoked_at = $5, version = version + 1
		WHERE id = $1 AND version = $2 AND status = $3`,
		g.ID, g.version, from, g.Status, revokedAt)
	if err != nil {
		return fmt.Errorf("update peer grant: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.New(apperr.Conflict, "peer grant changed concurrently")
	}
	g.version++
	g.RevokedAt = revokedAt
	return nil
}

func (r *ConsentRepoPG) ListPeers(ctx context.Context, f PeerFilter) ([]*PeerGrant, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `SELECT `+peerCols+` FROM peer_grant
		WHERE ($1::text = '' OR patient_id = $1)
		  AND ($2::text = '' OR grantor_id = $2 OR grantee_id = $2)
		ORDER BY created_at DESC`, f.PatientID, f.PartyID)
	if err != nil {
		return nil, fmt.Errorf("list peer grants: %w", err)
	}
	defer rows.Close()

	var out []*PeerGrant
	for rows.Next() {
		g, err := scanPeer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan peer grant: %w", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}
