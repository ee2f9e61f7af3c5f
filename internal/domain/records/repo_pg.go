package records

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medvault/medvault/internal/domain/access"
	"github.com/medvault/medvault/internal/platform/apperr"
	"github.com/medvault/medvault/internal/platform/db"
	"github.com/medvault/medvault/internal/platform/hipaa"
)

type RecordRepoPG struct {
	pool *pgxpool.Pool
	enc  hipaa.FieldEncryptor
}

// NewRecordRepoPG returns the Postgres record store. Clinical text columns
// pass through enc.
func NewRecordRepoPG(pool *pgxpool.Pool, enc hipaa.FieldEncryptor) *RecordRepoPG {
	return &RecordRepoPG{pool: pool, enc: enc}
}

const recordCols = `id, patient_id, created_by, record_type, title, diagnosis, details, prescription, created_at`

func (r *RecordRepoPG) seal(col hipaa.Column, v string) (string, error) {
	if r.enc == nil {
		return v, nil
	}
	out, err := r.enc.EncryptField(col.Key(), v)
	if err != nil {
		return "", fmt.Errorf("encrypt %s: %w", col.Key(), err)
	}
	return out, nil
}

func (r *RecordRepoPG) open(col hipaa.Column, v string) (string, error) {
	if r.enc == nil {
		return v, nil
	}
	out, err := r.enc.DecryptField(col.Key(), v)
	if err != nil {
		return "", fmt.Errorf("decrypt %s: %w", col.Key(), err)
	}
	return out, nil
}

func (r *RecordRepoPG) Insert(ctx context.Context, rec *Record) error {
	diagnosis, err := r.seal(hipaa.RecordDiagnosis, rec.Diagnosis)
	if err != nil {
		return err
	}
	details, err := r.seal(hipaa.RecordDetails, rec.Details)
	if err != nil {
		return err
	}
	var prescription *string
	if rec.Prescription != nil {
		p, err := r.seal(hipaa.RecordPrescription, *rec.Prescription)
		if err != nil {
			return err
		}
		prescription = &p
	}

	conn := db.Conn(ctx, r.pool)
	tag, err := conn.Exec(ctx, `
		INSERT INTO medical_record (id, patient_id, created_by, record_type, title, diagnosis, details, prescription, created_at)
		SELECT $1::uuid, u.user_id, $3::varchar, $4::varchar, $5::varchar, $6::text, $7::text, $8::text, $9::timestamptz
		FROM users u
		WHERE u.user_id = $2 AND NOT u.account_locked
		FOR SHARE`,
		rec.ID, rec.PatientID, rec.CreatedBy, string(rec.Type), rec.Title, diagnosis, details, prescription, rec.CreatedAt)
	if err != nil {
		if db.IsForeignKeyViolation(err) {
			return apperr.Wrap(apperr.NotFound, "author not found", err)
		}
		return fmt.Errorf("insert medical record: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	if err := conn.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE user_id = $1)`, rec.PatientID).Scan(&exists); err != nil {
		return fmt.Errorf("check patient: %w", err)
	}
	if !exists {
		return apperr.New(apperr.NotFound, "patient not found")
	}
	return apperr.New(apperr.AccountLocked, "patient account is locked pending deletion")
}

func (r *RecordRepoPG) ListByPatient(ctx context.Context, patientID string, types []access.RecordType) ([]Record, error) {
	query := `SELECT ` + recordCols + ` FROM medical_record WHERE patient_id = $1`
	args := []interface{}{patientID}
	if len(types) > 0 {
		names := make([]string, len(types))
		for i, t := range types {
			names[i] = string(t)
		}
		query += ` AND record_type = ANY($2)`
		args = append(args, names)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := db.Conn(ctx, r.pool).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list medical records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func (r *RecordRepoPG) scan(row pgx.Row) (*Record, error) {
	var rec Record
	if err := row.Scan(&rec.ID, &rec.PatientID, &rec.CreatedBy, &rec.Type, &rec.Title,
		&rec.Diagnosis, &rec.Details, &rec.Prescription, &rec.CreatedAt); err != nil {
		return nil, fmt.Errorf("scan medical record: %w", err)
	}
	var err error
	if rec.Diagnosis, err = r.open(hipaa.RecordDiagnosis, rec.Diagnosis); err != nil {
		return nil, err
	}
	if rec.Details, err = r.open(hipaa.RecordDetails, rec.Details); err != nil {
		return nil, err
	}
	if rec.Prescription != nil {
		p, err := r.open(hipaa.RecordPrescription, *rec.Prescription)
		if err != nil {
			return nil, err
		}
		rec.Prescription = &p
	}
	return &rec, nil
}

// RecordRefs reads the index without touching encrypted columns.
func (r *RecordRepoPG) RecordRefs(ctx context.Context, patientID string) ([]access.RecordRef, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT id, record_type, created_at FROM medical_record
		WHERE patient_id = $1 ORDER BY created_at DESC`, patientID)
	if err != nil {
		return nil, fmt.Errorf("list record refs: %w", err)
	}
	defer rows.Close()

	var out []access.RecordRef
	for rows.Next() {
		var ref access.RecordRef
		if err := rows.Scan(&ref.ID, &ref.Type, &ref.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan record ref: %w", err)
		}
		out = append(out, ref)
	}
	return out, rows.Err()
}

func (r *RecordRepoPG) Stats(ctx context.Context) (*Stats, error) {
	conn := db.Conn(ctx, r.pool)
	st := &Stats{ByType: make(map[access.RecordType]int)}

	if err := conn.QueryRow(ctx,
		`SELECT COUNT(*), COUNT(DISTINCT patient_id) FROM medical_record`).Scan(&st.TotalRecords, &st.Patients); err != nil {
		return nil, fmt.Errorf("count medical records: %w", err)
	}

	rows, err := conn.Query(ctx, `SELECT record_type, COUNT(*) FROM medical_record GROUP BY record_type`)
	if err != nil {
		return nil, fmt.Errorf("count records by type: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var t access.RecordType
		var n int
		if err := rows.Scan(&t, &n); err != nil {
			return nil, fmt.Errorf("scan record type count: %w", err)
		}
		st.ByType[t] = n
	}
	return st, rows.Err()
}
