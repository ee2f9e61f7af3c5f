//go:build integration

package records

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medvault/medvault/internal/domain/access"
	"github.com/medvault/medvault/internal/platform/apperr"
	"github.com/medvault/medvault/internal/platform/db"
	"github.com/medvault/medvault/internal/platform/db/dbtest"
	"github.com/medvault/medvault/internal/platform/hipaa"
)

const testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func TestRecordRepoPG_EncryptedRoundTrip(t *testing.T) {
	pool := dbtest.NewPool(t)
	ctx := context.Background()
	for _, u := range [][2]string{{"P001", "PATIENT"}, {"P002", "PATIENT"}, {"D001", "DOCTOR"}} {
		if _, err := pool.Exec(ctx, `INSERT INTO users (user_id, role, email) VALUES ($1, $2, $3)`,
			u[0], u[1], strings.ToLower(u[0])+"@example.com"); err != nil {
			t.Fatalf("seed %s: %v", u[0], err)
		}
	}

	enc, err := hipaa.NewEncryptionService(testKey, zerolog.Nop())
	if err != nil {
		t.Fatalf("encryption: %v", err)
	}
	repo := NewRecordRepoPG(pool, enc)

	base := time.Now().UTC().Truncate(time.Microsecond)
	rx := "amoxicillin 500mg"
	recs := []*Record{
		{ID: uuid.New(), PatientID: "P001", CreatedBy: "D001", Type: access.TypeDiagnosis, Title: "Flu", Diagnosis: "influenza A", CreatedAt: base},
		{ID: uuid.New(), PatientID: "P001", CreatedBy: "D001", Type: access.TypePrescription, Title: "Rx", Prescription: &rx, CreatedAt: base.Add(time.Hour)},
		{ID: uuid.New(), PatientID: "P001", CreatedBy: "D001", Type: access.TypeLabResult, Title: "CBC", Details: "normal", CreatedAt: base.Add(2 * time.Hour)},
		{ID: uuid.New(), PatientID: "P002", CreatedBy: "D001", Type: access.TypeVitals, Title: "BP", Details: "120/80", CreatedAt: base},
	}
	for _, r := range recs {
		if err := repo.Insert(ctx, r); err != nil {
			t.Fatalf("insert %s: %v", r.Title, err)
		}
	}

	var stored string
	if err := pool.QueryRow(ctx, `SELECT diagnosis FROM medical_record WHERE id = $1`, recs[0].ID).Scan(&stored); err != nil {
		t.Fatalf("raw read: %v", err)
	}
	if !hipaa.IsCiphertext(stored) {
		t.Errorf("expected diagnosis encrypted at rest, got %q", stored)
	}

	all, err := repo.ListByPatient(ctx, "P001", nil)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 || all[0].Title != "CBC" || all[2].Diagnosis != "influenza A" {
		t.Fatalf("unexpected listing: %+v", all)
	}
	if all[1].Prescription == nil || *all[1].Prescription != rx {
		t.Errorf("prescription not decrypted: %v", all[1].Prescription)
	}

	labs, err := repo.ListByPatient(ctx, "P001", []access.RecordType{access.TypeLabResult})
	if err != nil || len(labs) != 1 {
		t.Fatalf("filtered list: %d %v", len(labs), err)
	}

	refs, err := repo.RecordRefs(ctx, "P001")
	if err != nil || len(refs) != 3 || refs[0].ID != recs[2].ID {
		t.Fatalf("refs: %+v %v", refs, err)
	}

	st, err := repo.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.TotalRecords != 4 || st.Patients != 2 || st.ByType[access.TypeVitals] != 1 {
		t.Errorf("unexpected stats: %+v", st)
	}
}

func TestRecordRepoPG_UnknownPatient(t *testing.T) {
	pool := dbtest.NewPool(t)
	repo := NewRecordRepoPG(pool, nil)

	err := repo.Insert(context.Background(), &Record{
		ID: uuid.New(), PatientID: "P404", CreatedBy: "D404", Type: access.TypeGeneral, Title: "x", CreatedAt: time.Now(),
	})
	if !apperr.Is(err, apperr.NotFound) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}

func TestRecordRepoPG_LockedPatient(t *testing.T) {
	pool := dbtest.NewPool(t)
	ctx := context.Background()
	for _, u := range [][2]string{{"P001", "PATIENT"}, {"N001", "NURSE"}} {
		if _, err := pool.Exec(ctx, `INSERT INTO users (user_id, role, email) VALUES ($1, $2, $3)`,
			u[0], u[1], strings.ToLower(u[0])+"@example.com"); err != nil {
			t.Fatalf("seed %s: %v", u[0], err)
		}
	}
	repo := NewRecordRepoPG(pool, nil)
	newRec := func(title string) *Record {
		return &Record{ID: uuid.New(), PatientID: "P001", CreatedBy: "N001", Type: access.TypeVitals, Title: title, CreatedAt: time.Now().UTC()}
	}

	if err := repo.Insert(ctx, newRec("before lock")); err != nil {
		t.Fatalf("insert before lock: %v", err)
	}
	if _, err := pool.Exec(ctx, `UPDATE users SET account_locked = TRUE WHERE user_id = 'P001'`); err != nil {
		t.Fatalf("lock: %v", err)
	}

	err := repo.Insert(ctx, newRec("after lock"))
	if !apperr.Is(err, apperr.AccountLocked) {
		t.Fatalf("expected ACCOUNT_LOCKED, got %v", err)
	}
	var n int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM medical_record WHERE patient_id = 'P001'`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Errorf("expected only the pre-lock record, got %d rows", n)
	}
}

func TestRecordRepoPG_LockWaitsForInsertTx(t *testing.T) {
	pool := dbtest.NewPool(t)
	ctx := context.Background()
	if _, err := pool.Exec(ctx, `INSERT INTO users (user_id, role, email) VALUES ('P001', 'PATIENT', 'p@example.com'), ('N001', 'NURSE', 'n@example.com')`); err != nil {
		t.Fatalf("seed: %v", err)
	}
	repo := NewRecordRepoPG(pool, nil)
	runner := db.NewTxRunner(pool)

	locked := make(chan error, 1)
	err := runner.InTx(ctx, func(ctx context.Context) error {
		if err := repo.Insert(ctx, &Record{ID: uuid.New(), PatientID: "P001", CreatedBy: "N001", Type: access.TypeVitals, Title: "x", CreatedAt: time.Now().UTC()}); err != nil {
			return err
		}
		go func() {
			_, err := pool.Exec(context.Background(), `UPDATE users SET account_locked = TRUE WHERE user_id = 'P001'`)
			locked <- err
		}()
		select {
		case err := <-locked:
			t.Fatalf("lock committed while the insert tx was open: %v", err)
		case <-time.After(200 * time.Millisecond):
		}
		return nil
	})
	if err != nil {
		t.Fatalf("insert tx: %v", err)
	}
	if err := <-locked; err != nil {
		t.Fatalf("lock after commit: %v", err)
	}
}
