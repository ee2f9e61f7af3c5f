package records

import (
	"context"

	"github.com/medvault/medvault/internal/domain/access"
)

type Repository interface {
	// Insert stores r unless the patient's account is locked, which fails
	// ACCOUNT_LOCKED. The lock check and the write are one statement.
	Insert(ctx context.Context, r *Record) error
	// ListByPatient returns the patient's records newest first, restricted to
	// types when it is non-empty.
	ListByPatient(ctx context.Context, patientID string, types []access.RecordType) ([]Record, error)
	RecordRefs(ctx context.Context, patientID string) ([]access.RecordRef, error)
	Stats(ctx context.Context) (*Stats, error)
}
