package deletion

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/medvault/medvault/internal/platform/hipaa"
)

type Repository interface {
	// Insert fails EXISTING_REQUEST when the user already has a
	// non-terminal request.
	Insert(ctx context.Context, r *Request) error
	// FindActive returns the user's non-terminal request, or nil.
	FindActive(ctx context.Context, userID string) (*Request, error)
	// Transition writes r if it is still at version and in status from,
	// failing CONFLICT otherwise. r.version is bumped on success.
	Transition(ctx context.Context, r *Request, from Status) error
	// Scrub overwrites cols on the request row with their erasure values.
	Scrub(ctx context.Context, id uuid.UUID, userID string, cols []hipaa.Column) error
	ListActive(ctx context.Context) ([]*Request, error)
	// ListDue returns MFA_VERIFIED requests scheduled at or before now.
	ListDue(ctx context.Context, now time.Time, limit int) ([]*Request, error)
	// ListReminderDue returns MFA_VERIFIED requests scheduled in (now,
	// before] that have not been reminded.
	ListReminderDue(ctx context.Context, now, before time.Time, limit int) ([]*Request, error)
}
