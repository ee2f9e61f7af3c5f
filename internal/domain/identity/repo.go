package identity

import (
	"context"
	"time"

	"github.com/medvault/medvault/internal/platform/hipaa"
)

type Repository interface {
	Create(ctx context.Context, u *User) error
	GetByID(ctx context.Context, userID string) (*User, error)
	// UpdateProfile writes profile fields if u's version is current.
	UpdateProfile(ctx context.Context, u *User) error
	SetAccountLocked(ctx context.Context, userID string, locked bool) error
	// AccountLocked reads the lock flag and holds a share lock on the row for
	// the rest of the surrounding transaction.
	AccountLocked(ctx context.Context, userID string) (bool, error)
	SetMFA(ctx context.Context, userID, secret string, enabled bool) error
	Anonymize(ctx context.Context, userID string, plan hipaa.ErasurePlan, at time.Time) error
	Emails(ctx context.Context, userIDs []string) (map[string]string, error)
}
