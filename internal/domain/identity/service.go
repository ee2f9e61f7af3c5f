package identity

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/medvault/medvault/internal/platform/apperr"
	"github.com/medvault/medvault/internal/platform/auth"
	"github.com/medvault/medvault/internal/platform/hipaa"
)

type Service struct {
	repo Repository
	plan hipaa.ErasurePlan
	log  zerolog.Logger
}

func NewService(repo Repository, plan hipaa.ErasurePlan, log zerolog.Logger) *Service {
	return &Service{repo: repo, plan: plan, log: log.With().Str("component", "identity").Logger()}
}

func (s *Service) GetUser(ctx context.Context, userID string) (*User, error) {
	if userID == "" {
		return nil, apperr.New(apperr.ValidationFailed, "userId is required")
	}
	return s.repo.GetByID(ctx, userID)
}

// Provision adds a directory entry for a user authenticated by the external
// identity provider. Only administrators may call it.
func (s *Service) Provision(ctx context.Context, actor auth.Actor, u *User) error {
	if actor.Role != auth.RoleAdmin {
		return apperr.New(apperr.RoleForbidden, "only administrators may provision users")
	}
	u.Email = strings.ToLower(strings.TrimSpace(u.Email))
	u.FirstName = strings.TrimSpace(u.FirstName)
	u.LastName = strings.TrimSpace(u.LastName)
	if err := u.validate(); err != nil {
		return err
	}
	u.Status = StatusActive
	if err := s.repo.Create(ctx, u); err != nil {
		return err
	}
	s.log.Info().Str("user_id", u.UserID).Str("role", string(u.Role)).Str("by", actor.UserID).Msg("user provisioned")
	return nil
}

// UpdateProfile applies patch to the actor's own profile. Locked accounts are
// read-only until their deletion request is cancelled.
func (s *Service) UpdateProfile(ctx context.Context, actor auth.Actor, userID string, patch ProfilePatch) (*User, error) {
	if actor.UserID != userID {
		return nil, apperr.New(apperr.NotOwner, "users may only edit their own profile")
	}
	u, err := s.repo.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if u.AccountLocked {
		return nil, apperr.New(apperr.AccountLocked, "account is locked pending deletion")
	}
	if u.AnonymizedAt != nil {
		return nil, apperr.New(apperr.InvalidState, "account has been erased")
	}
	if err := patch.apply(u); err != nil {
		return nil, err
	}
	if err := s.repo.UpdateProfile(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

func (s *Service) SetAccountLocked(ctx context.Context, userID string, locked bool) error {
	if err := s.repo.SetAccountLocked(ctx, userID, locked); err != nil {
		return err
	}
	s.log.Info().Str("user_id", userID).Bool("locked", locked).Msg("account lock changed")
	return nil
}

// IsLocked reports the accountLocked flag. Write paths in other domains call
// it inside their transaction; the row stays share-locked until commit, so a
// concurrent lock waits for the write to finish.
func (s *Service) IsLocked(ctx context.Context, userID string) (bool, error) {
	return s.repo.AccountLocked(ctx, userID)
}

// Anonymize erases personal identifiers per the erasure plan. userId and role
// are kept so historical records and access events still resolve.
func (s *Service) Anonymize(ctx context.Context, userID string, at time.Time) error {
	if err := s.repo.Anonymize(ctx, userID, s.plan, at); err != nil {
		return fmt.Errorf("anonymize %s: %w", userID, err)
	}
	s.log.Info().Str("user_id", userID).Int("columns", len(s.plan.AnonymizedColumns("users"))).Msg("user anonymized")
	return nil
}

// CareUnit returns the user's care unit, or "" when none is assigned.
func (s *Service) CareUnit(ctx context.Context, userID string) (string, error) {
	u, err := s.repo.GetByID(ctx, userID)
	if err != nil {
		return "", err
	}
	if u.CareUnit == nil {
		return "", nil
	}
	return *u.CareUnit, nil
}

func (s *Service) Emails(ctx context.Context, userIDs []string) (map[string]string, error) {
	return s.repo.Emails(ctx, userIDs)
}
