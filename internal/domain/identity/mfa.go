package identity

import (
	"context"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/rs/zerolog"

	"github.com/medvault/medvault/internal/platform/apperr"
)

// DeletionChecker reports whether a user has a non-terminal deletion request.
type DeletionChecker interface {
	HasActive(ctx context.Context, userID string) (bool, error)
}

// SetupResult is shown once so the user can enrol an authenticator app.
type SetupResult struct {
	Secret     string `json:"secret"`
	OTPAuthURL string `json:"otpauthUrl"`
}

var validateOpts = totp.ValidateOpts{
	Period:    30,
	Skew:      1,
	Digits:    otp.DigitsSix,
	Algorithm: otp.AlgorithmSHA1,
}

// MFAService owns TOTP enrolment and verification.
type MFAService struct {
	repo     Repository
	deletion DeletionChecker
	issuer   string
	now      func() time.Time
	log      zerolog.Logger
}

func NewMFAService(repo Repository, deletion DeletionChecker, issuer string, log zerolog.Logger) *MFAService {
	return &MFAService{
		repo:     repo,
		deletion: deletion,
		issuer:   issuer,
		now:      time.Now,
		log:      log.With().Str("component", "mfa").Logger(),
	}
}

// Setup generates a new secret. MFA stays disabled until Enable confirms a
// code from it.
func (s *MFAService) Setup(ctx context.Context, userID string) (*SetupResult, error) {
	u, err := s.repo.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if u.MFAEnabled {
		return nil, apperr.New(apperr.InvalidState, "MFA is already enabled")
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      s.issuer,
		AccountName: u.UserID,
		Period:      validateOpts.Period,
		Digits:      validateOpts.Digits,
		Algorithm:   validateOpts.Algorithm,
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "generate TOTP secret", err)
	}
	if err := s.repo.SetMFA(ctx, userID, key.Secret(), false); err != nil {
		return nil, err
	}
	return &SetupResult{Secret: key.Secret(), OTPAuthURL: key.URL()}, nil
}

func (s *MFAService) Enable(ctx context.Context, userID, code string) error {
	u, err := s.repo.GetByID(ctx, userID)
	if err != nil {
		return err
	}
	if u.MFAEnabled {
		return apperr.New(apperr.InvalidState, "MFA is already enabled")
	}
	if u.mfaSecret == "" {
		return apperr.New(apperr.InvalidState, "call MFA setup first")
	}
	if !s.valid(code, u.mfaSecret) {
		return apperr.New(apperr.InvalidCode, "invalid code")
	}
	if err := s.repo.SetMFA(ctx, userID, u.mfaSecret, true); err != nil {
		return err
	}
	s.log.Info().Str("user_id", userID).Msg("mfa enabled")
	return nil
}

// Disable turns MFA off. It is refused while a deletion request is active,
// since that request's confirmation depends on the authenticator.
func (s *MFAService) Disable(ctx context.Context, userID, code string) error {
	u, err := s.repo.GetByID(ctx, userID)
	if err != nil {
		return err
	}
	if !u.MFAEnabled {
		return apperr.New(apperr.InvalidState, "MFA is not enabled")
	}
	if s.deletion != nil {
		active, err := s.deletion.HasActive(ctx, userID)
		if err != nil {
			return err
		}
		if active {
			return apperr.New(apperr.InvalidState, "cancel the pending deletion request before disabling MFA")
		}
	}
	if !s.valid(code, u.mfaSecret) {
		return apperr.New(apperr.InvalidCode, "invalid code")
	}
	if err := s.repo.SetMFA(ctx, userID, "", false); err != nil {
		return err
	}
	s.log.Info().Str("user_id", userID).Msg("mfa disabled")
	return nil
}

// Enabled reports the user's mfaEnabled flag.
func (s *MFAService) Enabled(ctx context.Context, userID string) (bool, error) {
	u, err := s.repo.GetByID(ctx, userID)
	if err != nil {
		return false, err
	}
	return u.MFAEnabled, nil
}

// VerifyCode checks code against the user's enrolled secret. A wrong code is
// INVALID_CODE; a user without MFA is MFA_REQUIRED.
func (s *MFAService) VerifyCode(ctx context.Context, userID, code string) error {
	u, err := s.repo.GetByID(ctx, userID)
	if err != nil {
		return err
	}
	if !u.MFAEnabled || u.mfaSecret == "" {
		return apperr.New(apperr.MFARequired, "MFA is not enabled")
	}
	if !s.valid(code, u.mfaSecret) {
		return apperr.New(apperr.InvalidCode, "invalid code")
	}
	return nil
}

func (s *MFAService) valid(code, secret string) bool {
	if len(code) != validateOpts.Digits.Length() {
		return false
	}
	ok, err := totp.ValidateCustom(code, secret, s.now().UTC(), validateOpts)
	return err == nil && ok
}
