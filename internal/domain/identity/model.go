package identity

import (
	"strings"
	"time"

	"github.com/medvault/medvault/internal/platform/apperr"
	"github.com/medvault/medvault/internal/platform/auth"
)

type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusSuspended Status = "SUSPENDED"
)

type User struct {
	UserID        string     `json:"userId"`
	Role          auth.Role  `json:"role"`
	Email         string     `json:"email"`
	FirstName     string     `json:"firstName"`
	LastName      string     `json:"lastName"`
	Phone         *string    `json:"phone,omitempty"`
	Specialty     *string    `json:"specialty,omitempty"`
	CareUnit      *string    `json:"careUnit,omitempty"`
	MFAEnabled    bool       `json:"mfaEnabled"`
	AccountLocked bool       `json:"accountLocked"`
	Status        Status     `json:"status"`
	AnonymizedAt  *time.Time `json:"anonymizedAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`

	mfaSecret string
	version   int
}

// ProfilePatch holds the fields a user may edit on their own profile. Nil
// fields are left unchanged.
type ProfilePatch struct {
	FirstName *string `json:"firstName"`
	LastName  *string `json:"lastName"`
	Phone     *string `json:"phone"`
	Specialty *string `json:"specialty"`
}

func (p ProfilePatch) apply(u *User) error {
	if p.FirstName != nil {
		if strings.TrimSpace(*p.FirstName) == "" {
			return apperr.New(apperr.ValidationFailed, "firstName cannot be empty")
		}
		u.FirstName = strings.TrimSpace(*p.FirstName)
	}
	if p.LastName != nil {
		if strings.TrimSpace(*p.LastName) == "" {
			return apperr.New(apperr.ValidationFailed, "lastName cannot be empty")
		}
		u.LastName = strings.TrimSpace(*p.LastName)
	}
	if p.Phone != nil {
		u.Phone = emptyToNil(*p.Phone)
	}
	if p.Specialty != nil {
		if u.Role != auth.RoleDoctor {
			return apperr.New(apperr.ValidationFailed, "only doctors carry a specialty")
		}
		u.Specialty = emptyToNil(*p.Specialty)
	}
	return nil
}

func (u *User) validate() error {
	if !auth.ValidUserID(u.UserID, u.Role) {
		return apperr.Newf(apperr.ValidationFailed, "userId must start with %q for role %s", u.Role.Prefix(), u.Role)
	}
	if !strings.Contains(u.Email, "@") {
		return apperr.New(apperr.ValidationFailed, "email is invalid")
	}
	if u.FirstName == "" || u.LastName == "" {
		return apperr.New(apperr.ValidationFailed, "firstName and lastName are required")
	}
	if u.CareUnit != nil && u.Role != auth.RoleNurse && u.Role != auth.RolePatient {
		return apperr.New(apperr.ValidationFailed, "careUnit applies to nurses and patients only")
	}
	return nil
}

func emptyToNil(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
