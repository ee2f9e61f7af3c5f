package consent

import (
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending Status = "PENDING"
	StatusGranted Status = "GRANTED"
	StatusDenied  Status = "DENIED"
	StatusRevoked Status = "REVOKED"
	StatusExpired Status = "EXPIRED"
)

type Decision string

const (
	DecisionGrant Decision = "GRANT"
	DecisionDeny  Decision = "DENY"
)

// MaxExpiryDays bounds the expiresInDays a patient may attach to a grant.
const MaxExpiryDays = 3650

// Consent records whether a doctor may read a patient's records. At most one
// PENDING or GRANTED row exists per (patient, doctor) pair.
type Consent struct {
	ID          uuid.UUID  `json:"consentId"`
	PatientID   string     `json:"patientId"`
	DoctorID    string     `json:"doctorId"`
	Status      Status     `json:"status"`
	RequestedAt time.Time  `json:"requestedAt"`
	RespondedAt *time.Time `json:"respondedAt,omitempty"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
	UpdatedAt   time.Time  `json:"updatedAt"`

	version int
}

// ActiveAt reports whether the consent is GRANTED and not past expiresAt. A
// grant without expiresAt never expires.
func (c *Consent) ActiveAt(now time.Time) bool {
	return c.Status == StatusGranted && (c.ExpiresAt == nil || now.Before(*c.ExpiresAt))
}

// lapsedAt reports a GRANTED row whose expiresAt has passed but which has
// not been moved to EXPIRED yet.
func (c *Consent) lapsedAt(now time.Time) bool {
	return c.Status == StatusGranted && c.ExpiresAt != nil && !now.Before(*c.ExpiresAt)
}

type Scope string

const (
	ScopeSummary       Scope = "SUMMARY"
	ScopeLabReports    Scope = "LAB_REPORTS"
	ScopePrescriptions Scope = "PRESCRIPTIONS"
	ScopeRadiology     Scope = "RADIOLOGY"
	ScopeFull          Scope = "FULL"
)

func (s Scope) Valid() bool {
	switch s {
	case ScopeSummary, ScopeLabReports, ScopePrescriptions, ScopeRadiology, ScopeFull:
		return true
	}
	return false
}

type PeerStatus string

const (
	PeerActive  PeerStatus = "ACTIVE"
	PeerRevoked PeerStatus = "REVOKED"
	PeerExpired PeerStatus = "EXPIRED"
)

// PeerGrant delegates scope-limited read access from a consented doctor to a
// colleague for one patient.
type PeerGrant struct {
	ID        uuid.UUID  `json:"grantId"`
	PatientID string     `json:"patientId"`
	GrantorID string     `json:"grantorId"`
	GranteeID string     `json:"granteeId"`
	Scope     Scope      `json:"accessScope"`
	Status    PeerStatus `json:"status"`
	CreatedAt time.Time  `json:"createdAt"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	RevokedAt *time.Time `json:"revokedAt,omitempty"`

	version int
}

func (g *PeerGrant) ActiveAt(now time.Time) bool {
	return g.Status == PeerActive && (g.ExpiresAt == nil || now.Before(*g.ExpiresAt))
}

func (g *PeerGrant) lapsedAt(now time.Time) bool {
	return g.Status == PeerActive && g.ExpiresAt != nil && !now.Before(*g.ExpiresAt)
}

// PeerFilter selects grants on a patient or grants where party is grantor or
// grantee.
type PeerFilter struct {
	PatientID string
	PartyID   string
}
