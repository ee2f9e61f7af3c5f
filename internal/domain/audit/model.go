package audit

import (
	"time"

	"github.com/google/uuid"
)

type Outcome string

const (
	OutcomeSuccess Outcome = "SUCCESS"
	OutcomeDenied  Outcome = "DENIED"
)

// Resources recorded outside record reads.
const (
	ResourceConsent   = "CONSENT"
	ResourcePeerGrant = "PEER_GRANT"
	ResourceDeletion  = "DELETION"
)

// AccessEvent is one immutable audit entry. It carries identifiers and reason
// codes only, never clinical content.
type AccessEvent struct {
	ID              uuid.UUID `json:"eventId"`
	ActorID         string    `json:"actorId"`
	ActorRole       string    `json:"actorRole"`
	TargetPatientID string    `json:"targetPatientId"`
	Resource        string    `json:"resource"`
	Action          string    `json:"action"`
	Outcome         Outcome   `json:"outcome"`
	Reason          string    `json:"reason,omitempty"`
	RequestID       string    `json:"requestId,omitempty"`
	OccurredAt      time.Time `json:"timestamp"`
}

// Filter narrows a search. Empty fields match everything.
type Filter struct {
	ActorID   string
	PatientID string
	Outcome   Outcome
	Resource  string
}
