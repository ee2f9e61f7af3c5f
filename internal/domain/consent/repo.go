package consent

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Repository interface {
	// LockPair serializes ledger writes on one (patient, doctor) pair for the
	// rest of the surrounding transaction.
	LockPair(ctx context.Context, patientID, doctorID string) error
	Insert(ctx context.Context, c *Consent) error
	GetByID(ctx context.Context, id uuid.UUID) (*Consent, error)
	// FindOpen returns the PENDING or GRANTED row for the pair, or nil.
	FindOpen(ctx context.Context, patientID, doctorID string) (*Consent, error)
	// Transition writes c's status and timestamps if the row is still at
	// from and c's version. A lost race is CONFLICT.
	Transition(ctx context.Context, c *Consent, from Status) error
	ListByPatient(ctx context.Context, patientID string, statuses ...Status) ([]*Consent, error)
	ListByDoctor(ctx context.Context, doctorID string, limit, offset int) ([]*Consent, int, error)

	InsertPeer(ctx context.Context, g *PeerGrant) error
	GetPeer(ctx context.Context, id uuid.UUID) (*PeerGrant, error)
	FindActivePeer(ctx context.Context, patientID, granteeID string) (*PeerGrant, error)
	TransitionPeer(ctx context.Context, g *PeerGrant, from PeerStatus, at time.Time) error
	ListPeers(ctx context.Context, f PeerFilter) ([]*PeerGrant, error)
}
