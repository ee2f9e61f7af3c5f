package deletion

import (
	"math"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPendingMFA  Status = "PENDING_MFA"
	StatusMFAVerified Status = "MFA_VERIFIED"
	StatusCancelled   Status = "CANCELLED"
	StatusCompleted   Status = "COMPLETED"
)

func (s Status) Terminal() bool {
	return s == StatusCancelled || s == StatusCompleted
}

// Request is a user's erasure request. At most one non-terminal request
// exists per user.
type Request struct {
	ID                    uuid.UUID  `json:"requestId"`
	UserID                string     `json:"userId"`
	Status                Status     `json:"status"`
	RequestedAt           time.Time  `json:"requestedAt"`
	ScheduledDeletionDate time.Time  `json:"scheduledDeletionDate"`
	MFAVerifiedAt         *time.Time `json:"mfaVerifiedAt,omitempty"`
	AccountLocked         bool       `json:"accountLocked"`
	DeviceFingerprint     *string    `json:"-"`
	ReminderSentAt        *time.Time `json:"-"`
	CancelledAt           *time.Time `json:"cancelledAt,omitempty"`
	CompletedAt           *time.Time `json:"completedAt,omitempty"`
	version               int
}

// Due reports whether the cooling-off period is over.
func (r *Request) Due(now time.Time) bool {
	return r.Status == StatusMFAVerified && !now.Before(r.ScheduledDeletionDate)
}

// daysRemaining rounds up to whole days and never goes below zero.
func daysRemaining(scheduled, now time.Time) int {
	left := scheduled.Sub(now)
	if left <= 0 {
		return 0
	}
	return int(math.Ceil(left.Hours() / 24))
}

type StatusView struct {
	HasPendingDeletion    bool       `json:"hasPendingDeletion"`
	RequestID             *uuid.UUID `json:"requestId,omitempty"`
	Status                *Status    `json:"status"`
	DaysRemaining         int        `json:"daysRemaining"`
	ScheduledDeletionDate *time.Time `json:"scheduledDeletionDate"`
	MFAVerified           bool       `json:"mfaVerified"`
	AccountLocked         bool       `json:"accountLocked"`
}

type PendingItem struct {
	RequestID             uuid.UUID `json:"requestId"`
	UserID                string    `json:"userId"`
	UserEmail             string    `json:"userEmail"`
	Status                Status    `json:"status"`
	RequestedAt           time.Time `json:"requestedAt"`
	ScheduledDeletionDate time.Time `json:"scheduledDeletionDate"`
	DaysRemaining         int       `json:"daysRemaining"`
	MFAVerified           bool      `json:"mfaVerified"`
}

// SweepResult summarizes one pass of the background sweep.
type SweepResult struct {
	Finalized   int `json:"finalized"`
	Failed      int `json:"failed"`
	Reminded    int `json:"reminded"`
	Redelivered int `json:"redelivered"`
}
