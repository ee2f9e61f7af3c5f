package records

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/medvault/medvault/internal/domain/access"
	"github.com/medvault/medvault/internal/platform/apperr"
	"github.com/medvault/medvault/internal/platform/auth"
)

const maxTitleLen = 255

// Record is a medical record. Diagnosis, Details and Prescription are stored
// encrypted.
type Record struct {
	ID           uuid.UUID         `json:"recordId"`
	PatientID    string            `json:"patientId"`
	CreatedBy    string            `json:"createdBy"`
	Type         access.RecordType `json:"recordType"`
	Title        string            `json:"title"`
	Diagnosis    string            `json:"diagnosis"`
	Details      string            `json:"details"`
	Prescription *string           `json:"prescription,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
}

// Metadata is the administrator's view of a record: no clinical content and
// no title.
type Metadata struct {
	ID        uuid.UUID         `json:"recordId"`
	PatientID string            `json:"patientId"`
	CreatedBy string            `json:"createdBy"`
	Type      access.RecordType `json:"recordType"`
	CreatedAt time.Time         `json:"createdAt"`
}

func (r Record) metadata() Metadata {
	return Metadata{ID: r.ID, PatientID: r.PatientID, CreatedBy: r.CreatedBy, Type: r.Type, CreatedAt: r.CreatedAt}
}

func (r Record) ref() access.RecordRef {
	return access.RecordRef{ID: r.ID, Type: r.Type, CreatedAt: r.CreatedAt}
}

type NewRecord struct {
	PatientID    string            `json:"patientId"`
	Type         access.RecordType `json:"recordType"`
	Title        string            `json:"title"`
	Diagnosis    string            `json:"diagnosis"`
	Details      string            `json:"details"`
	Prescription *string           `json:"prescription"`
}

func (n *NewRecord) normalize() error {
	n.Title = strings.TrimSpace(n.Title)
	switch {
	case !auth.ValidUserID(n.PatientID, auth.RolePatient):
		return apperr.New(apperr.ValidationFailed, "patientId must be a patient id")
	case !n.Type.Valid():
		return apperr.Newf(apperr.ValidationFailed, "unknown record type %q", n.Type)
	case n.Title == "":
		return apperr.New(apperr.ValidationFailed, "title is required")
	case len(n.Title) > maxTitleLen:
		return apperr.Newf(apperr.ValidationFailed, "title exceeds %d characters", maxTitleLen)
	}
	if n.Prescription != nil && strings.TrimSpace(*n.Prescription) == "" {
		n.Prescription = nil
	}
	return nil
}

// Listing is the answer to a record read. Exactly one of Records or
// Metadata is set, according to View.
type Listing struct {
	PatientID   string         `json:"patientId"`
	Outcome     access.Outcome `json:"outcome"`
	View        access.View    `json:"view"`
	Message     string         `json:"message"`
	Records     []Record       `json:"records,omitempty"`
	Metadata    []Metadata     `json:"metadata,omitempty"`
	HiddenCount int            `json:"hiddenCount"`
}

// Stats are de-identified counts across every patient.
type Stats struct {
	TotalRecords int                       `json:"totalRecords"`
	Patients     int                       `json:"patients"`
	ByType       map[access.RecordType]int `json:"byType"`
}
