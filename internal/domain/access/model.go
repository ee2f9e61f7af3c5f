package access

import (
	"time"

	"github.com/google/uuid"

	"github.com/medvault/medvault/internal/platform/apperr"
	"github.com/medvault/medvault/internal/platform/auth"
)

// RecordType classifies a medical record.
type RecordType string

const (
	TypeLabResult    RecordType = "LAB_RESULT"
	TypePrescription RecordType = "PRESCRIPTION"
	TypeDiagnosis    RecordType = "DIAGNOSIS"
	TypeImaging      RecordType = "IMAGING"
	TypeVitals       RecordType = "VITALS"
	TypeGeneral      RecordType = "GENERAL"
)

func (t RecordType) Valid() bool {
	switch t {
	case TypeLabResult, TypePrescription, TypeDiagnosis, TypeImaging, TypeVitals, TypeGeneral:
		return true
	}
	return false
}

// Kind is the resource a caller asks for.
type Kind string

const (
	KindAll                   Kind = "ALL"
	KindDiagnosis             Kind = "DIAGNOSIS"
	KindPrescription          Kind = "PRESCRIPTION"
	KindLabResult             Kind = "LAB_RESULT"
	KindImaging               Kind = "IMAGING"
	KindVitals                Kind = "VITALS"
	KindCareNote              Kind = "CARE_NOTE"
	KindGeneral               Kind = "GENERAL"
	KindMetadata              Kind = "METADATA"
	KindAggregateDeidentified Kind = "AGGREGATE_DEIDENTIFIED"
)

var kindTypes = map[Kind][]RecordType{
	KindDiagnosis:    {TypeDiagnosis},
	KindPrescription: {TypePrescription},
	KindLabResult:    {TypeLabResult},
	KindImaging:      {TypeImaging},
	KindVitals:       {TypeVitals},
	KindCareNote:     {TypeGeneral},
	KindGeneral:      {TypeGeneral},
}

func ParseKind(s string) (Kind, bool) {
	k := Kind(s)
	switch k {
	case KindAll, KindMetadata, KindAggregateDeidentified:
		return k, true
	}
	_, ok := kindTypes[k]
	return k, ok
}

// RecordTypes returns the record types k covers; nil means every type.
func (k Kind) RecordTypes() []RecordType {
	return kindTypes[k]
}

// KindOf maps a record type to the kind that covers it.
func KindOf(t RecordType) Kind {
	return Kind(t)
}

type Action string

const (
	ActionRead  Action = "READ"
	ActionWrite Action = "WRITE"
)

type Outcome string

const (
	Allow   Outcome = "ALLOW"
	Partial Outcome = "PARTIAL"
	Deny    Outcome = "DENY"
)

// View says how much of an allowed result the caller may see.
type View string

const (
	ViewFull      View = "FULL"
	ViewFiltered  View = "FILTERED"
	ViewMetadata  View = "METADATA_ONLY"
	ViewAggregate View = "AGGREGATE_ONLY"
	ViewWrite     View = "WRITE"
)

// AllPatients is the target of population-wide requests such as
// de-identified aggregates.
const AllPatients = "*"

type Request struct {
	Actor     auth.Actor
	PatientID string
	Kind      Kind
	Action    Action
}

// Decision is the engine's answer. Reason is set on every DENY so clients
// can branch without reading Message.
type Decision struct {
	Outcome          Outcome     `json:"outcome"`
	Reason           apperr.Code `json:"reason,omitempty"`
	Message          string      `json:"message"`
	View             View        `json:"view,omitempty"`
	VisibleRecordIDs []uuid.UUID `json:"visibleRecordIds,omitempty"`
	HiddenCount      int         `json:"hiddenCount,omitempty"`
}

func (d Decision) Allowed() bool {
	return d.Outcome == Allow || d.Outcome == Partial
}

// Err converts a DENY into its tagged error.
func (d Decision) Err() error {
	if d.Allowed() {
		return nil
	}
	return apperr.New(d.Reason, d.Message)
}

// RecordRef is the non-PHI index entry the engine filters on.
type RecordRef struct {
	ID        uuid.UUID
	Type      RecordType
	CreatedAt time.Time
}
