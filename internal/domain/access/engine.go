package access

import (
	"context"
	"sort"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/medvault/medvault/internal/domain/audit"
	"github.com/medvault/medvault/internal/domain/consent"
	"github.com/medvault/medvault/internal/platform/apperr"
	"github.com/medvault/medvault/internal/platform/auth"
	"github.com/medvault/medvault/internal/platform/metrics"
)

// summaryLimit is how many of the newest records a SUMMARY grant exposes.
const summaryLimit = 5

type ConsentLedger interface {
	ActiveConsent(ctx context.Context, actor auth.Actor, patientID, doctorID string) (*consent.Consent, error)
	ActivePeerGrant(ctx context.Context, actor auth.Actor, granteeID, patientID string) (*consent.PeerGrant, error)
}

type Directory interface {
	CareUnit(ctx context.Context, userID string) (string, error)
}

type RecordIndex interface {
	RecordRefs(ctx context.Context, patientID string) ([]RecordRef, error)
}

var nurseTypes = []RecordType{TypeVitals, TypeGeneral}

var scopeTypes = map[consent.Scope][]RecordType{
	consent.ScopeLabReports:    {TypeLabResult},
	consent.ScopePrescriptions: {TypePrescription},
	consent.ScopeRadiology:     {TypeImaging},
}

// Engine decides whether an actor may read or write a patient's records.
// Every call to Decide emits exactly one access event.
type Engine struct {
	ledger  ConsentLedger
	dir     Directory
	records RecordIndex
	audit   audit.Emitter
	m       *metrics.Metrics
	log     zerolog.Logger
}

func NewEngine(ledger ConsentLedger, dir Directory, records RecordIndex, emitter audit.Emitter, m *metrics.Metrics, log zerolog.Logger) *Engine {
	return &Engine{
		ledger:  ledger,
		dir:     dir,
		records: records,
		audit:   emitter,
		m:       m,
		log:     log.With().Str("component", "access").Logger(),
	}
}

func (e *Engine) Decide(ctx context.Context, req Request) (Decision, error) {
	d, err := e.evaluate(ctx, req)
	if err != nil {
		d = Decision{Outcome: Deny, Reason: apperr.Internal, Message: "access decision unavailable"}
		e.log.Error().Err(err).Str("actor_id", req.Actor.UserID).Str("patient_id", req.PatientID).Msg("access evaluation failed")
	}
	e.record(ctx, req, d)
	return d, err
}

func (e *Engine) record(ctx context.Context, req Request, d Decision) {
	outcome := audit.OutcomeSuccess
	if !d.Allowed() {
		outcome = audit.OutcomeDenied
	}
	e.audit.Emit(ctx, audit.AccessEvent{
		ActorID:         req.Actor.UserID,
		ActorRole:       string(req.Actor.Role),
		TargetPatientID: req.PatientID,
		Resource:        string(req.Kind),
		Action:          string(req.Action),
		Outcome:         outcome,
		Reason:          string(d.Reason),
	})
	e.m.AccessDecision(string(req.Actor.Role), string(d.Outcome), string(d.Reason))
	if !d.Allowed() {
		e.log.Debug().
			Str("actor_id", req.Actor.UserID).
			Str("patient_id", req.PatientID).
			Str("kind", string(req.Kind)).
			Str("reason", string(d.Reason)).
			Msg("access denied")
	}
}

func deny(reason apperr.Code, msg string) Decision {
	return Decision{Outcome: Deny, Reason: reason, Message: msg}
}

func allow(view View, msg string) Decision {
	return Decision{Outcome: Allow, View: view, Message: msg}
}

func (e *Engine) evaluate(ctx context.Context, req Request) (Decision, error) {
	if req.PatientID == "" || req.Actor.UserID == "" {
		return deny(apperr.ValidationFailed, "actor and patient are required"), nil
	}
	if _, ok := ParseKind(string(req.Kind)); !ok {
		return deny(apperr.ValidationFailed, "unknown resource kind"), nil
	}
	if req.Action != ActionRead && req.Action != ActionWrite {
		return deny(apperr.ValidationFailed, "unknown action"), nil
	}

	switch req.Actor.Role {
	case auth.RolePatient:
		return e.patient(req), nil
	case auth.RoleAdmin:
		return e.admin(req), nil
	case auth.RoleNurse:
		return e.nurse(ctx, req)
	case auth.RoleDoctor:
		return e.doctor(ctx, req)
	case auth.RoleLabTechnician:
		return e.labTechnician(req), nil
	default:
		return deny(apperr.RoleForbidden, "unknown role"), nil
	}
}

func (e *Engine) patient(req Request) Decision {
	if req.Actor.UserID != req.PatientID {
		return deny(apperr.NotOwner, "patients may only access their own records")
	}
	if req.Action == ActionWrite {
		return deny(apperr.RoleForbidden, "medical records are written by clinical staff")
	}
	if req.Kind == KindAggregateDeidentified {
		return deny(apperr.RoleForbidden, "aggregate views are for administrators")
	}
	return allow(ViewFull, "own records")
}

// admin may see operational metadata and de-identified aggregates, never
// clinical content.
func (e *Engine) admin(req Request) Decision {
	if req.Action == ActionRead {
		switch req.Kind {
		case KindMetadata:
			return allow(ViewMetadata, "metadata only")
		case KindAggregateDeidentified:
			return allow(ViewAggregate, "de-identified aggregates only")
		}
	}
	return deny(apperr.RoleForbidden, "administrators cannot access clinical content")
}

func (e *Engine) nurse(ctx context.Context, req Request) (Decision, error) {
	switch req.Kind {
	case KindVitals, KindCareNote, KindGeneral:
	case KindAll:
		if req.Action == ActionWrite {
			return deny(apperr.RoleForbidden, "nurses write vitals and care notes only"), nil
		}
	default:
		return deny(apperr.RoleForbidden, "nurses may access vitals and care notes only"), nil
	}

	inUnit, err := e.sameUnit(ctx, req.Actor.UserID, req.PatientID)
	if err != nil {
		return Decision{}, err
	}
	if !inUnit {
		return deny(apperr.NotInUnit, "patient is not under the nurse's care unit"), nil
	}

	if req.Action == ActionWrite {
		return allow(ViewWrite, "care unit write"), nil
	}
	if req.Kind != KindAll {
		return allow(ViewFull, "care unit access"), nil
	}

	refs, err := e.records.RecordRefs(ctx, req.PatientID)
	if err != nil {
		return Decision{}, err
	}
	visible := lo.Filter(refs, func(r RecordRef, _ int) bool {
		return lo.Contains(nurseTypes, r.Type)
	})
	return partial(refs, visible, "vitals and care notes only"), nil
}

// sameUnit is true when the patient has no care unit or shares the nurse's.
func (e *Engine) sameUnit(ctx context.Context, nurseID, patientID string) (bool, error) {
	patientUnit, err := e.dir.CareUnit(ctx, patientID)
	if err != nil {
		if apperr.Is(err, apperr.NotFound) {
			return false, nil
		}
		return false, err
	}
	if patientUnit == "" {
		return true, nil
	}
	nurseUnit, err := e.dir.CareUnit(ctx, nurseID)
	if err != nil {
		return false, err
	}
	return nurseUnit == patientUnit, nil
}

func (e *Engine) doctor(ctx context.Context, req Request) (Decision, error) {
	if req.Kind == KindAggregateDeidentified {
		return deny(apperr.RoleForbidden, "aggregate views are for administrators"), nil
	}

	direct, err := e.ledger.ActiveConsent(ctx, req.Actor, req.PatientID, req.Actor.UserID)
	if err != nil {
		return Decision{}, err
	}
	if direct != nil {
		if req.Action == ActionWrite {
			return allow(ViewWrite, "consented write"), nil
		}
		return allow(ViewFull, "patient consent granted"), nil
	}
	if req.Action == ActionWrite {
		return deny(apperr.ConsentRequired, "writing requires the patient's consent"), nil
	}

	grant, err := e.ledger.ActivePeerGrant(ctx, req.Actor, req.Actor.UserID, req.PatientID)
	if err != nil {
		return Decision{}, err
	}
	if grant == nil {
		return deny(apperr.ConsentRequired, "patient consent is required"), nil
	}

	refs, err := e.records.RecordRefs(ctx, req.PatientID)
	if err != nil {
		return Decision{}, err
	}
	inKind := filterKind(refs, req.Kind)
	visible := filterKind(scopeFilter(refs, grant.Scope), req.Kind)
	return partial(inKind, visible, "shared by "+grant.GrantorID+" with scope "+string(grant.Scope)), nil
}

func (e *Engine) labTechnician(req Request) Decision {
	if req.Action == ActionWrite && req.Kind == KindLabResult {
		return allow(ViewWrite, "lab result entry")
	}
	return deny(apperr.RoleForbidden, "lab technicians may only create lab results")
}

// scopeFilter applies a peer grant's scope: SUMMARY is the newest records of
// any type, FULL is everything, the rest select one record type.
func scopeFilter(refs []RecordRef, scope consent.Scope) []RecordRef {
	switch scope {
	case consent.ScopeFull:
		return refs
	case consent.ScopeSummary:
		sorted := append([]RecordRef(nil), refs...)
		sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].CreatedAt.After(sorted[j].CreatedAt) })
		if len(sorted) > summaryLimit {
			sorted = sorted[:summaryLimit]
		}
		return sorted
	}
	types, ok := scopeTypes[scope]
	if !ok {
		return nil
	}
	return lo.Filter(refs, func(r RecordRef, _ int) bool {
		return lo.Contains(types, r.Type)
	})
}

func filterKind(refs []RecordRef, k Kind) []RecordRef {
	types := k.RecordTypes()
	if types == nil {
		return refs
	}
	return lo.Filter(refs, func(r RecordRef, _ int) bool {
		return lo.Contains(types, r.Type)
	})
}

func partial(all, visible []RecordRef, msg string) Decision {
	ids := lo.Map(visible, func(r RecordRef, _ int) uuid.UUID { return r.ID })
	return Decision{
		Outcome:          Partial,
		View:             ViewFiltered,
		Message:          msg,
		VisibleRecordIDs: ids,
		HiddenCount:      len(all) - len(ids),
	}
}
