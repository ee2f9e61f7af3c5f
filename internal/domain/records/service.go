package records

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medvault/medvault/internal/domain/access"
	"github.com/medvault/medvault/internal/platform/apperr"
	"github.com/medvault/medvault/internal/platform/auth"
)

// Decider is the access decision engine.
type Decider interface {
	Decide(ctx context.Context, req access.Request) (access.Decision, error)
}

type LockChecker interface {
	IsLocked(ctx context.Context, userID string) (bool, error)
}

// Service reads and writes medical records. Every operation is decided by
// the access engine first.
type Service struct {
	repo   Repository
	engine Decider
	users  LockChecker
	now    func() time.Time
	log    zerolog.Logger
}

func NewService(repo Repository, engine Decider, users LockChecker, log zerolog.Logger) *Service {
	return &Service{
		repo:   repo,
		engine: engine,
		users:  users,
		now:    time.Now,
		log:    log.With().Str("component", "records").Logger(),
	}
}

func (s *Service) decide(ctx context.Context, actor auth.Actor, patientID string, kind access.Kind, action access.Action) (access.Decision, error) {
	d, err := s.engine.Decide(ctx, access.Request{Actor: actor, PatientID: patientID, Kind: kind, Action: action})
	if err != nil {
		return d, err
	}
	return d, d.Err()
}

func (s *Service) Create(ctx context.Context, actor auth.Actor, in NewRecord) (*Record, error) {
	if !actor.Role.IsClinical() {
		return nil, apperr.New(apperr.RoleForbidden, "only clinical staff create medical records")
	}
	if err := in.normalize(); err != nil {
		return nil, err
	}
	if _, err := s.decide(ctx, actor, in.PatientID, access.KindOf(in.Type), access.ActionWrite); err != nil {
		return nil, err
	}

	// Early refusal; Insert re-checks atomically.
	locked, err := s.users.IsLocked(ctx, in.PatientID)
	if err != nil {
		return nil, err
	}
	if locked {
		return nil, apperr.New(apperr.AccountLocked, "patient account is locked pending deletion")
	}

	rec := &Record{
		ID:           uuid.New(),
		PatientID:    in.PatientID,
		CreatedBy:    actor.UserID,
		Type:         in.Type,
		Title:        in.Title,
		Diagnosis:    in.Diagnosis,
		Details:      in.Details,
		Prescription: in.Prescription,
		CreatedAt:    s.now().UTC(),
	}
	if err := s.repo.Insert(ctx, rec); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("record_id", rec.ID.String()).
		Str("record_type", string(rec.Type)).
		Str("created_by", actor.UserID).
		Msg("medical record created")
	return rec, nil
}

// ListForActor returns what actor may see of a patient's records of kind.
func (s *Service) ListForActor(ctx context.Context, actor auth.Actor, patientID string, kind access.Kind) (*Listing, error) {
	if kind == access.KindAggregateDeidentified {
		return nil, apperr.New(apperr.ValidationFailed, "aggregates are served by the stats endpoint")
	}
	d, err := s.decide(ctx, actor, patientID, kind, access.ActionRead)
	if err != nil {
		return nil, err
	}

	out := &Listing{PatientID: patientID, Outcome: d.Outcome, View: d.View, Message: d.Message}
	switch d.View {
	case access.ViewMetadata:
		all, err := s.repo.ListByPatient(ctx, patientID, nil)
		if err != nil {
			return nil, err
		}
		out.Metadata = make([]Metadata, len(all))
		for i, r := range all {
			out.Metadata[i] = r.metadata()
		}
	case access.ViewFiltered:
		all, err := s.repo.ListByPatient(ctx, patientID, kind.RecordTypes())
		if err != nil {
			return nil, err
		}
		visible := make(map[uuid.UUID]bool, len(d.VisibleRecordIDs))
		for _, id := range d.VisibleRecordIDs {
			visible[id] = true
		}
		out.Records = []Record{}
		for _, r := range all {
			if visible[r.ID] {
				out.Records = append(out.Records, r)
			}
		}
		out.HiddenCount = len(all) - len(out.Records)
	default:
		out.Records, err = s.repo.ListByPatient(ctx, patientID, kind.RecordTypes())
		if err != nil {
			return nil, err
		}
		if out.Records == nil {
			out.Records = []Record{}
		}
	}
	return out, nil
}

// AggregateStats returns de-identified counts over every patient.
func (s *Service) AggregateStats(ctx context.Context, actor auth.Actor) (*Stats, error) {
	if _, err := s.decide(ctx, actor, access.AllPatients, access.KindAggregateDeidentified, access.ActionRead); err != nil {
		return nil, err
	}
	return s.repo.Stats(ctx)
}
