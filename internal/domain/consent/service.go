package consent

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medvault/medvault/internal/domain/audit"
	"github.com/medvault/medvault/internal/platform/apperr"
	"github.com/medvault/medvault/internal/platform/auth"
	"github.com/medvault/medvault/internal/platform/db"
)

// LockChecker reports whether a user's account is locked pending deletion.
type LockChecker interface {
	IsLocked(ctx context.Context, userID string) (bool, error)
}

// Service is the consent ledger. Every status change emits an access event
// once the surrounding transaction commits.
type Service struct {
	repo  Repository
	tx    db.Transactor
	users LockChecker
	audit audit.Emitter
	now   func() time.Time
	log   zerolog.Logger
}

func NewService(repo Repository, tx db.Transactor, users LockChecker, emitter audit.Emitter, log zerolog.Logger) *Service {
	return &Service{
		repo:  repo,
		tx:    tx,
		users: users,
		audit: emitter,
		now:   time.Now,
		log:   log.With().Str("component", "consent").Logger(),
	}
}

func (s *Service) event(actor auth.Actor, patientID, resource, action string, outcome audit.Outcome, reason string) audit.AccessEvent {
	return audit.AccessEvent{
		ActorID:         actor.UserID,
		ActorRole:       string(actor.Role),
		TargetPatientID: patientID,
		Resource:        resource,
		Action:          action,
		Outcome:         outcome,
		Reason:          reason,
		OccurredAt:      s.now().UTC(),
	}
}

// record emits a transition event once the transaction in ctx commits.
func (s *Service) record(ctx context.Context, actor auth.Actor, patientID, resource, action string, outcome audit.Outcome, reason string) {
	ev := s.event(actor, patientID, resource, action, outcome, reason)
	db.AfterCommit(ctx, func() { s.audit.Emit(ctx, ev) })
}

// deny emits a refusal immediately, since the transaction will roll back.
func (s *Service) deny(ctx context.Context, actor auth.Actor, patientID, resource, action string, err *apperr.Error) error {
	s.audit.Emit(ctx, s.event(actor, patientID, resource, action, audit.OutcomeDenied, string(err.Code)))
	return err
}

// checkLocked must run inside the write's transaction so the patient row
// stays share-locked until commit.
func (s *Service) checkLocked(ctx context.Context, patientID string) error {
	locked, err := s.users.IsLocked(ctx, patientID)
	if err != nil {
		return err
	}
	if locked {
		return apperr.New(apperr.AccountLocked, "patient account is locked pending deletion")
	}
	return nil
}

// expireIfLapsed moves a GRANTED row past its expiry to EXPIRED. It reports
// whether the row is no longer active.
func (s *Service) expireIfLapsed(ctx context.Context, actor auth.Actor, c *Consent, now time.Time) (bool, error) {
	if !c.lapsedAt(now) {
		return false, nil
	}
	c.Status = StatusExpired
	if err := s.repo.Transition(ctx, c, StatusGranted); err != nil {
		if apperr.Is(err, apperr.Conflict) {
			return true, nil
		}
		return false, err
	}
	s.record(ctx, actor, c.PatientID, audit.ResourceConsent, "EXPIRE", audit.OutcomeSuccess, "")
	s.log.Info().Str("consent_id", c.ID.String()).Msg("consent expired")
	return true, nil
}

// Request opens a PENDING consent for the calling doctor.
func (s *Service) Request(ctx context.Context, actor auth.Actor, patientID string) (*Consent, error) {
	if actor.Role != auth.RoleDoctor {
		return nil, apperr.New(apperr.RoleForbidden, "only doctors may request consent")
	}
	if !auth.ValidUserID(patientID, auth.RolePatient) {
		return nil, apperr.New(apperr.ValidationFailed, "patientId must be a patient id")
	}

	var created *Consent
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.repo.LockPair(ctx, patientID, actor.UserID); err != nil {
			return err
		}
		if err := s.checkLocked(ctx, patientID); err != nil {
			return err
		}
		now := s.now().UTC()
		open, err := s.repo.FindOpen(ctx, patientID, actor.UserID)
		if err != nil {
			return err
		}
		if open != nil {
			switch {
			case open.Status == StatusPending:
				return apperr.New(apperr.DuplicatePending, "a consent request is already pending for this patient")
			case open.ActiveAt(now):
				return apperr.New(apperr.AlreadyGranted, "consent is already granted")
			}
			if _, err := s.expireIfLapsed(ctx, actor, open, now); err != nil {
				return err
			}
		}

		c := &Consent{
			ID:          uuid.New(),
			PatientID:   patientID,
			DoctorID:    actor.UserID,
			Status:      StatusPending,
			RequestedAt: now,
			UpdatedAt:   now,
		}
		if err := s.repo.Insert(ctx, c); err != nil {
			return err
		}
		s.record(ctx, actor, patientID, audit.ResourceConsent, "REQUEST", audit.OutcomeSuccess, "")
		created = c
		return nil
	})
	if err != nil {
		s.log.Debug().Str("doctor_id", actor.UserID).Str("code", string(apperr.CodeOf(err))).Msg("consent request refused")
		return nil, err
	}
	s.log.Info().Str("consent_id", created.ID.String()).Str("doctor_id", actor.UserID).Msg("consent requested")
	return created, nil
}

// Respond grants or denies a PENDING consent. Only the patient who owns the
// row may respond. expiresInDays applies to grants only.
func (s *Service) Respond(ctx context.Context, actor auth.Actor, id uuid.UUID, decision Decision, expiresInDays *int) (*Consent, error) {
	if actor.Role != auth.RolePatient {
		return nil, apperr.New(apperr.RoleForbidden, "only patients may respond to consent requests")
	}
	switch decision {
	case DecisionGrant, DecisionDeny:
	default:
		return nil, apperr.Newf(apperr.ValidationFailed, "unknown decision %q", decision)
	}
	if expiresInDays != nil {
		if decision != DecisionGrant {
			return nil, apperr.New(apperr.ValidationFailed, "expiresInDays applies to grants only")
		}
		if *expiresInDays < 1 || *expiresInDays > MaxExpiryDays {
			return nil, apperr.Newf(apperr.ValidationFailed, "expiresInDays must be between 1 and %d", MaxExpiryDays)
		}
	}

	var out *Consent
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		c, err := s.repo.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if c.PatientID != actor.UserID {
			return s.deny(ctx, actor, c.PatientID, audit.ResourceConsent, string(decision),
				apperr.New(apperr.NotOwner, "consent belongs to another patient"))
		}
		if c.Status != StatusPending {
			return apperr.Newf(apperr.InvalidState, "consent is %s", c.Status)
		}
		if decision == DecisionGrant {
			if err := s.checkLocked(ctx, actor.UserID); err != nil {
				return err
			}
		}

		now := s.now().UTC()
		c.RespondedAt = &now
		if decision == DecisionGrant {
			c.Status = StatusGranted
			if expiresInDays != nil {
				exp := now.AddDate(0, 0, *expiresInDays)
				c.ExpiresAt = &exp
			}
		} else {
			c.Status = StatusDenied
		}
		if err := s.repo.Transition(ctx, c, StatusPending); err != nil {
			if apperr.Is(err, apperr.Conflict) {
				return apperr.New(apperr.InvalidState, "consent was changed concurrently")
			}
			return err
		}
		s.record(ctx, actor, c.PatientID, audit.ResourceConsent, string(decision), audit.OutcomeSuccess, "")
		out = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info().Str("consent_id", out.ID.String()).Str("status", string(out.Status)).Msg("consent answered")
	return out, nil
}

// Revoke ends a GRANTED consent and every peer grant the doctor issued under
// it.
func (s *Service) Revoke(ctx context.Context, actor auth.Actor, id uuid.UUID) (*Consent, error) {
	if actor.Role != auth.RolePatient {
		return nil, apperr.New(apperr.RoleForbidden, "only patients may revoke consent")
	}

	var (
		out    *Consent
		lapsed bool
	)
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		c, err := s.repo.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if c.PatientID != actor.UserID {
			return s.deny(ctx, actor, c.PatientID, audit.ResourceConsent, "REVOKE",
				apperr.New(apperr.NotOwner, "consent belongs to another patient"))
		}
		now := s.now().UTC()
		if lapsed, err = s.expireIfLapsed(ctx, actor, c, now); err != nil || lapsed {
			return err
		}
		if c.Status != StatusGranted {
			return apperr.Newf(apperr.NotGranted, "consent is %s", c.Status)
		}

		c.Status = StatusRevoked
		if err := s.repo.Transition(ctx, c, StatusGranted); err != nil {
			if apperr.Is(err, apperr.Conflict) {
				return apperr.New(apperr.NotGranted, "consent was changed concurrently")
			}
			return err
		}
		s.record(ctx, actor, c.PatientID, audit.ResourceConsent, "REVOKE", audit.OutcomeSuccess, "")

		if err := s.revokePeersFrom(ctx, actor, c.PatientID, c.DoctorID, now); err != nil {
			return err
		}
		out = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	if lapsed {
		return nil, apperr.New(apperr.NotGranted, "consent has expired")
	}
	s.log.Info().Str("consent_id", out.ID.String()).Msg("consent revoked")
	return out, nil
}

func (s *Service) ListPending(ctx context.Context, patientID string) ([]*Consent, error) {
	return s.repo.ListByPatient(ctx, patientID, StatusPending)
}

// ListActive returns the patient's GRANTED consents that are still in force,
// expiring any that have lapsed.
func (s *Service) ListActive(ctx context.Context, actor auth.Actor, patientID string) ([]*Consent, error) {
	var out []*Consent
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		rows, err := s.repo.ListByPatient(ctx, patientID, StatusGranted)
		if err != nil {
			return err
		}
		now := s.now().UTC()
		for _, c := range rows {
			gone, err := s.expireIfLapsed(ctx, actor, c, now)
			if err != nil {
				return err
			}
			if !gone {
				out = append(out, c)
			}
		}
		return nil
	})
	return out, err
}

func (s *Service) ListForDoctor(ctx context.Context, doctorID string, limit, offset int) ([]*Consent, int, error) {
	return s.repo.ListByDoctor(ctx, doctorID, limit, offset)
}

// Check returns the open consent row for the pair after lazy expiry, and
// whether it currently authorizes access.
func (s *Service) Check(ctx context.Context, actor auth.Actor, patientID, doctorID string) (bool, *Consent, error) {
	var open *Consent
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		c, err := s.repo.FindOpen(ctx, patientID, doctorID)
		if err != nil || c == nil {
			return err
		}
		gone, err := s.expireIfLapsed(ctx, actor, c, s.now().UTC())
		if err != nil {
			return err
		}
		if !gone {
			open = c
		}
		return nil
	})
	if err != nil {
		return false, nil, err
	}
	return open != nil && open.ActiveAt(s.now().UTC()), open, nil
}

// ActiveConsent returns the pair's consent when it is GRANTED and unexpired,
// or nil.
func (s *Service) ActiveConsent(ctx context.Context, actor auth.Actor, patientID, doctorID string) (*Consent, error) {
	ok, c, err := s.Check(ctx, actor, patientID, doctorID)
	if err != nil || !ok {
		return nil, err
	}
	return c, nil
}

// CloseAllForPatient ends every open consent and peer grant on a patient.
// Deletion finalization calls it inside its own transaction.
func (s *Service) CloseAllForPatient(ctx context.Context, actor auth.Actor, patientID string) (int, error) {
	closed := 0
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		rows, err := s.repo.ListByPatient(ctx, patientID, StatusPending, StatusGranted)
		if err != nil {
			return err
		}
		now := s.now().UTC()
		for _, c := range rows {
			from := c.Status
			if from == StatusPending {
				c.Status = StatusDenied
				c.RespondedAt = &now
			} else {
				c.Status = StatusRevoked
			}
			if err := s.repo.Transition(ctx, c, from); err != nil {
				return err
			}
			s.record(ctx, actor, patientID, audit.ResourceConsent, "CLOSE", audit.OutcomeSuccess, "")
			closed++
		}

		peers, err := s.repo.ListPeers(ctx, PeerFilter{PatientID: patientID})
		if err != nil {
			return err
		}
		for _, g := range peers {
			if g.Status != PeerActive {
				continue
			}
			g.Status = PeerRevoked
			if err := s.repo.TransitionPeer(ctx, g, PeerActive, now); err != nil {
				return err
			}
			s.record(ctx, actor, patientID, audit.ResourcePeerGrant, "CLOSE", audit.OutcomeSuccess, "")
			closed++
		}
		return nil
	})
	return closed, err
}
