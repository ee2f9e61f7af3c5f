package deletion

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medvault/medvault/internal/domain/audit"
	"github.com/medvault/medvault/internal/platform/apperr"
	"github.com/medvault/medvault/internal/platform/auth"
	"github.com/medvault/medvault/internal/platform/db"
	"github.com/medvault/medvault/internal/platform/hipaa"
	"github.com/medvault/medvault/internal/platform/metrics"
	"github.com/medvault/medvault/internal/platform/notification"
)

// systemActor is recorded on transitions made by the sweep.
var systemActor = auth.Actor{UserID: "SYSTEM", Role: auth.Role("SYSTEM")}

type Users interface {
	SetAccountLocked(ctx context.Context, userID string, locked bool) error
	Anonymize(ctx context.Context, userID string, at time.Time) error
	Emails(ctx context.Context, userIDs []string) (map[string]string, error)
}

// MFA is the TOTP subsystem. VerifyCode fails INVALID_CODE on a mismatch.
type MFA interface {
	Enabled(ctx context.Context, userID string) (bool, error)
	VerifyCode(ctx context.Context, userID, code string) error
}

type ConsentCloser interface {
	CloseAllForPatient(ctx context.Context, actor auth.Actor, patientID string) (int, error)
}

// NotificationStore persists notifications in the caller's transaction.
type NotificationStore interface {
	Insert(ctx context.Context, ns ...notification.Notification) error
}

type Dispatcher interface {
	Dispatch(ns []notification.Notification)
	Redeliver(ctx context.Context, limit int) (int, error)
}

// FailureCounter tracks failed MFA attempts per user for anomaly detection.
type FailureCounter interface {
	Incr(ctx context.Context, subject string) (int64, error)
	Reset(ctx context.Context, subject string) error
}

type Config struct {
	Grace          time.Duration
	ReminderWindow time.Duration
	SweepBatch     int
}

func DefaultConfig() Config {
	return Config{Grace: 7 * 24 * time.Hour, ReminderWindow: 24 * time.Hour, SweepBatch: 100}
}

// Deps are the collaborators of the deletion workflow. Failures may be nil.
type Deps struct {
	Repo          Repository
	Tx            db.Transactor
	Users         Users
	MFA           MFA
	Consents      ConsentCloser
	Notifications NotificationStore
	Templates     *notification.TemplateEngine
	Dispatcher    Dispatcher
	Failures      FailureCounter
	Plan          hipaa.ErasurePlan
	Audit         audit.Emitter
	Metrics       *metrics.Metrics
}

// Service runs the deletion state machine
// PENDING_MFA -> MFA_VERIFIED -> CANCELLED | COMPLETED. Every transition is a
// version-checked update, so a cancel racing the sweep's finalize has exactly
// one winner.
type Service struct {
	Deps
	cfg Config
	now func() time.Time
	log zerolog.Logger
}

func NewService(deps Deps, cfg Config, log zerolog.Logger) *Service {
	return &Service{
		Deps: deps,
		cfg:  cfg,
		now:  time.Now,
		log:  log.With().Str("component", "deletion").Logger(),
	}
}

func (s *Service) record(ctx context.Context, actor auth.Actor, userID, action string, outcome audit.Outcome, reason string) {
	ev := audit.AccessEvent{
		ActorID:         actor.UserID,
		ActorRole:       string(actor.Role),
		TargetPatientID: userID,
		Resource:        audit.ResourceDeletion,
		Action:          action,
		Outcome:         outcome,
		Reason:          reason,
		OccurredAt:      s.now().UTC(),
	}
	db.AfterCommit(ctx, func() { s.Audit.Emit(ctx, ev) })
}

// notify stores notifications in the current transaction and hands them to
// the dispatcher once it commits.
func (s *Service) notify(ctx context.Context, r *Request, kind notification.Kind, channels ...notification.Channel) error {
	ns, err := s.Templates.Build(r.UserID, kind, map[string]string{
		"requested_at":   r.RequestedAt.Format(time.RFC1123),
		"scheduled_date": r.ScheduledDeletionDate.Format("2006-01-02 15:04 MST"),
	}, channels...)
	if err != nil {
		return err
	}
	if err := s.Notifications.Insert(ctx, ns...); err != nil {
		return err
	}
	db.AfterCommit(ctx, func() { s.Dispatcher.Dispatch(ns) })
	return nil
}

func (s *Service) transitioned(r *Request, name string) {
	s.Metrics.DeletionTransition(name)
	s.log.Info().
		Str("request_id", r.ID.String()).
		Str("user_id", r.UserID).
		Str("status", string(r.Status)).
		Msg("deletion request " + name)
}

// Initiate opens a deletion request. It requires MFA and at most one open
// request per user.
func (s *Service) Initiate(ctx context.Context, actor auth.Actor, deviceFingerprint *string) (*Request, error) {
	enabled, err := s.MFA.Enabled(ctx, actor.UserID)
	if err != nil {
		return nil, err
	}
	if !enabled {
		s.log.Debug().Str("user_id", actor.UserID).Msg("deletion refused: MFA not enabled")
		return nil, apperr.New(apperr.MFARequired, "multi-factor authentication must be enabled before requesting deletion")
	}

	now := s.now().UTC()
	r := &Request{
		ID:                    uuid.New(),
		UserID:                actor.UserID,
		Status:                StatusPendingMFA,
		RequestedAt:           now,
		ScheduledDeletionDate: now.Add(s.cfg.Grace),
		DeviceFingerprint:     deviceFingerprint,
	}
	err = s.Tx.InTx(ctx, func(ctx context.Context) error {
		existing, err := s.Repo.FindActive(ctx, actor.UserID)
		if err != nil {
			return err
		}
		if existing != nil {
			return apperr.New(apperr.ExistingRequest, "a deletion request is already in progress")
		}
		if err := s.Repo.Insert(ctx, r); err != nil {
			return err
		}
		s.record(ctx, actor, r.UserID, "INITIATE", audit.OutcomeSuccess, "")
		return s.notify(ctx, r, notification.KindDeletionConfirmRequested, notification.ChannelAuthenticator)
	})
	if err != nil {
		return nil, err
	}
	s.transitioned(r, "initiated")
	return r, nil
}

// VerifyMfa confirms a PENDING_MFA request with a TOTP code and locks the
// account. A wrong code changes nothing and is only counted.
func (s *Service) VerifyMfa(ctx context.Context, actor auth.Actor, code string, deviceFingerprint *string) (*Request, error) {
	r, err := s.Repo.FindActive(ctx, actor.UserID)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, apperr.New(apperr.NotFound, "no active deletion request")
	}
	if r.Status != StatusPendingMFA {
		return nil, apperr.New(apperr.InvalidState, "deletion request is already verified")
	}

	if err := s.MFA.VerifyCode(ctx, actor.UserID, code); err != nil {
		if apperr.CodeOf(err) == apperr.InvalidCode {
			s.mfaFailure(ctx, actor)
			return nil, apperr.New(apperr.InvalidCode, "invalid verification code")
		}
		return nil, err
	}

	now := s.now().UTC()
	r.Status = StatusMFAVerified
	r.MFAVerifiedAt = &now
	r.AccountLocked = true
	if deviceFingerprint != nil {
		r.DeviceFingerprint = deviceFingerprint
	}
	err = s.Tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.Repo.Transition(ctx, r, StatusPendingMFA); err != nil {
			if apperr.Is(err, apperr.Conflict) {
				return apperr.New(apperr.NotFound, "no active deletion request")
			}
			return err
		}
		if err := s.Users.SetAccountLocked(ctx, r.UserID, true); err != nil {
			return err
		}
		s.record(ctx, actor, r.UserID, "VERIFY_MFA", audit.OutcomeSuccess, "")
		return s.notify(ctx, r, notification.KindDeletionConfirmed, notification.ChannelInApp, notification.ChannelAuthenticator)
	})
	if err != nil {
		return nil, err
	}

	if s.Failures != nil {
		if err := s.Failures.Reset(ctx, actor.UserID); err != nil {
			s.log.Warn().Err(err).Str("user_id", actor.UserID).Msg("reset MFA failure counter")
		}
	}
	s.transitioned(r, "verified")
	return r, nil
}

func (s *Service) mfaFailure(ctx context.Context, actor auth.Actor) {
	s.Metrics.MFAFailure()
	s.Audit.Emit(ctx, audit.AccessEvent{
		ActorID:         actor.UserID,
		ActorRole:       string(actor.Role),
		TargetPatientID: actor.UserID,
		Resource:        audit.ResourceDeletion,
		Action:          "VERIFY_MFA",
		Outcome:         audit.OutcomeDenied,
		Reason:          string(apperr.InvalidCode),
		OccurredAt:      s.now().UTC(),
	})

	ev := s.log.Warn().Str("user_id", actor.UserID)
	if s.Failures != nil {
		n, err := s.Failures.Incr(ctx, actor.UserID)
		if err != nil {
			s.log.Error().Err(err).Str("user_id", actor.UserID).Msg("count MFA failure")
		} else {
			ev = ev.Int64("failures_in_window", n)
		}
	}
	ev.Msg("deletion MFA verification failed")
}

// Cancel withdraws the user's open request and unlocks the account.
func (s *Service) Cancel(ctx context.Context, actor auth.Actor) (*Request, error) {
	var r *Request
	err := s.Tx.InTx(ctx, func(ctx context.Context) error {
		var err error
		r, err = s.Repo.FindActive(ctx, actor.UserID)
		if err != nil {
			return err
		}
		if r == nil {
			return apperr.New(apperr.NotFound, "no active deletion request")
		}

		from := r.Status
		now := s.now().UTC()
		r.Status = StatusCancelled
		r.CancelledAt = &now
		r.AccountLocked = false
		if err := s.Repo.Transition(ctx, r, from); err != nil {
			if apperr.Is(err, apperr.Conflict) {
				return apperr.New(apperr.NotFound, "no active deletion request")
			}
			return err
		}
		if err := s.Users.SetAccountLocked(ctx, r.UserID, false); err != nil {
			return err
		}
		s.record(ctx, actor, r.UserID, "CANCEL", audit.OutcomeSuccess, "")
		return s.notify(ctx, r, notification.KindDeletionCancelled, notification.ChannelInApp, notification.ChannelAuthenticator)
	})
	if err != nil {
		return nil, err
	}
	s.transitioned(r, "cancelled")
	return r, nil
}

// Finalize completes the user's request if its grace period has passed.
func (s *Service) Finalize(ctx context.Context, userID string) (*Request, error) {
	r, err := s.Repo.FindActive(ctx, userID)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, apperr.New(apperr.NotFound, "no active deletion request")
	}
	if err := s.finalize(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

// finalize anonymizes the user's identity and closes their consents while
// keeping records, consent history and the audit trail.
func (s *Service) finalize(ctx context.Context, r *Request) error {
	now := s.now().UTC()
	if !r.Due(now) {
		return apperr.New(apperr.InvalidState, "deletion request is not due for finalization")
	}

	r.Status = StatusCompleted
	r.CompletedAt = &now
	err := s.Tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.Repo.Transition(ctx, r, StatusMFAVerified); err != nil {
			if apperr.Is(err, apperr.Conflict) {
				return apperr.New(apperr.InvalidState, "deletion request is no longer verified")
			}
			return err
		}
		if err := s.Repo.Scrub(ctx, r.ID, r.UserID, s.Plan.AnonymizedColumns("deletion_request")); err != nil {
			return err
		}
		r.DeviceFingerprint = nil
		if err := s.Users.Anonymize(ctx, r.UserID, now); err != nil {
			return err
		}
		closed, err := s.Consents.CloseAllForPatient(ctx, systemActor, r.UserID)
		if err != nil {
			return err
		}
		s.log.Debug().Str("user_id", r.UserID).Int("consents_closed", closed).Msg("consents closed for erased user")
		s.record(ctx, systemActor, r.UserID, "FINALIZE", audit.OutcomeSuccess, "")
		return s.notify(ctx, r, notification.KindDeletionCompleted, notification.ChannelAuthenticator)
	})
	if err != nil {
		r.Status = StatusMFAVerified
		r.CompletedAt = nil
		return err
	}
	s.transitioned(r, "completed")
	return nil
}

func (s *Service) Status(ctx context.Context, userID string) (*StatusView, error) {
	r, err := s.Repo.FindActive(ctx, userID)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return &StatusView{}, nil
	}
	return &StatusView{
		HasPendingDeletion:    true,
		RequestID:             &r.ID,
		Status:                &r.Status,
		DaysRemaining:         daysRemaining(r.ScheduledDeletionDate, s.now()),
		ScheduledDeletionDate: &r.ScheduledDeletionDate,
		MFAVerified:           r.MFAVerifiedAt != nil,
		AccountLocked:         r.AccountLocked,
	}, nil
}

// AdminPending lists every open request with the requester's email.
func (s *Service) AdminPending(ctx context.Context) ([]PendingItem, error) {
	open, err := s.Repo.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(open))
	for i, r := range open {
		ids[i] = r.UserID
	}
	emails, err := s.Users.Emails(ctx, ids)
	if err != nil {
		return nil, err
	}

	now := s.now()
	out := make([]PendingItem, len(open))
	for i, r := range open {
		out[i] = PendingItem{
			RequestID:             r.ID,
			UserID:                r.UserID,
			UserEmail:             emails[r.UserID],
			Status:                r.Status,
			RequestedAt:           r.RequestedAt,
			ScheduledDeletionDate: r.ScheduledDeletionDate,
			DaysRemaining:         daysRemaining(r.ScheduledDeletionDate, now),
			MFAVerified:           r.MFAVerifiedAt != nil,
		}
	}
	return out, nil
}

// RunSweep finalizes due requests, sends the one-time reminder ahead of the
// deadline and retries undelivered notifications. Each request is handled
// independently; one failure does not stop the pass.
func (s *Service) RunSweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	now := s.now().UTC()

	due, err := s.Repo.ListDue(ctx, now, s.cfg.SweepBatch)
	if err != nil {
		return res, err
	}
	for _, r := range due {
		if err := s.finalize(ctx, r); err != nil {
			if apperr.Is(err, apperr.InvalidState) {
				s.log.Info().Str("request_id", r.ID.String()).Msg("deletion request changed before finalization")
				continue
			}
			res.Failed++
			s.Metrics.DeletionTransition("finalize_failed")
			s.log.Error().Err(err).Str("request_id", r.ID.String()).Msg("finalize deletion request")
			continue
		}
		res.Finalized++
	}

	remind, err := s.Repo.ListReminderDue(ctx, now, now.Add(s.cfg.ReminderWindow), s.cfg.SweepBatch)
	if err != nil {
		return res, err
	}
	for _, r := range remind {
		sent, err := s.remind(ctx, r, now)
		if err != nil {
			s.log.Error().Err(err).Str("request_id", r.ID.String()).Msg("send deletion reminder")
			continue
		}
		if sent {
			res.Reminded++
		}
	}

	res.Redelivered, err = s.Dispatcher.Redeliver(ctx, s.cfg.SweepBatch)
	if err != nil {
		return res, err
	}

	if res.Finalized+res.Failed+res.Reminded+res.Redelivered > 0 {
		s.log.Info().
			Int("finalized", res.Finalized).
			Int("failed", res.Failed).
			Int("reminded", res.Reminded).
			Int("redelivered", res.Redelivered).
			Msg("deletion sweep complete")
	}
	return res, nil
}

func (s *Service) remind(ctx context.Context, r *Request, now time.Time) (bool, error) {
	r.ReminderSentAt = &now
	err := s.Tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.Repo.Transition(ctx, r, StatusMFAVerified); err != nil {
			return err
		}
		return s.notify(ctx, r, notification.KindDeletionReminder, notification.ChannelInApp, notification.ChannelAuthenticator)
	})
	if apperr.Is(err, apperr.Conflict) {
		return false, nil
	}
	return err == nil, err
}
