package consent

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/medvault/medvault/internal/domain/audit"
	"github.com/medvault/medvault/internal/platform/apperr"
	"github.com/medvault/medvault/internal/platform/auth"
)

// GrantPeer lets a doctor holding active consent delegate scoped read access
// for the patient to a colleague. A nil ttl means the grant lasts as long as
// the grantor's consent.
func (s *Service) GrantPeer(ctx context.Context, actor auth.Actor, granteeID, patientID string, scope Scope, expiresInDays *int) (*PeerGrant, error) {
	if actor.Role != auth.RoleDoctor {
		return nil, apperr.New(apperr.RoleForbidden, "only doctors may share access")
	}
	if !scope.Valid() {
		return nil, apperr.Newf(apperr.ValidationFailed, "unknown accessScope %q", scope)
	}
	if !auth.ValidUserID(granteeID, auth.RoleDoctor) || granteeID == actor.UserID {
		return nil, apperr.New(apperr.ValidationFailed, "granteeId must be another doctor")
	}
	if expiresInDays != nil && (*expiresInDays < 1 || *expiresInDays > MaxExpiryDays) {
		return nil, apperr.Newf(apperr.ValidationFailed, "expiresInDays must be between 1 and %d", MaxExpiryDays)
	}

	var created *PeerGrant
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		active, err := s.ActiveConsent(ctx, actor, patientID, actor.UserID)
		if err != nil {
			return err
		}
		if active == nil {
			return s.deny(ctx, actor, patientID, audit.ResourcePeerGrant, "GRANT_PEER",
				apperr.New(apperr.ConsentRequired, "sharing requires your own active consent"))
		}

		now := s.now().UTC()
		if existing, err := s.repo.FindActivePeer(ctx, patientID, granteeID); err != nil {
			return err
		} else if existing != nil {
			if !existing.lapsedAt(now) {
				return apperr.New(apperr.AlreadyGranted, "colleague already holds an active grant for this patient")
			}
			if err := s.expirePeer(ctx, actor, existing, now); err != nil {
				return err
			}
		}

		g := &PeerGrant{
			ID:        uuid.New(),
			PatientID: patientID,
			GrantorID: actor.UserID,
			GranteeID: granteeID,
			Scope:     scope,
			Status:    PeerActive,
			CreatedAt: now,
		}
		if expiresInDays != nil {
			exp := now.AddDate(0, 0, *expiresInDays)
			g.ExpiresAt = &exp
		}
		if err := s.repo.InsertPeer(ctx, g); err != nil {
			return err
		}
		s.record(ctx, actor, patientID, audit.ResourcePeerGrant, "GRANT_PEER", audit.OutcomeSuccess, string(scope))
		created = g
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info().Str("grant_id", created.ID.String()).Str("scope", string(scope)).Msg("peer grant issued")
	return created, nil
}

// RevokePeer ends a peer grant. The grantor or the patient may revoke it.
func (s *Service) RevokePeer(ctx context.Context, actor auth.Actor, id uuid.UUID) (*PeerGrant, error) {
	var out *PeerGrant
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		g, err := s.repo.GetPeer(ctx, id)
		if err != nil {
			return err
		}
		if actor.UserID != g.GrantorID && actor.UserID != g.PatientID {
			return s.deny(ctx, actor, g.PatientID, audit.ResourcePeerGrant, "REVOKE_PEER",
				apperr.New(apperr.NotOwner, "only the grantor or the patient may revoke this grant"))
		}
		if g.Status != PeerActive {
			return apperr.Newf(apperr.NotGranted, "peer grant is %s", g.Status)
		}
		g.Status = PeerRevoked
		if err := s.repo.TransitionPeer(ctx, g, PeerActive, s.now().UTC()); err != nil {
			if apperr.Is(err, apperr.Conflict) {
				return apperr.New(apperr.NotGranted, "peer grant was changed concurrently")
			}
			return err
		}
		s.record(ctx, actor, g.PatientID, audit.ResourcePeerGrant, "REVOKE_PEER", audit.OutcomeSuccess, "")
		out = g
		return nil
	})
	return out, err
}

// ActivePeerGrant returns the grantee's usable grant on the patient, or nil.
// A grant is usable only while its grantor still holds active consent.
func (s *Service) ActivePeerGrant(ctx context.Context, actor auth.Actor, granteeID, patientID string) (*PeerGrant, error) {
	var out *PeerGrant
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		g, err := s.repo.FindActivePeer(ctx, patientID, granteeID)
		if err != nil || g == nil {
			return err
		}
		now := s.now().UTC()
		if g.lapsedAt(now) {
			return s.expirePeer(ctx, actor, g, now)
		}
		grantor, err := s.ActiveConsent(ctx, actor, patientID, g.GrantorID)
		if err != nil || grantor == nil {
			return err
		}
		out = g
		return nil
	})
	return out, err
}

// ListPeerGrants returns grants on the patient for patients, and grants the
// doctor issued or received for doctors.
func (s *Service) ListPeerGrants(ctx context.Context, actor auth.Actor) ([]*PeerGrant, error) {
	switch actor.Role {
	case auth.RolePatient:
		return s.repo.ListPeers(ctx, PeerFilter{PatientID: actor.UserID})
	case auth.RoleDoctor:
		return s.repo.ListPeers(ctx, PeerFilter{PartyID: actor.UserID})
	default:
		return nil, apperr.New(apperr.RoleForbidden, "peer grants are visible to doctors and patients only")
	}
}

func (s *Service) expirePeer(ctx context.Context, actor auth.Actor, g *PeerGrant, now time.Time) error {
	g.Status = PeerExpired
	if err := s.repo.TransitionPeer(ctx, g, PeerActive, now); err != nil {
		if apperr.Is(err, apperr.Conflict) {
			return nil
		}
		return err
	}
	s.record(ctx, actor, g.PatientID, audit.ResourcePeerGrant, "EXPIRE", audit.OutcomeSuccess, "")
	return nil
}

func (s *Service) revokePeersFrom(ctx context.Context, actor auth.Actor, patientID, grantorID string, now time.Time) error {
	peers, err := s.repo.ListPeers(ctx, PeerFilter{PatientID: patientID, PartyID: grantorID})
	if err != nil {
		return err
	}
	for _, g := range peers {
		if g.Status != PeerActive || g.GrantorID != grantorID {
			continue
		}
		g.Status = PeerRevoked
		if err := s.repo.TransitionPeer(ctx, g, PeerActive, now); err != nil {
			return err
		}
		s.record(ctx, actor, patientID, audit.ResourcePeerGrant, "REVOKE_PEER", audit.OutcomeSuccess, "")
	}
	return nil
}
