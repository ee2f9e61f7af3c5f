package consent

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/medvault/medvault/internal/platform/apperr"
	"github.com/medvault/medvault/internal/platform/auth"
	"github.com/medvault/medvault/internal/platform/db"
)

var (
	doctor2  = auth.Actor{UserID: "D002", Role: auth.RoleDoctor}
	doctor3  = auth.Actor{UserID: "D003", Role: auth.RoleDoctor}
	patient5 = auth.Actor{UserID: "P005", Role: auth.RolePatient}
	patient6 = auth.Actor{UserID: "P006", Role: auth.RolePatient}
)

type fixture struct {
	svc   *Service
	repo  *mockRepo
	audit *recordingEmitter
	locks stubLocks
	clock time.Time
}

func newFixture() *fixture {
	f := &fixture{
		repo:  newMockRepo(),
		audit: &recordingEmitter{},
		locks: stubLocks{},
		clock: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC),
	}
	f.svc = NewService(f.repo, db.NoopTransactor{}, f.locks, f.audit, zerolog.Nop())
	f.svc.now = func() time.Time { return f.clock }
	return f
}

func (f *fixture) grant(t *testing.T, doctor auth.Actor, patient auth.Actor, days *int) *Consent {
	t.Helper()
	c, err := f.svc.Request(context.Background(), doctor, patient.UserID)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	c, err = f.svc.Respond(context.Background(), patient, c.ID, DecisionGrant, days)
	if err != nil {
		t.Fatalf("grant: %v", err)
	}
	return c
}

func intPtr(i int) *int { return &i }

func TestRequest_DuplicatePending(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	if _, err := f.svc.Request(ctx, doctor2, "P005"); err != nil {
		t.Fatalf("first request: %v", err)
	}
	_, err := f.svc.Request(ctx, doctor2, "P005")
	if apperr.CodeOf(err) != apperr.DuplicatePending {
		t.Fatalf("expected DUPLICATE_PENDING, got %v", err)
	}
	if n := len(f.repo.rowsFor("P005", "D002")); n != 1 {
		t.Errorf("expected exactly one row, got %d", n)
	}
}

func TestRequest_ConcurrentSamePair(t *testing.T) {
	f := newFixture()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Request(context.Background(), doctor2, "P005")
			if err == nil {
				mu.Lock()
				success++
				mu.Unlock()
			} else if apperr.CodeOf(err) != apperr.DuplicatePending {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if success != 1 {
		t.Errorf("expected one successful request, got %d", success)
	}
	if n := len(f.repo.rowsFor("P005", "D002")); n != 1 {
		t.Errorf("expected exactly one row, got %d", n)
	}
}

func TestRequest_Validation(t *testing.T) {
	f := newFixture()
	f.locks["P009"] = true
	ctx := context.Background()

	tests := []struct {
		name    string
		actor   auth.Actor
		patient string
		want    apperr.Code
	}{
		{"nurse", auth.Actor{UserID: "N001", Role: auth.RoleNurse}, "P005", apperr.RoleForbidden},
		{"not a patient id", doctor2, "D003", apperr.ValidationFailed},
		{"locked patient", doctor2, "P009", apperr.AccountLocked},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Request(ctx, tt.actor, tt.patient)
			if apperr.CodeOf(err) != tt.want {
				t.Errorf("expected %s, got %v", tt.want, err)
			}
		})
	}
}

func TestGrantRevokeRerequest(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	c := f.grant(t, doctor2, patient5, nil)
	if c.Status != StatusGranted || c.RespondedAt == nil {
		t.Fatalf("expected GRANTED with respondedAt, got %+v", c)
	}
	if _, err := f.svc.Request(ctx, doctor2, "P005"); apperr.CodeOf(err) != apperr.AlreadyGranted {
		t.Errorf("expected ALREADY_GRANTED, got %v", err)
	}

	revoked, err := f.svc.Revoke(ctx, patient5, c.ID)
	if err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if revoked.Status != StatusRevoked {
		t.Errorf("expected REVOKED, got %s", revoked.Status)
	}

	again, err := f.svc.Request(ctx, doctor2, "P005")
	if err != nil {
		t.Fatalf("re-request after revoke: %v", err)
	}
	if again.Status != StatusPending || again.ID == c.ID {
		t.Errorf("expected new PENDING row, got %+v", again)
	}
	if n := len(f.repo.rowsFor("P005", "D002")); n != 2 {
		t.Errorf("expected two rows, got %d", n)
	}

	want := []string{"REQUEST:SUCCESS", "GRANT:SUCCESS", "REVOKE:SUCCESS", "REQUEST:SUCCESS"}
	got := f.audit.actions()
	if len(got) != len(want) {
		t.Fatalf("expected events %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestRespond_Errors(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	c, _ := f.svc.Request(ctx, doctor2, "P005")

	if _, err := f.svc.Respond(ctx, patient6, c.ID, DecisionGrant, nil); apperr.CodeOf(err) != apperr.NotOwner {
		t.Errorf("expected NOT_OWNER, got %v", err)
	}
	if got := f.audit.actions(); got[len(got)-1] != "GRANT:DENIED" {
		t.Errorf("expected denied grant to be audited, got %v", got)
	}
	if _, err := f.svc.Respond(ctx, doctor2, c.ID, DecisionGrant, nil); apperr.CodeOf(err) != apperr.RoleForbidden {
		t.Errorf("expected ROLE_FORBIDDEN, got %v", err)
	}
	if _, err := f.svc.Respond(ctx, patient5, c.ID, DecisionDeny, intPtr(3)); apperr.CodeOf(err) != apperr.ValidationFailed {
		t.Errorf("expected VALIDATION_FAILED for deny with expiry, got %v", err)
	}
	if _, err := f.svc.Respond(ctx, patient5, c.ID, DecisionGrant, intPtr(0)); apperr.CodeOf(err) != apperr.ValidationFailed {
		t.Errorf("expected VALIDATION_FAILED for zero days, got %v", err)
	}
	if _, err := f.svc.Revoke(ctx, patient5, c.ID); apperr.CodeOf(err) != apperr.NotGranted {
		t.Errorf("expected NOT_GRANTED revoking a pending consent, got %v", err)
	}

	if _, err := f.svc.Respond(ctx, patient5, c.ID, DecisionDeny, nil); err != nil {
		t.Fatalf("deny: %v", err)
	}
	if _, err := f.svc.Respond(ctx, patient5, c.ID, DecisionGrant, nil); apperr.CodeOf(err) != apperr.InvalidState {
		t.Errorf("expected INVALID_STATE on denied consent, got %v", err)
	}
}

func TestDeniedConsentStaysInactive(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	c, _ := f.svc.Request(ctx, doctor2, "P005")
	if _, err := f.svc.Respond(ctx, patient5, c.ID, DecisionDeny, nil); err != nil {
		t.Fatalf("deny: %v", err)
	}

	ok, open, err := f.svc.Check(ctx, doctor2, "P005", "D002")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if ok || open != nil {
		t.Errorf("expected no active consent after deny, got %v %+v", ok, open)
	}
}

func TestLazyExpiry(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	c := f.grant(t, doctor2, patient5, intPtr(30))

	ok, _, _ := f.svc.Check(ctx, doctor2, "P005", "D002")
	if !ok {
		t.Fatal("expected consent active before expiry")
	}

	f.clock = f.clock.AddDate(0, 0, 31)
	if stored := f.repo.consents[c.ID].Status; stored != StatusGranted {
		t.Fatalf("expected stored status still GRANTED before read, got %s", stored)
	}
	ok, _, err := f.svc.Check(ctx, doctor2, "P005", "D002")
	if err != nil || ok {
		t.Fatalf("expected inactive after expiry, got %v %v", ok, err)
	}
	if stored := f.repo.consents[c.ID].Status; stored != StatusExpired {
		t.Errorf("expected stored status EXPIRED after read, got %s", stored)
	}

	if _, err := f.svc.Request(ctx, doctor2, "P005"); err != nil {
		t.Errorf("expected re-request after expiry to succeed, got %v", err)
	}
}

func TestRevoke_LapsedConsent(t *testing.T) {
	f := newFixture()
	c := f.grant(t, doctor2, patient5, intPtr(1))
	f.clock = f.clock.Add(48 * time.Hour)

	if _, err := f.svc.Revoke(context.Background(), patient5, c.ID); apperr.CodeOf(err) != apperr.NotGranted {
		t.Errorf("expected NOT_GRANTED, got %v", err)
	}
	if stored := f.repo.consents[c.ID].Status; stored != StatusExpired {
		t.Errorf("expected lapsed consent persisted as EXPIRED, got %s", stored)
	}
}

func TestListActive_FiltersLapsed(t *testing.T) {
	f := newFixture()
	f.grant(t, doctor2, patient5, intPtr(1))
	f.grant(t, doctor3, patient5, nil)
	f.clock = f.clock.Add(36 * time.Hour)

	active, err := f.svc.ListActive(context.Background(), patient5, "P005")
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(active) != 1 || active[0].DoctorID != "D003" {
		t.Errorf("expected only D003 active, got %+v", active)
	}
}

func TestPeerGrant_Lifecycle(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	if _, err := f.svc.GrantPeer(ctx, doctor2, "D003", "P005", ScopeLabReports, nil); apperr.CodeOf(err) != apperr.ConsentRequired {
		t.Fatalf("expected CONSENT_REQUIRED without own consent, got %v", err)
	}

	c := f.grant(t, doctor2, patient5, nil)
	g, err := f.svc.GrantPeer(ctx, doctor2, "D003", "P005", ScopeLabReports, nil)
	if err != nil {
		t.Fatalf("grant peer: %v", err)
	}
	if _, err := f.svc.GrantPeer(ctx, doctor2, "D003", "P005", ScopeFull, nil); apperr.CodeOf(err) != apperr.AlreadyGranted {
		t.Errorf("expected ALREADY_GRANTED, got %v", err)
	}

	active, err := f.svc.ActivePeerGrant(ctx, doctor3, "D003", "P005")
	if err != nil || active == nil || active.Scope != ScopeLabReports {
		t.Fatalf("expected active LAB_REPORTS grant, got %+v %v", active, err)
	}

	if _, err := f.svc.RevokePeer(ctx, patient6, g.ID); apperr.CodeOf(err) != apperr.NotOwner {
		t.Errorf("expected NOT_OWNER for unrelated patient, got %v", err)
	}

	if _, err := f.svc.Revoke(ctx, patient5, c.ID); err != nil {
		t.Fatalf("revoke consent: %v", err)
	}
	if f.repo.peers[g.ID].Status != PeerRevoked {
		t.Error("expected peer grant revoked with grantor consent")
	}
	if active, _ := f.svc.ActivePeerGrant(ctx, doctor3, "D003", "P005"); active != nil {
		t.Error("expected no active grant after revocation")
	}
}

func TestPeerGrant_ExpiresAndRequiresGrantorConsent(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.grant(t, doctor2, patient5, intPtr(10))

	g, err := f.svc.GrantPeer(ctx, doctor2, "D003", "P005", ScopeSummary, intPtr(1))
	if err != nil {
		t.Fatalf("grant peer: %v", err)
	}

	f.clock = f.clock.Add(25 * time.Hour)
	if active, _ := f.svc.ActivePeerGrant(ctx, doctor3, "D003", "P005"); active != nil {
		t.Error("expected lapsed peer grant to be inactive")
	}
	if f.repo.peers[g.ID].Status != PeerExpired {
		t.Errorf("expected EXPIRED, got %s", f.repo.peers[g.ID].Status)
	}

	if _, err := f.svc.GrantPeer(ctx, doctor2, "D003", "P005", ScopeFull, nil); err != nil {
		t.Fatalf("re-grant: %v", err)
	}
	f.clock = f.clock.AddDate(0, 0, 10)
	if active, _ := f.svc.ActivePeerGrant(ctx, doctor3, "D003", "P005"); active != nil {
		t.Error("expected grant unusable once grantor consent expired")
	}
}

func TestPeerGrant_Validation(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	tests := []struct {
		name    string
		actor   auth.Actor
		grantee string
		scope   Scope
		days    *int
		want    apperr.Code
	}{
		{"patient", patient5, "D003", ScopeFull, nil, apperr.RoleForbidden},
		{"bad scope", doctor2, "D003", "EVERYTHING", nil, apperr.ValidationFailed},
		{"self", doctor2, "D002", ScopeFull, nil, apperr.ValidationFailed},
		{"nurse grantee", doctor2, "N001", ScopeFull, nil, apperr.ValidationFailed},
		{"zero days", doctor2, "D003", ScopeFull, intPtr(0), apperr.ValidationFailed},
		{"past max days", doctor2, "D003", ScopeFull, intPtr(MaxExpiryDays + 1), apperr.ValidationFailed},
		{"far future", doctor2, "D003", ScopeFull, intPtr(213504), apperr.ValidationFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.GrantPeer(ctx, tt.actor, tt.grantee, "P005", tt.scope, tt.days)
			if apperr.CodeOf(err) != tt.want {
				t.Errorf("expected %s, got %v", tt.want, err)
			}
		})
	}
}

func TestCloseAllForPatient(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.grant(t, doctor2, patient5, nil)
	pending, _ := f.svc.Request(ctx, doctor3, "P005")
	if _, err := f.svc.GrantPeer(ctx, doctor2, "D004", "P005", ScopeFull, nil); err != nil {
		t.Fatalf("grant peer: %v", err)
	}
	other := f.grant(t, doctor2, patient6, nil)

	system := auth.Actor{UserID: "system", Role: auth.RoleAdmin}
	n, err := f.svc.CloseAllForPatient(ctx, system, "P005")
	if err != nil {
		t.Fatalf("close all: %v", err)
	}
	if n != 3 {
		t.Errorf("expected 3 closed rows, got %d", n)
	}
	if f.repo.consents[pending.ID].Status != StatusDenied {
		t.Errorf("expected pending consent DENIED, got %s", f.repo.consents[pending.ID].Status)
	}
	for _, c := range f.repo.rowsFor("P005", "D002") {
		if c.Status != StatusRevoked {
			t.Errorf("expected granted consent REVOKED, got %s", c.Status)
		}
	}
	if f.repo.consents[other.ID].Status != StatusGranted {
		t.Error("other patients' consents must be untouched")
	}
}

func TestListPeerGrants_Visibility(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.grant(t, doctor2, patient5, nil)
	if _, err := f.svc.GrantPeer(ctx, doctor2, "D003", "P005", ScopeRadiology, nil); err != nil {
		t.Fatalf("grant peer: %v", err)
	}

	for _, actor := range []auth.Actor{doctor2, doctor3, patient5} {
		gs, err := f.svc.ListPeerGrants(ctx, actor)
		if err != nil || len(gs) != 1 {
			t.Errorf("%s: expected 1 grant, got %d (%v)", actor.UserID, len(gs), err)
		}
	}
	if gs, _ := f.svc.ListPeerGrants(ctx, patient6); len(gs) != 0 {
		t.Errorf("expected no grants for unrelated patient, got %d", len(gs))
	}
	if _, err := f.svc.ListPeerGrants(ctx, auth.Actor{UserID: "A001", Role: auth.RoleAdmin}); apperr.CodeOf(err) != apperr.RoleForbidden {
		t.Errorf("expected ROLE_FORBIDDEN for admin, got %v", err)
	}
}
