package deletion

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/medvault/medvault/internal/domain/audit"
	"github.com/medvault/medvault/internal/platform/apperr"
	"github.com/medvault/medvault/internal/platform/auth"
	"github.com/medvault/medvault/internal/platform/hipaa"
	"github.com/medvault/medvault/internal/platform/notification"
)

// mockRepo applies the same version and status check as the Postgres
// UPDATE, so concurrent transitions have a single winner.
type mockRepo struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*Request
}

func newMockRepo() *mockRepo {
	return &mockRepo{rows: make(map[uuid.UUID]*Request)}
}

func (m *mockRepo) Insert(_ context.Context, r *Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.rows {
		if row.UserID == r.UserID && !row.Status.Terminal() {
			return apperr.New(apperr.ExistingRequest, "a deletion request is already in progress")
		}
	}
	r.version = 1
	cp := *r
	m.rows[r.ID] = &cp
	return nil
}

func (m *mockRepo) FindActive(_ context.Context, userID string) (*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.rows {
		if row.UserID == userID && !row.Status.Terminal() {
			cp := *row
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *mockRepo) Transition(_ context.Context, r *Request, from Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[r.ID]
	if !ok || row.version != r.version || row.Status != from {
		return apperr.New(apperr.Conflict, "deletion request was modified concurrently")
	}
	r.version++
	cp := *r
	m.rows[r.ID] = &cp
	return nil
}

func (m *mockRepo) Scrub(_ context.Context, id uuid.UUID, _ string, cols []hipaa.Column) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range cols {
		if c.Key() == hipaa.DeletionDeviceFingerprint.Key() {
			m.rows[id].DeviceFingerprint = nil
		}
	}
	return nil
}

func (m *mockRepo) ListActive(_ context.Context) ([]*Request, error) {
	return m.filter(func(r *Request) bool { return !r.Status.Terminal() }, 0), nil
}

func (m *mockRepo) ListDue(_ context.Context, now time.Time, limit int) ([]*Request, error) {
	return m.filter(func(r *Request) bool { return r.Due(now) }, limit), nil
}

func (m *mockRepo) ListReminderDue(_ context.Context, now, before time.Time, limit int) ([]*Request, error) {
	return m.filter(func(r *Request) bool {
		return r.Status == StatusMFAVerified && r.ReminderSentAt == nil &&
			r.ScheduledDeletionDate.After(now) && !r.ScheduledDeletionDate.After(before)
	}, limit), nil
}

func (m *mockRepo) filter(keep func(*Request) bool, limit int) []*Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Request
	for _, row := range m.rows {
		if keep(row) {
			cp := *row
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledDeletionDate.Before(out[j].ScheduledDeletionDate) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *mockRepo) get(id uuid.UUID) Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.rows[id]
}

func (m *mockRepo) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

type fakeUsers struct {
	mu         sync.Mutex
	locked     map[string]bool
	anonymized map[string]time.Time
	emails     map[string]string
}

func newFakeUsers() *fakeUsers {
	return &fakeUsers{
		locked:     map[string]bool{},
		anonymized: map[string]time.Time{},
		emails:     map[string]string{"P001": "ana@example.com", "P002": "ben@example.com"},
	}
}

func (f *fakeUsers) SetAccountLocked(_ context.Context, userID string, locked bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.locked[userID] = locked
	return nil
}

func (f *fakeUsers) Anonymize(_ context.Context, userID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.anonymized[userID] = at
	f.emails[userID] = "deleted-" + userID + "@erased.invalid"
	return nil
}

func (f *fakeUsers) Emails(_ context.Context, ids []string) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string, len(ids))
	for _, id := range ids {
		if e, ok := f.emails[id]; ok {
			out[id] = e
		}
	}
	return out, nil
}

func (f *fakeUsers) isLocked(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.locked[id]
}

func (f *fakeUsers) isAnonymized(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.anonymized[id]
	return ok
}

const validCode = "246810"

type fakeMFA struct {
	enabled map[string]bool
}

func (f *fakeMFA) Enabled(_ context.Context, userID string) (bool, error) {
	return f.enabled[userID], nil
}

func (f *fakeMFA) VerifyCode(_ context.Context, userID, code string) error {
	if !f.enabled[userID] {
		return apperr.New(apperr.MFARequired, "MFA is not enabled")
	}
	if code != validCode {
		return apperr.New(apperr.InvalidCode, "invalid code")
	}
	return nil
}

type fakeConsents struct {
	mu     sync.Mutex
	closed []string
}

func (f *fakeConsents) CloseAllForPatient(_ context.Context, actor auth.Actor, patientID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, patientID)
	return 2, nil
}

type memNotifications struct {
	mu    sync.Mutex
	items []notification.Notification
}

func (m *memNotifications) Insert(_ context.Context, ns ...notification.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = append(m.items, ns...)
	return nil
}

func (m *memNotifications) kinds(userID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, n := range m.items {
		if n.UserID == userID {
			out = append(out, string(n.Kind)+"/"+string(n.Channel))
		}
	}
	return out
}

type fakeDispatcher struct {
	mu          sync.Mutex
	dispatched  []notification.Notification
	redelivered int
}

func (f *fakeDispatcher) Dispatch(ns []notification.Notification) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dispatched = append(f.dispatched, ns...)
}

func (f *fakeDispatcher) Redeliver(context.Context, int) (int, error) {
	return f.redelivered, nil
}

func (f *fakeDispatcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.dispatched)
}

type fakeCounter struct {
	mu     sync.Mutex
	counts map[string]int64
}

func (f *fakeCounter) Incr(_ context.Context, subject string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts[subject]++
	return f.counts[subject], nil
}

func (f *fakeCounter) Reset(_ context.Context, subject string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.counts, subject)
	return nil
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []audit.AccessEvent
}

func (r *recordingEmitter) Emit(_ context.Context, ev audit.AccessEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingEmitter) actions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Action + ":" + string(ev.Outcome)
	}
	return out
}
