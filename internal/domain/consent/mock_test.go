package consent

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/medvault/medvault/internal/domain/audit"
	"github.com/medvault/medvault/internal/platform/apperr"
)

// mockRepo enforces the same one-open-row-per-pair and version rules as the
// Postgres schema.
type mockRepo struct {
	mu       sync.Mutex
	consents map[uuid.UUID]*Consent
	peers    map[uuid.UUID]*PeerGrant
}

func newMockRepo() *mockRepo {
	return &mockRepo{consents: make(map[uuid.UUID]*Consent), peers: make(map[uuid.UUID]*PeerGrant)}
}

func (m *mockRepo) LockPair(context.Context, string, string) error { return nil }

func (m *mockRepo) Insert(_ context.Context, c *Consent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, x := range m.consents {
		if x.PatientID == c.PatientID && x.DoctorID == c.DoctorID &&
			(x.Status == StatusPending || x.Status == StatusGranted) {
			return apperr.New(apperr.DuplicatePending, "a consent request is already open for this patient")
		}
	}
	c.version = 1
	cp := *c
	m.consents[c.ID] = &cp
	return nil
}

func (m *mockRepo) GetByID(_ context.Context, id uuid.UUID) (*Consent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.consents[id]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "consent not found")
	}
	cp := *c
	return &cp, nil
}

func (m *mockRepo) FindOpen(_ context.Context, patientID, doctorID string) (*Consent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.consents {
		if c.PatientID == patientID && c.DoctorID == doctorID &&
			(c.Status == StatusPending || c.Status == StatusGranted) {
			cp := *c
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *mockRepo) Transition(_ context.Context, c *Consent, from Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.consents[c.ID]
	if !ok || cur.version != c.version || cur.Status != from {
		return apperr.New(apperr.Conflict, "consent changed concurrently")
	}
	c.version++
	cp := *c
	m.consents[c.ID] = &cp
	return nil
}

func (m *mockRepo) ListByPatient(_ context.Context, patientID string, statuses ...Status) ([]*Consent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Consent
	for _, c := range m.consents {
		if c.PatientID != patientID {
			continue
		}
		match := len(statuses) == 0
		for _, s := range statuses {
			if c.Status == s {
				match = true
			}
		}
		if match {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.After(out[j].RequestedAt) })
	return out, nil
}

func (m *mockRepo) ListByDoctor(_ context.Context, doctorID string, limit, offset int) ([]*Consent, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Consent
	for _, c := range m.consents {
		if c.DoctorID == doctorID {
			cp := *c
			out = append(out, &cp)
		}
	}
	total := len(out)
	if offset < len(out) {
		out = out[offset:]
	} else {
		out = nil
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, total, nil
}

func (m *mockRepo) InsertPeer(_ context.Context, g *PeerGrant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, x := range m.peers {
		if x.PatientID == g.PatientID && x.GranteeID == g.GranteeID && x.Status == PeerActive {
			return apperr.New(apperr.AlreadyGranted, "an active peer grant already exists")
		}
	}
	g.version = 1
	cp := *g
	m.peers[g.ID] = &cp
	return nil
}

func (m *mockRepo) GetPeer(_ context.Context, id uuid.UUID) (*PeerGrant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.peers[id]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "peer grant not found")
	}
	cp := *g
	return &cp, nil
}

func (m *mockRepo) FindActivePeer(_ context.Context, patientID, granteeID string) (*PeerGrant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, g := range m.peers {
		if g.PatientID == patientID && g.GranteeID == granteeID && g.Status == PeerActive {
			cp := *g
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *mockRepo) TransitionPeer(_ context.Context, g *PeerGrant, from PeerStatus, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.peers[g.ID]
	if !ok || cur.version != g.version || cur.Status != from {
		return apperr.New(apperr.Conflict, "peer grant changed concurrently")
	}
	g.version++
	if g.Status == PeerRevoked {
		g.RevokedAt = &at
	}
	cp := *g
	m.peers[g.ID] = &cp
	return nil
}

func (m *mockRepo) ListPeers(_ context.Context, f PeerFilter) ([]*PeerGrant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*PeerGrant
	for _, g := range m.peers {
		if f.PatientID != "" && g.PatientID != f.PatientID {
			continue
		}
		if f.PartyID != "" && g.GrantorID != f.PartyID && g.GranteeID != f.PartyID {
			continue
		}
		cp := *g
		out = append(out, &cp)
	}
	return out, nil
}

func (m *mockRepo) rowsFor(patientID, doctorID string) []*Consent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Consent
	for _, c := range m.consents {
		if c.PatientID == patientID && c.DoctorID == doctorID {
			out = append(out, c)
		}
	}
	return out
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

type stubLocks map[string]bool

func (s stubLocks) IsLocked(_ context.Context, id string) (bool, error) { return s[id], nil }
