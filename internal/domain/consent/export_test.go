package consent

import (
	"time"

	"github.com/google/uuid"
)

// InMemoryLedger exposes the in-memory fixture to the consent_test package.
type InMemoryLedger struct {
	Svc *Service
	f   *fixture
}

func NewInMemoryLedger() *InMemoryLedger {
	f := newFixture()
	return &InMemoryLedger{Svc: f.svc, f: f}
}

func (l *InMemoryLedger) Advance(d time.Duration) { l.f.clock = l.f.clock.Add(d) }

func (l *InMemoryLedger) StoredStatus(id uuid.UUID) Status {
	l.f.repo.mu.Lock()
	defer l.f.repo.mu.Unlock()
	return l.f.repo.consents[id].Status
}
