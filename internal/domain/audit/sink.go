package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medvault/medvault/internal/platform/events"
	"github.com/medvault/medvault/internal/platform/metrics"
	"github.com/medvault/medvault/internal/platform/middleware"
)

// Emitter records access events without blocking the caller.
type Emitter interface {
	Emit(ctx context.Context, ev AccessEvent)
}

type SinkConfig struct {
	Buffer       int
	MaxAttempts  int
	Backoff      time.Duration
	WriteTimeout time.Duration
}

func DefaultSinkConfig() SinkConfig {
	return SinkConfig{
		Buffer:       1024,
		MaxAttempts:  5,
		Backoff:      100 * time.Millisecond,
		WriteTimeout: 5 * time.Second,
	}
}

// AsyncSink persists events on a background worker and forwards them to the
// audit stream. When the channel is full, events spill into an unbounded
// overflow slice rather than being dropped.
type AsyncSink struct {
	repo Repository
	pub  events.Publisher
	m    *metrics.Metrics
	log  zerolog.Logger
	cfg  SinkConfig

	mu       sync.Mutex
	ch       chan AccessEvent
	overflow []AccessEvent
	closed   bool
	done     chan struct{}
}

func NewAsyncSink(repo Repository, pub events.Publisher, m *metrics.Metrics, cfg SinkConfig, log zerolog.Logger) *AsyncSink {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if pub == nil {
		pub = events.NopPublisher{}
	}
	s := &AsyncSink{
		repo: repo,
		pub:  pub,
		m:    m,
		log:  log.With().Str("component", "audit_sink").Logger(),
		cfg:  cfg,
		ch:   make(chan AccessEvent, cfg.Buffer),
		done: make(chan struct{}),
	}
	go s.run()
	return s
}

// Emit stamps the event and queues it. After Close it writes synchronously.
func (s *AsyncSink) Emit(ctx context.Context, ev AccessEvent) {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	if ev.RequestID == "" {
		ev.RequestID = middleware.RequestIDFromContext(ctx)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.write(ev)
		return
	}
	select {
	case s.ch <- ev:
	default:
		s.overflow = append(s.overflow, ev)
		s.m.AuditEvent("overflow")
	}
	s.mu.Unlock()
}

func (s *AsyncSink) run() {
	defer close(s.done)
	for ev := range s.ch {
		s.write(ev)
		s.drainOverflow()
	}
	s.drainOverflow()
}

func (s *AsyncSink) drainOverflow() {
	s.mu.Lock()
	pending := s.overflow
	s.overflow = nil
	s.mu.Unlock()
	for _, ev := range pending {
		s.write(ev)
	}
}

func (s *AsyncSink) write(ev AccessEvent) {
	backoff := s.cfg.Backoff
	var err error
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
		err = s.repo.Append(ctx, ev)
		cancel()
		if err == nil {
			break
		}
		if attempt < s.cfg.MaxAttempts {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	if err != nil {
		s.m.AuditEvent("failed")
		s.log.Error().Err(err).
			Str("event_id", ev.ID.String()).
			Str("actor_id", ev.ActorID).
			Str("target_patient_id", ev.TargetPatientID).
			Str("resource", ev.Resource).
			Str("action", ev.Action).
			Str("outcome", string(ev.Outcome)).
			Str("reason", ev.Reason).
			Time("occurred_at", ev.OccurredAt).
			Msg("access event not persisted")
		return
	}
	s.m.AuditEvent("persisted")

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
	defer cancel()
	if err := s.pub.Publish(ctx, ev.TargetPatientID, ev); err != nil {
		s.m.AuditEvent("forward_failed")
		s.log.Warn().Err(err).Str("event_id", ev.ID.String()).Msg("access event not forwarded")
	}
}

// Close stops intake and waits for queued events to be written.
func (s *AsyncSink) Close(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	s.mu.Unlock()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
