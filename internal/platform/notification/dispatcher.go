package notification

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/medvault/medvault/internal/platform/metrics"
)

const (
	// MaxAttempts bounds redelivery of a single notification.
	MaxAttempts = 10
	// redeliverAfter leaves in-flight async deliveries alone.
	redeliverAfter = time.Minute
)

// Dispatcher delivers notifications that are already stored. Delivery runs
// after the writing transaction commits and never blocks the caller; rows
// left undelivered are picked up again by Redeliver.
type Dispatcher struct {
	store   Store
	pushers map[Channel]Pusher
	metrics *metrics.Metrics
	log     zerolog.Logger
	timeout time.Duration
	now     func() time.Time
	wg      sync.WaitGroup
}

func NewDispatcher(store Store, m *metrics.Metrics, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		store:   store,
		pushers: make(map[Channel]Pusher),
		metrics: m,
		log:     log.With().Str("component", "notification-dispatcher").Logger(),
		timeout: 10 * time.Second,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Use sets the pusher for a channel. A channel without a pusher is feed-only:
// its notifications are marked delivered once stored.
func (d *Dispatcher) Use(ch Channel, p Pusher) {
	d.pushers[ch] = p
}

// Dispatch delivers ns in the background.
func (d *Dispatcher) Dispatch(ns []Notification) {
	if len(ns) == 0 {
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()
		for _, n := range ns {
			d.Deliver(ctx, n)
		}
	}()
}

// Deliver pushes n and records the outcome. It reports whether the push
// succeeded.
func (d *Dispatcher) Deliver(ctx context.Context, n Notification) bool {
	if p, ok := d.pushers[n.Channel]; ok {
		if err := p.Push(ctx, n); err != nil {
			d.metrics.NotificationDelivery(string(n.Channel), "failed")
			d.log.Warn().Err(err).
				Str("notification_id", n.ID).
				Str("channel", string(n.Channel)).
				Int("attempts", n.Attempts+1).
				Msg("notification delivery failed")
			if err := d.store.MarkFailed(ctx, n.ID, err.Error()); err != nil {
				d.log.Error().Err(err).Str("notification_id", n.ID).Msg("record delivery failure")
			}
			return false
		}
	}

	if err := d.store.MarkDelivered(ctx, n.ID, d.now()); err != nil {
		d.log.Error().Err(err).Str("notification_id", n.ID).Msg("mark notification delivered")
		return false
	}
	d.metrics.NotificationDelivery(string(n.Channel), "delivered")
	return true
}

// Redeliver retries undelivered notifications older than a minute. It returns
// how many were delivered.
func (d *Dispatcher) Redeliver(ctx context.Context, limit int) (int, error) {
	pending, err := d.store.ListUndelivered(ctx, d.now().Add(-redeliverAfter), MaxAttempts, limit)
	if err != nil {
		return 0, err
	}
	delivered := 0
	for _, n := range pending {
		if ctx.Err() != nil {
			return delivered, ctx.Err()
		}
		if d.Deliver(ctx, n) {
			delivered++
		}
	}
	return delivered, nil
}

// Wait blocks until in-flight Dispatch calls finish.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
