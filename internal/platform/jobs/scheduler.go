// Package jobs runs periodic background work on a cron schedule.
package jobs

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Locker keeps a job to one replica at a time. cache.Locker satisfies it.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (release func(), ok bool, err error)
}

type Job func(ctx context.Context) error

type Scheduler struct {
	cron    *cron.Cron
	locker  Locker
	timeout time.Duration
	log     zerolog.Logger
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewScheduler uses six-field specs (with seconds). locker may be nil, in
// which case every replica runs every job.
func NewScheduler(locker Locker, timeout time.Duration, log zerolog.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:    cron.New(cron.WithSeconds(), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		locker:  locker,
		timeout: timeout,
		log:     log.With().Str("component", "scheduler").Logger(),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (s *Scheduler) Add(name, spec string, job Job) error {
	_, err := s.cron.AddFunc(spec, func() { s.run(name, job) })
	return err
}

func (s *Scheduler) run(name string, job Job) {
	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()

	if s.locker != nil {
		release, ok, err := s.locker.TryLock(ctx, "lock:job:"+name, s.timeout)
		if err != nil {
			s.log.Warn().Err(err).Str("job", name).Msg("lock unavailable, running locally")
		} else if !ok {
			s.log.Debug().Str("job", name).Msg("job held by another replica")
			return
		} else {
			defer release()
		}
	}

	start := time.Now()
	if err := job(ctx); err != nil {
		s.log.Error().Err(err).Str("job", name).Dur("duration", time.Since(start)).Msg("job failed")
		return
	}
	s.log.Debug().Str("job", name).Dur("duration", time.Since(start)).Msg("job finished")
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
}
