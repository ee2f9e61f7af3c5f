package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeLocker struct {
	held     bool
	err      error
	released int
}

func (f *fakeLocker) TryLock(context.Context, string, time.Duration) (func(), bool, error) {
	if f.err != nil {
		return nil, false, f.err
	}
	if f.held {
		return nil, false, nil
	}
	return func() { f.released++ }, true, nil
}

func TestRun_WithoutLocker(t *testing.T) {
	s := NewScheduler(nil, time.Second, zerolog.Nop())
	ran := false
	s.run("sweep", func(ctx context.Context) error {
		ran = true
		return nil
	})
	if !ran {
		t.Fatal("expected job to run")
	}
}

func TestRun_SkipsWhenLockHeld(t *testing.T) {
	s := NewScheduler(&fakeLocker{held: true}, time.Second, zerolog.Nop())
	s.run("sweep", func(ctx context.Context) error {
		t.Fatal("job must not run while another replica holds the lock")
		return nil
	})
}

func TestRun_ReleasesLock(t *testing.T) {
	l := &fakeLocker{}
	s := NewScheduler(l, time.Second, zerolog.Nop())
	s.run("sweep", func(ctx context.Context) error { return errors.New("boom") })
	if l.released != 1 {
		t.Errorf("expected lock released once, got %d", l.released)
	}
}

func TestRun_LockErrorFallsBackToLocal(t *testing.T) {
	s := NewScheduler(&fakeLocker{err: errors.New("redis down")}, time.Second, zerolog.Nop())
	ran := false
	s.run("sweep", func(ctx context.Context) error { ran = true; return nil })
	if !ran {
		t.Fatal("expected job to run locally when the lock store is unavailable")
	}
}

func TestAdd_RejectsBadSpec(t *testing.T) {
	s := NewScheduler(nil, time.Second, zerolog.Nop())
	if err := s.Add("bad", "not a cron spec", func(context.Context) error { return nil }); err == nil {
		t.Fatal("expected parse error")
	}
	if err := s.Add("sweep", "0 */5 * * * *", func(context.Context) error { return nil }); err != nil {
		t.Fatalf("valid spec rejected: %v", err)
	}
}

func TestStartStop(t *testing.T) {
	s := NewScheduler(nil, time.Second, zerolog.Nop())
	s.Start()
	s.Stop()
	if s.ctx.Err() == nil {
		t.Error("expected scheduler context cancelled after Stop")
	}
}
