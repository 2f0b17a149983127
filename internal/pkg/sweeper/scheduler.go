package sweeper

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/robfig/cron/v3"
)

// DefaultSchedule runs a sweep every quarter hour.
const DefaultSchedule = "@every 15m"

// Scheduler runs the sweeper on a cron schedule and on demand.
type Scheduler struct {
	sweeper  *Sweeper
	locker   Locker
	cron     *cron.Cron
	schedule string
	timeout  time.Duration
	now      func() time.Time

	mu      sync.Mutex
	running bool
	last    *Report
}

type SchedulerOption func(*Scheduler)

// WithLocker replaces the in-process lock, typically with a RedisLocker.
func WithLocker(l Locker) SchedulerOption {
	return func(s *Scheduler) {
		if l != nil {
			s.locker = l
		}
	}
}

func WithSchedule(spec string) SchedulerOption {
	return func(s *Scheduler) {
		if spec != "" {
			s.schedule = spec
		}
	}
}

// WithTimeout bounds a single sweep and the lock TTL.
func WithTimeout(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.timeout = d
		}
	}
}

func NewScheduler(sw *Sweeper, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		sweeper:  sw,
		locker:   newLocalLocker(),
		cron:     cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger))),
		schedule: DefaultSchedule,
		timeout:  5 * time.Minute,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start registers the sweep job and starts the cron loop.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	if _, err := s.cron.AddFunc(s.schedule, s.tick); err != nil {
		return err
	}
	s.cron.Start()
	s.running = true
	log.Infof("[Sweeper] Scheduled expiry sweep: schedule=%s", s.schedule)
	return nil
}

// Stop stops the cron loop and waits for a running sweep to finish or for
// ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	done := s.cron.Stop()
	select {
	case <-done.Done():
		log.Info("[Sweeper] Scheduler stopped")
	case <-ctx.Done():
		log.Warn("[Sweeper] Scheduler stop timed out while a sweep was running")
	}
}

// Trigger runs a sweep now. It returns ErrLockHeld when one is in progress.
func (s *Scheduler) Trigger(ctx context.Context) (*Report, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	release, err := s.locker.Acquire(ctx, s.timeout)
	if err != nil {
		return nil, err
	}
	defer release()

	report, err := s.sweeper.RunOnce(ctx, s.now())
	if err != nil {
		return report, err
	}

	s.mu.Lock()
	s.last = report
	s.mu.Unlock()
	return report, nil
}

// LastReport returns the report of the last completed sweep, if any.
func (s *Scheduler) LastReport() *Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func (s *Scheduler) tick() {
	_, err := s.Trigger(context.Background())
	switch {
	case err == nil:
	case errors.Is(err, ErrLockHeld):
		log.Debug("[Sweeper] Skipping tick, another sweep holds the lock")
	default:
		log.Errorf("[Sweeper] Scheduled sweep failed: %v", err)
	}
}
