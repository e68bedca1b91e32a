package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/dmitrymomot/billingcore/pkg/logger"
)

// Job is one run of a periodic task.
type Job func(ctx context.Context) error

type entry struct {
	name     string
	schedule Schedule
	job      Job
	next     time.Time
	running  bool
}

// Scheduler runs registered jobs in-process on their schedules. A job never
// overlaps with itself: a run that is due while the previous one is still
// going is skipped.
type Scheduler struct {
	mu         sync.Mutex
	jobs       map[string]*entry
	wg         sync.WaitGroup
	interval   time.Duration
	jobTimeout time.Duration
	locker     Locker
	lockTTL    time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

// New returns a Scheduler with no jobs.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		jobs:     make(map[string]*entry),
		interval: time.Second,
		lockTTL:  time.Minute,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(logger.Component("scheduler"))
	return s
}

// Add registers a job. Its first run is one schedule step after
// registration.
func (s *Scheduler) Add(name string, schedule Schedule, job Job) error {
	if name == "" || schedule == nil || job == nil {
		return ErrInvalidJob
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[name]; ok {
		return fmt.Errorf("%w: %s", ErrJobAlreadyRegistered, name)
	}
	s.jobs[name] = &entry{
		name:     name,
		schedule: schedule,
		job:      job,
		next:     schedule.Next(s.now()),
	}
	s.logger.Info("registered periodic job", slog.String("job", name), slog.String("schedule", schedule.String()))
	return nil
}

// Jobs lists registered job names in sorted order.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Run checks for due jobs until ctx is done, then waits for running jobs
// to return. It always returns ctx.Err() after a shutdown.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	n := len(s.jobs)
	s.mu.Unlock()
	if n == 0 {
		return ErrNoJobs
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler shutting down")
			s.wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			s.dispatch(ctx)
		}
	}
}

// RunDue starts every due job, waits for them and returns how many started.
func (s *Scheduler) RunDue(ctx context.Context) int {
	n := s.dispatch(ctx)
	s.wg.Wait()
	return n
}

func (s *Scheduler) dispatch(ctx context.Context) int {
	now := s.now()

	s.mu.Lock()
	var due []*entry
	for _, e := range s.jobs {
		if e.next.After(now) {
			continue
		}
		runAt := e.next
		// Catch up in one step after a long pause instead of replaying
		// every missed slot.
		for !e.next.After(now) {
			e.next = e.schedule.Next(e.next)
		}
		if e.running {
			s.logger.Warn("periodic job still running, run skipped", slog.String("job", e.name), slog.Time("run_at", runAt))
			continue
		}
		e.running = true
		due = append(due, &entry{name: e.name, job: e.job, next: runAt})
	}
	s.mu.Unlock()

	for _, d := range due {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.finish(d.name)
			s.run(ctx, d.name, d.job, d.next)
		}()
	}
	return len(due)
}

func (s *Scheduler) finish(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.jobs[name]; ok {
		e.running = false
	}
}

func (s *Scheduler) run(ctx context.Context, name string, job Job, runAt time.Time) {
	log := s.logger.With(slog.String("job", name))
	defer func() {
		if r := recover(); r != nil {
			log.ErrorContext(ctx, "periodic job panicked", slog.Any("panic", r))
		}
	}()

	if s.locker != nil {
		key := fmt.Sprintf("scheduler:%s:%d", name, runAt.Unix())
		ok, err := s.locker.Acquire(ctx, key, s.lockTTL)
		if err != nil {
			log.ErrorContext(ctx, "failed to acquire job lock", logger.Error(err))
			return
		}
		if !ok {
			log.DebugContext(ctx, "periodic job taken by another instance")
			return
		}
	}

	if s.jobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.jobTimeout)
		defer cancel()
	}

	start := time.Now()
	if err := job(ctx); err != nil {
		log.ErrorContext(ctx, "periodic job failed", logger.Duration(time.Since(start)), logger.Error(err))
		return
	}
	log.DebugContext(ctx, "periodic job finished", logger.Duration(time.Since(start)))
}
