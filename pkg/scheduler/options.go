package scheduler

import (
	"context"
	"log/slog"
	"time"
)

// Locker grants a run slot to one process. It lets several replicas share a
// schedule without running the same sweep twice.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithCheckInterval sets how often due jobs are looked for. Defaults to 1s.
func WithCheckInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithLogger sets the logger used for job runs.
func WithLogger(log *slog.Logger) Option {
	return func(s *Scheduler) {
		if log != nil {
			s.logger = log
		}
	}
}

// WithClock replaces the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithLocker makes every run acquire key "<prefix><job>:<unix run time>"
// first. Runs whose slot is taken are skipped.
func WithLocker(l Locker, ttl time.Duration) Option {
	return func(s *Scheduler) {
		s.locker = l
		if ttl > 0 {
			s.lockTTL = ttl
		}
	}
}

// WithJobTimeout bounds every run. Zero disables the bound.
func WithJobTimeout(d time.Duration) Option {
	return func(s *Scheduler) { s.jobTimeout = d }
}
