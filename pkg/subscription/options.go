package subscription

import (
	"log/slog"
	"time"
)

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger used for lifecycle events.
func WithLogger(log *slog.Logger) Option {
	return func(m *Manager) {
		if log != nil {
			m.logger = log
		}
	}
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithSweepBatch limits how many subscriptions one SweepCycles call handles.
func WithSweepBatch(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.sweepBatch = n
		}
	}
}
