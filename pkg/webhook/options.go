package webhook

import (
	"log/slog"
	"time"
)

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithConfig replaces the retry and retention settings.
func WithConfig(cfg Config) Option {
	return func(p *Pipeline) { p.cfg = cfg }
}

// WithLogger sets the pipeline logger.
func WithLogger(log *slog.Logger) Option {
	return func(p *Pipeline) {
		if log != nil {
			p.logger = log
		}
	}
}

// WithAuditLogger routes the raw payload audit records to a dedicated
// logger. Defaults to the pipeline logger.
func WithAuditLogger(log *slog.Logger) Option {
	return func(p *Pipeline) { p.audit = log }
}

// WithBackoff overrides the delay between failed attempts. Defaults to
// exponential backoff from Config.RetryBaseDelay up to Config.RetryMaxDelay.
func WithBackoff(b BackoffStrategy) Option {
	return func(p *Pipeline) { p.backoff = b }
}

// WithMetrics records ingest and retry counters on m.
func WithMetrics(m *Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithClock replaces the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}
