package webhook

import (
	"fmt"
	"time"
)

// Config controls ingestion and the retry sweeps.
type Config struct {
	ProcessTimeout time.Duration `env:"WEBHOOK_PROCESS_TIMEOUT" envDefault:"30s"`
	// MaxAttempts is the number of failed attempts after which an entry is
	// marked failed.
	MaxAttempts int `env:"WEBHOOK_MAX_ATTEMPTS" envDefault:"3"`
	// RetryLifetimeCap bounds the attempts an entry may accumulate across
	// RetryFailed resets.
	RetryLifetimeCap int           `env:"WEBHOOK_RETRY_LIFETIME_CAP" envDefault:"5"`
	RetentionDays    int           `env:"WEBHOOK_RETENTION_DAYS" envDefault:"30"`
	QueueBatch       int           `env:"WEBHOOK_QUEUE_BATCH" envDefault:"50"`
	QueueConcurrency int           `env:"WEBHOOK_QUEUE_CONCURRENCY" envDefault:"8"`
	MaxPayloadBytes  int64         `env:"WEBHOOK_MAX_PAYLOAD_BYTES" envDefault:"1048576"`
	RetryBaseDelay   time.Duration `env:"WEBHOOK_RETRY_BASE_DELAY" envDefault:"1m"`
	RetryMaxDelay    time.Duration `env:"WEBHOOK_RETRY_MAX_DELAY" envDefault:"1h"`
}

// DefaultConfig mirrors the env defaults.
func DefaultConfig() Config {
	return Config{
		ProcessTimeout:   30 * time.Second,
		MaxAttempts:      3,
		RetryLifetimeCap: 5,
		RetentionDays:    30,
		QueueBatch:       50,
		QueueConcurrency: 8,
		MaxPayloadBytes:  1 << 20,
		RetryBaseDelay:   time.Minute,
		RetryMaxDelay:    time.Hour,
	}
}

func (c Config) validate() error {
	switch {
	case c.ProcessTimeout <= 0:
		return fmt.Errorf("%w: process timeout must be positive", ErrInvalidConfiguration)
	case c.MaxAttempts <= 0:
		return fmt.Errorf("%w: max attempts must be positive", ErrInvalidConfiguration)
	case c.RetryLifetimeCap < c.MaxAttempts:
		return fmt.Errorf("%w: retry lifetime cap below max attempts", ErrInvalidConfiguration)
	case c.QueueConcurrency <= 0:
		return fmt.Errorf("%w: queue concurrency must be positive", ErrInvalidConfiguration)
	}
	return nil
}
