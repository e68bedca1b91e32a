package webhook

import (
	"math"
	"math/rand/v2"
	"time"
)

// BackoffStrategy spaces out retries of a failed queue entry.
type BackoffStrategy interface {
	// NextInterval returns the delay before the next attempt, given the
	// number of attempts made so far.
	NextInterval(attempt int) time.Duration
}

// ExponentialBackoff grows the delay by Multiplier per attempt, with
// optional jitter, up to MaxInterval.
type ExponentialBackoff struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	JitterFactor    float64
}

// NextInterval returns min(InitialInterval * Multiplier^(attempt-1) * (1 ± JitterFactor), MaxInterval).
func (e ExponentialBackoff) NextInterval(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}

	initial := e.InitialInterval
	if initial == 0 {
		initial = time.Minute
	}
	limit := e.MaxInterval
	if limit == 0 {
		limit = time.Hour
	}
	multiplier := e.Multiplier
	if multiplier == 0 {
		multiplier = 2
	}

	interval := float64(initial) * math.Pow(multiplier, float64(attempt-1))
	if e.JitterFactor > 0 {
		interval *= 1 + (rand.Float64()*2-1)*e.JitterFactor
	}
	if interval > float64(limit) {
		interval = float64(limit)
	}
	return time.Duration(interval)
}

// FixedBackoff waits the same interval before every retry.
type FixedBackoff struct {
	Interval time.Duration
}

func (f FixedBackoff) NextInterval(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	return f.Interval
}

// NoBackoff makes failed entries due immediately.
type NoBackoff struct{}

func (NoBackoff) NextInterval(int) time.Duration { return 0 }

// backoffFromConfig builds the default strategy: exponential with 10% jitter.
func backoffFromConfig(cfg Config) BackoffStrategy {
	return ExponentialBackoff{
		InitialInterval: cfg.RetryBaseDelay,
		MaxInterval:     cfg.RetryMaxDelay,
		Multiplier:      2,
		JitterFactor:    0.1,
	}
}
