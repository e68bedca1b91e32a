package webhook_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billingcore/pkg/webhook"
)

func TestExponentialBackoff(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		backoff  webhook.ExponentialBackoff
		attempts []int
		want     []time.Duration
	}{
		{
			name:     "default values",
			backoff:  webhook.ExponentialBackoff{},
			attempts: []int{1, 2, 3, 7, 8},
			want: []time.Duration{
				time.Minute,
				2 * time.Minute,
				4 * time.Minute,
				time.Hour, // 64m capped
				time.Hour,
			},
		},
		{
			name: "custom values with cap",
			backoff: webhook.ExponentialBackoff{
				InitialInterval: 500 * time.Millisecond,
				MaxInterval:     5 * time.Second,
				Multiplier:      3,
			},
			attempts: []int{1, 2, 3, 4},
			want: []time.Duration{
				500 * time.Millisecond,
				1500 * time.Millisecond,
				4500 * time.Millisecond,
				5 * time.Second,
			},
		},
		{
			name:     "non-positive attempt",
			backoff:  webhook.ExponentialBackoff{},
			attempts: []int{0, -1},
			want:     []time.Duration{0, 0},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Len(t, tt.want, len(tt.attempts))

			for i, attempt := range tt.attempts {
				assert.Equal(t, tt.want[i], tt.backoff.NextInterval(attempt), "attempt %d", attempt)
			}
		})
	}
}

func TestExponentialBackoff_Jitter(t *testing.T) {
	t.Parallel()

	b := webhook.ExponentialBackoff{
		InitialInterval: time.Second,
		MaxInterval:     time.Hour,
		JitterFactor:    0.5,
	}

	seen := make(map[time.Duration]struct{})
	for range 50 {
		got := b.NextInterval(2)
		assert.GreaterOrEqual(t, got, time.Second)
		assert.LessOrEqual(t, got, 3*time.Second)
		seen[got] = struct{}{}
	}
	assert.Greater(t, len(seen), 1, "jitter should vary intervals")
}

func TestFixedAndNoBackoff(t *testing.T) {
	t.Parallel()

	fixed := webhook.FixedBackoff{Interval: 10 * time.Second}
	assert.Equal(t, time.Duration(0), fixed.NextInterval(0))
	assert.Equal(t, 10*time.Second, fixed.NextInterval(1))
	assert.Equal(t, 10*time.Second, fixed.NextInterval(9))

	assert.Equal(t, time.Duration(0), webhook.NoBackoff{}.NextInterval(3))
}
