package notifications

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Deduplicator grants a key at most once per ttl window.
type Deduplicator interface {
	// Acquire reports true when the key was free and is now held for ttl.
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Release frees a held key before its window ends.
	Release(ctx context.Context, key string) error
}

// MemoryDeduplicator is a process-local Deduplicator. Expired keys are
// dropped on Acquire.
type MemoryDeduplicator struct {
	mu   sync.Mutex
	held map[string]time.Time
	now  func() time.Time
}

// NewMemoryDeduplicator returns an empty MemoryDeduplicator on the wall clock.
func NewMemoryDeduplicator() *MemoryDeduplicator {
	return &MemoryDeduplicator{held: make(map[string]time.Time), now: time.Now}
}

// WithClock replaces the time source, for tests.
func (d *MemoryDeduplicator) WithClock(now func() time.Time) *MemoryDeduplicator {
	d.now = now
	return d
}

func (d *MemoryDeduplicator) Acquire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	for k, until := range d.held {
		if !now.Before(until) {
			delete(d.held, k)
		}
	}
	if _, ok := d.held[key]; ok {
		return false, nil
	}
	d.held[key] = now.Add(ttl)
	return true, nil
}

func (d *MemoryDeduplicator) Release(_ context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.held, key)
	return nil
}

// Len reports how many keys are held, expired ones included until the next
// Acquire.
func (d *MemoryDeduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.held)
}

// RedisDeduplicator shares deduplication windows across replicas with
// SET NX EX.
type RedisDeduplicator struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisDeduplicator stores keys under prefix.
func NewRedisDeduplicator(client redis.UniversalClient, prefix string) *RedisDeduplicator {
	return &RedisDeduplicator{client: client, prefix: prefix}
}

func (d *RedisDeduplicator) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return d.client.SetNX(ctx, d.prefix+key, time.Now().Unix(), ttl).Result()
}

func (d *RedisDeduplicator) Release(ctx context.Context, key string) error {
	return d.client.Del(ctx, d.prefix+key).Err()
}
