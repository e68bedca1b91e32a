package notifications

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/google/uuid"
)

var (
	ErrNotificationNotFound = errors.New("notification not found")
	ErrInvalidNotification  = errors.New("notification requires an id and a user id")
)

// Storage persists notifications.
type Storage interface {
	Create(ctx context.Context, n Notification) error
	List(ctx context.Context, userID uuid.UUID, opts ListOptions) ([]Notification, error)
	MarkRead(ctx context.Context, userID uuid.UUID, ids ...uuid.UUID) error
	CountUnread(ctx context.Context, userID uuid.UUID) (int, error)
}

// ListOptions filters and pages List results.
type ListOptions struct {
	Limit      int
	OnlyUnread bool
	Kinds      []Kind
}

// MemoryStorage keeps notifications per user in memory, newest last.
type MemoryStorage struct {
	mu    sync.RWMutex
	items map[uuid.UUID][]Notification
}

// NewMemoryStorage returns an empty MemoryStorage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{items: make(map[uuid.UUID][]Notification)}
}

func (s *MemoryStorage) Create(_ context.Context, n Notification) error {
	if n.ID == uuid.Nil || n.UserID == uuid.Nil {
		return ErrInvalidNotification
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[n.UserID] = append(s.items[n.UserID], n)
	return nil
}

// List returns the newest notifications first.
func (s *MemoryStorage) List(_ context.Context, userID uuid.UUID, opts ListOptions) ([]Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Notification
	items := s.items[userID]
	for i := len(items) - 1; i >= 0; i-- {
		n := items[i]
		if opts.OnlyUnread && n.Read {
			continue
		}
		if len(opts.Kinds) > 0 && !slices.Contains(opts.Kinds, n.Kind) {
			continue
		}
		out = append(out, n)
		if opts.Limit > 0 && len(out) == opts.Limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStorage) MarkRead(_ context.Context, userID uuid.UUID, ids ...uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	items := s.items[userID]
	for _, id := range ids {
		idx := slices.IndexFunc(items, func(n Notification) bool { return n.ID == id })
		if idx < 0 {
			return ErrNotificationNotFound
		}
		items[idx].Read = true
	}
	return nil
}

func (s *MemoryStorage) CountUnread(_ context.Context, userID uuid.UUID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, n := range s.items[userID] {
		if !n.Read {
			count++
		}
	}
	return count, nil
}
