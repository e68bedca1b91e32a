package notifications

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/billingcore/pkg/logger"
)

// DefaultDedupWindow is how long a deduplicated alert stays suppressed.
const DefaultDedupWindow = 24 * time.Hour

// Manager stores notifications and delivers them.
type Manager struct {
	storage   Storage
	deliverer Deliverer
	dedup     Deduplicator
	logger    *slog.Logger
	now       func() time.Time
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the logger used for delivery failures.
func WithLogger(log *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = log }
}

// WithDeliverer sets where stored notifications are pushed. Defaults to
// NoOpDeliverer.
func WithDeliverer(d Deliverer) ManagerOption {
	return func(m *Manager) { m.deliverer = d }
}

// WithDeduplicator sets the SendOnce window store. Defaults to a
// MemoryDeduplicator.
func WithDeduplicator(d Deduplicator) ManagerOption {
	return func(m *Manager) { m.dedup = d }
}

// WithClock replaces the time source, for tests.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// NewManager returns a Manager persisting to storage. It panics when storage
// is nil.
func NewManager(storage Storage, opts ...ManagerOption) *Manager {
	if storage == nil {
		panic("notifications: storage is required")
	}
	m := &Manager{
		storage:   storage,
		deliverer: NoOpDeliverer{},
		dedup:     NewMemoryDeduplicator(),
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Send persists n and then delivers it. Delivery failures are logged and
// never returned: the stored notification stays available to the user.
func (m *Manager) Send(ctx context.Context, n Notification) error {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = m.now()
	}
	if n.Severity == "" {
		n.Severity = SeverityInfo
	}

	if err := m.storage.Create(ctx, n); err != nil {
		return fmt.Errorf("failed to store notification: %w", err)
	}

	if err := m.deliverer.Deliver(ctx, n); err != nil {
		m.logger.LogAttrs(ctx, slog.LevelWarn, "notification stored but delivery failed",
			slog.String("notification_id", n.ID.String()),
			slog.String("kind", string(n.Kind)),
			logger.UserID(n.UserID),
			logger.Error(err),
		)
	}
	return nil
}

// SendOnce sends n unless a notification with the same user, kind and
// discriminator was sent within window. It reports whether n was sent. A
// failed send releases the window so a retry can go out.
func (m *Manager) SendOnce(ctx context.Context, n Notification, discriminator string, window time.Duration) (bool, error) {
	key := fmt.Sprintf("notif:%s:%s", n.UserID, n.Kind)
	if discriminator != "" {
		key += ":" + discriminator
	}
	ok, err := m.dedup.Acquire(ctx, key, window)
	if err != nil {
		return false, fmt.Errorf("dedup %s: %w", key, err)
	}
	if !ok {
		m.logger.DebugContext(ctx, "notification suppressed by dedup window",
			slog.String("kind", string(n.Kind)), logger.UserID(n.UserID))
		return false, nil
	}
	if err := m.Send(ctx, n); err != nil {
		if rerr := m.dedup.Release(ctx, key); rerr != nil {
			m.logger.WarnContext(ctx, "failed to release dedup key",
				slog.String("key", key), logger.Error(rerr))
		}
		return false, err
	}
	return true, nil
}

// CreateNotification is the minimal entry point for request handlers.
func (m *Manager) CreateNotification(ctx context.Context, userID uuid.UUID, kind Kind, title, content string) error {
	return m.Send(ctx, Notification{UserID: userID, Kind: kind, Title: title, Content: content})
}

// List returns the user's notifications, newest first.
func (m *Manager) List(ctx context.Context, userID uuid.UUID, opts ListOptions) ([]Notification, error) {
	return m.storage.List(ctx, userID, opts)
}

func (m *Manager) MarkRead(ctx context.Context, userID uuid.UUID, ids ...uuid.UUID) error {
	return m.storage.MarkRead(ctx, userID, ids...)
}

func (m *Manager) CountUnread(ctx context.Context, userID uuid.UUID) (int, error) {
	return m.storage.CountUnread(ctx, userID)
}
