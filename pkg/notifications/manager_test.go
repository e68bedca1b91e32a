package notifications_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billingcore/pkg/notifications"
)

type mockDeliverer struct {
	mock.Mock
}

func (m *mockDeliverer) Deliver(ctx context.Context, n notifications.Notification) error {
	return m.Called(ctx, n).Error(0)
}

func TestManager_Send(t *testing.T) {
	t.Parallel()

	t.Run("stores and delivers", func(t *testing.T) {
		t.Parallel()
		storage := notifications.NewMemoryStorage()
		deliverer := &mockDeliverer{}
		deliverer.On("Deliver", mock.Anything, mock.MatchedBy(func(n notifications.Notification) bool {
			return n.Kind == notifications.KindPaymentFailed && n.ID != uuid.Nil
		})).Return(nil).Once()

		m := notifications.NewManager(storage, notifications.WithDeliverer(deliverer))
		userID := uuid.New()
		require.NoError(t, m.Send(context.Background(), notifications.Notification{
			UserID: userID, Kind: notifications.KindPaymentFailed, Title: "Payment failed",
		}))

		list, err := m.List(context.Background(), userID, notifications.ListOptions{})
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, notifications.SeverityInfo, list[0].Severity)
		deliverer.AssertExpectations(t)
	})

	t.Run("delivery failure is not returned", func(t *testing.T) {
		t.Parallel()
		deliverer := &mockDeliverer{}
		deliverer.On("Deliver", mock.Anything, mock.Anything).Return(errors.New("smtp down"))

		m := notifications.NewManager(notifications.NewMemoryStorage(), notifications.WithDeliverer(deliverer))
		err := m.CreateNotification(context.Background(), uuid.New(), notifications.KindCreditsPurchased, "Credits added", "500 credits")
		assert.NoError(t, err)
	})

	t.Run("storage failure is returned", func(t *testing.T) {
		t.Parallel()
		m := notifications.NewManager(notifications.NewMemoryStorage())
		err := m.Send(context.Background(), notifications.Notification{Kind: notifications.KindPaymentFailed})
		assert.ErrorIs(t, err, notifications.ErrInvalidNotification)
	})
}

func TestManager_SendOnce(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	dedup := notifications.NewMemoryDeduplicator().WithClock(func() time.Time { return clock() })
	storage := notifications.NewMemoryStorage()
	m := notifications.NewManager(storage, notifications.WithDeduplicator(dedup))

	userID := uuid.New()
	n := notifications.Notification{UserID: userID, Kind: notifications.KindSubscriptionLimitReached}
	ctx := context.Background()

	sent, err := m.SendOnce(ctx, n, "project", notifications.DefaultDedupWindow)
	require.NoError(t, err)
	assert.True(t, sent)

	sent, err = m.SendOnce(ctx, n, "project", notifications.DefaultDedupWindow)
	require.NoError(t, err)
	assert.False(t, sent, "same key inside the window is suppressed")

	sent, err = m.SendOnce(ctx, n, "team", notifications.DefaultDedupWindow)
	require.NoError(t, err)
	assert.True(t, sent, "different discriminator is a different key")

	now = now.Add(25 * time.Hour)
	sent, err = m.SendOnce(ctx, n, "project", notifications.DefaultDedupWindow)
	require.NoError(t, err)
	assert.True(t, sent, "window elapsed")

	count, err := m.CountUnread(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

type failingStorage struct {
	*notifications.MemoryStorage
	failures int
}

func (s *failingStorage) Create(ctx context.Context, n notifications.Notification) error {
	if s.failures > 0 {
		s.failures--
		return errors.New("storage unavailable")
	}
	return s.MemoryStorage.Create(ctx, n)
}

func TestManager_SendOnceReleasesKeyOnFailure(t *testing.T) {
	t.Parallel()

	storage := &failingStorage{MemoryStorage: notifications.NewMemoryStorage(), failures: 1}
	dedup := notifications.NewMemoryDeduplicator()
	m := notifications.NewManager(storage, notifications.WithDeduplicator(dedup))
	n := notifications.Notification{UserID: uuid.New(), Kind: notifications.KindPaymentFailed}
	ctx := context.Background()

	sent, err := m.SendOnce(ctx, n, "", notifications.DefaultDedupWindow)
	require.Error(t, err)
	assert.False(t, sent)
	assert.Zero(t, dedup.Len(), "failed send keeps no window")

	sent, err = m.SendOnce(ctx, n, "", notifications.DefaultDedupWindow)
	require.NoError(t, err)
	assert.True(t, sent, "retry goes out")

	sent, err = m.SendOnce(ctx, n, "", notifications.DefaultDedupWindow)
	require.NoError(t, err)
	assert.False(t, sent)
}

func TestMemoryStorage_MarkRead(t *testing.T) {
	t.Parallel()

	storage := notifications.NewMemoryStorage()
	ctx := context.Background()
	userID := uuid.New()
	first := notifications.Notification{ID: uuid.New(), UserID: userID, Kind: notifications.KindUsageApproaching}
	second := notifications.Notification{ID: uuid.New(), UserID: userID, Kind: notifications.KindUsageExceeded}
	require.NoError(t, storage.Create(ctx, first))
	require.NoError(t, storage.Create(ctx, second))

	require.NoError(t, storage.MarkRead(ctx, userID, first.ID))
	assert.ErrorIs(t, storage.MarkRead(ctx, userID, uuid.New()), notifications.ErrNotificationNotFound)

	unread, err := storage.List(ctx, userID, notifications.ListOptions{OnlyUnread: true})
	require.NoError(t, err)
	require.Len(t, unread, 1)
	assert.Equal(t, second.ID, unread[0].ID)

	byKind, err := storage.List(ctx, userID, notifications.ListOptions{Kinds: []notifications.Kind{notifications.KindUsageApproaching}})
	require.NoError(t, err)
	require.Len(t, byKind, 1)
	assert.True(t, byKind[0].Read)
}
