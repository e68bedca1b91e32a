package ledger_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billingcore/pkg/ledger"
)

func seedUser(t *testing.T, store ledger.Store) uuid.UUID {
	t.Helper()
	id := uuid.New()
	err := store.WithTx(context.Background(), func(ctx context.Context, tx ledger.Tx) error {
		return tx.CreateUser(ctx, &ledger.User{ID: id, Email: "user@example.com", CreatedAt: time.Now()})
	})
	require.NoError(t, err)
	return id
}

func TestMemoryStore_WithTx(t *testing.T) {
	t.Parallel()

	t.Run("rolls back every write on error", func(t *testing.T) {
		t.Parallel()
		store := ledger.NewMemoryStore()
		boom := errors.New("boom")
		id := uuid.New()

		err := store.WithTx(context.Background(), func(ctx context.Context, tx ledger.Tx) error {
			require.NoError(t, tx.CreateUser(ctx, &ledger.User{ID: id}))
			return boom
		})
		require.ErrorIs(t, err, boom)

		err = store.WithTx(context.Background(), func(ctx context.Context, tx ledger.Tx) error {
			_, err := tx.GetUser(ctx, id)
			return err
		})
		assert.ErrorIs(t, err, ledger.ErrUserNotFound)
		assert.ErrorIs(t, err, ledger.ErrNotFound)
	})

	t.Run("nested calls join the outer transaction", func(t *testing.T) {
		t.Parallel()
		store := ledger.NewMemoryStore()
		id := uuid.New()
		boom := errors.New("outer failure")

		err := store.WithTx(context.Background(), func(ctx context.Context, _ ledger.Tx) error {
			err := store.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
				return tx.CreateUser(ctx, &ledger.User{ID: id})
			})
			require.NoError(t, err)
			return boom
		})
		require.ErrorIs(t, err, boom)

		err = store.WithTx(context.Background(), func(ctx context.Context, tx ledger.Tx) error {
			_, err := tx.GetUser(ctx, id)
			return err
		})
		assert.ErrorIs(t, err, ledger.ErrUserNotFound)
	})

	t.Run("after commit hooks run only on commit", func(t *testing.T) {
		t.Parallel()
		store := ledger.NewMemoryStore()
		var ran []string

		_ = store.WithTx(context.Background(), func(ctx context.Context, _ ledger.Tx) error {
			ledger.AfterCommit(ctx, func(context.Context) { ran = append(ran, "rolled back") })
			return errors.New("fail")
		})
		err := store.WithTx(context.Background(), func(ctx context.Context, _ ledger.Tx) error {
			return store.WithTx(ctx, func(ctx context.Context, _ ledger.Tx) error {
				ledger.AfterCommit(ctx, func(ctx context.Context) {
					assert.False(t, ledger.InTx(ctx))
					ran = append(ran, "committed")
				})
				return nil
			})
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"committed"}, ran)
	})

	t.Run("canceled context rolls back", func(t *testing.T) {
		t.Parallel()
		store := ledger.NewMemoryStore()
		ctx, cancel := context.WithCancel(context.Background())
		id := uuid.New()

		err := store.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
			require.NoError(t, tx.CreateUser(ctx, &ledger.User{ID: id}))
			cancel()
			return nil
		})
		require.ErrorIs(t, err, ledger.ErrTransactionFailed)

		err = store.WithTx(context.Background(), func(ctx context.Context, tx ledger.Tx) error {
			_, err := tx.GetUser(ctx, id)
			return err
		})
		assert.ErrorIs(t, err, ledger.ErrUserNotFound)
	})
}

func TestMemoryStore_SingleCurrentSubscription(t *testing.T) {
	t.Parallel()

	store := ledger.NewMemoryStore()
	userID := seedUser(t, store)
	now := time.Now()

	err := store.WithTx(context.Background(), func(ctx context.Context, tx ledger.Tx) error {
		first := &ledger.Subscription{ID: uuid.New(), UserID: userID, Status: ledger.SubscriptionActive, CurrentPeriodEnd: now}
		require.NoError(t, tx.CreateSubscription(ctx, first))

		second := &ledger.Subscription{ID: uuid.New(), UserID: userID, Status: ledger.SubscriptionPaused}
		assert.ErrorIs(t, tx.CreateSubscription(ctx, second), ledger.ErrLiveSubscriptionExists)

		ids, err := tx.ExpireCurrentSubscriptions(ctx, userID, now)
		require.NoError(t, err)
		assert.Equal(t, []uuid.UUID{first.ID}, ids)

		return tx.CreateSubscription(ctx, second)
	})
	require.NoError(t, err)
}

func TestMemoryStore_UsageBounds(t *testing.T) {
	t.Parallel()

	store := ledger.NewMemoryStore()
	err := store.WithTx(context.Background(), func(ctx context.Context, tx ledger.Tx) error {
		u := ledger.NewSubscriptionUsage(uuid.New(), ledger.Feature{Requests: 2, Credits: 10})
		require.NoError(t, tx.CreateUsage(ctx, &u))

		dup := ledger.NewSubscriptionUsage(*u.SubscriptionID, ledger.Feature{})
		assert.ErrorIs(t, tx.CreateUsage(ctx, &dup), ledger.ErrDuplicate)

		u.RemainingRequests = -1
		assert.ErrorIs(t, tx.UpdateUsage(ctx, &u), ledger.ErrUsageOutOfBounds)

		u.RemainingRequests = 3
		assert.ErrorIs(t, tx.UpdateUsage(ctx, &u), ledger.ErrUsageOutOfBounds)

		orphan := ledger.Usage{ID: uuid.New()}
		assert.ErrorIs(t, tx.CreateUsage(ctx, &orphan), ledger.ErrUsageOwner)
		return nil
	})
	require.NoError(t, err)
}

func TestMemoryStore_ListActivePurchasesFIFO(t *testing.T) {
	t.Parallel()

	store := ledger.NewMemoryStore()
	userID := seedUser(t, store)
	now := time.Now()
	past := now.Add(-time.Hour)

	purchases := []ledger.CreditPurchase{
		{ID: uuid.New(), UserID: userID, OrderID: "newer", Status: ledger.PurchaseActive, PurchasedAt: now.Add(-time.Minute)},
		{ID: uuid.New(), UserID: userID, OrderID: "older", Status: ledger.PurchaseActive, PurchasedAt: now.Add(-2 * time.Hour)},
		{ID: uuid.New(), UserID: userID, OrderID: "expired", Status: ledger.PurchaseActive, PurchasedAt: now.Add(-3 * time.Hour), ExpiresAt: &past},
		{ID: uuid.New(), UserID: userID, OrderID: "frozen", Status: ledger.PurchaseFrozen, PurchasedAt: now.Add(-4 * time.Hour)},
	}

	err := store.WithTx(context.Background(), func(ctx context.Context, tx ledger.Tx) error {
		for i := range purchases {
			require.NoError(t, tx.CreatePurchase(ctx, &purchases[i]))
		}
		dup := purchases[0]
		dup.ID = uuid.New()
		assert.ErrorIs(t, tx.CreatePurchase(ctx, &dup), ledger.ErrDuplicate)

		active, err := tx.ListActivePurchases(ctx, userID, now)
		require.NoError(t, err)
		require.Len(t, active, 2)
		assert.Equal(t, "older", active[0].OrderID)
		assert.Equal(t, "newer", active[1].OrderID)

		expired, err := tx.ListExpiredPurchases(ctx, now, 10)
		require.NoError(t, err)
		require.Len(t, expired, 1)
		assert.Equal(t, "expired", expired[0].OrderID)
		return nil
	})
	require.NoError(t, err)
}

func TestMemoryStore_IncrementPromotionUse(t *testing.T) {
	t.Parallel()

	store := ledger.NewMemoryStore()
	promo := &ledger.Promotion{ID: uuid.New(), Offer: ledger.Offer{Code: "LAUNCH", MaxUses: 2, Active: true}}

	err := store.WithTx(context.Background(), func(ctx context.Context, tx ledger.Tx) error {
		require.NoError(t, tx.CreatePromotion(ctx, promo))
		for _, want := range []bool{true, true, false} {
			ok, err := tx.IncrementPromotionUse(ctx, promo.ID)
			require.NoError(t, err)
			assert.Equal(t, want, ok)
		}
		got, err := tx.GetPromotionByCode(ctx, "launch")
		require.NoError(t, err)
		assert.Equal(t, int64(2), got.UsedCount)
		return nil
	})
	require.NoError(t, err)
}

func TestMemoryStore_PaymentOrdering(t *testing.T) {
	t.Parallel()

	store := ledger.NewMemoryStore()
	userID := seedUser(t, store)
	subID := uuid.New()
	now := time.Now()

	err := store.WithTx(context.Background(), func(ctx context.Context, tx ledger.Tx) error {
		first := &ledger.Payment{ID: uuid.New(), UserID: userID, SubscriptionID: &subID, Status: ledger.PaymentPending, CreatedAt: now}
		second := &ledger.Payment{ID: uuid.New(), UserID: userID, SubscriptionID: &subID, Status: ledger.PaymentSucceeded, CreatedAt: now,
			Metadata: map[string]string{ledger.MetadataSaleID: "SALE-1"}}
		require.NoError(t, tx.CreatePayment(ctx, first))
		require.NoError(t, tx.CreatePayment(ctx, second))

		latest, err := tx.GetLatestSubscriptionPayment(ctx, subID)
		require.NoError(t, err)
		assert.Equal(t, second.ID, latest.ID)
		assert.Equal(t, "SALE-1", latest.SaleID())

		latest.Metadata[ledger.MetadataSaleID] = "mutated"
		again, err := tx.GetLatestSubscriptionPayment(ctx, subID)
		require.NoError(t, err)
		assert.Equal(t, "SALE-1", again.SaleID())

		n, err := tx.CancelPendingPayments(ctx, []uuid.UUID{subID})
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
		return nil
	})
	require.NoError(t, err)
}

func TestMemoryStore_WebhookQueue(t *testing.T) {
	t.Parallel()

	store := ledger.NewMemoryStore()
	now := time.Now()
	processedAt := now.Add(-40 * 24 * time.Hour)

	entries := []ledger.WebhookEntry{
		{ID: uuid.New(), Provider: "paypal", Topic: "a", ObjectID: "1", Status: ledger.WebhookPending, Attempts: 1, CreatedAt: now.Add(-time.Minute)},
		{ID: uuid.New(), Provider: "paypal", Topic: "a", ObjectID: "2", Status: ledger.WebhookPending, Attempts: 0, CreatedAt: now.Add(-time.Hour)},
		{ID: uuid.New(), Provider: "paypal", Topic: "a", ObjectID: "3", Status: ledger.WebhookPending, Attempts: 3, CreatedAt: now.Add(-2 * time.Hour)},
		{ID: uuid.New(), Provider: "paypal", Topic: "a", ObjectID: "4", Status: ledger.WebhookPending, NextAttemptAt: now.Add(time.Hour), CreatedAt: now},
		{ID: uuid.New(), Provider: "paypal", Topic: "a", ObjectID: "5", Status: ledger.WebhookFailed, Attempts: 3, CreatedAt: now},
		{ID: uuid.New(), Provider: "paypal", Topic: "a", ObjectID: "6", Status: ledger.WebhookFailed, Attempts: 5, CreatedAt: now},
		{ID: uuid.New(), Provider: "paypal", Topic: "a", ObjectID: "7", Status: ledger.WebhookProcessed, ProcessedAt: &processedAt, CreatedAt: now},
	}

	err := store.WithTx(context.Background(), func(ctx context.Context, tx ledger.Tx) error {
		for i := range entries {
			require.NoError(t, tx.CreateWebhook(ctx, &entries[i]))
		}
		dup := entries[0]
		dup.ID = uuid.New()
		assert.ErrorIs(t, tx.CreateWebhook(ctx, &dup), ledger.ErrDuplicate)

		pending, err := tx.ListPendingWebhooks(ctx, 3, now, 10)
		require.NoError(t, err)
		require.Len(t, pending, 2)
		assert.Equal(t, "2", pending[0].ObjectID)
		assert.Equal(t, "1", pending[1].ObjectID)

		reset, err := tx.ResetFailedWebhooks(ctx, 5, now)
		require.NoError(t, err)
		assert.Equal(t, int64(1), reset)

		deleted, err := tx.DeleteProcessedWebhooksBefore(ctx, now.Add(-30*24*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(1), deleted)
		return nil
	})
	require.NoError(t, err)
}

func TestMemoryStore_FreePlanNameImmutable(t *testing.T) {
	t.Parallel()

	store := ledger.NewMemoryStore()
	err := store.WithTx(context.Background(), func(ctx context.Context, tx ledger.Tx) error {
		free := &ledger.Plan{Name: ledger.FreePlanName}
		require.NoError(t, tx.UpsertPlan(ctx, free))
		require.NotEqual(t, uuid.Nil, free.ID)

		renamed := *free
		renamed.Name = "BASIC"
		assert.ErrorIs(t, tx.UpsertPlan(ctx, &renamed), ledger.ErrFreePlanImmutable)
		return nil
	})
	require.NoError(t, err)
}
