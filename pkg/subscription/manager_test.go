package subscription_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billingcore/pkg/ledger"
	"github.com/dmitrymomot/billingcore/pkg/notifications"
	"github.com/dmitrymomot/billingcore/pkg/subscription"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type recordingNotifier struct {
	mu    sync.Mutex
	kinds []notifications.Kind
}

func (r *recordingNotifier) Send(_ context.Context, n notifications.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds = append(r.kinds, n.Kind)
	return nil
}

func (r *recordingNotifier) sent() []notifications.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notifications.Kind(nil), r.kinds...)
}

var (
	freeFeature = ledger.Feature{Projects: 1, Requests: 10, Credits: 10}
	proFeature  = ledger.Feature{Projects: 20, Teams: 5, Proposals: 50, Requests: 1000, Credits: 5000}
)

type fixture struct {
	store    *ledger.MemoryStore
	clock    *clock
	notifier *recordingNotifier
	mgr      *subscription.Manager
	userID   uuid.UUID
	free     ledger.Plan
	pro      ledger.Plan
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:    ledger.NewMemoryStore(),
		clock:    &clock{t: time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)},
		notifier: &recordingNotifier{},
		userID:   uuid.New(),
		free:     ledger.Plan{ID: uuid.New(), Name: ledger.FreePlanName, Period: ledger.PeriodMonthly, Active: true, Currency: "USD", Feature: freeFeature},
		pro:      ledger.Plan{ID: uuid.New(), Name: "PRO", Price: 1999, Currency: "USD", Period: ledger.PeriodMonthly, Active: true, ExternalPlanID: "P-PRO", Feature: proFeature},
	}
	f.mgr = subscription.NewManager(f.store, f.notifier, subscription.WithClock(f.clock.Now))
	f.tx(t, func(ctx context.Context, tx ledger.Tx) error {
		if err := tx.CreateUser(ctx, &ledger.User{ID: f.userID, Email: "u@example.com"}); err != nil {
			return err
		}
		if err := tx.UpsertPlan(ctx, &f.free); err != nil {
			return err
		}
		return tx.UpsertPlan(ctx, &f.pro)
	})
	return f
}

func (f *fixture) tx(t *testing.T, fn ledger.TxFunc) {
	t.Helper()
	require.NoError(t, f.store.WithTx(context.Background(), fn))
}

func (f *fixture) paid(externalID string) subscription.PaymentDetails {
	return subscription.PaymentDetails{
		ExternalID: externalID,
		SaleID:     "sale-" + externalID,
		Amount:     1999,
		Currency:   "USD",
		Gateway:    "paypal",
		Status:     ledger.PaymentSucceeded,
		PaidAt:     f.clock.Now(),
	}
}

func (f *fixture) subscribePro(t *testing.T) *ledger.Subscription {
	t.Helper()
	sub, err := f.mgr.Subscribe(context.Background(), subscription.SubscribeRequest{
		UserID:        f.userID,
		PlanID:        f.pro.ID,
		ExternalSubID: "I-PRO-1",
		Payment:       f.paid("PAY-1"),
	})
	require.NoError(t, err)
	return sub
}

func (f *fixture) usage(t *testing.T, subID uuid.UUID) ledger.Usage {
	t.Helper()
	var u *ledger.Usage
	f.tx(t, func(ctx context.Context, tx ledger.Tx) error {
		var err error
		u, err = tx.GetSubscriptionUsage(ctx, subID)
		return err
	})
	return *u
}

func (f *fixture) subscription(t *testing.T, id uuid.UUID) ledger.Subscription {
	t.Helper()
	var s *ledger.Subscription
	f.tx(t, func(ctx context.Context, tx ledger.Tx) error {
		var err error
		s, err = tx.GetSubscription(ctx, id)
		return err
	})
	return *s
}

func (f *fixture) payments(t *testing.T) []ledger.Payment {
	t.Helper()
	var out []ledger.Payment
	f.tx(t, func(ctx context.Context, tx ledger.Tx) error {
		var err error
		out, err = tx.ListPayments(ctx, f.userID)
		return err
	})
	return out
}

func (f *fixture) spend(t *testing.T, subID uuid.UUID) {
	t.Helper()
	f.tx(t, func(ctx context.Context, tx ledger.Tx) error {
		u, err := tx.GetSubscriptionUsage(ctx, subID)
		if err != nil {
			return err
		}
		u.RemainingRequests = 0
		u.RemainingCredits = 0
		return tx.UpdateUsage(ctx, u)
	})
}

func TestManager_CreateDefaultSubscription(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	first, err := f.mgr.CreateDefaultSubscription(ctx, f.userID)
	require.NoError(t, err)
	assert.Equal(t, f.free.ID, first.PlanID)
	assert.Equal(t, ledger.SubscriptionActive, first.Status)
	assert.Equal(t, f.clock.Now().AddDate(0, 1, 0), first.CurrentPeriodEnd)
	assert.Equal(t, freeFeature.Requests, f.usage(t, first.ID).RemainingRequests)

	second, err := f.mgr.CreateDefaultSubscription(ctx, f.userID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	_, err = f.mgr.CreateDefaultSubscription(ctx, uuid.New())
	assert.ErrorIs(t, err, ledger.ErrUserNotFound)
}

func TestManager_Subscribe(t *testing.T) {
	t.Parallel()

	t.Run("replaces the free subscription", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		free, err := f.mgr.CreateDefaultSubscription(context.Background(), f.userID)
		require.NoError(t, err)

		sub := f.subscribePro(t)

		assert.Equal(t, ledger.SubscriptionActive, sub.Status)
		assert.Equal(t, "I-PRO-1", sub.ExternalID)
		assert.Equal(t, f.clock.Now().AddDate(0, 1, 0), sub.CurrentPeriodEnd)
		assert.Equal(t, ledger.SubscriptionExpired, f.subscription(t, free.ID).Status)
		assert.Equal(t, proFeature.Proposals, f.usage(t, sub.ID).RemainingProposals)

		payments := f.payments(t)
		require.Len(t, payments, 1)
		assert.Equal(t, "sale-PAY-1", payments[0].SaleID())
		assert.Equal(t, sub.ID, *payments[0].SubscriptionID)

		assert.Equal(t, []notifications.Kind{notifications.KindSubscriptionActivated}, f.notifier.sent())
	})

	t.Run("requires a succeeded payment", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		p := f.paid("PAY-2")
		p.Status = ledger.PaymentPending

		_, err := f.mgr.Subscribe(context.Background(), subscription.SubscribeRequest{
			UserID: f.userID, PlanID: f.pro.ID, ExternalSubID: "I-2", Payment: p,
		})
		require.ErrorIs(t, err, subscription.ErrPaymentNotSuccessful)
		assert.Empty(t, f.payments(t))
	})

	t.Run("rejects activating the same plan twice", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		sub := f.subscribePro(t)

		_, err := f.mgr.Subscribe(context.Background(), subscription.SubscribeRequest{
			UserID: f.userID, PlanID: f.pro.ID, ExternalSubID: "I-PRO-1", Payment: f.paid("PAY-9"),
		})
		require.ErrorIs(t, err, subscription.ErrInvalidState)
		assert.ErrorIs(t, err, subscription.ErrAlreadySubscribed)

		_, err = f.mgr.Subscribe(context.Background(), subscription.SubscribeRequest{
			UserID: f.userID, PlanID: f.pro.ID, ExternalSubID: "I-PRO-2", Payment: f.paid("PAY-10"),
		})
		assert.ErrorIs(t, err, subscription.ErrAlreadySubscribed, "a new gateway id does not allow a second activation")

		assert.Equal(t, ledger.SubscriptionActive, f.subscription(t, sub.ID).Status)
		assert.Len(t, f.payments(t), 1)
	})

	t.Run("honours explicit period bounds", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		start := f.clock.Now().Add(-time.Hour)
		end := start.AddDate(1, 0, 0)

		sub, err := f.mgr.Subscribe(context.Background(), subscription.SubscribeRequest{
			UserID: f.userID, PlanID: f.pro.ID, ExternalSubID: "I-3", Payment: f.paid("PAY-3"),
			PeriodStart: start, PeriodEnd: end,
		})
		require.NoError(t, err)
		assert.Equal(t, start, sub.CurrentPeriodStart)
		assert.Equal(t, end, sub.CurrentPeriodEnd)
	})
}

func TestManager_Renew(t *testing.T) {
	t.Parallel()

	t.Run("extends from the payment time and resets usage", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		sub := f.subscribePro(t)
		f.spend(t, sub.ID)

		f.clock.Advance(29 * 24 * time.Hour)
		renewed, err := f.mgr.Renew(context.Background(), f.userID, f.pro.ID, f.paid("PAY-R"))
		require.NoError(t, err)

		assert.Equal(t, sub.ID, renewed.ID)
		assert.Equal(t, f.clock.Now(), renewed.CurrentPeriodStart)
		assert.Equal(t, f.clock.Now().AddDate(0, 1, 0), renewed.CurrentPeriodEnd)

		u := f.usage(t, sub.ID)
		assert.Equal(t, proFeature.Requests, u.RemainingRequests)
		assert.Equal(t, proFeature.Credits, u.RemainingCredits)
		assert.Len(t, f.payments(t), 2)
		assert.Contains(t, f.notifier.sent(), notifications.KindSubscriptionRenewed)
	})

	t.Run("without a subscription nothing is written", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)

		_, err := f.mgr.Renew(context.Background(), f.userID, f.pro.ID, f.paid("PAY-R"))
		require.ErrorIs(t, err, ledger.ErrSubscriptionNotFound)
		assert.Empty(t, f.payments(t))
	})

	t.Run("free plan cannot be renewed", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		_, err := f.mgr.CreateDefaultSubscription(context.Background(), f.userID)
		require.NoError(t, err)

		_, err = f.mgr.Renew(context.Background(), f.userID, f.free.ID, f.paid("PAY-R"))
		require.ErrorIs(t, err, subscription.ErrInvalidState)
		assert.ErrorIs(t, err, subscription.ErrFreePlanRenewal)
	})

	t.Run("plan mismatch", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.subscribePro(t)

		_, err := f.mgr.Renew(context.Background(), f.userID, uuid.New(), f.paid("PAY-R"))
		assert.ErrorIs(t, err, subscription.ErrPlanMismatch)
	})
}

func TestManager_FreezeUnfreeze(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	_, err := f.mgr.Freeze(ctx, f.userID)
	require.ErrorIs(t, err, ledger.ErrSubscriptionNotFound)

	sub := f.subscribePro(t)

	paused, err := f.mgr.Freeze(ctx, f.userID)
	require.NoError(t, err)
	assert.Equal(t, ledger.SubscriptionPaused, paused.Status)

	_, err = f.mgr.Freeze(ctx, f.userID)
	require.ErrorIs(t, err, subscription.ErrInvalidState)

	active, err := f.mgr.Unfreeze(ctx, f.userID)
	require.NoError(t, err)
	assert.Equal(t, sub.ID, active.ID)
	assert.Equal(t, ledger.SubscriptionActive, active.Status)
}

func TestManager_Hold(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.subscribePro(t)

	held, err := f.mgr.Hold(context.Background(), f.userID)
	require.NoError(t, err)
	assert.Equal(t, ledger.SubscriptionOnHold, held.Status)

	renewed, err := f.mgr.Renew(context.Background(), f.userID, f.pro.ID, f.paid("PAY-H"))
	require.NoError(t, err)
	assert.Equal(t, ledger.SubscriptionActive, renewed.Status)
}

func TestManager_Cancel(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	sub := f.subscribePro(t)

	f.tx(t, func(ctx context.Context, tx ledger.Tx) error {
		return tx.CreatePayment(ctx, &ledger.Payment{
			ID: uuid.New(), UserID: f.userID, SubscriptionID: &sub.ID, Status: ledger.PaymentPending,
		})
	})

	canceled, err := f.mgr.Cancel(ctx, f.userID, "too expensive")
	require.NoError(t, err)
	assert.Equal(t, ledger.SubscriptionCanceled, canceled.Status)
	assert.Equal(t, "too expensive", canceled.CancelReason)
	require.NotNil(t, canceled.CanceledAt)
	assert.Equal(t, f.clock.Now(), canceled.CurrentPeriodEnd)

	for _, p := range f.payments(t) {
		assert.NotEqual(t, ledger.PaymentPending, p.Status)
	}

	cur, err := f.mgr.Current(ctx, f.userID)
	require.NoError(t, err)
	assert.Equal(t, f.free.ID, cur.PlanID)
	assert.Contains(t, f.notifier.sent(), notifications.KindSubscriptionCanceled)
}

func TestManager_Reset(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	sub := f.subscribePro(t)

	fresh, err := f.mgr.Reset(context.Background(), f.userID)
	require.NoError(t, err)
	assert.NotEqual(t, sub.ID, fresh.ID)
	assert.Equal(t, f.free.ID, fresh.PlanID)
	assert.Equal(t, ledger.SubscriptionExpired, f.subscription(t, sub.ID).Status)
}

func TestManager_CheckAndManageCycle(t *testing.T) {
	t.Parallel()

	t.Run("reports days left inside the period", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.subscribePro(t)
		f.clock.Advance(20*24*time.Hour + time.Hour)

		state, err := f.mgr.CheckAndManageCycle(context.Background(), f.userID)
		require.NoError(t, err)
		assert.False(t, state.Expired)
		assert.Equal(t, 11, state.DaysUntilExpiration)
		assert.Equal(t, subscription.CycleNone, state.Action)
	})

	t.Run("free period rolls forward", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		sub, err := f.mgr.CreateDefaultSubscription(context.Background(), f.userID)
		require.NoError(t, err)
		f.spend(t, sub.ID)
		f.clock.Advance(32 * 24 * time.Hour)

		state, err := f.mgr.CheckAndManageCycle(context.Background(), f.userID)
		require.NoError(t, err)
		assert.True(t, state.Expired)
		assert.Equal(t, subscription.CycleRollover, state.Action)

		rolled := f.subscription(t, sub.ID)
		assert.True(t, rolled.CurrentPeriodEnd.After(f.clock.Now()))
		assert.Equal(t, freeFeature.Requests, f.usage(t, sub.ID).RemainingRequests)
	})

	t.Run("succeeded payment renews from the period end", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		sub := f.subscribePro(t)
		f.spend(t, sub.ID)
		oldEnd := sub.CurrentPeriodEnd
		f.clock.Advance(32 * 24 * time.Hour)

		action, err := f.mgr.HandleCycleTransition(context.Background(), f.userID)
		require.NoError(t, err)
		assert.Equal(t, subscription.CycleRenew, action)

		renewed := f.subscription(t, sub.ID)
		assert.Equal(t, ledger.SubscriptionActive, renewed.Status)
		assert.Equal(t, oldEnd, renewed.CurrentPeriodStart)
		assert.Equal(t, oldEnd.AddDate(0, 1, 0), renewed.CurrentPeriodEnd)
		assert.Equal(t, proFeature.Requests, f.usage(t, sub.ID).RemainingRequests)

		payments := f.payments(t)
		require.Len(t, payments, 1)
		assert.Equal(t, ledger.PaymentSucceeded, payments[0].Status)
		assert.Contains(t, f.notifier.sent(), notifications.KindSubscriptionRenewed)
	})

	t.Run("on hold subscription renews back to active", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		sub := f.subscribePro(t)
		_, err := f.mgr.Hold(context.Background(), f.userID)
		require.NoError(t, err)
		f.clock.Advance(31 * 24 * time.Hour)

		action, err := f.mgr.HandleCycleTransition(context.Background(), f.userID)
		require.NoError(t, err)
		assert.Equal(t, subscription.CycleRenew, action)
		assert.Equal(t, ledger.SubscriptionActive, f.subscription(t, sub.ID).Status)
	})

	t.Run("unpaid period expires to free", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		sub := f.subscribePro(t)
		f.tx(t, func(ctx context.Context, tx ledger.Tx) error {
			return tx.CreatePayment(ctx, &ledger.Payment{
				ID: uuid.New(), UserID: f.userID, SubscriptionID: &sub.ID, Status: ledger.PaymentPending,
				Amount: 1999, Currency: "USD", ExternalID: "PAY-NEXT",
			})
		})
		f.clock.Advance(32 * 24 * time.Hour)

		state, err := f.mgr.CheckAndManageCycle(context.Background(), f.userID)
		require.NoError(t, err)
		assert.Equal(t, subscription.CycleExpire, state.Action)
		assert.Equal(t, ledger.SubscriptionExpired, f.subscription(t, sub.ID).Status)

		cur, err := f.mgr.Current(context.Background(), f.userID)
		require.NoError(t, err)
		assert.Equal(t, f.free.ID, cur.PlanID)
	})
}

func TestManager_SweepCycles(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.subscribePro(t)
	f.clock.Advance(40 * 24 * time.Hour)

	n, err := f.mgr.SweepCycles(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = f.mgr.SweepCycles(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestManager_UpdatePaymentStatus(t *testing.T) {
	t.Parallel()

	t.Run("failed payment expires the subscription", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		sub := f.subscribePro(t)

		p, err := f.mgr.UpdatePaymentStatus(context.Background(), f.userID, "PAY-1", ledger.PaymentFailed)
		require.NoError(t, err)
		assert.Equal(t, ledger.PaymentFailed, p.Status)
		assert.Equal(t, ledger.SubscriptionExpired, f.subscription(t, sub.ID).Status)
		assert.Contains(t, f.notifier.sent(), notifications.KindPaymentFailed)
	})

	t.Run("success reactivates and resets usage", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		sub := f.subscribePro(t)
		_, err := f.mgr.Hold(context.Background(), f.userID)
		require.NoError(t, err)
		f.spend(t, sub.ID)
		f.tx(t, func(ctx context.Context, tx ledger.Tx) error {
			return tx.CreatePayment(ctx, &ledger.Payment{
				ID: uuid.New(), UserID: f.userID, SubscriptionID: &sub.ID, Status: ledger.PaymentPending,
				ExternalID: "PAY-RETRY",
			})
		})

		_, err = f.mgr.UpdatePaymentStatus(context.Background(), f.userID, "", ledger.PaymentSucceeded)
		require.NoError(t, err)
		assert.Equal(t, ledger.SubscriptionActive, f.subscription(t, sub.ID).Status)
		assert.Equal(t, proFeature.Requests, f.usage(t, sub.ID).RemainingRequests)
	})

	t.Run("payment of another user", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.subscribePro(t)

		_, err := f.mgr.UpdatePaymentStatus(context.Background(), uuid.New(), "PAY-1", ledger.PaymentFailed)
		assert.ErrorIs(t, err, subscription.ErrPaymentOwner)
	})

	t.Run("unrecorded denied charge is stored as a new failed payment", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		sub := f.subscribePro(t)

		p, err := f.mgr.UpdatePaymentStatus(context.Background(), f.userID, "SALE-DENIED", ledger.PaymentFailed)
		require.NoError(t, err)
		assert.Equal(t, "SALE-DENIED", p.ExternalID)
		assert.Equal(t, ledger.PaymentFailed, p.Status)
		assert.Equal(t, sub.ID, *p.SubscriptionID)
		assert.Equal(t, f.pro.Price, p.Amount)
		assert.Equal(t, ledger.SubscriptionExpired, f.subscription(t, sub.ID).Status)

		payments := f.payments(t)
		require.Len(t, payments, 2)
		for _, pay := range payments {
			if pay.ExternalID == "PAY-1" {
				assert.Equal(t, ledger.PaymentSucceeded, pay.Status)
			}
		}
	})

	t.Run("unrecorded charge for a free subscription", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		_, err := f.mgr.CreateDefaultSubscription(context.Background(), f.userID)
		require.NoError(t, err)

		_, err = f.mgr.UpdatePaymentStatus(context.Background(), f.userID, "SALE-FREE", ledger.PaymentFailed)
		require.ErrorIs(t, err, subscription.ErrInvalidState)
		assert.Empty(t, f.payments(t))
	})

	t.Run("latest payment lookup ignores credit purchases", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		sub := f.subscribePro(t)
		purchaseID := uuid.New()
		f.tx(t, func(ctx context.Context, tx ledger.Tx) error {
			return tx.CreatePayment(ctx, &ledger.Payment{
				ID: uuid.New(), UserID: f.userID, PurchaseID: &purchaseID, Status: ledger.PaymentSucceeded,
				Amount: 500, Currency: "USD", ExternalID: "CAPTURE-1",
			})
		})

		p, err := f.mgr.UpdatePaymentStatus(context.Background(), f.userID, "", ledger.PaymentFailed)
		require.NoError(t, err)
		assert.Equal(t, "PAY-1", p.ExternalID)
		assert.Equal(t, ledger.SubscriptionExpired, f.subscription(t, sub.ID).Status)

		for _, pay := range f.payments(t) {
			if pay.ExternalID == "CAPTURE-1" {
				assert.Equal(t, ledger.PaymentSucceeded, pay.Status)
			}
		}
	})
}

func TestManager_Expire(t *testing.T) {
	t.Parallel()

	t.Run("ignores an event older than a renewal", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		sub := f.subscribePro(t)
		eventAt := f.clock.Now().AddDate(0, 1, 0)

		f.clock.Advance(29 * 24 * time.Hour)
		_, err := f.mgr.Renew(context.Background(), f.userID, f.pro.ID, f.paid("PAY-R"))
		require.NoError(t, err)

		applied, err := f.mgr.Expire(context.Background(), "I-PRO-1", eventAt)
		require.NoError(t, err)
		assert.False(t, applied)
		assert.Equal(t, ledger.SubscriptionActive, f.subscription(t, sub.ID).Status)
	})

	t.Run("expires once the period is over", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		sub := f.subscribePro(t)
		f.clock.Advance(31 * 24 * time.Hour)

		applied, err := f.mgr.Expire(context.Background(), "I-PRO-1", f.clock.Now())
		require.NoError(t, err)
		assert.True(t, applied)
		assert.Equal(t, ledger.SubscriptionExpired, f.subscription(t, sub.ID).Status)
	})
}

func TestManager_OneCurrentSubscription(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	_, err := f.mgr.CreateDefaultSubscription(ctx, f.userID)
	require.NoError(t, err)
	f.subscribePro(t)
	_, err = f.mgr.Cancel(ctx, f.userID, "")
	require.NoError(t, err)
	f.subscribePro(t)

	current := 0
	err = f.store.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		subs, err := tx.ListSubscriptionsEndingBefore(ctx, f.clock.Now().AddDate(10, 0, 0), 0)
		if err != nil {
			return err
		}
		for _, s := range subs {
			if s.UserID == f.userID && s.Status.IsCurrent() {
				current++
			}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, current)
}

func TestCanTransition(t *testing.T) {
	t.Parallel()

	assert.True(t, subscription.CanTransition(ledger.SubscriptionActive, ledger.SubscriptionPaused))
	assert.True(t, subscription.CanTransition(ledger.SubscriptionPaused, ledger.SubscriptionActive))
	assert.True(t, subscription.CanTransition(ledger.SubscriptionOnHold, ledger.SubscriptionExpired))
	assert.False(t, subscription.CanTransition(ledger.SubscriptionExpired, ledger.SubscriptionActive))
	assert.False(t, subscription.CanTransition(ledger.SubscriptionCanceled, ledger.SubscriptionActive))
	assert.False(t, subscription.CanTransition(ledger.SubscriptionPaused, ledger.SubscriptionOnHold))
}
