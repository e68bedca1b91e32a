package webhook_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billingcore/pkg/credits"
	"github.com/dmitrymomot/billingcore/pkg/gateway"
	"github.com/dmitrymomot/billingcore/pkg/ledger"
	"github.com/dmitrymomot/billingcore/pkg/subscription"
	"github.com/dmitrymomot/billingcore/pkg/webhook"
)

type mockSubscriptions struct {
	mock.Mock
}

func (m *mockSubscriptions) sub(args mock.Arguments) (*ledger.Subscription, error) {
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*ledger.Subscription), args.Error(1)
}

func (m *mockSubscriptions) Subscribe(ctx context.Context, req subscription.SubscribeRequest) (*ledger.Subscription, error) {
	return m.sub(m.Called(ctx, req))
}

func (m *mockSubscriptions) Renew(ctx context.Context, userID, planID uuid.UUID, payment subscription.PaymentDetails) (*ledger.Subscription, error) {
	return m.sub(m.Called(ctx, userID, planID, payment))
}

func (m *mockSubscriptions) Freeze(ctx context.Context, userID uuid.UUID) (*ledger.Subscription, error) {
	return m.sub(m.Called(ctx, userID))
}

func (m *mockSubscriptions) Unfreeze(ctx context.Context, userID uuid.UUID) (*ledger.Subscription, error) {
	return m.sub(m.Called(ctx, userID))
}

func (m *mockSubscriptions) Hold(ctx context.Context, userID uuid.UUID) (*ledger.Subscription, error) {
	return m.sub(m.Called(ctx, userID))
}

func (m *mockSubscriptions) Cancel(ctx context.Context, userID uuid.UUID, reason string) (*ledger.Subscription, error) {
	return m.sub(m.Called(ctx, userID, reason))
}

func (m *mockSubscriptions) Expire(ctx context.Context, externalSubID string, occurredAt time.Time) (bool, error) {
	args := m.Called(ctx, externalSubID, occurredAt)
	return args.Bool(0), args.Error(1)
}

func (m *mockSubscriptions) UpdatePaymentStatus(ctx context.Context, userID uuid.UUID, externalChargeID string, status ledger.PaymentStatus) (*ledger.Payment, error) {
	args := m.Called(ctx, userID, externalChargeID, status)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*ledger.Payment), args.Error(1)
}

type mockCredits struct {
	mock.Mock
}

func (m *mockCredits) Fulfill(ctx context.Context, req credits.FulfillRequest) (*ledger.CreditPurchase, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*ledger.CreditPurchase), args.Error(1)
}

func (m *mockCredits) SetStatus(ctx context.Context, orderID string, status ledger.PurchaseStatus) (*ledger.CreditPurchase, error) {
	args := m.Called(ctx, orderID, status)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*ledger.CreditPurchase), args.Error(1)
}

type handlerFixture struct {
	store   *ledger.MemoryStore
	subs    *mockSubscriptions
	credits *mockCredits
	h       *webhook.Handlers
	userID  uuid.UUID
	planID  uuid.UUID
	sub     ledger.Subscription
}

func newHandlerFixture(t *testing.T, status ledger.SubscriptionStatus) *handlerFixture {
	t.Helper()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f := &handlerFixture{
		store:   ledger.NewMemoryStore(),
		subs:    &mockSubscriptions{},
		credits: &mockCredits{},
		userID:  uuid.New(),
		planID:  uuid.New(),
	}
	f.sub = ledger.Subscription{
		ID: uuid.New(), UserID: f.userID, PlanID: f.planID, ExternalID: "I-SUB1", Status: status,
		CurrentPeriodStart: now, CurrentPeriodEnd: now.AddDate(0, 1, 0),
	}
	require.NoError(t, f.store.WithTx(context.Background(), func(ctx context.Context, tx ledger.Tx) error {
		if err := tx.CreateUser(ctx, &ledger.User{ID: f.userID}); err != nil {
			return err
		}
		if err := tx.UpsertPlan(ctx, &ledger.Plan{
			ID: f.planID, Name: "PRO", Price: 2500, Currency: "EUR", Period: ledger.PeriodMonthly,
			Active: true, ExternalPlanID: "P-PRO",
		}); err != nil {
			return err
		}
		return tx.CreateSubscription(ctx, &f.sub)
	}))
	f.h = webhook.NewHandlers(f.store, f.subs, f.credits, webhook.WithHandlerClock(func() time.Time { return now }))
	t.Cleanup(func() {
		f.subs.AssertExpectations(t)
		f.credits.AssertExpectations(t)
	})
	return f
}

func (f *handlerFixture) subEvent(topic gateway.Topic) *gateway.Event {
	return &gateway.Event{
		Provider: "paypal",
		Topic:    topic,
		ObjectID: f.sub.ExternalID,
		Subscription: &gateway.SubscriptionBody{
			ExternalID:     f.sub.ExternalID,
			ExternalPlanID: "P-PRO",
			UserID:         f.userID,
		},
	}
}

func TestHandlers_SubscriptionActivated(t *testing.T) {
	t.Parallel()

	t.Run("falls back to the plan price", func(t *testing.T) {
		t.Parallel()
		f := newHandlerFixture(t, ledger.SubscriptionActive)
		e := f.subEvent(gateway.TopicSubscriptionActivated)
		e.OccurredAt = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

		f.subs.On("Subscribe", mock.Anything, mock.MatchedBy(func(req subscription.SubscribeRequest) bool {
			return req.UserID == f.userID && req.PlanID == f.planID &&
				req.Payment.Amount == 2500 && req.Payment.Currency == "EUR" &&
				req.Payment.Status == ledger.PaymentSucceeded && req.Payment.PaidAt.Equal(e.OccurredAt)
		})).Return(&f.sub, nil).Once()

		require.NoError(t, f.h.SubscriptionActivated(context.Background(), e))
	})

	t.Run("requires a user", func(t *testing.T) {
		t.Parallel()
		f := newHandlerFixture(t, ledger.SubscriptionActive)
		e := f.subEvent(gateway.TopicSubscriptionActivated)
		e.Subscription.UserID = uuid.Nil

		assert.ErrorIs(t, f.h.SubscriptionActivated(context.Background(), e), webhook.ErrMissingUser)
	})

	t.Run("unknown plan", func(t *testing.T) {
		t.Parallel()
		f := newHandlerFixture(t, ledger.SubscriptionActive)
		e := f.subEvent(gateway.TopicSubscriptionActivated)
		e.Subscription.ExternalPlanID = "P-GONE"

		assert.ErrorIs(t, f.h.SubscriptionActivated(context.Background(), e), ledger.ErrPlanNotFound)
	})
}

func TestHandlers_StatusEvents(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status ledger.SubscriptionStatus
		topic  gateway.Topic
		call   string
	}{
		{name: "suspend active", status: ledger.SubscriptionActive, topic: gateway.TopicSubscriptionSuspended, call: "Freeze"},
		{name: "suspend paused", status: ledger.SubscriptionPaused, topic: gateway.TopicSubscriptionSuspended},
		{name: "suspend on hold", status: ledger.SubscriptionOnHold, topic: gateway.TopicSubscriptionSuspended, call: "Freeze"},
		{name: "resume paused", status: ledger.SubscriptionPaused, topic: gateway.TopicSubscriptionResumed, call: "Unfreeze"},
		{name: "resume active", status: ledger.SubscriptionActive, topic: gateway.TopicSubscriptionResumed},
		{name: "past due active", status: ledger.SubscriptionActive, topic: gateway.TopicSubscriptionPastDue, call: "Hold"},
		{name: "past due paused", status: ledger.SubscriptionPaused, topic: gateway.TopicSubscriptionPastDue},
		{name: "suspend expired", status: ledger.SubscriptionExpired, topic: gateway.TopicSubscriptionSuspended},
		{name: "cancel canceled", status: ledger.SubscriptionCanceled, topic: gateway.TopicSubscriptionCancelled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newHandlerFixture(t, tt.status)
			if tt.call != "" {
				f.subs.On(tt.call, mock.Anything, f.userID).Return(&f.sub, nil).Once()
			}
			require.NoError(t, f.h.Router()[tt.topic](context.Background(), f.subEvent(tt.topic)))
		})
	}

	t.Run("cancel active", func(t *testing.T) {
		t.Parallel()
		f := newHandlerFixture(t, ledger.SubscriptionActive)
		f.subs.On("Cancel", mock.Anything, f.userID, "canceled via paypal").Return(&f.sub, nil).Once()
		require.NoError(t, f.h.SubscriptionCancelled(context.Background(), f.subEvent(gateway.TopicSubscriptionCancelled)))
	})

	t.Run("unknown subscription", func(t *testing.T) {
		t.Parallel()
		f := newHandlerFixture(t, ledger.SubscriptionActive)
		e := f.subEvent(gateway.TopicSubscriptionSuspended)
		e.Subscription.ExternalID = "I-OTHER"
		assert.ErrorIs(t, f.h.SubscriptionSuspended(context.Background(), e), ledger.ErrSubscriptionNotFound)
	})
}

func TestHandlers_PaymentCompleted(t *testing.T) {
	t.Parallel()

	payment := func(f *handlerFixture, saleID string) *gateway.Event {
		return &gateway.Event{
			Provider: "paypal",
			Topic:    gateway.TopicPaymentCompleted,
			ObjectID: saleID,
			Payment: &gateway.PaymentBody{
				SaleID: saleID, ExternalSubID: f.sub.ExternalID, UserID: f.userID,
				Amount: 2500, Currency: "EUR",
			},
		}
	}

	t.Run("renews without a prior payment", func(t *testing.T) {
		t.Parallel()
		f := newHandlerFixture(t, ledger.SubscriptionOnHold)
		f.subs.On("Renew", mock.Anything, f.userID, f.planID, mock.MatchedBy(func(p subscription.PaymentDetails) bool {
			return p.SaleID == "SALE-9" && p.ExternalID == "SALE-9" && p.Amount == 2500
		})).Return(&f.sub, nil).Once()

		require.NoError(t, f.h.PaymentCompleted(context.Background(), payment(f, "SALE-9")))
	})

	t.Run("rejects another user's sale", func(t *testing.T) {
		t.Parallel()
		f := newHandlerFixture(t, ledger.SubscriptionActive)
		e := payment(f, "SALE-9")
		e.Payment.UserID = uuid.New()

		assert.ErrorIs(t, f.h.PaymentCompleted(context.Background(), e), subscription.ErrPaymentOwner)
	})

	t.Run("ended subscription", func(t *testing.T) {
		t.Parallel()
		f := newHandlerFixture(t, ledger.SubscriptionExpired)
		assert.ErrorIs(t, f.h.PaymentCompleted(context.Background(), payment(f, "SALE-9")), subscription.ErrInvalidState)
	})

	t.Run("renewal failure rolls back", func(t *testing.T) {
		t.Parallel()
		f := newHandlerFixture(t, ledger.SubscriptionActive)
		boom := errors.New("boom")
		f.subs.On("Renew", mock.Anything, f.userID, f.planID, mock.Anything).Return(nil, boom).Once()

		assert.ErrorIs(t, f.h.PaymentCompleted(context.Background(), payment(f, "SALE-9")), boom)
	})
}

func TestHandlers_SubscriptionExpired(t *testing.T) {
	t.Parallel()
	f := newHandlerFixture(t, ledger.SubscriptionActive)
	e := f.subEvent(gateway.TopicSubscriptionExpired)
	e.OccurredAt = time.Date(2026, 4, 2, 0, 0, 0, 0, time.UTC)

	f.subs.On("Expire", mock.Anything, "I-SUB1", e.OccurredAt).Return(true, nil).Once()
	require.NoError(t, f.h.SubscriptionExpired(context.Background(), e))
}

func TestHandlers_Captures(t *testing.T) {
	t.Parallel()

	capture := func(f *handlerFixture, topic gateway.Topic, orderID string) *gateway.Event {
		return &gateway.Event{
			Provider: "paypal",
			Topic:    topic,
			ObjectID: "CAP-1",
			Capture: &gateway.CaptureBody{
				CaptureID: "CAP-1", OrderID: orderID, UserID: f.userID, PackageID: uuid.New(),
				Amount: 500, Currency: "EUR",
			},
		}
	}

	t.Run("order id defaults to the capture id", func(t *testing.T) {
		t.Parallel()
		f := newHandlerFixture(t, ledger.SubscriptionActive)
		f.credits.On("Fulfill", mock.Anything, mock.MatchedBy(func(req credits.FulfillRequest) bool {
			return req.OrderID == "CAP-1" && req.Payment.ExternalID == "CAP-1" && req.Payment.Status == ledger.PaymentSucceeded
		})).Return(&ledger.CreditPurchase{}, nil).Once()

		require.NoError(t, f.h.CaptureCompleted(context.Background(), capture(f, gateway.TopicCaptureCompleted, "")))
	})

	t.Run("duplicate purchase is not an error", func(t *testing.T) {
		t.Parallel()
		f := newHandlerFixture(t, ledger.SubscriptionActive)
		f.credits.On("Fulfill", mock.Anything, mock.Anything).Return(&ledger.CreditPurchase{}, credits.ErrDuplicatePurchase).Once()

		require.NoError(t, f.h.CaptureCompleted(context.Background(), capture(f, gateway.TopicCaptureCompleted, "O-1")))
	})

	t.Run("capture without user", func(t *testing.T) {
		t.Parallel()
		f := newHandlerFixture(t, ledger.SubscriptionActive)
		e := capture(f, gateway.TopicCaptureCompleted, "O-1")
		e.Capture.UserID = uuid.Nil

		assert.ErrorIs(t, f.h.CaptureCompleted(context.Background(), e), webhook.ErrMissingUser)
	})

	t.Run("refund outcomes", func(t *testing.T) {
		t.Parallel()
		f := newHandlerFixture(t, ledger.SubscriptionActive)
		boom := errors.New("boom")
		f.credits.On("SetStatus", mock.Anything, "O-1", ledger.PurchaseCancelled).Return(&ledger.CreditPurchase{}, nil).Once()
		f.credits.On("SetStatus", mock.Anything, "O-2", ledger.PurchaseCancelled).Return(nil, ledger.ErrPurchaseNotFound).Once()
		f.credits.On("SetStatus", mock.Anything, "O-3", ledger.PurchaseCancelled).Return(nil, credits.ErrInvalidStatus).Once()
		f.credits.On("SetStatus", mock.Anything, "O-4", ledger.PurchaseCancelled).Return(nil, boom).Once()

		require.NoError(t, f.h.Refunded(context.Background(), capture(f, gateway.TopicRefunded, "O-1")))
		require.NoError(t, f.h.Refunded(context.Background(), capture(f, gateway.TopicRefunded, "O-2")))
		require.NoError(t, f.h.Refunded(context.Background(), capture(f, gateway.TopicRefunded, "O-3")))
		assert.ErrorIs(t, f.h.Refunded(context.Background(), capture(f, gateway.TopicRefunded, "O-4")), boom)
	})
}

func TestHandlers_RouterCoversEveryTopic(t *testing.T) {
	t.Parallel()
	f := newHandlerFixture(t, ledger.SubscriptionActive)
	router := f.h.Router()

	for _, topic := range []gateway.Topic{
		gateway.TopicSubscriptionActivated, gateway.TopicSubscriptionCancelled, gateway.TopicSubscriptionSuspended,
		gateway.TopicSubscriptionResumed, gateway.TopicSubscriptionPastDue, gateway.TopicSubscriptionExpired,
		gateway.TopicInvoicePaid, gateway.TopicPaymentCompleted, gateway.TopicPaymentDenied,
		gateway.TopicCaptureCompleted, gateway.TopicRefunded,
	} {
		assert.Contains(t, router, topic)
	}
	assert.NotContains(t, router, gateway.TopicUnknown)
}
