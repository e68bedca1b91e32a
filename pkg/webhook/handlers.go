package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/billingcore/pkg/credits"
	"github.com/dmitrymomot/billingcore/pkg/gateway"
	"github.com/dmitrymomot/billingcore/pkg/ledger"
	"github.com/dmitrymomot/billingcore/pkg/logger"
	"github.com/dmitrymomot/billingcore/pkg/subscription"
)

// SubscriptionManager is the part of subscription.Manager the handlers use.
type SubscriptionManager interface {
	Subscribe(ctx context.Context, req subscription.SubscribeRequest) (*ledger.Subscription, error)
	Renew(ctx context.Context, userID, planID uuid.UUID, payment subscription.PaymentDetails) (*ledger.Subscription, error)
	Freeze(ctx context.Context, userID uuid.UUID) (*ledger.Subscription, error)
	Unfreeze(ctx context.Context, userID uuid.UUID) (*ledger.Subscription, error)
	Hold(ctx context.Context, userID uuid.UUID) (*ledger.Subscription, error)
	Cancel(ctx context.Context, userID uuid.UUID, reason string) (*ledger.Subscription, error)
	Expire(ctx context.Context, externalSubID string, occurredAt time.Time) (bool, error)
	UpdatePaymentStatus(ctx context.Context, userID uuid.UUID, externalChargeID string, status ledger.PaymentStatus) (*ledger.Payment, error)
}

// CreditService is the part of credits.Service the handlers use.
type CreditService interface {
	Fulfill(ctx context.Context, req credits.FulfillRequest) (*ledger.CreditPurchase, error)
	SetStatus(ctx context.Context, orderID string, status ledger.PurchaseStatus) (*ledger.CreditPurchase, error)
}

// Handlers applies gateway events to subscriptions and credit purchases.
// Every handler tolerates redelivery and stale events: transitions already
// applied, or no longer applicable, are logged and skipped.
type Handlers struct {
	store         ledger.Store
	subscriptions SubscriptionManager
	credits       CreditService
	logger        *slog.Logger
	now           func() time.Time
}

// HandlerOption configures Handlers.
type HandlerOption func(*Handlers)

// WithHandlerLogger sets the logger used for skipped events.
func WithHandlerLogger(log *slog.Logger) HandlerOption {
	return func(h *Handlers) { h.logger = log }
}

// WithHandlerClock replaces the time source, for tests.
func WithHandlerClock(now func() time.Time) HandlerOption {
	return func(h *Handlers) { h.now = now }
}

// NewHandlers wires the gateway topics to subs and creditSvc. It panics on a
// nil dependency.
func NewHandlers(store ledger.Store, subs SubscriptionManager, creditSvc CreditService, opts ...HandlerOption) *Handlers {
	if store == nil || subs == nil || creditSvc == nil {
		panic("webhook: handlers require store, subscription manager and credit service")
	}
	h := &Handlers{
		store:         store,
		subscriptions: subs,
		credits:       creditSvc,
		logger:        slog.Default(),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Router returns the topic table served by h.
func (h *Handlers) Router() Router {
	return Router{
		gateway.TopicSubscriptionActivated: h.SubscriptionActivated,
		gateway.TopicSubscriptionCancelled: h.SubscriptionCancelled,
		gateway.TopicSubscriptionSuspended: h.SubscriptionSuspended,
		gateway.TopicSubscriptionResumed:   h.SubscriptionResumed,
		gateway.TopicSubscriptionPastDue:   h.SubscriptionPastDue,
		gateway.TopicSubscriptionExpired:   h.SubscriptionExpired,
		gateway.TopicInvoicePaid:           h.PaymentCompleted,
		gateway.TopicPaymentCompleted:      h.PaymentCompleted,
		gateway.TopicPaymentDenied:         h.PaymentDenied,
		gateway.TopicCaptureCompleted:      h.CaptureCompleted,
		gateway.TopicRefunded:              h.Refunded,
	}
}

// SubscriptionActivated starts a subscription on the plan mapped from the
// gateway plan id.
func (h *Handlers) SubscriptionActivated(ctx context.Context, e *gateway.Event) error {
	body := e.Subscription
	if body.UserID == uuid.Nil {
		return fmt.Errorf("%w: subscription %s", ErrMissingUser, body.ExternalID)
	}

	var plan *ledger.Plan
	err := h.store.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		var err error
		plan, err = tx.GetPlanByExternalID(ctx, body.ExternalPlanID)
		return err
	})
	if err != nil {
		return fmt.Errorf("plan %q: %w", body.ExternalPlanID, err)
	}

	amount, currency := body.Amount, body.Currency
	if amount == 0 {
		amount, currency = plan.Price, plan.Currency
	}
	paidAt := body.PeriodStart
	if paidAt.IsZero() {
		paidAt = e.OccurredAt
	}

	_, err = h.subscriptions.Subscribe(ctx, subscription.SubscribeRequest{
		UserID:        body.UserID,
		PlanID:        plan.ID,
		ExternalSubID: body.ExternalID,
		Payment: subscription.PaymentDetails{
			Amount:   amount,
			Currency: currency,
			Gateway:  e.Provider,
			Method:   "subscription",
			Status:   ledger.PaymentSucceeded,
			PaidAt:   paidAt,
		},
		PeriodStart: body.PeriodStart,
		PeriodEnd:   body.PeriodEnd,
	})
	return err
}

// PaymentCompleted renews the subscription a recurring charge belongs to,
// once per gateway sale id. When the latest payment of the subscription
// carries no sale id yet, the charge is the one that payment already
// recorded: the id is attached and the renewal skipped.
func (h *Handlers) PaymentCompleted(ctx context.Context, e *gateway.Event) error {
	body := e.Payment
	log := h.logger.With(logger.Provider(e.Provider), slog.String("sale_id", body.SaleID))

	return h.store.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		sub, err := tx.GetSubscriptionByExternalID(ctx, body.ExternalSubID)
		if err != nil {
			return err
		}
		if body.UserID != uuid.Nil && body.UserID != sub.UserID {
			return fmt.Errorf("%w: sale %s", subscription.ErrPaymentOwner, body.SaleID)
		}

		latest, err := tx.GetLatestSubscriptionPayment(ctx, sub.ID)
		switch {
		case err == nil:
			switch latest.SaleID() {
			case body.SaleID:
				log.InfoContext(ctx, "renewal already applied", logger.SubscriptionID(sub.ID))
				return nil
			case "":
				if latest.Metadata == nil {
					latest.Metadata = map[string]string{}
				}
				latest.Metadata[ledger.MetadataSaleID] = body.SaleID
				if latest.ExternalID == "" {
					latest.ExternalID = body.SaleID
				}
				latest.UpdatedAt = h.now()
				log.InfoContext(ctx, "sale id attached to latest payment", logger.SubscriptionID(sub.ID))
				return tx.UpdatePayment(ctx, latest)
			}
		case !errors.Is(err, ledger.ErrPaymentNotFound):
			return err
		}

		if !sub.Status.IsCurrent() {
			return fmt.Errorf("%w: renewal for %s subscription %s", subscription.ErrInvalidState, sub.Status, sub.ID)
		}
		_, err = h.subscriptions.Renew(ctx, sub.UserID, sub.PlanID, subscription.PaymentDetails{
			ExternalID: body.SaleID,
			SaleID:     body.SaleID,
			Amount:     body.Amount,
			Currency:   body.Currency,
			Gateway:    e.Provider,
			Method:     "subscription",
			Status:     ledger.PaymentSucceeded,
			PaidAt:     body.PaidAt,
		})
		return err
	})
}

// PaymentDenied fails the charge and expires the subscription it paid for.
// A charge that was never recorded is stored as a failed payment; a charge
// recorded for another subscription is stale and skipped.
func (h *Handlers) PaymentDenied(ctx context.Context, e *gateway.Event) error {
	body := e.Payment
	return h.store.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		sub, ok, err := h.current(ctx, tx, e, body.ExternalSubID)
		if err != nil || !ok {
			return err
		}

		p, err := tx.GetPaymentByExternalID(ctx, body.SaleID)
		switch {
		case errors.Is(err, ledger.ErrPaymentNotFound):
		case err != nil:
			return err
		case p.SubscriptionID == nil || *p.SubscriptionID != sub.ID:
			h.logger.InfoContext(ctx, "denial for charge of another subscription ignored",
				logger.Provider(e.Provider), logger.SubscriptionID(sub.ID), slog.String("sale_id", body.SaleID))
			return nil
		}

		_, err = h.subscriptions.UpdatePaymentStatus(ctx, sub.UserID, body.SaleID, ledger.PaymentFailed)
		return err
	})
}

// SubscriptionCancelled cancels the current subscription and falls back to FREE.
func (h *Handlers) SubscriptionCancelled(ctx context.Context, e *gateway.Event) error {
	return h.withCurrent(ctx, e, func(ctx context.Context, sub *ledger.Subscription) error {
		_, err := h.subscriptions.Cancel(ctx, sub.UserID, "canceled via "+e.Provider)
		return err
	})
}

// SubscriptionSuspended pauses the subscription.
func (h *Handlers) SubscriptionSuspended(ctx context.Context, e *gateway.Event) error {
	return h.withCurrent(ctx, e, func(ctx context.Context, sub *ledger.Subscription) error {
		if sub.Status == ledger.SubscriptionPaused {
			return nil
		}
		_, err := h.subscriptions.Freeze(ctx, sub.UserID)
		return err
	})
}

// SubscriptionResumed reactivates the subscription unless it is already active.
func (h *Handlers) SubscriptionResumed(ctx context.Context, e *gateway.Event) error {
	return h.withCurrent(ctx, e, func(ctx context.Context, sub *ledger.Subscription) error {
		if sub.Status == ledger.SubscriptionActive {
			return nil
		}
		_, err := h.subscriptions.Unfreeze(ctx, sub.UserID)
		return err
	})
}

// SubscriptionPastDue puts an active subscription on hold. Paused
// subscriptions stay paused.
func (h *Handlers) SubscriptionPastDue(ctx context.Context, e *gateway.Event) error {
	return h.withCurrent(ctx, e, func(ctx context.Context, sub *ledger.Subscription) error {
		if sub.Status != ledger.SubscriptionActive {
			return nil
		}
		_, err := h.subscriptions.Hold(ctx, sub.UserID)
		return err
	})
}

// SubscriptionExpired expires the subscription unless its period still
// runs past the event time.
func (h *Handlers) SubscriptionExpired(ctx context.Context, e *gateway.Event) error {
	_, err := h.subscriptions.Expire(ctx, e.Subscription.ExternalID, e.OccurredAt)
	return err
}

// CaptureCompleted fulfils a credit package purchase. A purchase already
// fulfilled for the order is not an error.
func (h *Handlers) CaptureCompleted(ctx context.Context, e *gateway.Event) error {
	c := e.Capture
	if c.UserID == uuid.Nil {
		return fmt.Errorf("%w: capture %s", ErrMissingUser, c.CaptureID)
	}
	orderID := c.OrderID
	if orderID == "" {
		orderID = c.CaptureID
	}

	_, err := h.credits.Fulfill(ctx, credits.FulfillRequest{
		UserID:    c.UserID,
		PackageID: c.PackageID,
		OrderID:   orderID,
		Payment: credits.Payment{
			ExternalID: c.CaptureID,
			Amount:     c.Amount,
			Currency:   c.Currency,
			Gateway:    e.Provider,
			Method:     "capture",
			Status:     ledger.PaymentSucceeded,
			PaidAt:     c.PaidAt,
		},
	})
	if errors.Is(err, credits.ErrDuplicatePurchase) {
		h.logger.InfoContext(ctx, "credit purchase already fulfilled", slog.String("order_id", orderID))
		return nil
	}
	return err
}

// Refunded cancels the credit purchase of the refunded order. Refunds of
// orders without a purchase, and of purchases that can no longer change
// status, are logged and skipped.
func (h *Handlers) Refunded(ctx context.Context, e *gateway.Event) error {
	c := e.Capture
	_, err := h.credits.SetStatus(ctx, c.OrderID, ledger.PurchaseCancelled)
	switch {
	case errors.Is(err, ledger.ErrPurchaseNotFound):
		h.logger.WarnContext(ctx, "refund for unknown order ignored", logger.Provider(e.Provider), slog.String("order_id", c.OrderID))
		return nil
	case errors.Is(err, credits.ErrInvalidStatus):
		h.logger.WarnContext(ctx, "refund for settled purchase ignored", slog.String("order_id", c.OrderID), logger.Error(err))
		return nil
	}
	return err
}

// withCurrent runs fn for the subscription of the event when it is still
// the user's current one.
func (h *Handlers) withCurrent(ctx context.Context, e *gateway.Event, fn func(ctx context.Context, sub *ledger.Subscription) error) error {
	return h.store.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		sub, ok, err := h.current(ctx, tx, e, e.Subscription.ExternalID)
		if err != nil || !ok {
			return err
		}
		return fn(ctx, sub)
	})
}

func (h *Handlers) current(ctx context.Context, tx ledger.Tx, e *gateway.Event, externalID string) (*ledger.Subscription, bool, error) {
	sub, err := tx.GetSubscriptionByExternalID(ctx, externalID)
	if err != nil {
		return nil, false, err
	}
	if !sub.Status.IsCurrent() {
		h.logger.InfoContext(ctx, "event for ended subscription ignored",
			logger.Provider(e.Provider),
			logger.Topic(string(e.Topic)),
			logger.SubscriptionID(sub.ID),
			slog.String("status", string(sub.Status)),
		)
		return nil, false, nil
	}
	return sub, true, nil
}
