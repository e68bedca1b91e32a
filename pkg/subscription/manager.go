package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/billingcore/pkg/ledger"
	"github.com/dmitrymomot/billingcore/pkg/logger"
	"github.com/dmitrymomot/billingcore/pkg/notifications"
)

// Notifier delivers lifecycle notifications.
type Notifier interface {
	Send(ctx context.Context, n notifications.Notification) error
}

// PaymentDetails describes a gateway payment as reported by the gateway.
type PaymentDetails struct {
	ExternalID string // gateway charge or order id
	SaleID     string // gateway sale id, used for renewal deduplication
	Amount     int64  // minor units
	Currency   string
	Gateway    string
	Method     string
	Status     ledger.PaymentStatus
	PaidAt     time.Time
}

// SubscribeRequest activates PlanID for UserID with a settled payment.
type SubscribeRequest struct {
	UserID        uuid.UUID
	PlanID        uuid.UUID
	ExternalSubID string
	Payment       PaymentDetails
	// PeriodStart and PeriodEnd default to the payment time and one billing
	// cycle after it.
	PeriodStart time.Time
	PeriodEnd   time.Time
}

// Manager owns every status change of subscriptions.
type Manager struct {
	store      ledger.Store
	notifier   Notifier
	logger     *slog.Logger
	now        func() time.Time
	sweepBatch int
}

// NewManager returns a Manager over store. It panics when store or notifier
// is nil.
func NewManager(store ledger.Store, notifier Notifier, opts ...Option) *Manager {
	if store == nil {
		panic("subscription: store is required")
	}
	if notifier == nil {
		panic("subscription: notifier is required")
	}
	m := &Manager{
		store:      store,
		notifier:   notifier,
		logger:     slog.Default(),
		now:        time.Now,
		sweepBatch: 100,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Current returns the user's current subscription.
func (m *Manager) Current(ctx context.Context, userID uuid.UUID) (*ledger.Subscription, error) {
	var sub *ledger.Subscription
	err := m.store.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		var err error
		sub, err = tx.GetCurrentSubscription(ctx, userID)
		return err
	})
	return sub, err
}

// CreateDefaultSubscription puts the user on the FREE plan unless a current
// subscription already exists, in which case that one is returned.
func (m *Manager) CreateDefaultSubscription(ctx context.Context, userID uuid.UUID) (*ledger.Subscription, error) {
	var sub *ledger.Subscription
	err := m.store.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		if _, err := tx.GetUser(ctx, userID); err != nil {
			return err
		}
		var err error
		sub, err = m.createDefault(ctx, tx, userID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (m *Manager) createDefault(ctx context.Context, tx ledger.Tx, userID uuid.UUID) (*ledger.Subscription, error) {
	cur, err := tx.GetCurrentSubscription(ctx, userID)
	if err == nil {
		return cur, nil
	}
	if !errors.Is(err, ledger.ErrSubscriptionNotFound) {
		return nil, err
	}

	plan, err := tx.GetPlanByName(ctx, ledger.FreePlanName)
	if err != nil {
		return nil, err
	}
	now := m.now()
	sub := &ledger.Subscription{
		ID:                 uuid.New(),
		UserID:             userID,
		PlanID:             plan.ID,
		Status:             ledger.SubscriptionActive,
		CurrentPeriodStart: now,
		CurrentPeriodEnd:   now.AddDate(0, 1, 0),
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := tx.CreateSubscription(ctx, sub); err != nil {
		return nil, err
	}
	u := ledger.NewSubscriptionUsage(sub.ID, plan.Feature)
	u.UpdatedAt = now
	if err := tx.CreateUsage(ctx, &u); err != nil {
		return nil, err
	}
	return sub, nil
}

// Subscribe activates a paid subscription. Any current subscription of the
// user is expired first. Activating the plan the user already holds as an
// ACTIVE subscription fails with ErrAlreadySubscribed.
func (m *Manager) Subscribe(ctx context.Context, req SubscribeRequest) (*ledger.Subscription, error) {
	if req.Payment.Status != ledger.PaymentSucceeded {
		return nil, fmt.Errorf("%w: status %s", ErrPaymentNotSuccessful, req.Payment.Status)
	}

	var (
		sub  *ledger.Subscription
		plan *ledger.Plan
	)
	err := m.store.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		if _, err := tx.GetUser(ctx, req.UserID); err != nil {
			return err
		}
		var err error
		if plan, err = tx.GetPlan(ctx, req.PlanID); err != nil {
			return err
		}

		cur, err := tx.GetCurrentSubscription(ctx, req.UserID)
		switch {
		case err == nil:
			if cur.Status == ledger.SubscriptionActive && cur.PlanID == plan.ID {
				return fmt.Errorf("%w: %w", ErrInvalidState, ErrAlreadySubscribed)
			}
		case !errors.Is(err, ledger.ErrSubscriptionNotFound):
			return err
		}

		now := m.now()
		if _, err := tx.ExpireCurrentSubscriptions(ctx, req.UserID, now); err != nil {
			return err
		}

		start, end := req.PeriodStart, req.PeriodEnd
		if start.IsZero() {
			start = paidAt(req.Payment, now)
		}
		if end.IsZero() || !end.After(start) {
			end = plan.Period.Next(start)
		}

		sub = &ledger.Subscription{
			ID:                 uuid.New(),
			UserID:             req.UserID,
			PlanID:             plan.ID,
			ExternalID:         req.ExternalSubID,
			Status:             ledger.SubscriptionActive,
			CurrentPeriodStart: start,
			CurrentPeriodEnd:   end,
			CreatedAt:          now,
			UpdatedAt:          now,
		}
		if err := tx.CreateSubscription(ctx, sub); err != nil {
			return err
		}
		u := ledger.NewSubscriptionUsage(sub.ID, plan.Feature)
		u.UpdatedAt = now
		if err := tx.CreateUsage(ctx, &u); err != nil {
			return err
		}
		if _, err := m.recordPayment(ctx, tx, sub, req.Payment, start, end); err != nil {
			return err
		}

		if sub.Status == ledger.SubscriptionActive {
			n := activated(sub, plan, req.Payment)
			ledger.AfterCommit(ctx, func(ctx context.Context) { m.notify(ctx, n) })
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.logger.InfoContext(ctx, "subscription activated",
		logger.UserID(sub.UserID), logger.SubscriptionID(sub.ID), logger.PlanID(plan.ID))
	return sub, nil
}

// Renew extends the current paid subscription by one billing cycle counted
// from the payment time and fully resets its usage.
func (m *Manager) Renew(ctx context.Context, userID, planID uuid.UUID, payment PaymentDetails) (*ledger.Subscription, error) {
	if payment.Status != ledger.PaymentSucceeded {
		return nil, fmt.Errorf("%w: status %s", ErrPaymentNotSuccessful, payment.Status)
	}

	var sub *ledger.Subscription
	err := m.store.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		cur, err := tx.GetCurrentSubscription(ctx, userID)
		if err != nil {
			return err
		}
		plan, err := tx.GetPlan(ctx, cur.PlanID)
		if err != nil {
			return err
		}
		if plan.IsFree() {
			return fmt.Errorf("%w: %w", ErrInvalidState, ErrFreePlanRenewal)
		}
		if plan.ID != planID {
			return fmt.Errorf("%w: %w", ErrInvalidState, ErrPlanMismatch)
		}

		start := paidAt(payment, m.now())
		if err := m.extend(ctx, tx, cur, plan, start); err != nil {
			return err
		}
		if _, err := m.recordPayment(ctx, tx, cur, payment, cur.CurrentPeriodStart, cur.CurrentPeriodEnd); err != nil {
			return err
		}
		sub = cur
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.logger.InfoContext(ctx, "subscription renewed",
		logger.UserID(userID), logger.SubscriptionID(sub.ID), slog.Time("period_end", sub.CurrentPeriodEnd))
	return sub, nil
}

// extend moves the period of sub to one cycle starting at start, resets its
// usage, records a renewal event and queues the renewal notification.
func (m *Manager) extend(ctx context.Context, tx ledger.Tx, sub *ledger.Subscription, plan *ledger.Plan, start time.Time) error {
	now := m.now()
	sub.CurrentPeriodStart = start
	sub.CurrentPeriodEnd = plan.Period.Next(start)
	if sub.Status == ledger.SubscriptionOnHold {
		if err := transition(sub, ledger.SubscriptionActive); err != nil {
			return err
		}
	}
	sub.UpdatedAt = now
	if err := tx.UpdateSubscription(ctx, sub); err != nil {
		return err
	}
	if err := m.resetUsage(ctx, tx, sub, plan); err != nil {
		return err
	}
	if err := tx.CreateBillingEvent(ctx, &ledger.BillingEvent{
		ID:             uuid.New(),
		Type:           ledger.EventRenewal,
		UserID:         sub.UserID,
		SubscriptionID: &sub.ID,
		Amount:         plan.Price,
		Description:    fmt.Sprintf("renewed %s until %s", plan.Name, sub.CurrentPeriodEnd.Format(time.DateOnly)),
		CreatedAt:      now,
	}); err != nil {
		return err
	}

	n := renewed(sub, plan)
	ledger.AfterCommit(ctx, func(ctx context.Context) { m.notify(ctx, n) })
	return nil
}

func (m *Manager) resetUsage(ctx context.Context, tx ledger.Tx, sub *ledger.Subscription, plan *ledger.Plan) error {
	u, err := tx.GetSubscriptionUsage(ctx, sub.ID)
	if errors.Is(err, ledger.ErrUsageNotFound) {
		fresh := ledger.NewSubscriptionUsage(sub.ID, plan.Feature)
		fresh.UpdatedAt = m.now()
		return tx.CreateUsage(ctx, &fresh)
	}
	if err != nil {
		return err
	}
	u.Reset(plan.Feature)
	u.UpdatedAt = m.now()
	return tx.UpdateUsage(ctx, u)
}

// Freeze pauses the current subscription. Its quota is kept but cannot be
// drawn from until Unfreeze.
func (m *Manager) Freeze(ctx context.Context, userID uuid.UUID) (*ledger.Subscription, error) {
	return m.setStatus(ctx, userID, ledger.SubscriptionPaused, notifications.KindSubscriptionPaused, "Subscription paused")
}

// Unfreeze moves the current subscription back to ACTIVE.
func (m *Manager) Unfreeze(ctx context.Context, userID uuid.UUID) (*ledger.Subscription, error) {
	return m.setStatus(ctx, userID, ledger.SubscriptionActive, notifications.KindSubscriptionResumed, "Subscription resumed")
}

// Hold marks the current subscription as waiting for a retried payment. It
// stays usable while on hold.
func (m *Manager) Hold(ctx context.Context, userID uuid.UUID) (*ledger.Subscription, error) {
	return m.setStatus(ctx, userID, ledger.SubscriptionOnHold, notifications.KindPaymentFailed, "Payment past due")
}

func (m *Manager) setStatus(ctx context.Context, userID uuid.UUID, to ledger.SubscriptionStatus, kind notifications.Kind, title string) (*ledger.Subscription, error) {
	var sub *ledger.Subscription
	err := m.store.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		cur, err := tx.GetCurrentSubscription(ctx, userID)
		if err != nil {
			return err
		}
		if err := transition(cur, to); err != nil {
			return err
		}
		cur.UpdatedAt = m.now()
		if err := tx.UpdateSubscription(ctx, cur); err != nil {
			return err
		}
		sub = cur

		n := notifications.Notification{
			UserID:   userID,
			Kind:     kind,
			Severity: notifications.SeverityInfo,
			Title:    title,
			Content:  fmt.Sprintf("Your subscription is now %s.", to),
			Data:     map[string]any{"status": string(to)},
		}
		ledger.AfterCommit(ctx, func(ctx context.Context) { m.notify(ctx, n) })
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.logger.InfoContext(ctx, "subscription status changed",
		logger.UserID(userID), logger.SubscriptionID(sub.ID), slog.String("status", string(to)))
	return sub, nil
}

// Cancel cancels the current subscription and its pending payments, then
// puts the user back on the FREE plan.
func (m *Manager) Cancel(ctx context.Context, userID uuid.UUID, reason string) (*ledger.Subscription, error) {
	var canceled *ledger.Subscription
	err := m.store.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		cur, err := tx.GetCurrentSubscription(ctx, userID)
		if err != nil {
			return err
		}
		if _, err := tx.CancelPendingPayments(ctx, []uuid.UUID{cur.ID}); err != nil {
			return err
		}
		if err := transition(cur, ledger.SubscriptionCanceled); err != nil {
			return err
		}
		now := m.now()
		cur.CanceledAt = &now
		cur.CancelReason = reason
		cur.CurrentPeriodEnd = now
		cur.UpdatedAt = now
		if err := tx.UpdateSubscription(ctx, cur); err != nil {
			return err
		}
		if err := tx.CreateBillingEvent(ctx, &ledger.BillingEvent{
			ID:             uuid.New(),
			Type:           ledger.EventCancellation,
			UserID:         userID,
			SubscriptionID: &cur.ID,
			Description:    reason,
			CreatedAt:      now,
		}); err != nil {
			return err
		}
		if err := m.reset(ctx, tx, userID); err != nil {
			return err
		}
		canceled = cur

		n := notifications.Notification{
			UserID:   userID,
			Kind:     notifications.KindSubscriptionCanceled,
			Severity: notifications.SeverityInfo,
			Title:    "Subscription canceled",
			Content:  "Your subscription was canceled and you are back on the free plan.",
			Data:     map[string]any{"reason": reason},
		}
		ledger.AfterCommit(ctx, func(ctx context.Context) { m.notify(ctx, n) })
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.logger.InfoContext(ctx, "subscription canceled",
		logger.UserID(userID), logger.SubscriptionID(canceled.ID), slog.String("reason", reason))
	return canceled, nil
}

// Reset expires every current subscription of the user, cancels their
// pending payments and creates a fresh FREE subscription.
func (m *Manager) Reset(ctx context.Context, userID uuid.UUID) (*ledger.Subscription, error) {
	var sub *ledger.Subscription
	err := m.store.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		if _, err := tx.GetUser(ctx, userID); err != nil {
			return err
		}
		if err := m.reset(ctx, tx, userID); err != nil {
			return err
		}
		var err error
		sub, err = tx.GetCurrentSubscription(ctx, userID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (m *Manager) reset(ctx context.Context, tx ledger.Tx, userID uuid.UUID) error {
	ids, err := tx.ExpireCurrentSubscriptions(ctx, userID, m.now())
	if err != nil {
		return err
	}
	if len(ids) > 0 {
		if _, err := tx.CancelPendingPayments(ctx, ids); err != nil {
			return err
		}
	}
	_, err = m.createDefault(ctx, tx, userID)
	return err
}

// Expire applies a gateway "subscription expired" event. It is ignored while
// the current period extends past occurredAt, so a late expiry cannot undo a
// renewal. It reports whether the subscription was expired.
func (m *Manager) Expire(ctx context.Context, externalSubID string, occurredAt time.Time) (bool, error) {
	applied := false
	err := m.store.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		sub, err := tx.GetSubscriptionByExternalID(ctx, externalSubID)
		if err != nil {
			return err
		}
		if !sub.Status.IsCurrent() {
			return nil
		}
		if occurredAt.IsZero() {
			occurredAt = m.now()
		}
		// A period ending after the event was paid for, possibly by a
		// renewal processed after the event was emitted. The cycle sweep
		// expires it once the period is over.
		if sub.CurrentPeriodEnd.After(occurredAt) {
			return nil
		}
		if err := m.expire(ctx, tx, sub); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if !applied {
		m.logger.InfoContext(ctx, "stale expiry event ignored", slog.String("external_id", externalSubID))
	}
	return applied, nil
}

// expire moves sub to EXPIRED, ends its period now and falls back to FREE.
func (m *Manager) expire(ctx context.Context, tx ledger.Tx, sub *ledger.Subscription) error {
	if err := transition(sub, ledger.SubscriptionExpired); err != nil {
		return err
	}
	now := m.now()
	sub.CurrentPeriodEnd = now
	sub.UpdatedAt = now
	if err := tx.UpdateSubscription(ctx, sub); err != nil {
		return err
	}
	if _, err := tx.CancelPendingPayments(ctx, []uuid.UUID{sub.ID}); err != nil {
		return err
	}
	if _, err := m.createDefault(ctx, tx, sub.UserID); err != nil {
		return err
	}

	n := notifications.Notification{
		UserID:   sub.UserID,
		Kind:     notifications.KindSubscriptionExpired,
		Severity: notifications.SeverityWarning,
		Title:    "Subscription expired",
		Content:  "Your subscription expired and you are back on the free plan.",
	}
	ledger.AfterCommit(ctx, func(ctx context.Context) { m.notify(ctx, n) })
	return nil
}

// UpdatePaymentStatus updates the payment identified by externalChargeID, or
// the latest payment of the user's current subscription when it is empty,
// and mirrors the outcome on the subscription it paid for: SUCCEEDED
// reactivates and resets usage, FAILED and CANCELED expire it. A FAILED or
// CANCELED charge that was never recorded is stored as a new payment of the
// current subscription; earlier payments are left as they are.
func (m *Manager) UpdatePaymentStatus(ctx context.Context, userID uuid.UUID, externalChargeID string, status ledger.PaymentStatus) (*ledger.Payment, error) {
	var payment *ledger.Payment
	err := m.store.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		var (
			sub *ledger.Subscription
			err error
		)
		if externalChargeID != "" {
			payment, err = tx.GetPaymentByExternalID(ctx, externalChargeID)
			if errors.Is(err, ledger.ErrPaymentNotFound) && isFailure(status) {
				sub, payment, err = m.recordDenied(ctx, tx, userID, externalChargeID, status)
				if err != nil {
					return err
				}
				return m.applyPaymentStatus(ctx, tx, sub, status)
			}
		} else {
			if sub, err = tx.GetCurrentSubscription(ctx, userID); err != nil {
				return err
			}
			payment, err = tx.GetLatestSubscriptionPayment(ctx, sub.ID)
		}
		if err != nil {
			return err
		}
		if payment.UserID != userID {
			return ErrPaymentOwner
		}
		if payment.Status == status {
			return nil
		}

		payment.Status = status
		payment.UpdatedAt = m.now()
		if err := tx.UpdatePayment(ctx, payment); err != nil {
			return err
		}
		if payment.SubscriptionID == nil {
			return nil
		}
		if sub == nil {
			if sub, err = tx.GetSubscription(ctx, *payment.SubscriptionID); err != nil {
				return err
			}
		}
		return m.applyPaymentStatus(ctx, tx, sub, status)
	})
	if err != nil {
		return nil, err
	}
	m.logger.InfoContext(ctx, "payment status updated",
		logger.UserID(userID), slog.String("payment_id", payment.ID.String()), slog.String("status", string(status)))
	return payment, nil
}

// recordDenied stores a charge the gateway refused before it was recorded.
func (m *Manager) recordDenied(ctx context.Context, tx ledger.Tx, userID uuid.UUID, chargeID string, status ledger.PaymentStatus) (*ledger.Subscription, *ledger.Payment, error) {
	sub, err := tx.GetCurrentSubscription(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	plan, err := tx.GetPlan(ctx, sub.PlanID)
	if err != nil {
		return nil, nil, err
	}
	if plan.IsFree() {
		return nil, nil, fmt.Errorf("%w: charge %s denied for a free subscription", ErrInvalidState, chargeID)
	}
	var gw string
	if latest, err := tx.GetLatestSubscriptionPayment(ctx, sub.ID); err == nil {
		gw = latest.Gateway
	} else if !errors.Is(err, ledger.ErrPaymentNotFound) {
		return nil, nil, err
	}
	payment, err := m.recordPayment(ctx, tx, sub, PaymentDetails{
		ExternalID: chargeID,
		Amount:     plan.Price,
		Currency:   plan.Currency,
		Gateway:    gw,
		Method:     "subscription",
		Status:     status,
	}, sub.CurrentPeriodStart, sub.CurrentPeriodEnd)
	if err != nil {
		return nil, nil, err
	}
	return sub, payment, nil
}

func (m *Manager) applyPaymentStatus(ctx context.Context, tx ledger.Tx, sub *ledger.Subscription, status ledger.PaymentStatus) error {
	if !sub.Status.IsCurrent() {
		return nil
	}

	switch status {
	case ledger.PaymentSucceeded:
		plan, err := tx.GetPlan(ctx, sub.PlanID)
		if err != nil {
			return err
		}
		if sub.Status != ledger.SubscriptionActive {
			if err := transition(sub, ledger.SubscriptionActive); err != nil {
				return err
			}
			sub.UpdatedAt = m.now()
			if err := tx.UpdateSubscription(ctx, sub); err != nil {
				return err
			}
		}
		return m.resetUsage(ctx, tx, sub, plan)

	case ledger.PaymentFailed, ledger.PaymentCanceled:
		n := notifications.Notification{
			UserID:   sub.UserID,
			Kind:     notifications.KindPaymentFailed,
			Severity: notifications.SeverityError,
			Title:    "Payment failed",
			Content:  "We could not charge your payment method.",
			Data:     map[string]any{"status": string(status)},
		}
		ledger.AfterCommit(ctx, func(ctx context.Context) { m.notify(ctx, n) })
		return m.expire(ctx, tx, sub)
	}
	return nil
}

func isFailure(s ledger.PaymentStatus) bool {
	return s == ledger.PaymentFailed || s == ledger.PaymentCanceled
}

func (m *Manager) recordPayment(ctx context.Context, tx ledger.Tx, sub *ledger.Subscription, p PaymentDetails, start, end time.Time) (*ledger.Payment, error) {
	now := m.now()
	payment := &ledger.Payment{
		ID:             uuid.New(),
		UserID:         sub.UserID,
		SubscriptionID: &sub.ID,
		Amount:         p.Amount,
		Currency:       p.Currency,
		Gateway:        p.Gateway,
		Method:         p.Method,
		Status:         p.Status,
		PeriodStart:    &start,
		PeriodEnd:      &end,
		ExternalID:     p.ExternalID,
		Metadata:       map[string]string{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if p.SaleID != "" {
		payment.Metadata[ledger.MetadataSaleID] = p.SaleID
	}
	if err := tx.CreatePayment(ctx, payment); err != nil {
		return nil, err
	}
	return payment, nil
}

func (m *Manager) notify(ctx context.Context, n notifications.Notification) {
	if err := m.notifier.Send(ctx, n); err != nil {
		m.logger.ErrorContext(ctx, "failed to send subscription notification",
			logger.UserID(n.UserID), slog.String("kind", string(n.Kind)), logger.Error(err))
	}
}

func paidAt(p PaymentDetails, fallback time.Time) time.Time {
	if p.PaidAt.IsZero() {
		return fallback
	}
	return p.PaidAt
}
