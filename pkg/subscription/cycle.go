package subscription

import (
	"context"
	"errors"
	"log/slog"
	"math"

	"github.com/google/uuid"

	"github.com/dmitrymomot/billingcore/pkg/ledger"
	"github.com/dmitrymomot/billingcore/pkg/logger"
)

// CycleAction is the transition applied when a period ends.
type CycleAction string

const (
	CycleNone     CycleAction = "none"
	CycleRenew    CycleAction = "renew"
	CycleRollover CycleAction = "rollover"
	CycleExpire   CycleAction = "expire"
)

// CycleState is derived from the current period on every call.
type CycleState struct {
	SubscriptionID      uuid.UUID
	DaysUntilExpiration int
	Expired             bool
	Action              CycleAction
}

// CheckAndManageCycle reports where the user's subscription is in its
// period. When the period has ended the matching transition is applied in
// the same transaction and reported in Action.
func (m *Manager) CheckAndManageCycle(ctx context.Context, userID uuid.UUID) (*CycleState, error) {
	var state *CycleState
	err := m.store.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		sub, err := tx.GetCurrentSubscription(ctx, userID)
		if err != nil {
			return err
		}
		state = m.cycleState(sub)
		if !state.Expired {
			return nil
		}
		state.Action, err = m.handleCycle(ctx, tx, sub)
		return err
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}

// HandleCycleTransition applies the period-end transition if the current
// period is over and returns what was done.
func (m *Manager) HandleCycleTransition(ctx context.Context, userID uuid.UUID) (CycleAction, error) {
	action := CycleNone
	err := m.store.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		sub, err := tx.GetCurrentSubscription(ctx, userID)
		if err != nil {
			return err
		}
		if !m.cycleState(sub).Expired {
			return nil
		}
		action, err = m.handleCycle(ctx, tx, sub)
		return err
	})
	if err != nil {
		return CycleNone, err
	}
	if action != CycleNone {
		m.logger.InfoContext(ctx, "subscription cycle transition",
			logger.UserID(userID), slog.String("action", string(action)))
	}
	return action, nil
}

// SweepCycles applies period-end transitions to subscriptions whose period
// has ended. Each user is handled in its own transaction; failures are
// logged and returned joined without stopping the sweep.
func (m *Manager) SweepCycles(ctx context.Context) (int, error) {
	var due []ledger.Subscription
	err := m.store.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		var err error
		due, err = tx.ListSubscriptionsEndingBefore(ctx, m.now(), m.sweepBatch)
		return err
	})
	if err != nil {
		return 0, err
	}

	var (
		handled int
		errs    []error
	)
	for _, sub := range due {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if _, err := m.HandleCycleTransition(ctx, sub.UserID); err != nil {
			m.logger.ErrorContext(ctx, "cycle transition failed",
				logger.UserID(sub.UserID), logger.SubscriptionID(sub.ID), logger.Error(err))
			errs = append(errs, err)
			continue
		}
		handled++
	}
	return handled, errors.Join(errs...)
}

func (m *Manager) cycleState(sub *ledger.Subscription) *CycleState {
	left := sub.CurrentPeriodEnd.Sub(m.now())
	state := &CycleState{SubscriptionID: sub.ID, Action: CycleNone}
	if left <= 0 {
		state.Expired = true
		return state
	}
	state.DaysUntilExpiration = int(math.Ceil(left.Hours() / 24))
	return state
}

// handleCycle decides and applies the transition of a subscription whose
// period has ended. FREE periods roll forward. Paid ones renew from the old
// period end when their latest payment succeeded and expire otherwise. The
// settled payment itself is not touched.
func (m *Manager) handleCycle(ctx context.Context, tx ledger.Tx, sub *ledger.Subscription) (CycleAction, error) {
	plan, err := tx.GetPlan(ctx, sub.PlanID)
	if err != nil {
		return CycleNone, err
	}

	if plan.IsFree() {
		now := m.now()
		start, end := sub.CurrentPeriodStart, sub.CurrentPeriodEnd
		for !end.After(now) {
			start, end = end, end.AddDate(0, 1, 0)
		}
		sub.CurrentPeriodStart, sub.CurrentPeriodEnd = start, end
		sub.UpdatedAt = now
		if err := tx.UpdateSubscription(ctx, sub); err != nil {
			return CycleNone, err
		}
		return CycleRollover, m.resetUsage(ctx, tx, sub, plan)
	}

	payment, err := tx.GetLatestSubscriptionPayment(ctx, sub.ID)
	if err != nil && !errors.Is(err, ledger.ErrPaymentNotFound) {
		return CycleNone, err
	}
	if payment != nil && payment.Status == ledger.PaymentSucceeded {
		return CycleRenew, m.extend(ctx, tx, sub, plan, sub.CurrentPeriodEnd)
	}

	return CycleExpire, m.expire(ctx, tx, sub)
}

