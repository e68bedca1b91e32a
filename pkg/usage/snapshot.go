package usage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/billingcore/pkg/ledger"
)

// Counter is the aggregated consumption of one quota.
type Counter struct {
	Used    int64
	Limit   int64
	Percent float64
}

func newCounter(used, limit int64) Counter {
	used = clamp(used, 0, limit)
	return Counter{Used: used, Limit: limit, Percent: percent(used, limit)}
}

// Remaining is Limit minus Used.
func (c Counter) Remaining() int64 { return c.Limit - c.Used }

// Snapshot is the combined entitlement of a user across the current
// subscription and every usable credit purchase. A paused subscription is
// reported but its quotas are left out, as debits cannot draw on them.
type Snapshot struct {
	UserID             uuid.UUID
	SubscriptionID     *uuid.UUID
	SubscriptionStatus ledger.SubscriptionStatus
	PlanName           string
	PeriodEnd          *time.Time
	ActivePackages     int
	Resources          map[Resource]Counter
	Credits            Counter
}

type totals struct {
	used, limit int64
}

func (t *totals) add(max, remaining int64) {
	t.limit += max
	t.used += clamp(max-remaining, 0, max)
}

// snapshot aggregates inside an open transaction so debits can compare the
// state before and after their own writes.
func snapshot(ctx context.Context, tx ledger.Tx, userID uuid.UUID, now time.Time) (*Snapshot, error) {
	s := &Snapshot{UserID: userID, Resources: make(map[Resource]Counter, len(Resources))}
	perResource := make(map[Resource]*totals, len(Resources))
	for _, r := range Resources {
		perResource[r] = &totals{}
	}
	var credits totals

	accumulate := func(u *ledger.Usage) {
		for _, r := range Resources {
			remaining, max := counter(u, r)
			perResource[r].add(max, *remaining)
		}
		credits.add(u.MaxCredits, u.RemainingCredits)
	}

	sub, err := tx.GetCurrentSubscription(ctx, userID)
	switch {
	case err == nil:
		s.SubscriptionID = &sub.ID
		s.SubscriptionStatus = sub.Status
		s.PeriodEnd = &sub.CurrentPeriodEnd
		if plan, err := tx.GetPlan(ctx, sub.PlanID); err == nil {
			s.PlanName = plan.Name
		}
		if !sub.Status.Debitable() {
			break
		}
		u, err := tx.GetSubscriptionUsage(ctx, sub.ID)
		if err != nil && !errors.Is(err, ledger.ErrUsageNotFound) {
			return nil, err
		}
		if u != nil {
			accumulate(u)
		}
	case !errors.Is(err, ledger.ErrSubscriptionNotFound):
		return nil, err
	}

	purchases, err := tx.ListActivePurchases(ctx, userID, now)
	if err != nil {
		return nil, err
	}
	for _, p := range purchases {
		u, err := tx.GetPurchaseUsage(ctx, p.ID)
		if errors.Is(err, ledger.ErrUsageNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		s.ActivePackages++
		accumulate(u)
	}

	for r, t := range perResource {
		s.Resources[r] = newCounter(t.used, t.limit)
	}
	s.Credits = newCounter(credits.used, credits.limit)
	return s, nil
}

// percent is used/limit*100, or 0 when there is no limit.
func percent(used, limit int64) float64 {
	if limit <= 0 {
		return 0
	}
	return float64(used) / float64(limit) * 100
}

func clamp(v, lo, hi int64) int64 {
	if hi < lo {
		hi = lo
	}
	return max(lo, min(v, hi))
}
