package subscription

import (
	"fmt"
	"time"

	"github.com/dmitrymomot/billingcore/pkg/ledger"
	"github.com/dmitrymomot/billingcore/pkg/money"
	"github.com/dmitrymomot/billingcore/pkg/notifications"
)

// periodData is the template data shared by lifecycle notifications.
func periodData(sub *ledger.Subscription, plan *ledger.Plan) map[string]any {
	return map[string]any{
		"plan_name":    plan.Name,
		"period_start": sub.CurrentPeriodStart.Format(time.DateOnly),
		"period_end":   sub.CurrentPeriodEnd.Format(time.DateOnly),
	}
}

func activated(sub *ledger.Subscription, plan *ledger.Plan, p PaymentDetails) notifications.Notification {
	data := periodData(sub, plan)
	data["amount"] = money.Format(p.Amount, p.Currency)
	return notifications.Notification{
		UserID:   sub.UserID,
		Kind:     notifications.KindSubscriptionActivated,
		Severity: notifications.SeveritySuccess,
		Title:    "Subscription activated",
		Content:  fmt.Sprintf("You are now subscribed to %s until %s.", plan.Name, data["period_end"]),
		Data:     data,
	}
}

func renewed(sub *ledger.Subscription, plan *ledger.Plan) notifications.Notification {
	data := periodData(sub, plan)
	data["amount"] = money.Format(plan.Price, plan.Currency)
	return notifications.Notification{
		UserID:   sub.UserID,
		Kind:     notifications.KindSubscriptionRenewed,
		Severity: notifications.SeveritySuccess,
		Title:    "Subscription renewed",
		Content:  fmt.Sprintf("Your %s subscription was renewed until %s.", plan.Name, data["period_end"]),
		Data:     data,
	}
}
