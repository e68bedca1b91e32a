// Package subscription drives the lifecycle of a user's subscription.
//
// Every user holds at most one current subscription (ACTIVE, PAUSED or
// ON_HOLD). Activating a new one expires the previous one in the same
// transaction, and terminal states (EXPIRED, CANCELED) are never left:
// the next entitlement period is always a new row. Users without a paid
// subscription fall back to the FREE plan.
//
// All operations of Manager run in a single ledger transaction. When the
// context already carries one they join it, so webhook handlers can compose
// several operations atomically. Notifications are sent only after commit.
//
// Basic usage:
//
//	mgr := subscription.NewManager(store, notifier, subscription.WithLogger(log))
//	sub, err := mgr.Subscribe(ctx, subscription.SubscribeRequest{
//		UserID:        userID,
//		PlanID:        planID,
//		ExternalSubID: "I-BW452GLLEP1G",
//		Payment: subscription.PaymentDetails{
//			ExternalID: "PAYID-1",
//			Amount:     1999,
//			Currency:   "USD",
//			Status:     ledger.PaymentSucceeded,
//		},
//	})
//
// Period rollover is computed, not stored: CheckAndManageCycle derives the
// days left in the period and, once it has ended, renews, rolls over a FREE
// period, or expires the subscription.
package subscription
