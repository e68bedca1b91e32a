package subscription

import (
	"fmt"
	"slices"

	"github.com/dmitrymomot/billingcore/pkg/ledger"
)

// transitions lists the allowed status changes of a single subscription row.
var transitions = map[ledger.SubscriptionStatus][]ledger.SubscriptionStatus{
	ledger.SubscriptionActive: {
		ledger.SubscriptionPaused,
		ledger.SubscriptionOnHold,
		ledger.SubscriptionExpired,
		ledger.SubscriptionCanceled,
	},
	ledger.SubscriptionPaused: {
		ledger.SubscriptionActive,
		ledger.SubscriptionExpired,
		ledger.SubscriptionCanceled,
	},
	ledger.SubscriptionOnHold: {
		ledger.SubscriptionActive,
		ledger.SubscriptionPaused,
		ledger.SubscriptionExpired,
		ledger.SubscriptionCanceled,
	},
}

// CanTransition reports whether a subscription may move from one status to
// another.
func CanTransition(from, to ledger.SubscriptionStatus) bool {
	return slices.Contains(transitions[from], to)
}

func transition(s *ledger.Subscription, to ledger.SubscriptionStatus) error {
	if !CanTransition(s.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidState, s.Status, to)
	}
	s.Status = to
	return nil
}
