package ledger

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Usage is the mutable counter set of one subscription or one credit
// purchase. used = max - remaining for every counter.
type Usage struct {
	ID             uuid.UUID
	SubscriptionID *uuid.UUID
	PurchaseID     *uuid.UUID

	MaxProjects        int64
	RemainingProjects  int64
	MaxTeams           int64
	RemainingTeams     int64
	MaxProposals       int64
	RemainingProposals int64
	MaxRequests        int64
	RemainingRequests  int64
	MaxCredits         int64
	RemainingCredits   int64

	UpdatedAt time.Time
}

// NewSubscriptionUsage sizes a fresh counter set for a subscription.
func NewSubscriptionUsage(subscriptionID uuid.UUID, f Feature) Usage {
	u := Usage{ID: uuid.New(), SubscriptionID: &subscriptionID}
	u.Reset(f)
	return u
}

// NewPurchaseUsage sizes a fresh counter set for a credit purchase.
func NewPurchaseUsage(purchaseID uuid.UUID, f Feature) Usage {
	u := Usage{ID: uuid.New(), PurchaseID: &purchaseID}
	u.Reset(f)
	return u
}

// Reset restores every counter to the feature maximums.
func (u *Usage) Reset(f Feature) {
	u.MaxProjects, u.RemainingProjects = f.Projects, f.Projects
	u.MaxTeams, u.RemainingTeams = f.Teams, f.Teams
	u.MaxProposals, u.RemainingProposals = f.Proposals, f.Proposals
	u.MaxRequests, u.RemainingRequests = f.Requests, f.Requests
	u.MaxCredits, u.RemainingCredits = f.Credits, f.Credits
}

// Validate checks the owner and the 0 <= remaining <= max bounds.
func (u Usage) Validate() error {
	if (u.SubscriptionID == nil) == (u.PurchaseID == nil) {
		return ErrUsageOwner
	}
	pairs := []struct {
		name           string
		max, remaining int64
	}{
		{"projects", u.MaxProjects, u.RemainingProjects},
		{"teams", u.MaxTeams, u.RemainingTeams},
		{"proposals", u.MaxProposals, u.RemainingProposals},
		{"requests", u.MaxRequests, u.RemainingRequests},
		{"credits", u.MaxCredits, u.RemainingCredits},
	}
	for _, p := range pairs {
		if p.max < 0 || p.remaining < 0 || p.remaining > p.max {
			return fmt.Errorf("%w: %s remaining=%d max=%d", ErrUsageOutOfBounds, p.name, p.remaining, p.max)
		}
	}
	return nil
}
