package promotion

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/dmitrymomot/billingcore/pkg/ledger"
)

// NormalizeCode returns the canonical form under which codes are stored and
// looked up.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Adjust returns amount after applying o. Results are never negative.
// Percent offers round half away from zero to the nearest minor unit.
func Adjust(amount int64, o ledger.Offer) int64 {
	switch o.Kind {
	case ledger.OfferPercent:
		pct := min(max(o.Value, 0), 100)
		return decimal.NewFromInt(amount).
			Mul(decimal.NewFromInt(100 - pct)).
			Div(decimal.NewFromInt(100)).
			Round(0).
			IntPart()
	case ledger.OfferFixed:
		return max(amount-o.Value, 0)
	}
	return amount
}

// inScope reports whether o covers the plan or package being charged.
func inScope(o ledger.Offer, planID, packageID *uuid.UUID) bool {
	switch o.Scope {
	case ledger.ScopeGlobal:
		return true
	case ledger.ScopePlan:
		return o.PlanID != nil && planID != nil && *o.PlanID == *planID
	case ledger.ScopePackage:
		return o.PackageID != nil && packageID != nil && *o.PackageID == *packageID
	}
	return false
}

func validateOffer(o ledger.Offer) error {
	switch {
	case o.Kind != ledger.OfferPercent && o.Kind != ledger.OfferFixed:
		return fmt.Errorf("%w: kind %q", ErrInvalidOffer, o.Kind)
	case o.Value <= 0, o.Kind == ledger.OfferPercent && o.Value > 100:
		return fmt.Errorf("%w: value %d", ErrInvalidOffer, o.Value)
	case !o.EndsAt.After(o.StartsAt):
		return fmt.Errorf("%w: empty validity window", ErrInvalidOffer)
	case o.MaxUses < 0:
		return fmt.Errorf("%w: negative use cap", ErrInvalidOffer)
	case o.Scope == ledger.ScopePlan && o.PlanID == nil:
		return fmt.Errorf("%w: plan scope without plan", ErrInvalidOffer)
	case o.Scope == ledger.ScopePackage && o.PackageID == nil:
		return fmt.Errorf("%w: package scope without package", ErrInvalidOffer)
	case o.Scope != ledger.ScopeGlobal && o.Scope != ledger.ScopePlan && o.Scope != ledger.ScopePackage:
		return fmt.Errorf("%w: scope %q", ErrInvalidOffer, o.Scope)
	}
	return nil
}
