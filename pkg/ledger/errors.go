package ledger

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound = errors.New("not found")

	ErrUserNotFound         = fmt.Errorf("user %w", ErrNotFound)
	ErrPlanNotFound         = fmt.Errorf("plan %w", ErrNotFound)
	ErrPackageNotFound      = fmt.Errorf("credit package %w", ErrNotFound)
	ErrSubscriptionNotFound = fmt.Errorf("subscription %w", ErrNotFound)
	ErrUsageNotFound        = fmt.Errorf("usage %w", ErrNotFound)
	ErrPurchaseNotFound     = fmt.Errorf("credit purchase %w", ErrNotFound)
	ErrPaymentNotFound      = fmt.Errorf("payment %w", ErrNotFound)
	ErrPromotionNotFound    = fmt.Errorf("promotion %w", ErrNotFound)
	ErrDiscountNotFound     = fmt.Errorf("discount %w", ErrNotFound)
	ErrWebhookNotFound      = fmt.Errorf("webhook entry %w", ErrNotFound)

	ErrDuplicate              = errors.New("record already exists")
	ErrLiveSubscriptionExists = errors.New("user already has a current subscription")
	ErrUsageOutOfBounds       = errors.New("usage counter out of bounds")
	ErrUsageOwner             = errors.New("usage must belong to exactly one subscription or purchase")
	ErrFreePlanImmutable      = errors.New("free plan name cannot be changed")
	ErrTransactionFailed      = errors.New("transaction failed")
	ErrInvalidCatalog         = errors.New("invalid catalog")
)
