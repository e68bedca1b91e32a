package promotion

import "errors"

var (
	ErrInvalidTarget = errors.New("exactly one of subscription or purchase must be set")
	ErrInvalidAmount = errors.New("amount must not be negative")
	ErrInvalidOffer  = errors.New("invalid offer")
)
