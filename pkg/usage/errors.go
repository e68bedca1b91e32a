package usage

import "errors"

var (
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrUnknownResource     = errors.New("unknown resource")
	ErrInvalidAmount       = errors.New("amount must be positive")
)
