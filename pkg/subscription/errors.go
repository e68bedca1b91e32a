package subscription

import "errors"

var (
	ErrInvalidState         = errors.New("invalid subscription state")
	ErrPaymentNotSuccessful = errors.New("payment not successful")
	ErrAlreadySubscribed    = errors.New("already subscribed to this plan")
	ErrFreePlanRenewal      = errors.New("free plan cannot be renewed")
	ErrPlanMismatch         = errors.New("plan does not match the current subscription")
	ErrPaymentOwner         = errors.New("payment belongs to another user")
)
