package credits

import "errors"

var (
	ErrDuplicatePurchase    = errors.New("credit purchase already fulfilled")
	ErrPaymentNotSuccessful = errors.New("payment not successful")
	ErrPackageInactive      = errors.New("credit package is not active")
	ErrInvalidStatus        = errors.New("invalid purchase status")
)
