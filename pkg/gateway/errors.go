package gateway

import "errors"

var (
	ErrVerificationFailed   = errors.New("webhook verification failed")
	ErrUnknownProvider      = errors.New("unknown payment provider")
	ErrMalformedEvent       = errors.New("malformed webhook event")
	ErrInvalidConfiguration = errors.New("invalid gateway configuration")
)
