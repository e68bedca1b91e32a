package webhook

import "errors"

// ErrDuplicateEvent marks an event whose dedup key was already processed.
// Ingest reports it through IngestResult, never as a failure.
var (
	ErrDuplicateEvent       = errors.New("webhook event already processed")
	ErrProcessingTimeout    = errors.New("webhook processing timed out")
	ErrInvalidConfiguration = errors.New("invalid webhook configuration")
	ErrNoHandler            = errors.New("no handler registered for topic")
	ErrMissingUser          = errors.New("webhook event carries no user id")
	ErrEmptyPayload         = errors.New("webhook payload is empty")
)
