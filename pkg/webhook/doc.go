// Package webhook ingests payment gateway webhooks and applies them to the
// billing ledger at most once.
//
// Pipeline.Ingest verifies a raw payload with its gateway.Provider, writes an
// audit record, deduplicates on (provider, topic, object id) and persists a
// queue entry before dispatching the event to its topic handler under a
// processing timeout. The handler and the "processed" mark commit in the
// same ledger transaction. Failures bump the entry's attempt counter and
// schedule the next attempt with a BackoffStrategy; after
// Config.MaxAttempts the entry is marked failed and logged at error level.
//
// The sweeps keep the queue moving outside the request cycle:
//
//	ProcessQueue        re-dispatches due pending entries concurrently
//	RetryFailed         returns failed entries below the lifetime cap to pending
//	CleanupOldWebhooks  deletes processed entries past retention
//
// Handlers maps topics onto subscription and credit operations. Renewal
// charges are deduplicated by gateway sale id against the latest payment of
// the subscription, so the same charge delivered through different event
// types renews once.
//
// Handler serves POST /{provider} for chi routers.
package webhook
