package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/dmitrymomot/billingcore/pkg/gateway"
	"github.com/dmitrymomot/billingcore/pkg/ledger"
	"github.com/dmitrymomot/billingcore/pkg/logger"
)

// HandlerFunc applies one event. It runs with a ledger transaction on ctx,
// so store calls made through ctx commit together with the queue entry.
type HandlerFunc func(ctx context.Context, e *gateway.Event) error

// Router maps topics to their handlers.
type Router map[gateway.Topic]HandlerFunc

// IngestResult describes what Ingest did with an event.
type IngestResult struct {
	EntryID  uuid.UUID
	Provider string
	Topic    gateway.Topic
	ObjectID string
	Outcome  Outcome
}

// Err returns ErrDuplicateEvent for duplicates and nil otherwise.
func (r *IngestResult) Err() error {
	if r != nil && r.Outcome == OutcomeDuplicate {
		return ErrDuplicateEvent
	}
	return nil
}

// Summary counts the outcomes of a ProcessQueue run.
type Summary struct {
	Total      int
	Processed  int
	Failed     int
	Duplicates int
}

// errAlreadyProcessed rolls back a dispatch that lost a race against
// another delivery of the same event.
var errAlreadyProcessed = errors.New("entry already processed")

// Pipeline verifies, deduplicates, queues and dispatches gateway webhooks.
type Pipeline struct {
	store     ledger.Store
	providers *gateway.Registry
	router    Router
	cfg       Config
	backoff   BackoffStrategy
	metrics   *Metrics
	logger    *slog.Logger
	audit     *slog.Logger
	now       func() time.Time
}

// NewPipeline returns a Pipeline storing events in store and dispatching them
// through router.
func NewPipeline(store ledger.Store, providers *gateway.Registry, router Router, opts ...Option) (*Pipeline, error) {
	if store == nil {
		panic("webhook: store is required")
	}
	if providers == nil {
		panic("webhook: provider registry is required")
	}
	p := &Pipeline{
		store:     store,
		providers: providers,
		router:    router,
		cfg:       DefaultConfig(),
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	if err := p.cfg.validate(); err != nil {
		return nil, err
	}
	if p.backoff == nil {
		p.backoff = backoffFromConfig(p.cfg)
	}
	if p.audit == nil {
		p.audit = p.logger
	}
	p.logger = p.logger.With(logger.Component("webhook"))
	return p, nil
}

// Ingest authenticates a raw gateway payload and applies it at most once.
//
// Verification failures return gateway.ErrVerificationFailed without any
// side effects. Events whose dedup key was already processed return a
// result with OutcomeDuplicate and a nil error. Handler failures are
// recorded on the queue entry and returned.
func (p *Pipeline) Ingest(ctx context.Context, providerName string, payload []byte, headers http.Header) (*IngestResult, error) {
	if len(payload) == 0 {
		return nil, ErrEmptyPayload
	}
	provider, err := p.providers.Get(providerName)
	if err != nil {
		return nil, err
	}
	if err := provider.Verify(payload, headers); err != nil {
		p.metrics.event(providerName, "", OutcomeRejected)
		p.logger.WarnContext(ctx, "webhook verification failed", logger.Provider(providerName), logger.Error(err))
		return nil, err
	}

	p.audit.InfoContext(ctx, "webhook received",
		logger.Provider(providerName),
		slog.Int("bytes", len(payload)),
		slog.String("payload", string(payload)),
	)

	event, err := provider.Parse(payload)
	if err != nil {
		p.metrics.event(providerName, "", OutcomeRejected)
		p.logger.WarnContext(ctx, "webhook payload rejected", logger.Provider(providerName), logger.Error(err))
		return nil, err
	}

	res := &IngestResult{
		Provider: event.Provider,
		Topic:    event.Topic,
		ObjectID: event.ObjectID,
	}
	log := p.logger.With(logger.Provider(event.Provider), logger.Topic(string(event.Topic)), logger.ObjectID(event.ObjectID))

	if event.Topic == gateway.TopicUnknown {
		res.Outcome = OutcomeIgnored
		p.metrics.event(event.Provider, event.EventType, OutcomeIgnored)
		log.InfoContext(ctx, "webhook event type not handled", slog.String("event_type", event.EventType))
		return res, nil
	}

	entry, err := p.enqueue(ctx, event)
	if err != nil {
		return nil, err
	}
	res.EntryID = entry.ID

	switch entry.Status {
	case ledger.WebhookProcessed:
		res.Outcome = OutcomeDuplicate
		p.metrics.event(event.Provider, string(event.Topic), OutcomeDuplicate)
		log.InfoContext(ctx, "duplicate webhook skipped", logger.WebhookID(entry.ID))
		return res, nil
	case ledger.WebhookFailed:
		// Waits for RetryFailed; redelivery does not bypass the attempt cap.
		res.Outcome = OutcomeFailed
		log.WarnContext(ctx, "webhook redelivered for a failed entry", logger.WebhookID(entry.ID), logger.Attempts(entry.Attempts))
		return res, nil
	}

	res.Outcome, err = p.dispatch(ctx, entry, event)
	return res, err
}

// enqueue returns the entry for the event's dedup key, creating a pending
// one when none exists.
func (p *Pipeline) enqueue(ctx context.Context, e *gateway.Event) (*ledger.WebhookEntry, error) {
	var entry *ledger.WebhookEntry
	create := func(ctx context.Context, tx ledger.Tx) error {
		existing, err := tx.GetWebhookByKey(ctx, e.Provider, string(e.Topic), e.ObjectID)
		if err == nil {
			entry = existing
			return nil
		}
		if !errors.Is(err, ledger.ErrWebhookNotFound) {
			return err
		}

		now := p.now()
		entry = &ledger.WebhookEntry{
			ID:            uuid.New(),
			Provider:      e.Provider,
			Topic:         string(e.Topic),
			EventType:     e.EventType,
			ObjectID:      e.ObjectID,
			EventID:       e.EventID,
			UserID:        eventUserID(e),
			Payload:       e.Raw,
			Status:        ledger.WebhookPending,
			NextAttemptAt: now,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		return tx.CreateWebhook(ctx, entry)
	}

	err := p.store.WithTx(ctx, create)
	if errors.Is(err, ledger.ErrDuplicate) {
		// a concurrent delivery inserted the same key first
		err = p.store.WithTx(ctx, create)
	}
	if err != nil {
		return nil, fmt.Errorf("queue webhook: %w", err)
	}
	return entry, nil
}

// dispatch runs the topic handler for a pending entry and records the
// outcome on it.
func (p *Pipeline) dispatch(ctx context.Context, entry *ledger.WebhookEntry, e *gateway.Event) (Outcome, error) {
	log := p.logger.With(
		logger.WebhookID(entry.ID),
		logger.Provider(e.Provider),
		logger.Topic(string(e.Topic)),
		logger.ObjectID(e.ObjectID),
	)

	start := time.Now()
	var err error
	if h, ok := p.router[e.Topic]; ok {
		err = p.run(ctx, entry.ID, h, e)
	} else {
		err = fmt.Errorf("%w: %s", ErrNoHandler, e.Topic)
	}
	p.metrics.observe(e.Provider, string(e.Topic), time.Since(start))

	switch {
	case err == nil:
		p.metrics.event(e.Provider, string(e.Topic), OutcomeProcessed)
		log.InfoContext(ctx, "webhook processed", logger.Duration(time.Since(start)))
		return OutcomeProcessed, nil
	case errors.Is(err, errAlreadyProcessed):
		p.metrics.event(e.Provider, string(e.Topic), OutcomeDuplicate)
		log.InfoContext(ctx, "webhook processed concurrently")
		return OutcomeDuplicate, nil
	}

	outcome, attempts, recErr := p.recordFailure(ctx, entry.ID, err)
	if recErr != nil {
		log.ErrorContext(ctx, "failed to record webhook failure", logger.Error(recErr))
		return OutcomeRetrying, errors.Join(err, recErr)
	}
	p.metrics.event(e.Provider, string(e.Topic), outcome)

	switch outcome {
	case OutcomeDuplicate:
		return outcome, nil
	case OutcomeFailed:
		log.ErrorContext(ctx, "webhook permanently failed", logger.Attempts(attempts), logger.Error(err))
	default:
		log.WarnContext(ctx, "webhook processing failed", logger.Attempts(attempts), logger.Error(err))
	}
	return outcome, err
}

// run executes h and marks the entry processed in one transaction, racing
// it against the processing timeout.
func (p *Pipeline) run(ctx context.Context, entryID uuid.UUID, h HandlerFunc, e *gateway.Event) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.ProcessTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("webhook handler panic: %v", r)
			}
		}()
		done <- p.store.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
			entry, err := tx.GetWebhook(ctx, entryID)
			if err != nil {
				return err
			}
			if entry.Status == ledger.WebhookProcessed {
				return errAlreadyProcessed
			}
			if err := h(ctx, e); err != nil {
				return err
			}
			now := p.now()
			entry.Status = ledger.WebhookProcessed
			entry.ProcessedAt = &now
			entry.Error = ""
			entry.UpdatedAt = now
			return tx.UpdateWebhook(ctx, entry)
		})
	}()

	select {
	case err := <-done:
		if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: %w", ErrProcessingTimeout, err)
		}
		return err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w after %s", ErrProcessingTimeout, p.cfg.ProcessTimeout)
		}
		return ctx.Err()
	}
}

// recordFailure bumps the attempt counter of the entry and either schedules
// the next attempt or marks it failed.
func (p *Pipeline) recordFailure(ctx context.Context, entryID uuid.UUID, cause error) (Outcome, int, error) {
	ctx = context.WithoutCancel(ctx)

	var (
		outcome  Outcome
		attempts int
	)
	err := p.store.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		entry, err := tx.GetWebhook(ctx, entryID)
		if err != nil {
			return err
		}
		if entry.Status == ledger.WebhookProcessed {
			outcome = OutcomeDuplicate
			return nil
		}

		now := p.now()
		entry.Attempts++
		entry.Error = cause.Error()
		entry.UpdatedAt = now
		if entry.Attempts < p.cfg.MaxAttempts {
			entry.Status = ledger.WebhookPending
			entry.NextAttemptAt = now.Add(p.backoff.NextInterval(entry.Attempts))
			outcome = OutcomeRetrying
		} else {
			entry.Status = ledger.WebhookFailed
			outcome = OutcomeFailed
		}
		attempts = entry.Attempts
		return tx.UpdateWebhook(ctx, entry)
	})
	return outcome, attempts, err
}

// ProcessQueue re-dispatches due pending entries, oldest first, with
// bounded concurrency. Individual failures are recorded on their entries
// and never abort the batch. A non-positive limit uses Config.QueueBatch.
func (p *Pipeline) ProcessQueue(ctx context.Context, limit int) (Summary, error) {
	if limit <= 0 {
		limit = p.cfg.QueueBatch
	}

	var entries []ledger.WebhookEntry
	err := p.store.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		var err error
		entries, err = tx.ListPendingWebhooks(ctx, p.cfg.RetryLifetimeCap, p.now(), limit)
		return err
	})
	if err != nil {
		return Summary{}, fmt.Errorf("list pending webhooks: %w", err)
	}

	var (
		mu  sync.Mutex
		sum = Summary{Total: len(entries)}
	)
	g := new(errgroup.Group)
	g.SetLimit(p.cfg.QueueConcurrency)
	for i := range entries {
		entry := &entries[i]
		g.Go(func() error {
			outcome, _ := p.redispatch(ctx, entry)
			mu.Lock()
			defer mu.Unlock()
			switch outcome {
			case OutcomeProcessed:
				sum.Processed++
			case OutcomeDuplicate:
				sum.Duplicates++
			default:
				sum.Failed++
			}
			return nil
		})
	}
	_ = g.Wait()

	if sum.Total > 0 {
		p.logger.InfoContext(ctx, "webhook queue processed",
			slog.Int("total", sum.Total),
			slog.Int("processed", sum.Processed),
			slog.Int("failed", sum.Failed),
			slog.Int("duplicates", sum.Duplicates),
		)
	}
	return sum, nil
}

// redispatch parses a stored payload again and runs steps of Ingest after
// queueing. The payload was verified when it was received.
func (p *Pipeline) redispatch(ctx context.Context, entry *ledger.WebhookEntry) (Outcome, error) {
	provider, err := p.providers.Get(entry.Provider)
	if err == nil {
		var event *gateway.Event
		if event, err = provider.Parse(entry.Payload); err == nil {
			return p.dispatch(ctx, entry, event)
		}
	}

	outcome, attempts, recErr := p.recordFailure(ctx, entry.ID, err)
	if recErr != nil {
		return OutcomeRetrying, errors.Join(err, recErr)
	}
	p.logger.ErrorContext(ctx, "stored webhook cannot be parsed",
		logger.WebhookID(entry.ID), logger.Provider(entry.Provider), logger.Attempts(attempts), logger.Error(err))
	return outcome, err
}

// RetryFailed moves failed entries that have not reached the lifetime
// attempt cap back to pending and returns how many were reset.
func (p *Pipeline) RetryFailed(ctx context.Context) (int64, error) {
	var n int64
	err := p.store.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		var err error
		n, err = tx.ResetFailedWebhooks(ctx, p.cfg.RetryLifetimeCap, p.now())
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("reset failed webhooks: %w", err)
	}
	p.metrics.sweep("retry_failed", n)
	if n > 0 {
		p.logger.InfoContext(ctx, "failed webhooks requeued", slog.Int64("count", n))
	}
	return n, nil
}

// CleanupOldWebhooks deletes processed entries older than daysOld days. A
// non-positive daysOld uses Config.RetentionDays.
func (p *Pipeline) CleanupOldWebhooks(ctx context.Context, daysOld int) (int64, error) {
	if daysOld <= 0 {
		daysOld = p.cfg.RetentionDays
	}
	cutoff := p.now().AddDate(0, 0, -daysOld)

	var n int64
	err := p.store.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		var err error
		n, err = tx.DeleteProcessedWebhooksBefore(ctx, cutoff)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("cleanup webhooks: %w", err)
	}
	p.metrics.sweep("cleanup", n)
	if n > 0 {
		p.logger.InfoContext(ctx, "old webhooks deleted", slog.Int64("count", n), slog.Time("cutoff", cutoff))
	}
	return n, nil
}

func eventUserID(e *gateway.Event) *uuid.UUID {
	var id uuid.UUID
	switch {
	case e.Subscription != nil:
		id = e.Subscription.UserID
	case e.Payment != nil:
		id = e.Payment.UserID
	case e.Capture != nil:
		id = e.Capture.UserID
	}
	if id == uuid.Nil {
		return nil
	}
	return &id
}
