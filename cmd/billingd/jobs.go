package main

import (
	"context"
	"log/slog"

	goredis "github.com/redis/go-redis/v9"

	"github.com/dmitrymomot/billingcore/pkg/credits"
	"github.com/dmitrymomot/billingcore/pkg/notifications"
	"github.com/dmitrymomot/billingcore/pkg/scheduler"
	"github.com/dmitrymomot/billingcore/pkg/subscription"
	"github.com/dmitrymomot/billingcore/pkg/webhook"
)

// newScheduler registers the periodic billing sweeps. Runs are coordinated
// through Redis so replicas never execute the same slot twice.
func newScheduler(cfg appConfig, rdb goredis.UniversalClient, pipeline *webhook.Pipeline, subs *subscription.Manager, creditSvc *credits.Service, log *slog.Logger) (*scheduler.Scheduler, error) {
	s := scheduler.New(
		scheduler.WithLogger(log),
		scheduler.WithCheckInterval(cfg.SchedulerTick),
		scheduler.WithJobTimeout(cfg.JobTimeout),
		scheduler.WithLocker(notifications.NewRedisDeduplicator(rdb, "billing:jobs:"), cfg.JobLockTTL),
	)

	jobs := []struct {
		name     string
		schedule scheduler.Schedule
		job      scheduler.Job
	}{
		{"webhook_queue", scheduler.Every(cfg.QueueInterval), func(ctx context.Context) error {
			_, err := pipeline.ProcessQueue(ctx, cfg.Webhook.QueueBatch)
			return err
		}},
		{"webhook_retry_failed", scheduler.HourlyAt(5), func(ctx context.Context) error {
			_, err := pipeline.RetryFailed(ctx)
			return err
		}},
		{"webhook_cleanup", scheduler.DailyAt(3, 30), func(ctx context.Context) error {
			_, err := pipeline.CleanupOldWebhooks(ctx, cfg.Webhook.RetentionDays)
			return err
		}},
		{"subscription_cycles", scheduler.HourlyAt(0), func(ctx context.Context) error {
			_, err := subs.SweepCycles(ctx)
			return err
		}},
		{"credit_expiry", scheduler.HourlyAt(15), func(ctx context.Context) error {
			_, err := creditSvc.ExpireDue(ctx)
			return err
		}},
	}
	for _, j := range jobs {
		if err := s.Add(j.name, j.schedule, j.job); err != nil {
			return nil, err
		}
	}
	return s, nil
}
