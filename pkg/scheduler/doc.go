// Package scheduler runs the periodic billing sweeps in-process: queue
// draining, failed webhook retries, webhook retention cleanup, subscription
// cycle sweeps and credit purchase expiry.
//
// Jobs are registered with a Schedule built by Every, HourlyAt or DailyAt:
//
//	s := scheduler.New(scheduler.WithLogger(log))
//	_ = s.Add("webhooks.process", scheduler.Every(time.Minute), func(ctx context.Context) error {
//	    _, err := pipeline.ProcessQueue(ctx, 0)
//	    return err
//	})
//	err := s.Run(ctx)
//
// With WithLocker, each run first acquires a short-lived key so replicas
// sharing a Redis instance run every slot once.
package scheduler
