// Command billingd serves gateway webhooks and runs the periodic billing
// sweeps: queued webhook retries, subscription cycle transitions, credit
// package expiry and webhook log cleanup.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/dmitrymomot/billingcore/pkg/config"
	"github.com/dmitrymomot/billingcore/pkg/credits"
	"github.com/dmitrymomot/billingcore/pkg/email"
	"github.com/dmitrymomot/billingcore/pkg/email/templates"
	"github.com/dmitrymomot/billingcore/pkg/gateway"
	"github.com/dmitrymomot/billingcore/pkg/httpserver"
	"github.com/dmitrymomot/billingcore/pkg/ledger"
	"github.com/dmitrymomot/billingcore/pkg/logger"
	"github.com/dmitrymomot/billingcore/pkg/notifications"
	"github.com/dmitrymomot/billingcore/pkg/pg"
	"github.com/dmitrymomot/billingcore/pkg/redis"
	"github.com/dmitrymomot/billingcore/pkg/subscription"
	"github.com/dmitrymomot/billingcore/pkg/webhook"
)

func main() {
	var cfg appConfig
	config.MustLoad(&cfg)

	log := logger.New(
		logger.WithEnvironment(cfg.Env, cfg.ServiceName),
		logger.WithContextValue("request_id", middleware.RequestIDKey),
	)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("billingd stopped with error", logger.Error(err))
		os.Exit(1)
	}
	log.Info("billingd stopped")
}

func run(ctx context.Context, cfg appConfig, log *slog.Logger) error {
	pool, err := pg.Connect(ctx, cfg.Postgres)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := pg.Migrate(ctx, pool, ledger.Migrations, ledger.MigrationsDir, cfg.Postgres, log); err != nil {
		return err
	}
	store := ledger.NewPostgresStore(pool, cfg.Postgres.TxRetryAttempts)

	if cfg.CatalogPath != "" {
		if err := seedCatalog(ctx, store, cfg.CatalogPath); err != nil {
			return err
		}
		log.InfoContext(ctx, "catalog seeded", slog.String("path", cfg.CatalogPath))
	}

	rdb, err := redis.Connect(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer rdb.Close()

	notifier, err := newNotifier(cfg, store, pool, rdb, log)
	if err != nil {
		return err
	}

	subs := subscription.NewManager(store, notifier, subscription.WithLogger(log))
	creditSvc := credits.NewService(store, notifier, credits.WithLogger(log))

	providers, err := gateway.NewRegistryFromConfig(cfg.Gateway)
	if err != nil {
		return err
	}
	log.InfoContext(ctx, "payment gateways registered", slog.Any("providers", providers.Names()))

	handlers := webhook.NewHandlers(store, subs, creditSvc, webhook.WithHandlerLogger(log))
	pipeline, err := webhook.NewPipeline(store, providers, handlers.Router(),
		webhook.WithConfig(cfg.Webhook),
		webhook.WithLogger(log),
		webhook.WithMetrics(webhook.NewMetrics(prometheus.DefaultRegisterer)),
	)
	if err != nil {
		return err
	}

	sched, err := newScheduler(cfg, rdb, pipeline, subs, creditSvc, log)
	if err != nil {
		return err
	}

	router := httpserver.NewRouter(httpserver.RouterConfig{
		Webhooks:    webhook.NewHandler(pipeline, cfg.Webhook.MaxPayloadBytes, log),
		Gatherer:    prometheus.DefaultGatherer,
		MetricsPath: cfg.HTTP.MetricsPath,
		Checks: []httpserver.Check{
			{Name: "postgres", Fn: pg.Healthcheck(pool)},
			{Name: "redis", Fn: redis.Healthcheck(rdb)},
		},
		Logger: log,
	})
	server := httpserver.NewFromConfig(cfg.HTTP, httpserver.WithLogger(log))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(gctx, router) })
	g.Go(func() error { return sched.Run(gctx) })
	return g.Wait()
}

func seedCatalog(ctx context.Context, store ledger.Store, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open catalog: %w", err)
	}
	defer f.Close()

	c, err := ledger.LoadCatalog(f)
	if err != nil {
		return err
	}
	return ledger.SeedCatalog(ctx, store, c)
}

func newNotifier(cfg appConfig, store ledger.Store, pool notifications.DB, rdb goredis.UniversalClient, log *slog.Logger) (*notifications.Manager, error) {
	var sender email.Sender = email.NewLogSender(log)
	if cfg.Email.Enabled() {
		s, err := email.NewPostmarkSender(cfg.Email)
		if err != nil {
			return nil, err
		}
		sender = s
	}

	deliverer := notifications.NewGuardedDeliverer(
		notifications.NewEmailDeliverer(templates.NewRenderer(cfg.AppName), recipientFromLedger(store), sender),
		notifications.NewCircuitBreaker(cfg.BreakerFailure, 2, cfg.BreakerTimeout),
	)

	return notifications.NewManager(notifications.NewPostgresStorage(pool),
		notifications.WithLogger(log),
		notifications.WithDeliverer(deliverer),
		notifications.WithDeduplicator(notifications.NewRedisDeduplicator(rdb, "billing:notify:")),
	), nil
}

// recipientFromLedger resolves a user's email from the users table.
func recipientFromLedger(store ledger.Store) notifications.RecipientResolver {
	return func(ctx context.Context, userID uuid.UUID) (string, error) {
		var addr string
		err := store.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
			u, err := tx.GetUser(ctx, userID)
			if err != nil {
				return err
			}
			addr = u.Email
			return nil
		})
		return addr, err
	}
}
