package main

import (
	"time"

	"github.com/dmitrymomot/billingcore/pkg/email"
	"github.com/dmitrymomot/billingcore/pkg/gateway"
	"github.com/dmitrymomot/billingcore/pkg/httpserver"
	"github.com/dmitrymomot/billingcore/pkg/pg"
	"github.com/dmitrymomot/billingcore/pkg/redis"
	"github.com/dmitrymomot/billingcore/pkg/webhook"
)

type appConfig struct {
	Env         string `env:"APP_ENV" envDefault:"development"`
	ServiceName string `env:"APP_SERVICE_NAME" envDefault:"billingd"`
	AppName     string `env:"APP_NAME" envDefault:"Billing"`
	// CatalogPath points at a YAML plan and package catalog seeded on start.
	CatalogPath string `env:"BILLING_CATALOG_PATH"`

	SchedulerTick  time.Duration `env:"BILLING_SCHEDULER_TICK" envDefault:"1s"`
	JobTimeout     time.Duration `env:"BILLING_JOB_TIMEOUT" envDefault:"5m"`
	JobLockTTL     time.Duration `env:"BILLING_JOB_LOCK_TTL" envDefault:"10m"`
	QueueInterval  time.Duration `env:"BILLING_QUEUE_INTERVAL" envDefault:"1m"`
	BreakerFailure int           `env:"BILLING_EMAIL_BREAKER_FAILURES" envDefault:"5"`
	BreakerTimeout time.Duration `env:"BILLING_EMAIL_BREAKER_TIMEOUT" envDefault:"30s"`

	Postgres pg.Config
	Redis    redis.Config
	Gateway  gateway.Config
	Webhook  webhook.Config
	Email    email.Config
	HTTP     httpserver.Config
}
