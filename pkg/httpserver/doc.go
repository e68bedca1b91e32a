// Package httpserver serves the billing HTTP surface: gateway webhooks,
// liveness and readiness probes, and Prometheus metrics.
//
// NewRouter assembles the chi router and Server runs it until its context
// ends, then drains in-flight requests within the shutdown timeout so that
// webhook deliveries being processed are not cut off.
//
//	srv := httpserver.NewFromConfig(cfg.HTTP, httpserver.WithLogger(log))
//	err := srv.Run(ctx, httpserver.NewRouter(httpserver.RouterConfig{
//	    Webhooks: webhook.NewHandler(pipeline, cfg.Webhook.MaxPayloadBytes, log),
//	    Gatherer: prometheus.DefaultGatherer,
//	    Checks:   []httpserver.Check{{Name: "postgres", Fn: pool.Ping}},
//	}))
package httpserver
