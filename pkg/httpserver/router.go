package httpserver

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterConfig lists what the billing router serves.
type RouterConfig struct {
	// Webhooks is mounted under /webhooks. It registers POST /{provider}.
	Webhooks interface{ Routes(r chi.Router) }
	// Gatherer is exposed at MetricsPath when set.
	Gatherer    prometheus.Gatherer
	MetricsPath string
	Checks      []Check
	Logger      *slog.Logger
}

// NewRouter builds the service router:
//
//	POST /webhooks/{provider}
//	GET  /healthz
//	GET  /readyz
//	GET  /metrics
func NewRouter(cfg RouterConfig) http.Handler {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", LivenessHandler())
	r.Get("/readyz", ReadinessHandler(log, 2*time.Second, cfg.Checks...))

	if cfg.Gatherer != nil {
		path := cfg.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}
	if cfg.Webhooks != nil {
		r.Route("/webhooks", cfg.Webhooks.Routes)
	}
	return r
}
