// Package httpserver exposes the webhook ingress over HTTP: one POST
// route per partner source plus health and metrics endpoints.
package httpserver

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/phantomlabs/phantom/internal/config"
	"github.com/phantomlabs/phantom/internal/webhook"
)

// Server holds the handler dependencies.
type Server struct {
	cfg     config.Config
	ingress *webhook.Ingress
}

// New builds the HTTP surface over a webhook ingress.
func New(cfg config.Config, ingress *webhook.Ingress) *Server {
	return &Server{cfg: cfg, ingress: ingress}
}

// Router assembles the chi router with the full middleware stack.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(Recoverer())
	r.Use(RequestID())
	r.Use(AccessLog())
	r.Use(SecurityHeaders)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.CORSAllowOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Content-Type", "X-Webhook-Signature", "X-Idempotency-Key"},
	}))

	perMinute := s.cfg.IngressRatePerMinute
	if perMinute <= 0 {
		perMinute = 120
	}

	r.Get("/healthz", s.handleHealthz)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	r.Route("/v1", func(r chi.Router) {
		r.Use(httprate.LimitByIP(perMinute, time.Minute))
		r.Post("/webhooks/{source}", s.handleWebhook)
		r.Get("/webhooks/recent", s.handleRecentWebhooks)
	})

	return otelhttp.NewHandler(r, "ingress")
}
