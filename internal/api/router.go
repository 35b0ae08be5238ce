package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ansa-io/ansa/internal/events"
	"github.com/ansa-io/ansa/internal/metrics"
	"github.com/ansa-io/ansa/internal/registry"
)

// RouterConfig holds all dependencies needed to build the broker router.
// It is populated in main.go after all components are initialized and
// passed to NewRouter as a single struct.
type RouterConfig struct {
	Registry *registry.Registry
	Verifier TokenVerifier

	// ForwardClient is the long-lived HTTP client used for callback
	// deliveries. Its timeout bounds each forward attempt.
	ForwardClient *http.Client

	// Hub is the event feed. May be nil to disable GET /agent/events.
	Hub *events.Hub

	Metrics *metrics.Broker
	Logger  *zap.Logger

	// Tools, when non-nil, registers the analytical tool routes (the sales
	// data query endpoint and its metadata) under /tool.
	Tools func(chi.Router)
}

// NewRouter builds and returns the fully configured Chi router.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)

	agentHandler := NewAgentHandler(cfg.Registry, cfg.Hub, cfg.Metrics, cfg.Logger)
	routeHandler := NewRouteHandler(cfg.Registry, cfg.Verifier, cfg.ForwardClient, cfg.Hub, cfg.Metrics, cfg.Logger)

	r.Route("/agent", func(r chi.Router) {
		r.Post("/register", agentHandler.Register)
		r.Post("/send", routeHandler.Send)
		r.Post("/heartbeat", routeHandler.Heartbeat)

		r.Get("/discover", agentHandler.Discover)
		r.Get("/services", agentHandler.Services)
		r.Get("/cards", agentHandler.Cards)
		r.Get("/card/{agent_id}", agentHandler.Card)
		r.Get("/status", agentHandler.Status)

		if cfg.Hub != nil {
			r.Get("/events", agentHandler.Events)
		}
	})

	if cfg.Tools != nil {
		r.Route("/tool", cfg.Tools)
	}

	r.Handle("/metrics", promhttp.Handler())

	return r
}
