// Package api exposes the graph engine over HTTP.
package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Server holds the router and its handlers.
type Server struct {
	router   *mux.Router
	handlers *Handlers
}

// NewServer creates a new API server with the given handlers.
func NewServer(h *Handlers) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		handlers: h,
	}
	s.setupRoutes()
	return s
}

// Router returns the handler to serve, with rate limiting and tracing applied
// when configured. CORS wraps the mux so preflights reach it even though no
// route accepts OPTIONS.
func (s *Server) Router() http.Handler {
	var h http.Handler = s.router
	cfg := s.handlers.config
	if cfg != nil && cfg.RateLimitRPS > 0 {
		h = NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst).Handler(h)
	}
	h = s.handlers.CORSMiddleware(SecurityHeadersMiddleware(h))
	if cfg != nil && cfg.TracingEnabled {
		h = otelhttp.NewHandler(h, "graphd",
			otelhttp.WithMessageEvents(otelhttp.ReadEvents, otelhttp.WriteEvents),
		)
	}
	return h
}

func (s *Server) setupRoutes() {
	// Health endpoints
	s.router.HandleFunc("/health", s.handlers.Liveness).Methods("GET")
	s.router.HandleFunc("/healthz", s.handlers.Liveness).Methods("GET")
	s.router.HandleFunc("/ready", s.handlers.Ready).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Graph health; registered before /graphs/{id}
	api.HandleFunc("/graphs/health", s.handlers.GetHealth).Methods("GET")
	api.HandleFunc("/graphs/health/refresh", s.handlers.RefreshHealth).Methods("POST")

	// Graphs
	api.HandleFunc("/graphs", s.handlers.ListGraphs).Methods("GET")
	api.HandleFunc("/graphs/{id}", s.handlers.GetGraph).Methods("GET")
	api.HandleFunc("/graphs/{id}/metadata", s.handlers.GetMetadata).Methods("GET")
	api.HandleFunc("/graphs/{id}/execute", s.handlers.ExecuteGraph).Methods("POST")

	// Orchestrations
	api.HandleFunc("/orchestrations", s.handlers.CreateOrchestration).Methods("POST")
	api.HandleFunc("/orchestrations", s.handlers.ListOrchestrations).Methods("GET")
	api.HandleFunc("/orchestrations/plan", s.handlers.PlanOrchestration).Methods("POST")
	api.HandleFunc("/orchestrations/{id}", s.handlers.GetOrchestration).Methods("GET")
	api.HandleFunc("/orchestrations/{id}/events", s.handlers.StreamEvents).Methods("GET")
	api.HandleFunc("/orchestrations/{id}/ws", s.handlers.StreamEventsWS).Methods("GET")

	s.router.Use(s.handlers.LoggingMiddleware)
	s.router.Use(s.handlers.RecoveryMiddleware)
}
