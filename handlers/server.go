package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tierwise.app/cloud/internal/billing"
	"tierwise.app/cloud/internal/quota"
	"tierwise.app/cloud/internal/ratelimit"
	"tierwise.app/cloud/internal/relay"
	"tierwise.app/cloud/storage"
)

// EventsProtocolVersion is the envelope format served on /api/v1/events.
const EventsProtocolVersion = "1.0.0"

type Options struct {
	Storage  storage.Storage
	Ingestor *billing.Ingestor
	Gate     *quota.Gate
	Bus      *relay.Bus

	// Limiter throttles the quota API. Nil disables throttling.
	Limiter         ratelimit.RateLimit
	RateLimitWindow time.Duration
	CORSOrigins     []string

	// Gatherer backs /metrics. Nil uses the Prometheus default.
	Gatherer prometheus.Gatherer
	Version  string
}

type Server struct {
	Router   chi.Router
	Storage  storage.Storage
	Ingestor *billing.Ingestor
	Gate     *quota.Gate
	Bus      *relay.Bus
	Version  string
}

func NewHttpServer(opts Options) *Server {
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}

	s := &Server{
		Router:   chi.NewRouter(),
		Storage:  opts.Storage,
		Ingestor: opts.Ingestor,
		Gate:     opts.Gate,
		Bus:      opts.Bus,
		Version:  opts.Version,
	}

	r := s.Router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(sentryhttp.New(sentryhttp.Options{Repanic: true}).Handle)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.Health)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))

	// Stripe is configured with both paths.
	r.Post("/webhook", s.Stripe)
	r.Post("/api/v1/webhooks/stripe", s.Stripe)

	r.Route("/api/v1", func(r chi.Router) {
		// Without configured origins only same-origin browsers get through.
		if len(opts.CORSOrigins) > 0 {
			r.Use(cors.Handler(cors.Options{
				AllowedOrigins: opts.CORSOrigins,
				AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
				AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
				MaxAge:         300,
			}))
		}

		r.Group(func(r chi.Router) {
			if opts.Limiter != nil {
				r.Use(ratelimit.Middleware(opts.Limiter, opts.RateLimitWindow, ratelimit.ClientIP))
			}
			r.Post("/quota/reserve", s.Reserve)
			r.Post("/quota/record", s.Record)
			r.Get("/accounts/{accountID}/balance", s.Balance)
			r.Get("/accounts/{accountID}/low-balance", s.LowBalance)
			r.Get("/accounts/{accountID}/entitlement", s.Entitlement)
		})

		r.Get("/events", s.Events(opts.CORSOrigins))
	})

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
