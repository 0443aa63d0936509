/**
 * @description
 * This file sets up the HTTP router for the wallet-service: health and metrics
 * endpoints, plus the authenticated exchange endpoints.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5, github.com/go-chi/cors: routing and CORS.
 * - github.com/prometheus/client_golang/prometheus/promhttp: /metrics.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/ulule/limiter/v3"
)

type RouterConfig struct {
	JWTSecret string
	// Limiter is optional; nil disables rate limiting.
	Limiter  *limiter.Limiter
	Gatherer prometheus.Gatherer
}

// NewRouter creates a new Chi router and registers the wallet-service routes.
func NewRouter(h *ExchangeHandlers, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})
	if cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Group(func(r chi.Router) {
		if cfg.Limiter != nil {
			r.Use(RateLimitMiddleware(cfg.Limiter))
		}
		r.Use(AuthMiddleware(cfg.JWTSecret))

		r.Post("/exchanges", h.InitiateExchangeHandler)
		r.Get("/exchanges/{reference}", h.GetExchangeHandler)
	})

	return r
}
