// Package app wires configuration, adapters, and the HTTP router.
package app

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpserver "github.com/fairyhunter13/vertex-balancer/internal/adapter/httpserver"
	"github.com/fairyhunter13/vertex-balancer/internal/adapter/observability"
	"github.com/fairyhunter13/vertex-balancer/internal/config"
	"github.com/fairyhunter13/vertex-balancer/internal/domain"
	"github.com/fairyhunter13/vertex-balancer/internal/service/ratelimiter"
)

// ParseOrigins splits a comma-separated origin list into a slice, trimming
// spaces. If the input is empty, returns ["*"].
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the HTTP handler with all middlewares and routes.
// No timeout middleware wraps the completion route: SSE responses stay open
// for as long as the upstream streams.
func BuildRouter(cfg config.Config, srv *httpserver.Server, limiter ratelimiter.Limiter) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// The proxy surface: master-key auth, per-IP throttle, then dispatch.
	r.Group(func(pr chi.Router) {
		pr.Use(httpserver.BearerAuth(cfg.MasterAPIKey))
		if limiter != nil {
			pr.Use(redisRateLimit(limiter))
		} else if cfg.RateLimitPerMin > 0 {
			pr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, 1*time.Minute))
		}
		pr.Post("/v1/chat/completions", srv.ChatCompletions)
		pr.Get("/v1/models", srv.Models)
	})

	// Health and metrics
	r.Get("/healthz", srv.Healthz)
	r.Get("/readyz", srv.Readyz)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })

	return httpserver.SecurityHeaders(r)
}

// redisRateLimit throttles by client IP through the shared Redis bucket, so
// the budget holds across replicas.
func redisRateLimit(limiter ratelimiter.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			allowed, retryAfter, _ := limiter.Allow(r.Context(), httpserver.ClientIP(r), 1)
			if !allowed {
				if retryAfter > 0 {
					secs := int(retryAfter.Seconds() + 0.999)
					w.Header().Set("Retry-After", strconv.Itoa(secs))
				}
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(`{"error":{"message":"rate limit exceeded","type":"` + string(domain.KindRateLimit) + `"}}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
