// Package app wires the HTTP router and the background sweepers.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpserver "github.com/fairyhunter13/invoice-extractor/internal/adapter/httpserver"
	"github.com/fairyhunter13/invoice-extractor/internal/adapter/observability"
	"github.com/fairyhunter13/invoice-extractor/internal/config"
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
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the HTTP handler with all middlewares and routes.
func BuildRouter(cfg config.Config, srv *httpserver.Server, taskAuth *httpserver.TaskAuth) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TraceMiddleware)
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id", "Retry-After", "Content-Disposition"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Route("/api", func(api chi.Router) {
		api.Group(func(pub chi.Router) {
			pub.Use(httpserver.TimeoutMiddleware(30 * time.Second))
			pub.Get("/config", srv.ConfigHandler())
			pub.Get("/healthz", srv.HealthzHandler())
		})

		api.Group(func(client chi.Router) {
			client.Use(httpserver.TimeoutMiddleware(30 * time.Second))
			client.Use(httpserver.RequireSession())
			client.Get("/jobs/{jobID}", srv.GetJobHandler())
			client.Get("/sessions/{sessionID}/jobs", srv.SessionJobsHandler())
			client.Get("/sessions/{sessionID}/export.csv", srv.ExportCSVHandler())

			// IP backstop on the mutating routes; the session/daily axes
			// live in the Redis guard behind the usecases.
			client.Group(func(mut chi.Router) {
				mut.Use(httprate.LimitByIP(cfg.RateLimitPerMin, time.Minute))
				mut.Post("/jobs", srv.CreateJobsHandler())
				mut.Post("/jobs/{jobID}/retry", srv.RetryJobHandler())
				mut.Delete("/sessions/{sessionID}", srv.DeleteSessionHandler())
			})
		})

		// The worker callback gets the whole processing budget, not the
		// API timeout, and its own auth.
		budget := cfg.ProcessBudget
		if budget <= 0 {
			budget = 15 * time.Minute
		}
		api.Group(func(tasks chi.Router) {
			tasks.Use(httpserver.TimeoutMiddleware(budget))
			if taskAuth != nil {
				tasks.Use(taskAuth.Middleware)
			}
			tasks.Post("/tasks/process", srv.ProcessTaskHandler())
		})
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/readyz", srv.ReadyzHandler())
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })

	return httpserver.SecurityHeaders(r)
}
