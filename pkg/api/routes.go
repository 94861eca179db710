package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// buildRouter constructs the chi router with all routes and middleware.
func (s *server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chimw.Recoverer)
	r.Use(s.requestLogger)
	r.Use(s.corsMiddleware())

	if s.cfg.Server.RequestTimeout > 0 {
		r.Use(chimw.Timeout(s.cfg.Server.RequestTimeout))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Route("/projects/{projectID}/runs", func(r chi.Router) {
			if s.cfg.Server.RateLimit.Enabled {
				r.Use(s.rateLimitMiddleware(s.cfg.Server.RateLimit))
			}

			// Mutations need an acting user.
			user := r.With(s.requireUser)

			r.Get("/", s.handleListRuns)
			user.Post("/", s.handleCreateRun)

			r.Route("/{runID}", func(r chi.Router) {
				user := r.With(s.requireUser)

				r.Get("/", s.handleGetRun)
				r.Get("/meta", s.handleRunMeta)
				r.Get("/tests", s.handleListRunTests)
				r.Get("/history", s.handleRunHistory)

				user.Delete("/", s.handleDeleteRun)
				user.Post("/lock", s.handleLockRun)
				user.Post("/archive", s.handleArchiveRun)
				user.Put("/statuses", s.handleUpdateStatuses)
				user.Post("/retest", s.handleMarkRetest)
				user.Post("/tests/remove", s.handleRemoveTests)
			})
		})
	})

	return r
}

// corsMiddleware returns a CORS handler configured from the server config.
func (s *server) corsMiddleware() func(http.Handler) http.Handler {
	opts := cors.Options{
		AllowedMethods:   []string{"GET", "HEAD", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", userIDHeader},
		AllowCredentials: true,
		MaxAge:           300,
	}

	origins := s.cfg.Server.CORSOrigins

	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		// Reflect the requesting origin so credentials work from any origin.
		opts.AllowOriginFunc = func(_ *http.Request, _ string) bool {
			return true
		}
	} else {
		opts.AllowedOrigins = origins
	}

	return cors.Handler(opts)
}
