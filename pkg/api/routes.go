package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// buildRouter constructs the chi router with all routes and middleware.
func (s *server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chimw.Recoverer)
	r.Use(s.requestLogger)
	r.Use(s.corsMiddleware())

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// Public endpoints.
		r.Group(func(r chi.Router) {
			if s.cfg.Server.RateLimit.Enabled {
				r.Use(s.rateLimitMiddleware(
					s.cfg.Server.RateLimit.Public,
				))
			}

			r.Get("/health", s.handleHealth)
		})

		// Auth endpoints.
		r.Route("/auth", func(r chi.Router) {
			if s.cfg.Server.RateLimit.Enabled {
				r.Use(s.rateLimitMiddleware(
					s.cfg.Server.RateLimit.Auth,
				))
			}

			r.Post("/signup", s.handleSignup)
			r.Post("/login", s.handleLogin)
			r.Post("/logout", s.handleLogout)

			r.Group(func(r chi.Router) {
				r.Use(s.requireAuth)
				r.Get("/me", s.handleMe)
			})
		})

		// Billing endpoints.
		if s.billing != nil {
			r.Route("/billing", func(r chi.Router) {
				// The webhook authenticates via Stripe signature,
				// not a session.
				r.Post("/webhook", s.handleBillingWebhook)

				r.Group(func(r chi.Router) {
					r.Use(s.requireAuth)
					r.Post("/checkout", s.handleBillingCheckout)
					r.Post("/portal", s.handleBillingPortal)
				})
			})
		}

		// Authenticated resource endpoints.
		r.Group(func(r chi.Router) {
			r.Use(s.requireAuth)

			if s.cfg.Server.RateLimit.Enabled {
				r.Use(s.rateLimitMiddleware(
					s.cfg.Server.RateLimit.Authenticated,
				))
			}

			r.Route("/scripts", func(r chi.Router) {
				r.Get("/", s.handleListScripts)
				r.Post("/", s.handleCreateScript)
				r.Get("/{id}", s.handleGetScript)
				r.Put("/{id}", s.handleUpdateScript)
				r.Delete("/{id}", s.handleDeleteScript)
				r.Post("/{id}/run", s.handleSubmitRun)
			})

			r.Route("/runs", func(r chi.Router) {
				r.Get("/", s.handleListRuns)
				r.Get("/{id}", s.handleGetRun)
			})
		})

		// Admin endpoints.
		r.Route("/admin", func(r chi.Router) {
			r.Use(s.requireAuth)
			r.Use(s.requireRole("admin"))

			r.Get("/stats", s.handleAdminStats)
			r.Get("/accounts", s.handleAdminListAccounts)
			r.Get("/accounts/{id}", s.handleAdminGetAccount)
			r.Patch("/accounts/{id}", s.handleAdminUpdateAccount)
			r.Delete("/accounts/{id}", s.handleAdminDeleteAccount)
		})
	})

	return r
}

// corsMiddleware returns a CORS handler configured from the server config.
func (s *server) corsMiddleware() func(http.Handler) http.Handler {
	opts := cors.Options{
		AllowedMethods:   []string{"GET", "HEAD", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "Stripe-Signature"},
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
