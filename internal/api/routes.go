package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// setupRoutes configures all API routes.
func setupRoutes(h *Handlers) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-User-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", h.HealthCheck)

	r.Route("/api", func(r chi.Router) {
		r.Use(h.RequireUser)

		r.Post("/runs", h.CreateRun)
		r.Get("/runs", h.ListRuns)
		r.Get("/runs/latest", h.LatestRun)

		r.Route("/runs/{runID}", func(r chi.Router) {
			r.Post("/upload/{source}", h.UploadRaw)
			r.Post("/mapping/{source}", h.SaveMapping)
			r.Get("/mapping/{source}", h.GetMapping)
			r.Get("/headers/{source}", h.GetHeaders)
			r.Post("/start", h.StartPipeline)
			r.Get("/status", h.Status)
			r.Get("/result", h.Result)
		})
	})

	return r
}
