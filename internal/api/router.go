package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

func NewRouter(apiHandler *APIHandler, allowedOrigins []string) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)       // Basic request logging
	r.Use(middleware.Recoverer)    // Recover from panics
	r.Use(middleware.StripSlashes) // Ensure consistent path handling
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// All API routes will be under /api
	r.Route("/api", func(r chi.Router) {
		// Public routes
		r.Get("/health", HealthHandler)

		// Token-protected when JWT_SECRET is set
		r.Group(func(r chi.Router) {
			r.Use(apiHandler.JWTAuthMiddleware)

			// Saved reports
			r.Get("/reports", apiHandler.ListReportsHandler)
			r.Route("/reports/{reportID}", func(r chi.Router) {
				r.Get("/", apiHandler.GetReportHandler)
				r.Put("/", apiHandler.UpdateReportHandler)
				r.Delete("/", apiHandler.DeleteReportHandler)
				r.Get("/render", apiHandler.RenderReportHandler)
				r.Post("/run", apiHandler.RunReportHandler)
			})

			// Editor sessions
			r.Post("/sessions", apiHandler.CreateSessionHandler)
			r.Route("/sessions/{sessionID}", func(r chi.Router) {
				r.Get("/", apiHandler.GetSessionHandler)
				r.Post("/messages", apiHandler.PostMessageHandler)
				r.Put("/draft", apiHandler.UpdateDraftHandler)
				r.Get("/params", apiHandler.ParamsHandler)
				r.Post("/run", apiHandler.RunDraftHandler)
				r.Get("/render", apiHandler.RenderDraftHandler)
				r.Post("/save", apiHandler.SaveDraftHandler)
			})

			r.Post("/render", apiHandler.RenderHandler)
		})
	})

	return r
}
