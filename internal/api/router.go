package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new chi router with all ingestion endpoints
func NewRouter(handler *Handler) http.Handler {
	r := chi.NewRouter()

	// middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	// basic cors
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS", "DELETE", "PUT"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))

	// health check
	r.Get("/health", handler.Health)

	// api v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		// ingestion endpoints
		r.Post("/ingest", handler.StartIngest)
		r.Delete("/ingest/{channel}", handler.StopIngest)
		r.Get("/ingest/status", handler.Status)

		// channel endpoints
		r.Get("/channels", handler.ListChannels)
		r.Delete("/channels/{channel}", handler.RemoveChannel)
		r.Get("/channels/{channel}/messages", handler.ListMessages)
		r.Post("/channels/{channel}/repair", handler.StartRepair)
	})

	return r
}
