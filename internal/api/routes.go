package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter creates a new router with all routes configured
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware (all routes)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Route("/api/v1", func(r chi.Router) {
		// Public routes (no auth required)
		r.Get("/health", h.Health)

		// Protected routes (auth required)
		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(h.apiKey))

			r.Route("/records", func(r chi.Router) {
				r.Get("/", h.SearchRecords)
				r.Post("/", h.CreateRecord)
				r.Get("/{id}", h.GetRecord)
				r.Patch("/{id}", h.UpdateRecord)
				r.Delete("/{id}", h.DeleteRecord)
				r.Get("/{id}/conflicts", h.RecordConflicts)
			})

			r.Route("/conflicts", func(r chi.Router) {
				r.Get("/", h.ListConflicts)
				r.Post("/resolve", h.ResolveConflict)
			})

			r.Route("/outbox", func(r chi.Router) {
				r.Get("/", h.ListOperations)
				r.Post("/{id}/requeue", h.RequeueOperation)
				r.Delete("/{id}", h.DiscardOperation)
			})

			r.Route("/sync", func(r chi.Router) {
				r.Post("/", h.TriggerSync)
				r.Get("/status", h.SyncStatus)
			})
		})
	})

	return r
}
