package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// RegisterRoutes монтирует все endpoints на router.
// adminAuth — цепочка аутентификации admin API; nil — admin API отключён.
func RegisterRoutes(router chi.Router, api *APIHandler, health *HealthHandler, adminAuth func(http.Handler) http.Handler) {
	router.Get("/health/live", health.HealthLive)
	router.Get("/health/ready", health.HealthReady)
	router.Get("/metrics", health.GetMetrics)

	router.Route("/api/v1", func(r chi.Router) {
		r.Post("/extractions", api.SubmitExtraction)
		r.Get("/extractions/{id}", api.GetExtraction)

		r.Get("/share/{token}", api.GetShared)
		r.Get("/share/{token}/archive", api.DownloadArchive)
		r.Get("/share/{token}/images/{filename}", api.DownloadImage)

		if adminAuth == nil {
			return
		}
		r.Route("/admin", func(r chi.Router) {
			r.Use(adminAuth)
			r.Post("/cleanup", api.RunCleanup)
			r.Post("/extractions/bulk-delete", api.BulkDelete)
			r.Post("/extractions/bulk-expiry", api.BulkExpiry)
			r.Delete("/extractions/{id}", api.DeleteExtraction)
			r.Post("/extractions/{id}/share-links", api.CreateShareLink)
			r.Patch("/share-links/{token}", api.UpdateShareLink)
			r.Post("/share-links/{token}/rotate", api.RotateShareLink)
		})
	})
}
