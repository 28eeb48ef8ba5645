package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRoutes builds the router: public ingress, metrics, and the
// operator surface under /admin.
func SetupRoutes(h *Handlers) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*.agencyos.io", "http://localhost:5173"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", h.HealthCheck)
	r.Handle("/metrics", promhttp.Handler())

	// Provider webhook ingress. Providers sign their payloads; the
	// drivers validate shape before anything touches state.
	r.Route("/webhooks", func(r chi.Router) {
		r.Post("/meetings", h.MeetingWebhook)
		r.Post("/{channel}", h.ChannelWebhook)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Post("/scheduler/pause", h.PauseScheduler)
		r.Post("/scheduler/resume", h.ResumeScheduler)
		r.Get("/scheduler", h.SchedulerStatus)

		r.Post("/tenants/{id}/pause", h.PauseTenant)
		r.Post("/tenants/{id}/resume", h.ResumeTenant)

		r.Post("/ledger/reset", h.ResetLedger)
		r.Get("/ledger/usage", h.LedgerUsage)
		r.Post("/cache/version", h.BumpCacheVersion)
		r.Post("/testmode", h.SetTestMode)

		r.Post("/suppression", h.AddSuppression)
		r.Delete("/suppression", h.RemoveSuppression)

		r.Get("/threads/{id}/messages", h.ThreadMessages)
		r.Post("/resources/{id}/health", h.SetResourceHealth)
	})

	return r
}
