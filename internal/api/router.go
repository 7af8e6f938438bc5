package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cargoline/logistics-backend/internal/pkg/httputil"
)

// NewRouter builds the HTTP surface: health and Prometheus metrics at the
// root, the email API under /api/v1, and provider webhooks at the root so
// vendor callback URLs stay short.
func NewRouter(emailAPI *EmailAPI, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	if len(allowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: allowedOrigins,
			AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
			MaxAge:         300,
		}))
	}

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		httputil.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	emailAPI.RegisterWebhookRoutes(r)

	r.Route("/api/v1", func(r chi.Router) {
		emailAPI.RegisterRoutes(r)
	})

	return r
}
