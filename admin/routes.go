package admin

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// RegisterRoutes registers all admin API routes using chi router
func RegisterRoutes(mux *http.ServeMux, handlers *Handlers) {
	r := chi.NewRouter()

	// Health is unauthenticated so load balancers can probe it.
	r.Get("/health", handlers.handleHealth)

	r.Route("/webhooks", func(r chi.Router) {
		r.Use(AuthMiddleware)
		r.Get("/attempts", handlers.handleListAttempts)
		r.Get("/resends", handlers.handleListResends)
		r.Post("/resend/{resourceKey}", handlers.wrapWithResource(handlers.handleResend))
	})

	mux.Handle("/admin", http.RedirectHandler("/admin/", http.StatusMovedPermanently))
	mux.Handle("/admin/", http.StripPrefix("/admin", r))

	log.Info().Msg("Admin endpoints enabled at /admin/webhooks/*")
}

func (h *Handlers) wrapWithResource(fn func(http.ResponseWriter, *http.Request, string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resourceKey := chi.URLParam(r, "resourceKey")
		if resourceKey == "" {
			writeErrorResponse(w, http.StatusBadRequest, "resource key is required")
			return
		}
		fn(w, r, resourceKey)
	}
}
