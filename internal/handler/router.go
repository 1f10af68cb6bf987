package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	custommiddleware "github.com/mmeshcher/stellafill-shop/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware магазина билетов.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api/shop", func(r chi.Router) {
		r.Get("/tickets", h.GetTickets)
		r.Post("/checkout", h.Checkout)
		r.Get("/verify", h.VerifyPayment)
		r.Post("/webhook", h.Webhook)

		r.Group(func(r chi.Router) {
			r.Use(h.apiKey.Middleware)

			r.Get("/cleanup", h.Cleanup)
			r.Post("/cleanup", h.Cleanup)

			r.Get("/whitelist", h.GetWhitelist)
			r.Get("/whitelist/{player}", h.GetPlayerAccess)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
