// Package routes wires the demo server's chi router.
package routes

import (
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"

	"github.com/synnergy/trustchain/walletserver/controllers"
	"github.com/synnergy/trustchain/walletserver/middleware"
)

// New builds the router: every endpoint is logged and rate-limited per
// caller IP before reaching the session controller.
func New(sc *controllers.SessionController) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.RateLimit(rate.Every(time.Second/20), 10))

	r.Route("/api/session", func(r chi.Router) {
		r.Post("/register", sc.Register)
		r.Post("/encrypt", sc.Encrypt)
		r.Post("/decrypt", sc.Decrypt)
	})
	return r
}
