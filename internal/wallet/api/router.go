/**
 * @description
 * HTTP router for the wallet-service. The wallet API is an internal surface
 * reached through the gateway or by sibling services, so it is protected by
 * the shared internal API key rather than end-user auth.
 */

package api

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// WalletRoutes creates the router for the wallet service.
func WalletRoutes(h *WalletHandlers, internalAPIKey string) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	r.Group(func(r chi.Router) {
		r.Use(InternalKeyMiddleware(internalAPIKey))

		r.Post("/", h.CreateWalletHandler)
		r.Get("/{walletID}", h.GetWalletHandler)
		r.Get("/{walletID}/movements", h.ListMovementsHandler)
		r.Post("/{walletID}/credit", h.CreditWalletHandler)
		r.Post("/{walletID}/debit", h.DebitWalletHandler)
	})

	return r
}

// InternalKeyMiddleware rejects requests missing the shared internal API key.
func InternalKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			provided := r.Header.Get("X-Internal-Api-Key")
			if expected == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) != 1 {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
