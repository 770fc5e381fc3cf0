/**
 * @description
 * HTTP router for the transfer-service. Gateway-routed surface; auth and
 * request routing live at the gateway, so the router carries only the
 * standard middleware chain and a health probe.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// TransferRoutes creates the router for the transfer service.
func TransferRoutes(h *TransferHandlers) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	r.Post("/", h.SubmitTransferHandler)
	r.Get("/{transferID}", h.GetTransferHandler)

	return r
}
