/**
 * @description
 * This file sets up the HTTP router for the tipping-service. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies any
 * necessary middleware, such as for authentication.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// TipRoutes creates and returns a new router for the tipping service.
func TipRoutes(h *TipHandlers, authCfg AuthConfig, internalAPIKey string) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	// Public read endpoints: anyone can view a jar, its confirmed tips, and
	// its statistics.
	r.Get("/jars/{jarID}", h.GetJarHandler)
	r.Get("/jars/{jarID}/tips", h.ListConfirmedTipsHandler)
	r.Get("/jars/{jarID}/stats", h.GetJarStatisticsHandler)

	// Group routes that require authentication.
	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(authCfg))

		r.Post("/tips", h.InitiateTipHandler)
		r.Post("/tips/support", h.SupportTipHandler)
		r.Post("/tips/{tipID}/settlement", h.SubmitSettlementHandler)
		r.Post("/tips/{tipID}/reconcile", h.ReconcileTipHandler)
		r.Get("/tips/{tipID}", h.GetTipHandler)
	})

	// Operational endpoints guarded by the internal API key.
	r.Group(func(r chi.Router) {
		r.Use(InternalAuthMiddleware(internalAPIKey))

		r.Post("/internal/reconcile-sweep", h.ReconcileSweepHandler)
	})

	return r
}
