// Package api exposes the session manager over HTTP.
package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/shehryarbajwa/portalgate/internal/ratelimit"
)

// SetupRoutes configures all HTTP routes.
func (h *Handler) SetupRoutes(rateLimiter *ratelimit.Limiter, requestsPerHour int) *mux.Router {
	r := mux.NewRouter()

	api := r.PathPrefix("/v1").Subrouter()

	// Login endpoints drive a real browser against the portal, so they
	// are rate limited; the portal has its own abuse detection.
	limited := api.PathPrefix("").Subrouter()
	limited.Use(RateLimitMiddleware(rateLimiter, requestsPerHour))
	limited.HandleFunc("/login", h.Login).Methods("POST")
	limited.HandleFunc("/login/manual", h.ManualLogin).Methods("POST")
	limited.HandleFunc("/login/assisted", h.AssistedLogin).Methods("POST")
	limited.HandleFunc("/captcha", h.Captcha).Methods("GET")
	limited.HandleFunc("/portal/health", h.PortalHealth).Methods("GET")
	limited.HandleFunc("/sessions/{id}/restore", h.RestoreSession).Methods("POST")

	// Attempt observation endpoints poll frequently; not rate limited.
	api.HandleFunc("/logins/{id}/screenshot", h.AttemptScreenshot).Methods("GET")
	api.HandleFunc("/logins/{id}/watch", h.WatchAttempt).Methods("GET")

	// Store reads and maintenance.
	api.HandleFunc("/sessions", h.ListSessions).Methods("GET")
	api.HandleFunc("/sessions/summary", h.SessionsSummary).Methods("GET")
	api.HandleFunc("/sessions/expired", h.CleanupExpired).Methods("DELETE")
	api.HandleFunc("/operations", h.Operations).Methods("GET")

	r.HandleFunc("/health", h.Health).Methods("GET")

	r.Use(corsMiddleware)
	r.Use(h.loggingMiddleware)

	return r
}

// corsMiddleware adds CORS headers.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Client-ID")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
