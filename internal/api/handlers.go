package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/shehryarbajwa/portalgate/internal/login"
	"github.com/shehryarbajwa/portalgate/internal/session"
	"github.com/shehryarbajwa/portalgate/pkg/models"
)

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	mgr    *session.Manager
	logger *slog.Logger
}

// NewHandler creates a new HTTP handler.
func NewHandler(mgr *session.Manager, logger *slog.Logger) *Handler {
	return &Handler{mgr: mgr, logger: logger}
}

// Login handles POST /v1/login: both fresh handshakes and resumed
// CAPTCHA rounds, switched on attemptId.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req models.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	resp, err := h.mgr.Login(r.Context(), req)
	if err != nil {
		h.loginError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// ManualLogin handles POST /v1/login/manual. The request blocks while a
// human completes the form in the service's browser.
func (h *Handler) ManualLogin(w http.ResponseWriter, r *http.Request) {
	resp, err := h.mgr.ManualLogin(r.Context())
	if err != nil {
		h.loginError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// AssistedLogin handles POST /v1/login/assisted: credentials are filled
// by the service, the CAPTCHA and submission are left to a human.
func (h *Handler) AssistedLogin(w http.ResponseWriter, r *http.Request) {
	var req models.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	resp, err := h.mgr.AssistedLogin(r.Context(), login.Credentials{
		Username: req.Username,
		Password: req.Password,
	})
	if err != nil {
		h.loginError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) loginError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrAttemptNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, session.ErrTooManyAttempts):
		http.Error(w, err.Error(), http.StatusTooManyRequests)
	case errors.Is(err, login.ErrNotSuspended):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		h.logger.Error("login failed", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// AttemptScreenshot handles GET /v1/logins/{id}/screenshot.
func (h *Handler) AttemptScreenshot(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	img, err := h.mgr.AttemptScreenshot(id)
	if err != nil {
		if errors.Is(err, session.ErrAttemptNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Write(img)
}

// Captcha handles GET /v1/captcha: the portal's current challenge image
// via a throwaway browser, for callers that want to pre-solve.
func (h *Handler) Captcha(w http.ResponseWriter, r *http.Request) {
	img, found, err := h.mgr.CaptchaImage(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	if !found {
		http.Error(w, "portal shows no captcha", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"captchaImage": base64.StdEncoding.EncodeToString(img),
	})
}

// PortalHealth handles GET /v1/portal/health: a live probe of the login
// surface with a throwaway browser.
func (h *Handler) PortalHealth(w http.ResponseWriter, r *http.Request) {
	health, err := h.mgr.PortalHealth(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	status := http.StatusOK
	if !health.Reachable {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, health)
}

// ListSessions handles GET /v1/sessions.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	summaries, err := h.mgr.ListSessions()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, summaries)
}

// SessionsSummary handles GET /v1/sessions/summary.
func (h *Handler) SessionsSummary(w http.ResponseWriter, r *http.Request) {
	overview, err := h.mgr.Summary()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, overview)
}

// RestoreSession handles POST /v1/sessions/{id}/restore. The id may be
// "latest" for the newest unexpired session.
func (h *Handler) RestoreSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	resp, err := h.mgr.RestoreSession(r.Context(), id)
	if err != nil {
		h.logger.Error("restore failed", "session_id", id, "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	status := http.StatusOK
	switch resp.Status {
	case models.RestoreNotFound:
		status = http.StatusNotFound
	case models.RestoreExpired, models.RestoreValidationFailed:
		status = http.StatusGone
	case models.RestoreFailed:
		status = http.StatusBadGateway
	}
	writeJSON(w, status, resp)
}

// CleanupExpired handles DELETE /v1/sessions/expired.
func (h *Handler) CleanupExpired(w http.ResponseWriter, r *http.Request) {
	removed, err := h.mgr.CleanupExpired()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

// Operations handles GET /v1/operations.
func (h *Handler) Operations(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	records, err := h.mgr.Operations(limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []models.OperationRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

// Health handles GET /health: process liveness only. Portal reachability
// has its own endpoint since it costs a browser launch.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
