package admin

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/getsentry/sentry-go"
	"github.com/go-chi/chi/v5"

	"auth-serverless/internal/auth"
)

const maxJSONBodyBytes = 1 << 16

type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type roleRequest struct {
	Role string `json:"role"`
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	view, err := h.service.Inspect(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err, "failed to load account")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) Unlock(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.PrincipalFromContext(r.Context())

	view, err := h.service.Unlock(r.Context(), actor.UserID, chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err, "failed to unlock account")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) RevokeSessions(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.PrincipalFromContext(r.Context())

	revoked, err := h.service.RevokeSessions(r.Context(), actor.UserID, chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err, "failed to revoke sessions")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"revoked": revoked})
}

func (h *Handler) SetRole(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.PrincipalFromContext(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
	var body roleRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	role := auth.Role(strings.ToLower(strings.TrimSpace(body.Role)))
	view, err := h.service.SetRole(r.Context(), actor.UserID, chi.URLParam(r, "id"), role)
	if err != nil {
		writeServiceError(w, err, "failed to change role")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func writeServiceError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, auth.ErrNotFound):
		writeError(w, http.StatusNotFound, "account not found")
	case errors.Is(err, auth.ErrInvalidRole):
		writeError(w, http.StatusBadRequest, "role must be user or admin")
	default:
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, fallback)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
