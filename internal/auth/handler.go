package auth

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"

	"auth-serverless/internal/observability"
)

var emailRegex = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

const (
	maxJSONBodyBytes       = 1 << 20
	maxEmailLength         = 254
	maxDisplayNameLength   = 100
	minPasswordLength      = 8
	refreshTokenCookie     = "refresh_token"
	refreshTokenCookiePath = "/auth"
)

type Handler struct {
	service       *Service
	secureCookies bool
	now           func() time.Time
}

func NewHandler(service *Service, secureCookies bool) *Handler {
	return &Handler{service: service, secureCookies: secureCookies, now: time.Now}
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type registerRequest struct {
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
	Password    string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var body loginRequest
	if !decodeJSON(w, r, &body, false) {
		return
	}

	// Credentials that can never match answer like a wrong password.
	body.Email = strings.TrimSpace(body.Email)
	body.Password = strings.TrimSpace(body.Password)
	if body.Email == "" || len(body.Email) > maxEmailLength ||
		body.Password == "" || len(body.Password) > MaxPasswordBytes {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	session, err := h.service.Login(r.Context(), body.Email, body.Password, clientInfo(r))
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		var lockedErr ErrLoginLocked
		if errors.As(err, &lockedErr) {
			h.writeLocked(w, lockedErr)
			return
		}

		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to login")
		return
	}

	h.setRefreshCookie(w, session.RefreshToken, session.RefreshExpiresAt)
	writeJSON(w, http.StatusOK, session)
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var body registerRequest
	if !decodeJSON(w, r, &body, false) {
		return
	}

	body.Email = strings.TrimSpace(body.Email)
	body.DisplayName = strings.TrimSpace(body.DisplayName)
	body.Password = strings.TrimSpace(body.Password)
	if len(body.Email) > maxEmailLength || !emailRegex.MatchString(body.Email) {
		writeError(w, http.StatusBadRequest, "email format is invalid")
		return
	}
	if len(body.DisplayName) > maxDisplayNameLength {
		writeError(w, http.StatusBadRequest, "display_name is too long")
		return
	}
	if len(body.Password) < minPasswordLength || len(body.Password) > MaxPasswordBytes {
		writeError(w, http.StatusBadRequest, "password must be between 8 and 72 bytes")
		return
	}

	session, err := h.service.Register(r.Context(), RegisterInput{
		Email:       body.Email,
		DisplayName: body.DisplayName,
		Password:    body.Password,
	}, clientInfo(r))
	if err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			writeError(w, http.StatusBadRequest, "account already exists")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to register")
		return
	}

	h.setRefreshCookie(w, session.RefreshToken, session.RefreshExpiresAt)
	writeJSON(w, http.StatusCreated, session)
}

func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	var body refreshRequest
	if !decodeJSON(w, r, &body, true) {
		return
	}

	tokens, err := h.service.Refresh(r.Context(), refreshTokenFrom(r, body.RefreshToken))
	if err != nil {
		if errors.Is(err, ErrInvalidRefreshToken) {
			writeError(w, http.StatusUnauthorized, "invalid refresh token")
			return
		}
		if errors.Is(err, ErrRevokedRefreshToken) {
			writeError(w, http.StatusUnauthorized, "refresh token revoked")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to refresh token")
		return
	}

	writeJSON(w, http.StatusOK, tokens)
}

// Logout always answers 200 and clears the cookie; the client session ends either way.
// An unreadable body is ignored and the cookie is used instead.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
	var body refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		body = refreshRequest{}
	}

	if err := h.service.Logout(r.Context(), refreshTokenFrom(r, body.RefreshToken)); err != nil {
		sentry.CaptureException(err)
	}

	h.clearRefreshCookie(w)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	principal, ok := PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing authorization token")
		return
	}

	profile, err := h.service.Profile(r.Context(), principal.UserID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			writeError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to load profile")
		return
	}

	writeJSON(w, http.StatusOK, profile)
}

func (h *Handler) writeLocked(w http.ResponseWriter, lockedErr ErrLoginLocked) {
	retryAfter := lockedErr.RetryAfter(h.now())
	w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
	writeJSON(w, http.StatusTooManyRequests, map[string]any{
		"error":               "login temporarily locked",
		"retry_after_minutes": int(math.Ceil(retryAfter.Minutes())),
	})
}

func (h *Handler) setRefreshCookie(w http.ResponseWriter, token string, expiresAt time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshTokenCookie,
		Value:    token,
		Path:     refreshTokenCookiePath,
		Expires:  expiresAt,
		MaxAge:   int(expiresAt.Sub(h.now()).Seconds()),
		HttpOnly: true,
		Secure:   h.secureCookies,
		SameSite: http.SameSiteStrictMode,
	})
}

func (h *Handler) clearRefreshCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshTokenCookie,
		Value:    "",
		Path:     refreshTokenCookiePath,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.secureCookies,
		SameSite: http.SameSiteStrictMode,
	})
}

// refreshTokenFrom prefers the body field and falls back to the scoped cookie.
func refreshTokenFrom(r *http.Request, fromBody string) string {
	if token := strings.TrimSpace(fromBody); token != "" {
		return token
	}
	if cookie, err := r.Cookie(refreshTokenCookie); err == nil {
		return strings.TrimSpace(cookie.Value)
	}
	return ""
}

func clientInfo(r *http.Request) ClientInfo {
	return ClientInfo{
		UserAgent:  r.UserAgent(),
		SourceAddr: observability.ClientIP(r),
	}
}

// decodeJSON writes a 400 and returns false on a malformed body. With allowEmpty an
// absent body decodes to the zero value.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any, allowEmpty bool) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return true
		}
		writeError(w, http.StatusBadRequest, "invalid json body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
