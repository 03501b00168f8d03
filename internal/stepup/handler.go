package stepup

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/getsentry/sentry-go"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"auth-serverless/internal/audit"
	"auth-serverless/internal/auth"
	"auth-serverless/internal/observability"
)

const maxJSONBodyBytes = 1 << 16

// Guard wraps sensitive routes. It must run after auth.Middleware and auth.RequireAdmin.
// Admitted operations are audited once the wrapped handler has answered, with its status.
type Guard struct {
	protocol    *Protocol
	audit       *audit.Emitter
	targetParam string
}

func NewGuard(protocol *Protocol, emitter *audit.Emitter, targetParam string) *Guard {
	return &Guard{protocol: protocol, audit: emitter, targetParam: targetParam}
}

func (g *Guard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, ok := auth.PrincipalFromContext(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing authorization token")
			return
		}

		op := g.operation(r, principal.UserID)
		err := g.protocol.Check(r.Header.Get(HeaderName), op)
		if err != nil {
			var required ErrConfirmationRequired
			if errors.As(err, &required) {
				writeJSON(w, http.StatusForbidden, map[string]any{
					"requires_confirmation": true,
					"fingerprint":           required.Fingerprint,
				})
				return
			}
			writeError(w, http.StatusForbidden, ErrInvalidConfirmation.Error())
			return
		}

		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		outcome := "succeeded"
		if status >= http.StatusBadRequest {
			outcome = "failed"
		}
		g.audit.Emit(r.Context(), audit.Event{
			Action:     audit.ActionCriticalConfirmed,
			ActorID:    principal.UserID,
			SubjectID:  op.TargetID,
			Method:     op.Method,
			Path:       op.Path,
			SourceAddr: observability.ClientIP(r),
			Detail:     map[string]string{"outcome": outcome, "status": strconv.Itoa(status)},
		})
	})
}

func (g *Guard) operation(r *http.Request, actorID string) Operation {
	var target string
	if g.targetParam != "" {
		target = chi.URLParam(r, g.targetParam)
	}
	return Operation{
		Method:   r.Method,
		Path:     r.URL.Path,
		ActorID:  actorID,
		TargetID: target,
	}
}

// Handler serves the token issuance step.
type Handler struct {
	protocol *Protocol
	audit    *audit.Emitter
}

func NewHandler(protocol *Protocol, emitter *audit.Emitter) *Handler {
	return &Handler{protocol: protocol, audit: emitter}
}

type issueRequest struct {
	OperationFingerprint string `json:"operation_fingerprint"`
}

type issueResponse struct {
	ConfirmationToken string `json:"confirmation_token"`
	ExpiresInSeconds  int64  `json:"expires_in_seconds"`
}

func (h *Handler) Issue(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing authorization token")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
	var body issueRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	fingerprint := strings.TrimSpace(body.OperationFingerprint)
	token, expiresIn, err := h.protocol.Issue(fingerprint, principal.UserID)
	if err != nil {
		if errors.Is(err, ErrInvalidConfirmation) {
			writeError(w, http.StatusBadRequest, "invalid operation fingerprint")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to issue confirmation")
		return
	}

	h.audit.Emit(r.Context(), audit.Event{
		Action:     audit.ActionConfirmationIssued,
		ActorID:    principal.UserID,
		SourceAddr: observability.ClientIP(r),
		Detail:     map[string]string{"fingerprint": fingerprint},
	})

	writeJSON(w, http.StatusOK, issueResponse{ConfirmationToken: token, ExpiresInSeconds: expiresIn})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
