package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/getsentry/sentry-go"
)

type principalContextKey struct{}

// Middleware admits requests carrying a valid access token and stores the verified
// Principal in the request context.
func Middleware(issuer *TokenIssuer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := strings.TrimSpace(r.Header.Get("Authorization"))
			if header == "" {
				writeError(w, http.StatusUnauthorized, "missing authorization token")
				return
			}

			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				writeError(w, http.StatusUnauthorized, "invalid authorization format")
				return
			}

			tokenStr := strings.TrimSpace(parts[1])
			if tokenStr == "" {
				writeError(w, http.StatusUnauthorized, "invalid authorization token")
				return
			}

			principal, err := issuer.VerifyAccessToken(tokenStr)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
		})
	}
}

// RequireAdmin must run after Middleware. The role is re-read from the store, so a
// demoted admin loses access before their access token expires.
func RequireAdmin(store Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := PrincipalFromContext(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, "missing authorization token")
				return
			}

			cred, err := store.GetByID(r.Context(), principal.UserID)
			if err != nil {
				if errors.Is(err, ErrNotFound) {
					writeError(w, http.StatusUnauthorized, "invalid or expired token")
					return
				}
				sentry.CaptureException(err)
				writeError(w, http.StatusInternalServerError, "failed to authorize")
				return
			}
			if !cred.Role.IsAdmin() {
				writeError(w, http.StatusForbidden, "admin role required")
				return
			}

			principal.Role = cred.Role
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
		})
	}
}

func WithPrincipal(ctx context.Context, principal Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, principal)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	principal, ok := ctx.Value(principalContextKey{}).(Principal)
	return principal, ok
}
