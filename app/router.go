package app

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"auth-serverless/internal/admin"
	"auth-serverless/internal/auth"
	"auth-serverless/internal/config"
	"auth-serverless/internal/maintenance"
	"auth-serverless/internal/observability"
	"auth-serverless/internal/stepup"
)

type routerDeps struct {
	config       *config.Config
	logger       *observability.Logger
	trustProxies func(http.Handler) http.Handler
	store        auth.Store
	issuer       *auth.TokenIssuer
	limiter      auth.LoginLimiter
	authHandler  *auth.Handler
	adminHandler *admin.Handler
	stepupGuard  *stepup.Guard
	stepupIssuer *stepup.Handler
	cleanup      *maintenance.CleanupHandler
	health       http.HandlerFunc
}

func newRouter(deps routerDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(observability.RequestID, deps.trustProxies, observability.RequestLogger(deps.logger), observability.Recoverer(deps.logger))

	if origins := deps.config.AllowedOrigins(); len(origins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   origins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", stepup.HeaderName},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	r.Get("/health", deps.health)

	r.Route("/auth", func(r chi.Router) {
		limited := r.With(auth.LoginRateLimitMiddleware(deps.limiter, deps.logger))
		limited.Post("/login", deps.authHandler.Login)
		limited.Post("/register", deps.authHandler.Register)
		r.Post("/refresh", deps.authHandler.Refresh)
		r.Post("/logout", deps.authHandler.Logout)
		r.With(auth.Middleware(deps.issuer)).Get("/me", deps.authHandler.Me)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(auth.Middleware(deps.issuer), auth.RequireAdmin(deps.store))

		r.Post("/confirmation", deps.stepupIssuer.Issue)
		r.Get("/users/{id}", deps.adminHandler.Get)

		confirmed := r.With(deps.stepupGuard.Middleware)
		confirmed.Post("/users/{id}/unlock", deps.adminHandler.Unlock)
		confirmed.Post("/users/{id}/revoke-sessions", deps.adminHandler.RevokeSessions)
		confirmed.Put("/users/{id}/role", deps.adminHandler.SetRole)
	})

	r.Get("/internal/maintenance/cleanup", deps.cleanup.Handle)
	r.Post("/internal/maintenance/cleanup", deps.cleanup.Handle)

	return r
}
