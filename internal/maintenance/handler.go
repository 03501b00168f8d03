package maintenance

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"auth-serverless/internal/auth"
	"auth-serverless/internal/observability"
)

// Cleaner runs store hygiene. Nothing depends on it for correctness: expired tokens and
// lapsed locks are already ignored at read time.
type Cleaner struct {
	store                 auth.Store
	logger                *observability.Logger
	refreshRetention      time.Duration
	loginAttemptRetention time.Duration
	batchSize             int
	now                   func() time.Time
}

func NewCleaner(
	store auth.Store,
	logger *observability.Logger,
	refreshRetention time.Duration,
	loginAttemptRetention time.Duration,
	batchSize int,
) *Cleaner {
	return &Cleaner{
		store:                 store,
		logger:                logger,
		refreshRetention:      refreshRetention,
		loginAttemptRetention: loginAttemptRetention,
		batchSize:             batchSize,
		now:                   time.Now,
	}
}

func (c *Cleaner) Run(ctx context.Context) (auth.CleanupResult, error) {
	result, err := c.store.Cleanup(ctx, auth.CleanupOptions{
		Now:                   c.now().UTC(),
		RefreshRetention:      c.refreshRetention,
		LoginAttemptRetention: c.loginAttemptRetention,
		BatchSize:             c.batchSize,
	})
	if err != nil {
		c.logger.Error("auth_cleanup_failed", map[string]any{"error": err.Error()})
		return auth.CleanupResult{}, err
	}

	c.logger.Info("auth_cleanup_completed", map[string]any{
		"deleted_refresh_tokens": result.DeletedRefreshTokens,
		"reset_login_attempts":   result.ResetLoginAttempts,
	})
	return result, nil
}

type CleanupHandler struct {
	cleaner    *Cleaner
	cronSecret string
}

func NewCleanupHandler(cleaner *Cleaner, cronSecret string) *CleanupHandler {
	return &CleanupHandler{
		cleaner:    cleaner,
		cronSecret: strings.TrimSpace(cronSecret),
	}
}

func (h *CleanupHandler) Handle(w http.ResponseWriter, r *http.Request) {
	if h.cronSecret == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}

	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) != h.cronSecret {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	result, err := h.cleaner.Run(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "cleanup failed"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"result": result,
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
