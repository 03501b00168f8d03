package maintenance

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"auth-serverless/internal/auth"
	"auth-serverless/internal/observability"
)

type fakeStore struct {
	auth.Store
	calls  int
	opts   auth.CleanupOptions
	result auth.CleanupResult
	err    error
}

func (s *fakeStore) Cleanup(_ context.Context, opts auth.CleanupOptions) (auth.CleanupResult, error) {
	s.calls++
	s.opts = opts
	return s.result, s.err
}

func TestCleanupHandlerRequiresSecret(t *testing.T) {
	store := &fakeStore{result: auth.CleanupResult{DeletedRefreshTokens: 3, ResetLoginAttempts: 1}}
	var logs bytes.Buffer
	cleaner := NewCleaner(store, observability.NewLoggerTo(&logs), 24*time.Hour, 48*time.Hour, 50)

	serve := func(h *CleanupHandler, method, authorization string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, "/internal/maintenance/cleanup", nil)
		if authorization != "" {
			req.Header.Set("Authorization", authorization)
		}
		rec := httptest.NewRecorder()
		h.Handle(rec, req)
		return rec
	}

	disabled := NewCleanupHandler(cleaner, "")
	assert.Equal(t, http.StatusNotFound, serve(disabled, http.MethodPost, "Bearer anything").Code)

	handler := NewCleanupHandler(cleaner, " cron-secret ")
	assert.Equal(t, http.StatusUnauthorized, serve(handler, http.MethodPost, "").Code)
	assert.Equal(t, http.StatusUnauthorized, serve(handler, http.MethodPost, "Bearer wrong").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, serve(handler, http.MethodDelete, "Bearer cron-secret").Code)
	assert.Zero(t, store.calls)

	rec := serve(handler, http.MethodGet, "Bearer cron-secret")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","result":{"deleted_refresh_tokens":3,"reset_login_attempts":1}}`, rec.Body.String())
	assert.Equal(t, 1, store.calls)
	assert.Equal(t, 24*time.Hour, store.opts.RefreshRetention)
	assert.Equal(t, 48*time.Hour, store.opts.LoginAttemptRetention)
	assert.Equal(t, 50, store.opts.BatchSize)
	assert.False(t, store.opts.Now.IsZero())
	assert.Contains(t, logs.String(), "auth_cleanup_completed")

	store.err = errors.New("db down")
	rec = serve(handler, http.MethodPost, "Bearer cron-secret")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, logs.String(), "auth_cleanup_failed")
}

func TestCleanerAgainstMemoryStore(t *testing.T) {
	store := auth.NewMemoryStore()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.Create(context.Background(), &auth.Credential{
		Email: "ana@example.com",
		Role:  auth.RoleUser,
		ActiveTokens: []auth.RefreshToken{{
			Ref:       auth.TokenRef("old"),
			IssuedAt:  now.Add(-8 * 24 * time.Hour),
			ExpiresAt: now.Add(-24 * time.Hour),
		}},
	}))

	var logs bytes.Buffer
	cleaner := NewCleaner(store, observability.NewLoggerTo(&logs), 0, 0, 0)
	cleaner.now = func() time.Time { return now }

	result, err := cleaner.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.DeletedRefreshTokens)
}

func TestSchedulerStart(t *testing.T) {
	var logs bytes.Buffer
	logger := observability.NewLoggerTo(&logs)
	cleaner := NewCleaner(&fakeStore{}, logger, 0, 0, 0)

	require.Error(t, NewScheduler(cleaner, logger, "not a schedule").Start())
	require.NoError(t, NewScheduler(cleaner, logger, "").Start())
	assert.Contains(t, logs.String(), "auth_cleanup_schedule_disabled")

	scheduler := NewScheduler(cleaner, logger, "@every 1h")
	require.NoError(t, scheduler.Start())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	scheduler.Stop(ctx)
	assert.Contains(t, logs.String(), "auth_cleanup_scheduled")
}

func TestSchedulerRunsCleanup(t *testing.T) {
	store := &fakeStore{}
	logger := observability.NewLoggerTo(&bytes.Buffer{})
	scheduler := NewScheduler(NewCleaner(store, logger, 0, 0, 0), logger, "@every 1h")

	scheduler.runCleanup()
	assert.Equal(t, 1, store.calls)
}
