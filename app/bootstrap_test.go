package app

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"auth-serverless/internal/config"
	"auth-serverless/internal/stepup"
)

func testConfig() *config.Config {
	return &config.Config{
		AppEnv:                      "test",
		DatabaseURL:                 memoryDatabaseURL,
		JWTSecret:                   "jwt-secret-jwt-secret-jwt-secret-0123",
		ConfirmationSecret:          "confirmation-secret-confirmation-secret",
		BcryptCost:                  4,
		LoginMaxAttempts:            5,
		LoginLockMinutes:            15,
		LoginAttemptWindowMinutes:   15,
		LoginBackoffBaseMillis:      0,
		LoginRateLimitMax:           100,
		LoginRateLimitWindowSeconds: 60,
		CronSecret:                  "cron-secret",
		CleanupBatchSize:            100,
		AdminEmail:                  "root@example.com",
		AdminPassword:               "root password value",
	}
}

type client struct {
	t       *testing.T
	handler http.Handler
}

func (c client) do(method, path, body string, headers map[string]string) (*httptest.ResponseRecorder, map[string]any) {
	c.t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	c.handler.ServeHTTP(rec, req)

	var decoded map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &decoded)
	return rec, decoded
}

func bearer(token any) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token.(string)}
}

func TestRuntimeEndToEnd(t *testing.T) {
	runtime, err := Build(Options{Config: testConfig()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = runtime.Close() })

	c := client{t: t, handler: runtime.Handler}

	rec, _ := c.do(http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, user := c.do(http.MethodPost, "/auth/register", `{"email":"ana@example.com","display_name":"Ana","password":"correct horse battery"}`, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	userID := user["profile"].(map[string]any)["id"].(string)

	rec, me := c.do(http.MethodGet, "/auth/me", "", bearer(user["access_token"]))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, userID, me["id"])

	rec, _ = c.do(http.MethodGet, "/admin/users/"+userID, "", bearer(user["access_token"]))
	require.Equal(t, http.StatusForbidden, rec.Code, "regular users cannot reach admin routes")

	rec, root := c.do(http.MethodPost, "/auth/login", `{"email":"root@example.com","password":"root password value"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	adminAuth := bearer(root["access_token"])

	revokePath := "/admin/users/" + userID + "/revoke-sessions"
	rec, challenge := c.do(http.MethodPost, revokePath, "", adminAuth)
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Equal(t, true, challenge["requires_confirmation"])

	rec, confirmation := c.do(http.MethodPost, "/admin/confirmation",
		`{"operation_fingerprint":"`+challenge["fingerprint"].(string)+`"}`, adminAuth)
	require.Equal(t, http.StatusOK, rec.Code)

	headers := bearer(root["access_token"])
	headers[stepup.HeaderName] = confirmation["confirmation_token"].(string)
	rec, revoked := c.do(http.MethodPost, revokePath, "", headers)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), revoked["revoked"])

	rec, _ = c.do(http.MethodPost, "/auth/refresh", `{"refresh_token":"`+user["refresh_token"].(string)+`"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = c.do(http.MethodPost, "/auth/logout", `{"refresh_token":"`+user["refresh_token"].(string)+`"}`, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = c.do(http.MethodPost, "/internal/maintenance/cleanup", "", map[string]string{"Authorization": "Bearer cron-secret"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestBuildRejectsUnsupportedDatabase(t *testing.T) {
	cfg := testConfig()
	cfg.DatabaseURL = "mysql://localhost/auth"

	_, err := Build(Options{Config: cfg})
	require.Error(t, err)
}

func TestBuildRejectsInvalidTrustedProxy(t *testing.T) {
	cfg := testConfig()
	cfg.TrustedProxyCIDRs = "10.0.0.0/8, proxy.internal"

	_, err := Build(Options{Config: cfg})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "proxy.internal")
}
