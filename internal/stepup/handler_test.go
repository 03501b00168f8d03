package stepup

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"auth-serverless/internal/audit"
	"auth-serverless/internal/auth"
	"auth-serverless/internal/observability"
)

func asAdmin(adminID string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := auth.WithPrincipal(r.Context(), auth.Principal{UserID: adminID, Role: auth.RoleAdmin})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

type scenario struct {
	clock    *testClock
	recorder *audit.Recorder
	router   http.Handler
	hits     int
}

func newScenario(t *testing.T, adminID string) *scenario {
	t.Helper()

	s := &scenario{clock: newTestClock(), recorder: &audit.Recorder{}}
	protocol := NewProtocol(testSecret).WithClock(s.clock.Now)
	emitter := audit.NewEmitter(observability.NewLoggerTo(io.Discard), s.recorder)
	guard := NewGuard(protocol, emitter, "id")
	handler := NewHandler(protocol, emitter)

	r := chi.NewRouter()
	r.Use(asAdmin(adminID))
	r.Post("/admin/confirmation", handler.Issue)
	r.With(guard.Middleware).Post("/admin/users/{id}/unlock", func(w http.ResponseWriter, r *http.Request) {
		s.hits++
		w.WriteHeader(http.StatusOK)
	})
	r.With(guard.Middleware).Put("/admin/users/{id}/role", func(w http.ResponseWriter, r *http.Request) {
		s.hits++
		writeError(w, http.StatusNotFound, "account not found")
	})
	s.router = r
	return s
}

func (s *scenario) do(method, path, body, confirmation string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.RemoteAddr = "203.0.113.5:443"
	if confirmation != "" {
		req.Header.Set(HeaderName, confirmation)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestStepUpHandshake(t *testing.T) {
	s := newScenario(t, "admin-1")

	rec := s.do(http.MethodPost, "/admin/users/u-42/unlock", "", "")
	require.Equal(t, http.StatusForbidden, rec.Code)
	challenge := decode(t, rec)
	assert.Equal(t, true, challenge["requires_confirmation"])
	fingerprint, _ := challenge["fingerprint"].(string)
	require.NotEmpty(t, fingerprint)
	assert.Zero(t, s.hits)

	s.clock.Advance(30 * time.Second)
	rec = s.do(http.MethodPost, "/admin/confirmation", `{"operation_fingerprint":"`+fingerprint+`"}`, "")
	require.Equal(t, http.StatusOK, rec.Code)
	issued := decode(t, rec)
	token, _ := issued["confirmation_token"].(string)
	require.NotEmpty(t, token)
	assert.Equal(t, float64(270), issued["expires_in_seconds"])

	rec = s.do(http.MethodPost, "/admin/users/u-42/unlock", "", token)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, s.hits)

	rec = s.do(http.MethodPost, "/admin/users/u-43/unlock", "", token)
	require.Equal(t, http.StatusForbidden, rec.Code, "token is bound to its target")
	assert.Equal(t, "invalid confirmation", decode(t, rec)["error"])

	s.clock.Advance(5 * time.Minute)
	rec = s.do(http.MethodPost, "/admin/users/u-42/unlock", "", token)
	require.Equal(t, http.StatusForbidden, rec.Code, "token expired")
	assert.Equal(t, 1, s.hits)

	events := s.recorder.Events()
	require.Len(t, events, 2)
	assert.Equal(t, audit.ActionConfirmationIssued, events[0].Action)
	confirmed := events[1]
	assert.Equal(t, audit.ActionCriticalConfirmed, confirmed.Action)
	assert.Equal(t, "admin-1", confirmed.ActorID)
	assert.Equal(t, "u-42", confirmed.SubjectID)
	assert.Equal(t, http.MethodPost, confirmed.Method)
	assert.Equal(t, "/admin/users/u-42/unlock", confirmed.Path)
	assert.Equal(t, "203.0.113.5", confirmed.SourceAddr)
	assert.Equal(t, map[string]string{"outcome": "succeeded", "status": "200"}, confirmed.Detail)
}

func TestGuardAuditsOutcomeOfFailedOperation(t *testing.T) {
	s := newScenario(t, "admin-1")

	rec := s.do(http.MethodPut, "/admin/users/ghost/role", "", "")
	require.Equal(t, http.StatusForbidden, rec.Code)
	fingerprint, _ := decode(t, rec)["fingerprint"].(string)

	rec = s.do(http.MethodPost, "/admin/confirmation", `{"operation_fingerprint":"`+fingerprint+`"}`, "")
	require.Equal(t, http.StatusOK, rec.Code)
	token, _ := decode(t, rec)["confirmation_token"].(string)

	rec = s.do(http.MethodPut, "/admin/users/ghost/role", "", token)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, 1, s.hits)

	events := s.recorder.Events()
	require.Len(t, events, 2)
	confirmed := events[1]
	assert.Equal(t, audit.ActionCriticalConfirmed, confirmed.Action)
	assert.Equal(t, "ghost", confirmed.SubjectID)
	assert.Equal(t, "failed", confirmed.Detail["outcome"])
	assert.Equal(t, "404", confirmed.Detail["status"])
}

func TestIssueHandlerRejectsBadInput(t *testing.T) {
	s := newScenario(t, "admin-1")

	rec := s.do(http.MethodPost, "/admin/confirmation", `{"operation_fingerprint":"nope"}`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodPost, "/admin/confirmation", `{"fingerprint":"x"}`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	assert.Empty(t, s.recorder.Events())
}

func TestGuardRejectsGarbageToken(t *testing.T) {
	s := newScenario(t, "admin-1")

	rec := s.do(http.MethodPost, "/admin/users/u-42/unlock", "", "not-a-token")
	require.Equal(t, http.StatusForbidden, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "invalid confirmation", body["error"])
	assert.NotContains(t, body, "fingerprint")
	assert.Zero(t, s.hits)
}
