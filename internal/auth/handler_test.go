package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHandler(f *fixture) *Handler {
	handler := NewHandler(f.service, true)
	handler.now = f.clock.Now
	return handler
}

func doJSON(t *testing.T, handlerFunc http.HandlerFunc, body string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/auth/test", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "198.51.100.7:51000"
	for _, cookie := range cookies {
		req.AddCookie(cookie)
	}
	rec := httptest.NewRecorder()
	handlerFunc(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func refreshCookie(rec *httptest.ResponseRecorder) *http.Cookie {
	for _, cookie := range rec.Result().Cookies() {
		if cookie.Name == refreshTokenCookie {
			return cookie
		}
	}
	return nil
}

func TestRegisterHandler(t *testing.T) {
	f := newFixture(t)
	handler := newTestHandler(f)

	rec := doJSON(t, handler.Register, `{"email":"ana@example.com","display_name":"Ana","password":"`+testPassword+`"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	body := decodeBody(t, rec)
	assert.NotEmpty(t, body["access_token"])
	assert.NotEmpty(t, body["refresh_token"])
	assert.Equal(t, "Bearer", body["token_type"])
	profile := body["profile"].(map[string]any)
	assert.Equal(t, "ana@example.com", profile["email"])
	assert.Equal(t, "user", profile["role"])

	cookie := refreshCookie(rec)
	require.NotNil(t, cookie)
	assert.Equal(t, body["refresh_token"], cookie.Value)
	assert.Equal(t, "/auth", cookie.Path)
	assert.True(t, cookie.HttpOnly)
	assert.True(t, cookie.Secure)
	assert.Equal(t, http.SameSiteStrictMode, cookie.SameSite)

	rec = doJSON(t, handler.Register, `{"email":"ANA@example.com","password":"`+testPassword+`"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "account already exists", decodeBody(t, rec)["error"])
}

func TestRegisterHandlerValidation(t *testing.T) {
	f := newFixture(t)
	handler := newTestHandler(f)

	for name, body := range map[string]string{
		"bad email":      `{"email":"not-an-email","password":"` + testPassword + `"}`,
		"short password": `{"email":"ana@example.com","password":"short"}`,
		"long password":  `{"email":"ana@example.com","password":"` + strings.Repeat("a", MaxPasswordBytes+1) + `"}`,
		"unknown field":  `{"email":"ana@example.com","password":"` + testPassword + `","role":"admin"}`,
		"malformed":      `{"email":`,
	} {
		t.Run(name, func(t *testing.T) {
			rec := doJSON(t, handler.Register, body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestLoginHandlerStatuses(t *testing.T) {
	f := newFixture(t)
	f.register(t, "ana@example.com")
	handler := newTestHandler(f)

	rec := doJSON(t, handler.Login, `{"email":"ana@example.com","password":"`+testPassword+`"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotNil(t, refreshCookie(rec))

	rec = doJSON(t, handler.Login, `{"email":"nobody@example.com","password":"`+testPassword+`"}`)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	unknownBody := rec.Body.String()

	var wrongBody string
	for i := 0; i < DefaultMaxAttempts-1; i++ {
		rec = doJSON(t, handler.Login, `{"email":"ana@example.com","password":"wrong-password"}`)
		require.Equal(t, http.StatusUnauthorized, rec.Code)
		wrongBody = rec.Body.String()
	}
	assert.Equal(t, unknownBody, wrongBody, "unknown email and wrong password look identical")

	rec = doJSON(t, handler.Login, `{"email":"ana@example.com","password":"wrong-password"}`)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	f.clock.Advance(time.Minute)
	rec = doJSON(t, handler.Login, `{"email":"ana@example.com","password":"`+testPassword+`"}`)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "840", rec.Header().Get("Retry-After"))
	body := decodeBody(t, rec)
	assert.Equal(t, float64(14), body["retry_after_minutes"])
	assert.Equal(t, "login temporarily locked", body["error"])
}

func TestRefreshAndLogoutHandlers(t *testing.T) {
	f := newFixture(t)
	session := f.register(t, "ana@example.com")
	handler := newTestHandler(f)

	rec := doJSON(t, handler.Refresh, `{"refresh_token":"`+session.RefreshToken+`"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.NotEmpty(t, body["access_token"])
	assert.NotContains(t, body, "refresh_token")

	cookie := &http.Cookie{Name: refreshTokenCookie, Value: session.RefreshToken}
	rec = doJSON(t, handler.Refresh, ``, cookie)
	require.Equal(t, http.StatusOK, rec.Code, "cookie is accepted when the body is empty")

	rec = doJSON(t, handler.Logout, ``, cookie)
	require.Equal(t, http.StatusOK, rec.Code)
	cleared := refreshCookie(rec)
	require.NotNil(t, cleared)
	assert.Equal(t, -1, cleared.MaxAge)

	rec = doJSON(t, handler.Logout, `{"refresh_token":"`+session.RefreshToken+`"}`)
	require.Equal(t, http.StatusOK, rec.Code, "logout is idempotent")

	rec = doJSON(t, handler.Refresh, `{"refresh_token":"`+session.RefreshToken+`"}`)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, handler.Refresh, `{}`)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLogoutIgnoresUnreadableBody(t *testing.T) {
	f := newFixture(t)
	session := f.register(t, "ana@example.com")
	handler := newTestHandler(f)
	cookie := &http.Cookie{Name: refreshTokenCookie, Value: session.RefreshToken}

	for _, body := range []string{`not json`, `{"refresh_token":"x","extra":1}`} {
		rec := doJSON(t, handler.Logout, body, cookie)
		require.Equal(t, http.StatusOK, rec.Code, body)
		cleared := refreshCookie(rec)
		require.NotNil(t, cleared, body)
		assert.Equal(t, -1, cleared.MaxAge)
	}

	rec := doJSON(t, handler.Refresh, `{"refresh_token":"`+session.RefreshToken+`"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "cookie token was revoked despite the bad body")
}

func TestLoginHandlerRejectsBlankCredentialsAsUnauthorized(t *testing.T) {
	f := newFixture(t)
	handler := newTestHandler(f)

	for _, body := range []string{
		`{"email":"","password":"whatever-pass"}`,
		`{"email":"ana@example.com","password":"   "}`,
		`{"email":"ana@example.com","password":"` + strings.Repeat("p", MaxPasswordBytes+1) + `"}`,
	} {
		rec := doJSON(t, handler.Login, body)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, body)
		assert.Equal(t, "invalid credentials", decodeBody(t, rec)["error"])
	}
}

func TestMeHandler(t *testing.T) {
	f := newFixture(t)
	session := f.register(t, "ana@example.com")
	handler := newTestHandler(f)

	router := Middleware(f.issuer)(http.HandlerFunc(handler.Me))

	req := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	req.Header.Set("Authorization", "Bearer "+session.AccessToken)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, session.Profile.ID, decodeBody(t, rec)["id"])
}
