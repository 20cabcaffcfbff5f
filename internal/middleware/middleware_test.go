package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var ok = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

func serve(h http.Handler, r *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, r)
	return rr
}

func TestRequireRole(t *testing.T) {
	a := NewAuth("s3cret")
	h := a.WithAuth(RequireRole("linguist")(ok))

	req := func(role string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		if role != "" {
			tok, err := a.SignToken("u1", role, time.Minute)
			require.NoError(t, err)
			r.Header.Set("Authorization", "Bearer "+tok)
		}
		return r
	}
	assert.Equal(t, http.StatusUnauthorized, serve(h, req("")).Code)
	assert.Equal(t, http.StatusForbidden, serve(h, req("community_member")).Code)
	assert.Equal(t, http.StatusOK, serve(h, req("linguist")).Code)
	assert.Equal(t, http.StatusOK, serve(h, req("admin")).Code)

	other := NewAuth("another")
	tok, err := other.SignToken("u1", "admin", time.Minute)
	require.NoError(t, err)
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer "+tok)
	assert.Equal(t, http.StatusUnauthorized, serve(h, r).Code)

	expired, err := a.SignToken("u1", "admin", -time.Minute)
	require.NoError(t, err)
	r = httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer "+expired)
	assert.Equal(t, http.StatusUnauthorized, serve(h, r).Code)
}

func TestClaimsFromContext(t *testing.T) {
	a := NewAuth("")
	tok, err := a.SignToken("u9", RoleGateway, time.Minute)
	require.NoError(t, err)
	var got *Claims
	h := a.WithAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = ClaimsFromContext(r.Context())
	}))
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer "+tok)
	serve(h, r)
	require.NotNil(t, got)
	assert.Equal(t, "u9", got.UID)
	assert.Equal(t, RoleGateway, got.Role)
}

func TestCORS(t *testing.T) {
	h := CORS([]string{"https://dash.example"})(ok)
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Origin", "https://dash.example")
	assert.Equal(t, "https://dash.example", serve(h, r).Header().Get("Access-Control-Allow-Origin"))

	r.Header.Set("Origin", "https://evil.example")
	assert.Empty(t, serve(h, r).Header().Get("Access-Control-Allow-Origin"))

	pre := httptest.NewRequest(http.MethodOptions, "/", nil)
	assert.Equal(t, http.StatusNoContent, serve(h, pre).Code)

	open := CORS(nil)(ok)
	assert.Equal(t, "*", serve(open, httptest.NewRequest(http.MethodGet, "/", nil)).Header().Get("Access-Control-Allow-Origin"))
}

func TestSecureHeadersAndLog(t *testing.T) {
	h := RequestLog(zap.NewNop())(SecureHeaders(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})))
	rr := serve(h, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTeapot, rr.Code)
	assert.Equal(t, "no-store", rr.Header().Get("Cache-Control"))
	assert.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))
}

func TestLocale(t *testing.T) {
	var got string
	h := Locale("fr")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = LocaleFromContext(r.Context())
	}))
	r := httptest.NewRequest(http.MethodGet, "/?lang=sw-TZ", nil)
	rec := serve(h, r)
	assert.Equal(t, "sw", got)
	assert.Equal(t, "sw", rec.Header().Get("Content-Language"))

	r = httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Accept-Language", "de;q=0.9, fr;q=0.8")
	serve(h, r)
	assert.Equal(t, "fr", got)

	serve(h, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, "fr", got, "configured default")
	assert.Equal(t, "en", LocaleFromContext(context.Background()))
}
