// ABOUTME: Tests for the HTTP authenticator, password checking and middleware
// ABOUTME: Covers cookie, bearer, API key and query token paths plus disabled auth

package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAuthenticator(t *testing.T, opts Options) *Authenticator {
	t.Helper()
	if opts.JWTSecret == nil {
		opts.JWTSecret = testSecret
	}
	a, err := NewAuthenticator(opts, nil)
	require.NoError(t, err)
	return a
}

func serve(a *Authenticator, ws bool, r *http.Request) (*httptest.ResponseRecorder, *Identity) {
	var got *Identity
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = FromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})
	h := a.Middleware(next)
	if ws {
		h = a.WebSocketMiddleware(next)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	return rec, got
}

func TestPasswordChecker(t *testing.T) {
	hash, err := HashPassword("correct horse")
	require.NoError(t, err)

	fromHash, err := NewPasswordChecker(hash, "ignored")
	require.NoError(t, err)
	assert.NoError(t, fromHash.Check("correct horse"))
	assert.ErrorIs(t, fromHash.Check("ignored"), ErrBadCredentials, "hash wins over plaintext")

	fromPlain, err := NewPasswordChecker("", "battery staple")
	require.NoError(t, err)
	assert.NoError(t, fromPlain.Check("battery staple"))
	assert.ErrorIs(t, fromPlain.Check("nope"), ErrBadCredentials)

	none, err := NewPasswordChecker("", "")
	require.NoError(t, err)
	assert.False(t, none.Enabled())
	assert.ErrorIs(t, none.Check(""), ErrLoginDisabled)

	_, err = NewPasswordChecker("not-a-bcrypt-hash", "")
	assert.Error(t, err)

	_, err = HashPassword("")
	assert.Error(t, err)
}

func TestAuthenticator_LoginAndCookie(t *testing.T) {
	a := newTestAuthenticator(t, Options{Password: "pw", TokenTTL: time.Hour})

	_, _, err := a.Login("wrong")
	assert.ErrorIs(t, err, ErrBadCredentials)

	token, expires, err := a.Login("pw")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expires, time.Minute)

	rec := httptest.NewRecorder()
	a.SetCookie(rec, token, expires)
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.True(t, cookies[0].HttpOnly)
	assert.Equal(t, CookieName, cookies[0].Name)

	req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	req.AddCookie(cookies[0])
	res, id := serve(a, false, req)
	assert.Equal(t, http.StatusNoContent, res.Code)
	require.NotNil(t, id)
	assert.Equal(t, MethodSession, id.Method)
	assert.Equal(t, OperatorSubject, id.Subject)

	rec = httptest.NewRecorder()
	a.ClearCookie(rec)
	assert.Equal(t, -1, rec.Result().Cookies()[0].MaxAge)
}

func TestAuthenticator_BearerTokens(t *testing.T) {
	a := newTestAuthenticator(t, Options{Password: "pw", APIKey: "key-123"})
	token, _, err := a.Login("pw")
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
		code   int
		method Method
	}{
		{"jwt", "Bearer " + token, http.StatusNoContent, MethodSession},
		{"api key", "Bearer key-123", http.StatusNoContent, MethodAPIKey},
		{"wrong key", "Bearer key-124", http.StatusUnauthorized, ""},
		{"missing", "", http.StatusUnauthorized, ""},
		{"basic scheme", "Basic a2V5LTEyMw==", http.StatusUnauthorized, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			res, id := serve(a, false, req)
			assert.Equal(t, tt.code, res.Code)
			if tt.code == http.StatusNoContent {
				require.NotNil(t, id)
				assert.Equal(t, tt.method, id.Method)
			} else {
				assert.JSONEq(t, `{"error":"unauthorized"}`, res.Body.String())
			}
		})
	}
}

func TestAuthenticator_QueryTokenOnlyForWebSocket(t *testing.T) {
	a := newTestAuthenticator(t, Options{APIKey: "key-123"})

	res, _ := serve(a, false, httptest.NewRequest(http.MethodGet, "/api/sessions?token=key-123", nil))
	assert.Equal(t, http.StatusUnauthorized, res.Code)

	res, id := serve(a, true, httptest.NewRequest(http.MethodGet, "/ws?token=key-123", nil))
	assert.Equal(t, http.StatusNoContent, res.Code)
	require.NotNil(t, id)
	assert.Equal(t, MethodAPIKey, id.Method)
}

func TestAuthenticator_APIKeyOnlyIgnoresJWTs(t *testing.T) {
	a := newTestAuthenticator(t, Options{APIKey: "key-123"})
	forged, err := NewJWTVerifier(testSecret).Generate(OperatorSubject, time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	req.Header.Set("Authorization", "Bearer "+forged)
	res, _ := serve(a, false, req)
	assert.Equal(t, http.StatusUnauthorized, res.Code)
}

func TestAuthenticator_ExpiredToken(t *testing.T) {
	a := newTestAuthenticator(t, Options{Password: "pw", TokenTTL: time.Minute})
	token, _, err := a.Login("pw")
	require.NoError(t, err)
	a.verifier.now = func() time.Time { return time.Now().Add(time.Hour) }

	req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	res, _ := serve(a, false, req)
	assert.Equal(t, http.StatusUnauthorized, res.Code)
	assert.JSONEq(t, `{"error":"token expired"}`, res.Body.String())
}

func TestAuthenticator_Disabled(t *testing.T) {
	a := newTestAuthenticator(t, Options{})
	assert.False(t, a.Enabled())

	res, id := serve(a, false, httptest.NewRequest(http.MethodGet, "/api/sessions", nil))
	assert.Equal(t, http.StatusNoContent, res.Code)
	require.NotNil(t, id)
	assert.Equal(t, MethodNone, id.Method)

	_, _, err := a.Login("anything")
	assert.ErrorIs(t, err, ErrLoginDisabled)
}

func TestNewAuthenticator_PasswordNeedsSecret(t *testing.T) {
	_, err := NewAuthenticator(Options{Password: "pw", JWTSecret: []byte{}}, nil)
	assert.Error(t, err)
}
