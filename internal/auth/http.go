// ABOUTME: HTTP authentication for the web front-end and REST API
// ABOUTME: Accepts a login cookie, a bearer JWT or API key, or ?token= on WebSocket upgrades

package auth

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// CookieName holds the login JWT.
const CookieName = "relay_session"

// Options configures an Authenticator.
type Options struct {
	PasswordHash string
	Password     string
	APIKey       string
	JWTSecret    []byte
	TokenTTL     time.Duration
	SecureCookie bool
}

// Authenticator checks requests against the operator's credentials.
type Authenticator struct {
	password *PasswordChecker
	verifier *JWTVerifier
	apiKey   string
	ttl      time.Duration
	secure   bool
	logger   *slog.Logger
}

// NewAuthenticator builds an Authenticator. With no password and no API key every
// request is let through as MethodNone.
func NewAuthenticator(opts Options, logger *slog.Logger) (*Authenticator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	pw, err := NewPasswordChecker(opts.PasswordHash, opts.Password)
	if err != nil {
		return nil, err
	}
	if pw.Enabled() && len(opts.JWTSecret) == 0 {
		return nil, errors.New("jwt secret required for password login")
	}
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = 30 * 24 * time.Hour
	}

	a := &Authenticator{
		password: pw,
		verifier: NewJWTVerifier(opts.JWTSecret),
		apiKey:   opts.APIKey,
		ttl:      opts.TokenTTL,
		secure:   opts.SecureCookie,
		logger:   logger.With("component", "auth"),
	}
	if !a.Enabled() {
		a.logger.Warn("no web password or API key configured, HTTP access is unauthenticated")
	}
	return a, nil
}

// Enabled reports whether any credential is configured.
func (a *Authenticator) Enabled() bool {
	return a.password.Enabled() || a.apiKey != ""
}

// Login checks the operator password and returns a signed token and its expiry.
func (a *Authenticator) Login(password string) (string, time.Time, error) {
	if err := a.password.Check(password); err != nil {
		return "", time.Time{}, err
	}
	expires := a.verifier.now().Add(a.ttl)
	token, err := a.verifier.Generate(OperatorSubject, a.ttl)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, expires, nil
}

// SetCookie stores token in the login cookie.
func (a *Authenticator) SetCookie(w http.ResponseWriter, token string, expires time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    token,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		Secure:   a.secure,
		SameSite: http.SameSiteStrictMode,
	})
}

// ClearCookie expires the login cookie.
func (a *Authenticator) ClearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   a.secure,
		SameSite: http.SameSiteStrictMode,
	})
}

// extractBearerToken extracts a bearer token from the Authorization header.
func extractBearerToken(authHeader string) string {
	token, ok := strings.CutPrefix(authHeader, "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(token)
}

// Authenticate resolves the caller of r. allowQuery admits ?token=, which browsers
// need for WebSocket upgrades.
func (a *Authenticator) Authenticate(r *http.Request, allowQuery bool) (*Identity, error) {
	if !a.Enabled() {
		return &Identity{Subject: OperatorSubject, Method: MethodNone}, nil
	}

	var candidates []string
	if tok := extractBearerToken(r.Header.Get("Authorization")); tok != "" {
		candidates = append(candidates, tok)
	}
	if c, err := r.Cookie(CookieName); err == nil && c.Value != "" {
		candidates = append(candidates, c.Value)
	}
	if allowQuery {
		if tok := r.URL.Query().Get("token"); tok != "" {
			candidates = append(candidates, tok)
		}
	}
	if len(candidates) == 0 {
		return nil, ErrBadCredentials
	}

	lastErr := ErrBadCredentials
	for _, tok := range candidates {
		if apiKeyMatches(a.apiKey, tok) {
			return &Identity{Subject: OperatorSubject, Method: MethodAPIKey}, nil
		}
		if !a.password.Enabled() {
			continue
		}
		sub, err := a.verifier.Verify(tok)
		if err == nil {
			return &Identity{Subject: sub, Method: MethodSession}, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// Middleware rejects unauthenticated requests with 401 and attaches the Identity otherwise.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return a.middleware(next, false)
}

// WebSocketMiddleware is Middleware that also accepts ?token=.
func (a *Authenticator) WebSocketMiddleware(next http.Handler) http.Handler {
	return a.middleware(next, true)
}

func (a *Authenticator) middleware(next http.Handler, allowQuery bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := a.Authenticate(r, allowQuery)
		if err != nil {
			msg := "unauthorized"
			if errors.Is(err, ErrExpiredToken) {
				msg = "token expired"
			}
			a.logger.Debug("rejected request", "path", r.URL.Path, "error", err)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}
