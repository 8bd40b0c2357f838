package bridge

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// APITokenCookieMaxAge is the lifetime of the session token cookie.
const APITokenCookieMaxAge = time.Hour

// Identity is the caller identity carried by a delegated token.
type Identity struct {
	Subject string
	Email   string
}

// CredentialIssuer mints short-lived delegated tokens for the caller of a
// request and decodes them back into an identity.
type CredentialIssuer interface {
	IssueDelegated(ctx context.Context, r *http.Request, audience string) (string, error)
	Identify(ctx context.Context, token string) (Identity, error)
}

// CookieBridgeConfig configures SessionCookieMiddleware.
type CookieBridgeConfig struct {
	ProviderID string
	// Audience is the sibling service the delegated token is minted for.
	Audience string
	Secure   bool
}

// APITokenCookieName is the cookie the sibling service reads the session token from.
func APITokenCookieName(providerID string) string {
	return providerID + "-api-token"
}

// CallbackPath is the callback completion route for a provider, relative to the auth mount.
func CallbackPath(providerID string) string {
	return "/" + providerID + "/handler/frame"
}

var errNoSessionToken = errors.New("no cached session token")

// SessionCookieMiddleware exposes the caller's cached session token as a
// cookie on the callback completion route. It runs right before the
// response header is written, so a session created by the callback handler
// is already visible to the issuer. Failures are logged and never change
// the response.
func SessionCookieMiddleware(cfg CookieBridgeConfig, issuer CredentialIssuer, store SessionTokenStore, logger *slog.Logger) func(http.Handler) http.Handler {
	suffix := CallbackPath(cfg.ProviderID)
	cookieName := APITokenCookieName(cfg.ProviderID)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodGet || !strings.HasSuffix(r.URL.Path, suffix) {
				next.ServeHTTP(w, r)
				return
			}

			hw := &headerHookWriter{ResponseWriter: w}
			hw.hook = func() {
				token, err := resolveSessionToken(r, cfg.Audience, issuer, store)
				if err != nil {
					logger.Warn("session token cookie not set", "path", r.URL.Path, "error", err)
					return
				}
				http.SetCookie(w, &http.Cookie{
					Name:     cookieName,
					Value:    token,
					Path:     "/",
					MaxAge:   int(APITokenCookieMaxAge.Seconds()),
					HttpOnly: false,
					Secure:   cfg.Secure,
					SameSite: http.SameSiteLaxMode,
				})
			}
			defer hw.fire()
			next.ServeHTTP(hw, r)
		})
	}
}

func resolveSessionToken(r *http.Request, audience string, issuer CredentialIssuer, store SessionTokenStore) (token string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = errors.New("panic while resolving session token")
		}
	}()

	ctx := r.Context()
	delegated, err := issuer.IssueDelegated(ctx, r, audience)
	if err != nil {
		return "", err
	}
	id, err := issuer.Identify(ctx, delegated)
	if err != nil {
		return "", err
	}
	key := UserKey(id.Email, id.Subject)
	if key == "" {
		return "", errors.New("delegated token carries no identity")
	}
	token, ok, err := store.Get(ctx, key)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", errNoSessionToken
	}
	return token, nil
}

// headerHookWriter runs hook once, just before the status line is written.
type headerHookWriter struct {
	http.ResponseWriter
	hook func()
	once sync.Once
}

func (w *headerHookWriter) fire() {
	w.once.Do(w.hook)
}

func (w *headerHookWriter) WriteHeader(status int) {
	w.fire()
	w.ResponseWriter.WriteHeader(status)
}

func (w *headerHookWriter) Write(b []byte) (int, error) {
	w.fire()
	return w.ResponseWriter.Write(b)
}

func (w *headerHookWriter) Flush() {
	w.fire()
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *headerHookWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
