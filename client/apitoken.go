// Package client holds the sibling-service side of the bridge: it accepts the
// session token the gateway exposed as a cookie and forwards it upstream.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"tokenbridge/bridge"
)

var (
	// ErrNoToken is returned when the request carries neither cookie nor bearer token.
	ErrNoToken = errors.New("no api token on request")
	// ErrNotSessionToken rejects identity tokens and anything else not HS256-signed.
	ErrNotSessionToken = errors.New("token is not a session token")
)

// ValidatorConfig configures the api token validator.
type ValidatorConfig struct {
	// ProviderID selects the <provider>-api-token cookie.
	ProviderID string
	Leeway     time.Duration
	Now        func() time.Time
}

// Validator accepts upstream session tokens relayed by the gateway. The
// signature cannot be checked here; the upstream API does that when the
// token is forwarded.
type Validator struct {
	cookieName string
	leeway     time.Duration
	now        func() time.Time
}

// Claims is a simplified view of an accepted session token.
type Claims struct {
	Subject   string
	Email     string
	ExpiresAt time.Time
	// Token is the raw session token to forward upstream.
	Token  string
	Source string
	Raw    map[string]any
}

// NewValidator creates a validator with sane defaults.
func NewValidator(cfg ValidatorConfig) *Validator {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Validator{
		cookieName: bridge.APITokenCookieName(cfg.ProviderID),
		leeway:     cfg.Leeway,
		now:        cfg.Now,
	}
}

// Validate decodes raw and rejects identity tokens and expired session tokens.
// A session token without exp is accepted.
func (v *Validator) Validate(raw string) (*Claims, error) {
	if raw == "" {
		return nil, ErrNoToken
	}
	tok, err := bridge.Decode(raw)
	if err != nil {
		return nil, err
	}
	if !bridge.IsSessionToken(tok.Header) {
		return nil, fmt.Errorf("%w: alg %q", ErrNotSessionToken, tok.Algorithm())
	}

	claims := &Claims{Token: raw, Raw: tok.Payload}
	claims.Subject, _ = tok.Payload.GetSubject()
	claims.Email, _ = tok.Payload["email"].(string)

	exp, err := tok.Payload.GetExpirationTime()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", bridge.ErrMalformedToken, err)
	}
	if exp != nil {
		claims.ExpiresAt = exp.Time
		if !v.now().Before(exp.Time.Add(v.leeway)) {
			return nil, bridge.ErrExpiredToken
		}
	}
	return claims, nil
}

// TokenFromRequest returns the api token cookie, or else a bearer token.
func (v *Validator) TokenFromRequest(r *http.Request) (token, source string) {
	if c, err := r.Cookie(v.cookieName); err == nil && c.Value != "" {
		return c.Value, "cookie:" + v.cookieName
	}
	if token := extractBearerToken(r.Header.Get("Authorization")); token != "" {
		return token, "header:Authorization"
	}
	return "", ""
}

// RequireAPIToken middleware validates the relayed session token and injects claims into context.
func RequireAPIToken(v *Validator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, source := v.TokenFromRequest(r)
			claims, err := v.Validate(raw)
			if err != nil {
				w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
				http.Error(w, "invalid api token", http.StatusUnauthorized)
				return
			}
			claims.Source = source

			ctx := context.WithValue(r.Context(), claimsKey{}, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ClaimsFromContext retrieves claims attached by the middleware.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsKey{}).(*Claims)
	return claims, ok
}

type claimsKey struct{}

func extractBearerToken(header string) string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
