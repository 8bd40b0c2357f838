package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"tokenbridge/bridge"
)

var errNoCaller = errors.New("request carries no session")

// CredentialService mints short-lived RS256 tokens that vouch for the
// caller of a gateway request. The cookie bridge uses them to recover the
// caller's identity without reading session internals.
type CredentialService struct {
	issuer   string
	audience string
	ttl      time.Duration
	jwks     *JWKSManager
	sessions *SessionManager
	logger   *slog.Logger
	now      func() time.Time
}

// NewCredentialService wires the delegated token issuer. audience is the only
// audience Identify accepts.
func NewCredentialService(cfg Config, jwks *JWKSManager, sessions *SessionManager, logger *slog.Logger) *CredentialService {
	return &CredentialService{
		issuer:   cfg.Issuer(),
		audience: cfg.Sibling.Audience,
		ttl:      cfg.DelegatedTTL(),
		jwks:     jwks,
		sessions: sessions,
		logger:   logger,
		now:      time.Now,
	}
}

var _ bridge.CredentialIssuer = (*CredentialService)(nil)

// IssueDelegated signs a token for the session behind r.
func (s *CredentialService) IssueDelegated(ctx context.Context, r *http.Request, audience string) (string, error) {
	sess, ok := s.sessions.Caller(r)
	if !ok {
		return "", errNoCaller
	}

	now := s.now()
	claims := jwt.MapClaims{
		"iss": s.issuer,
		"sub": sess.Profile.Subject,
		"aud": audience,
		"iat": now.Unix(),
		"exp": now.Add(s.ttl).Unix(),
		"jti": uuid.NewString(),
		"idp": sess.Provider,
	}
	if sess.Profile.Email != "" {
		claims["email"] = sess.Profile.Email
	}

	token, err := s.jwks.Sign(claims)
	if err != nil {
		return "", fmt.Errorf("sign delegated token: %w", err)
	}
	s.logger.Debug("delegated token issued", "user", sess.UserKey, "audience", audience)
	return token, nil
}

// Identify verifies a delegated token and returns the identity it carries.
func (s *CredentialService) Identify(ctx context.Context, token string) (bridge.Identity, error) {
	verifier := oidc.NewVerifier(s.issuer, &oidc.StaticKeySet{PublicKeys: s.jwks.PublicKeys()}, &oidc.Config{
		ClientID: s.audience,
		Now:      s.now,
	})
	idt, err := verifier.Verify(ctx, token)
	if err != nil {
		return bridge.Identity{}, fmt.Errorf("verify delegated token: %w", err)
	}

	var claims struct {
		Email string `json:"email"`
	}
	if err := idt.Claims(&claims); err != nil {
		return bridge.Identity{}, fmt.Errorf("read delegated token claims: %w", err)
	}
	return bridge.Identity{Subject: idt.Subject, Email: claims.Email}, nil
}
