package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"tokenbridge/bridge"
)

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config      Config
	Logger      *slog.Logger
	Store       *InMemoryStore
	Sessions    *SessionManager
	JWKS        *JWKSManager
	Credentials *CredentialService
	Engine      *bridge.Engine
	TokenStore  bridge.SessionTokenStore

	redis    *redis.Client
	stopKeys chan struct{}
	now      func() time.Time
}

// NewApp wires together the application state from configuration.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger, opts ...bridge.Option) (*App, error) {
	store := NewInMemoryStore()

	jwks, err := NewJWKSManager(cfg.Server.SecretsPath, DefaultKeyRotation, logger)
	if err != nil {
		return nil, err
	}

	sessions := NewSessionManager(cfg, store, logger)
	credentials := NewCredentialService(cfg, jwks, sessions, logger)

	app := &App{
		Config:      cfg,
		Logger:      logger,
		Store:       store,
		Sessions:    sessions,
		JWKS:        jwks,
		Credentials: credentials,
		stopKeys:    make(chan struct{}),
		now:         time.Now,
	}

	if err := app.openTokenStore(ctx); err != nil {
		return nil, err
	}

	// The api token cookie may still hold a previous user's session token.
	opts = append([]bridge.Option{bridge.WithExcludedCookies(bridge.APITokenCookieName(cfg.Provider.ID))}, opts...)
	engine, err := bridge.NewEngine(cfg.BridgeProvider(), app.TokenStore, logger, opts...)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("init provider %s: %w", cfg.Provider.ID, err)
	}
	app.Engine = engine

	jwks.StartRotation(app.stopKeys)

	logger.Info("provider configured",
		"provider", cfg.Provider.ID,
		"authorization_url", cfg.Provider.AuthorizationURL,
		"token_url", engine.TokenURL(),
		"callback_url", cfg.CallbackURL(),
		"token_store", cfg.TokenStore.Backend,
	)
	return app, nil
}

func (a *App) openTokenStore(ctx context.Context) error {
	switch a.Config.TokenStore.Backend {
	case TokenStoreRedis:
		rc := a.Config.TokenStore.Redis
		client := redis.NewClient(&redis.Options{
			Addr:     rc.Addr,
			Username: rc.Username,
			Password: rc.Password,
			DB:       rc.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return fmt.Errorf("connect token store redis %s: %w", rc.Addr, err)
		}
		a.redis = client
		a.TokenStore = bridge.NewRedisTokenStore(client, rc.KeyPrefix)
	default:
		a.TokenStore = bridge.SharedTokenStore()
	}
	return nil
}

// Close stops key rotation and releases the token store connection.
func (a *App) Close() error {
	select {
	case <-a.stopKeys:
	default:
		close(a.stopKeys)
	}
	if a.redis != nil {
		return a.redis.Close()
	}
	return nil
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	if a.redis != nil {
		if err := a.redis.Ping(r.Context()).Err(); err != nil {
			a.Logger.Warn("health check: token store unreachable", "error", err)
			writeJSONStatus(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
			return
		}
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func (a *App) handleJWKS(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, a.JWKS.PublicJWKS())
}

func (a *App) handleStart(w http.ResponseWriter, r *http.Request) {
	state := a.Store.NewID()
	redirect, err := a.Engine.Start(state)
	if err != nil {
		a.Logger.Error("start sign-in", "error", err)
		http.Error(w, "sign-in unavailable", http.StatusInternalServerError)
		return
	}

	a.Store.SaveAuthRequest(AuthRequest{
		State:     state,
		Provider:  a.Config.Provider.ID,
		ReturnTo:  safeReturnTo(r.URL.Query().Get("return_to")),
		Nonce:     redirect.Nonce,
		CreatedAt: a.now(),
	})
	http.Redirect(w, r, redirect.URL, redirect.Status)
}

func (a *App) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if upstreamErr := q.Get("error"); upstreamErr != "" {
		a.Logger.Warn("upstream rejected sign-in", "error", upstreamErr, "description", q.Get("error_description"))
		http.Error(w, "sign-in was not completed", http.StatusBadRequest)
		return
	}

	authReq, ok := a.Store.ConsumeAuthRequest(q.Get("state"))
	if !ok {
		http.Error(w, "unknown state", http.StatusBadRequest)
		return
	}
	if authReq.Provider != a.Config.Provider.ID {
		http.Error(w, "state provider mismatch", http.StatusBadRequest)
		return
	}

	result, err := a.Engine.Authenticate(r.Context(), r)
	if err != nil {
		a.writeAuthError(w, err)
		return
	}

	a.Sessions.Create(w, r, authReq.Provider, result)
	http.Redirect(w, r, authReq.ReturnTo, http.StatusFound)
}

func (a *App) writeAuthError(w http.ResponseWriter, err error) {
	var exchangeErr *bridge.TokenExchangeError
	switch {
	case errors.Is(err, bridge.ErrMissingAuthorizationCode):
		http.Error(w, "missing authorization code", http.StatusBadRequest)
	case errors.As(err, &exchangeErr):
		a.Logger.Error("token exchange failed", "status", exchangeErr.StatusCode, "error", err)
		http.Error(w, "sign-in failed", http.StatusBadGateway)
	default:
		a.Logger.Error("sign-in failed", "error", err)
		http.Error(w, "sign-in failed", http.StatusBadGateway)
	}
}

func (a *App) handleRefresh(w http.ResponseWriter, r *http.Request) {
	sess, ok := a.Sessions.Fetch(r)
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "not_signed_in")
		return
	}

	result, err := a.Engine.Refresh(r.Context(), sess.Record.RefreshToken)
	if err != nil {
		if errors.Is(err, bridge.ErrExpiredToken) {
			a.Logger.Info("session expired at refresh", "user", sess.UserKey)
			a.Sessions.Clear(w, r)
			writeJSONError(w, http.StatusUnauthorized, "session_expired")
			return
		}
		a.Logger.Warn("refresh failed", "user", sess.UserKey, "error", err)
		writeJSONError(w, http.StatusUnauthorized, "session_invalid")
		return
	}

	a.Sessions.Update(sess, result)
	writeJSON(w, newSessionView(sess, a.now()))
}

func (a *App) handleLogout(w http.ResponseWriter, r *http.Request) {
	a.Sessions.Clear(w, r)
	http.SetCookie(w, &http.Cookie{
		Name:     bridge.APITokenCookieName(a.Config.Provider.ID),
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		Secure:   !a.Config.Server.DevMode,
		SameSite: http.SameSiteLaxMode,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := a.Sessions.Fetch(r)
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "not_signed_in")
		return
	}
	writeJSON(w, newSessionView(sess, a.now()))
}

// safeReturnTo keeps post sign-in redirects on this host.
func safeReturnTo(raw string) string {
	if raw == "" || !strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, "//") || strings.Contains(raw, "\\") {
		return "/"
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "" || u.Host != "" {
		return "/"
	}
	return u.RequestURI()
}

func writeJSON(w http.ResponseWriter, v any) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, code string) {
	writeJSONStatus(w, status, map[string]string{"error": code})
}
