package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"tokenbridge/bridge"
)

// Routes constructs the HTTP router with the sign-in, session and key endpoints.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger))
	r.Use(SecurityHeadersMiddleware(a.Config.Server.TLS.HSTSMaxAge))

	r.Get("/healthz", a.handleHealth)
	r.Get("/.well-known/jwks.json", a.handleJWKS)

	r.Route("/auth/{provider}", func(r chi.Router) {
		r.Use(a.requireProvider)
		r.Use(a.Sessions.SlotMiddleware)
		r.Use(bridge.SessionCookieMiddleware(bridge.CookieBridgeConfig{
			ProviderID: a.Config.Provider.ID,
			Audience:   a.Config.Sibling.Audience,
			Secure:     !a.Config.Server.DevMode,
		}, a.Credentials, a.TokenStore, a.Logger))

		r.Get("/start", a.handleStart)
		r.Get("/handler/frame", a.handleCallback)
		r.Post("/refresh", a.handleRefresh)
		r.Post("/logout", a.handleLogout)
		r.Get("/session", a.handleSession)
	})

	return r
}

func (a *App) requireProvider(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if chi.URLParam(r, "provider") != a.Config.Provider.ID {
			http.Error(w, "provider not configured", http.StatusNotFound)
			return
		}
		next.ServeHTTP(w, r)
	})
}
