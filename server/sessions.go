package server

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"tokenbridge/bridge"
)

const sessionCookieName = "tb_session"

// SessionManager handles cookie-backed sessions.
type SessionManager struct {
	store        *InMemoryStore
	logger       *slog.Logger
	ttl          time.Duration
	secure       bool
	sameSite     http.SameSite
	cookieDomain string
	now          func() time.Time
}

// NewSessionManager constructs a session manager honouring config.
func NewSessionManager(cfg Config, store *InMemoryStore, logger *slog.Logger) *SessionManager {
	sameSite := http.SameSiteStrictMode
	if cfg.Server.DevMode {
		sameSite = http.SameSiteLaxMode
	}

	return &SessionManager{
		store:        store,
		logger:       logger,
		ttl:          cfg.SessionTTL(),
		secure:       !cfg.Server.DevMode,
		sameSite:     sameSite,
		cookieDomain: cfg.Server.CookieDomain,
		now:          time.Now,
	}
}

// sessionSlot carries a session created during the current request, before
// the browser has had a chance to send its cookie back.
type sessionSlot struct {
	mu   sync.Mutex
	sess *Session
}

type sessionSlotKey struct{}

// SlotMiddleware makes sessions created by downstream handlers visible to
// Caller within the same request.
func (sm *SessionManager) SlotMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), sessionSlotKey{}, &sessionSlot{})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Fetch returns the session associated with the request cookie if present.
func (sm *SessionManager) Fetch(r *http.Request) (*Session, bool) {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil || cookie.Value == "" {
		return nil, false
	}
	sess, ok := sm.store.GetSession(cookie.Value)
	if !ok {
		return nil, false
	}
	return &sess, true
}

// Caller returns the session of the request's user: one created earlier in
// this request wins over the cookie.
func (sm *SessionManager) Caller(r *http.Request) (*Session, bool) {
	if slot, ok := r.Context().Value(sessionSlotKey{}).(*sessionSlot); ok {
		slot.mu.Lock()
		sess := slot.sess
		slot.mu.Unlock()
		if sess != nil {
			return sess, true
		}
	}
	return sm.Fetch(r)
}

// Create establishes a new session from an authentication result and sets the cookie.
func (sm *SessionManager) Create(w http.ResponseWriter, r *http.Request, provider string, result *bridge.Result) *Session {
	now := sm.now()
	sess := Session{
		ID:        sm.store.NewID(),
		UserKey:   result.Profile.UserKey(),
		Provider:  provider,
		Profile:   result.Profile,
		Record:    result.Session,
		AuthTime:  now,
		ExpiresAt: now.Add(sm.ttl),
	}
	sm.store.SaveSession(sess)

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    sess.ID,
		Path:     "/",
		Domain:   sm.cookieDomain,
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: sm.sameSite,
		MaxAge:   int(sm.ttl.Seconds()),
	})

	if slot, ok := r.Context().Value(sessionSlotKey{}).(*sessionSlot); ok {
		slot.mu.Lock()
		slot.sess = &sess
		slot.mu.Unlock()
	}

	sm.logger.Info("session created", "session_id", sess.ID, "user", sess.UserKey, "provider", provider)
	return &sess
}

// Update replaces the session's tokens and profile after a refresh.
func (sm *SessionManager) Update(sess *Session, result *bridge.Result) {
	sess.Profile = result.Profile
	sess.Record = result.Session
	sm.store.SaveSession(*sess)
}

// Clear removes the session and expires its cookie.
func (sm *SessionManager) Clear(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(sessionCookieName); err == nil && cookie.Value != "" {
		sm.store.DeleteSession(cookie.Value)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		Domain:   sm.cookieDomain,
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: sm.sameSite,
		MaxAge:   -1,
	})
}
