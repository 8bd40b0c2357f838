package server

import (
	"time"

	"tokenbridge/bridge"
)

// Session captures a logged-in browser session bound to a cookie.
type Session struct {
	ID        string
	UserKey   string
	Provider  string
	Profile   bridge.UserProfile
	Record    bridge.SessionRecord
	AuthTime  time.Time
	ExpiresAt time.Time
}

// AuthRequest tracks a sign-in redirected to the upstream and awaiting its callback.
type AuthRequest struct {
	State     string
	Provider  string
	ReturnTo  string
	Nonce     string
	CreatedAt time.Time
}

// SessionView is the JSON shape of GET /auth/{provider}/session and refresh replies.
type SessionView struct {
	Provider  string             `json:"provider"`
	Profile   bridge.UserProfile `json:"profile"`
	TokenType string             `json:"token_type"`
	Scope     string             `json:"scope,omitempty"`
	ExpiresIn int64              `json:"expires_in"`
	ExpiresAt time.Time          `json:"expires_at"`
}

func newSessionView(sess *Session, now time.Time) SessionView {
	expiresIn := int64(sess.Record.ExpiresAt.Sub(now) / time.Second)
	if expiresIn < 0 {
		expiresIn = 0
	}
	return SessionView{
		Provider:  sess.Provider,
		Profile:   sess.Profile,
		TokenType: sess.Record.TokenType,
		Scope:     sess.Record.Scope,
		ExpiresIn: expiresIn,
		ExpiresAt: sess.Record.ExpiresAt,
	}
}
