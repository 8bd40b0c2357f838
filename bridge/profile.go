package bridge

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// UserProfile is the normalized identity built from identity token claims.
type UserProfile struct {
	Subject       string   `json:"sub"`
	Email         string   `json:"email,omitempty"`
	EmailVerified bool     `json:"email_verified"`
	DisplayName   string   `json:"display_name"`
	GivenName     string   `json:"given_name,omitempty"`
	FamilyName    string   `json:"family_name,omitempty"`
	Groups        []string `json:"groups,omitempty"`
}

// SessionRecord is handed to the session layer after Authenticate or Refresh.
//
// AccessToken and IDToken both hold the recovered session token, or the
// identity token when none was found. RefreshToken always holds the identity
// token: it is the only one Refresh can work with.
type SessionRecord struct {
	AccessToken      string    `json:"access_token"`
	IDToken          string    `json:"id_token"`
	RefreshToken     string    `json:"refresh_token"`
	TokenType        string    `json:"token_type"`
	Scope            string    `json:"scope"`
	ExpiresInSeconds int64     `json:"expires_in"`
	ExpiresAt        time.Time `json:"expires_at"`
}

// Result is returned by Authenticate and Refresh.
type Result struct {
	Profile UserProfile
	Session SessionRecord
	// Claims is the full identity token payload.
	Claims jwt.MapClaims
	// SessionTokenSource names the locator that found the session token, "" if none did.
	SessionTokenSource string
}

// UserKey is the session token store key for this profile.
func (p UserProfile) UserKey() string {
	return UserKey(p.Email, p.Subject)
}

func buildProfile(claims jwt.MapClaims) UserProfile {
	sub, _ := claims.GetSubject()
	p := UserProfile{
		Subject:    sub,
		Email:      stringClaim(claims, "email"),
		GivenName:  stringClaim(claims, "given_name"),
		FamilyName: stringClaim(claims, "family_name"),
		Groups:     stringsClaim(claims, "groups"),
	}
	p.EmailVerified, _ = claims["email_verified"].(bool)

	switch full := strings.TrimSpace(p.GivenName + " " + p.FamilyName); {
	case full != "":
		p.DisplayName = full
	case p.Email != "":
		p.DisplayName = p.Email
	default:
		p.DisplayName = p.Subject
	}
	return p
}

func stringClaim(claims jwt.MapClaims, name string) string {
	v, _ := claims[name].(string)
	return strings.TrimSpace(v)
}

func stringsClaim(claims jwt.MapClaims, name string) []string {
	switch v := claims[name].(type) {
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
