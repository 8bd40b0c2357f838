package bridge

import (
	"net/http"
	"slices"
	"strings"
)

// compactTokenPrefix is the base64url form of `{"` that every JSON header starts with.
const compactTokenPrefix = "eyJ"

// Locator looks for a session token candidate in one place of a callback request.
// Find returns "" when the place is empty; candidates are classified by the caller.
type Locator struct {
	Name string
	Find func(r *http.Request) string
}

// ResponseLocator looks for a session token candidate in the token endpoint response.
type ResponseLocator struct {
	Name string
	Find func(resp *TokenResponse) string
}

// sessionTokenQueryParams lists query parameters the upstream has used for the session token.
var sessionTokenQueryParams = []string{"authorization", "token", "access_token", "session", "session_token"}

// DefaultLocators returns the request locators in priority order.
func DefaultLocators() []Locator {
	locators := []Locator{{
		Name: "code",
		Find: func(r *http.Request) string { return r.URL.Query().Get("code") },
	}}
	for _, name := range sessionTokenQueryParams {
		param := name
		locators = append(locators, Locator{
			Name: "query:" + param,
			Find: func(r *http.Request) string { return r.URL.Query().Get(param) },
		})
	}
	return append(locators,
		Locator{Name: "cookie:Authorization", Find: authorizationCookie},
		Locator{Name: "header:Authorization", Find: authorizationHeader},
	)
}

// DefaultResponseLocators returns the token response locators in priority order.
func DefaultResponseLocators() []ResponseLocator {
	return []ResponseLocator{{
		Name: "response:refresh_token",
		Find: func(resp *TokenResponse) string { return resp.RefreshToken },
	}}
}

func authorizationCookie(r *http.Request) string {
	c, err := r.Cookie("Authorization")
	if err != nil {
		return ""
	}
	return stripBearer(c.Value)
}

func authorizationHeader(r *http.Request) string {
	return stripBearer(r.Header.Get("Authorization"))
}

func stripBearer(v string) string {
	v = strings.TrimSpace(v)
	if len(v) > 7 && strings.EqualFold(v[:7], "bearer ") {
		return strings.TrimSpace(v[7:])
	}
	return v
}

// LocateSessionToken runs the locators in order and then scans every cookie
// that looks like a compact token, except those named in skipCookies. It
// returns the first session token found and the name of the locator that
// found it.
func LocateSessionToken(r *http.Request, locators []Locator, skipCookies ...string) (token, source string) {
	for _, l := range locators {
		if candidate := l.Find(r); ClassifyToken(candidate) {
			return candidate, l.Name
		}
	}
	for _, c := range r.Cookies() {
		if slices.Contains(skipCookies, c.Name) {
			continue
		}
		if strings.HasPrefix(c.Value, compactTokenPrefix) && ClassifyToken(c.Value) {
			return c.Value, "cookie:" + c.Name
		}
	}
	return "", ""
}

// LocateResponseSessionToken is the token response counterpart of LocateSessionToken.
func LocateResponseSessionToken(resp *TokenResponse, locators []ResponseLocator) (token, source string) {
	for _, l := range locators {
		if candidate := l.Find(resp); ClassifyToken(candidate) {
			return candidate, l.Name
		}
	}
	return "", ""
}
