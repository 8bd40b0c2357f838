package bridge

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration is returned by NewEngine when required provider settings are missing.
	ErrConfiguration = errors.New("invalid provider configuration")
	// ErrMissingAuthorizationCode is returned when the callback carries no code.
	ErrMissingAuthorizationCode = errors.New("authorization code missing from callback")
	// ErrTokenExchangeFailed matches every *TokenExchangeError.
	ErrTokenExchangeFailed = errors.New("token exchange failed")
	// ErrMissingIdentityToken is returned when the token response has no id_token.
	ErrMissingIdentityToken = errors.New("id_token missing in token response")
	// ErrMalformedToken is returned by Decode.
	ErrMalformedToken = errors.New("malformed token")
	// ErrExpiredToken is returned by Refresh once the identity token has expired.
	// The caller has to restart the sign-in flow.
	ErrExpiredToken = errors.New("identity token expired, sign-in required")
)

// TokenExchangeError carries the upstream response of a failed code exchange.
// StatusCode is zero when the request never produced a response (timeout, dial error).
type TokenExchangeError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *TokenExchangeError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s: %v", ErrTokenExchangeFailed, e.Err)
	}
	return fmt.Sprintf("%s: upstream returned %d: %s", ErrTokenExchangeFailed, e.StatusCode, e.Body)
}

func (e *TokenExchangeError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrTokenExchangeFailed) match.
func (e *TokenExchangeError) Is(target error) bool {
	return target == ErrTokenExchangeFailed
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedToken, fmt.Sprintf(format, args...))
}
