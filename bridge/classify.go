package bridge

import "github.com/golang-jwt/jwt/v5"

// The upstream signs session tokens with one fixed HMAC algorithm and
// identity tokens with RS256. Nothing else tells them apart.
var sessionTokenAlg = jwt.SigningMethodHS256.Alg()

// IsSessionToken reports whether a decoded header belongs to a session token.
// The comparison is exact; "hs256" is not a session token.
func IsSessionToken(header map[string]any) bool {
	alg, ok := header["alg"].(string)
	return ok && alg == sessionTokenAlg
}

// ClassifyToken decodes raw and reports whether it is a session token.
// Malformed input is never a session token.
func ClassifyToken(raw string) bool {
	if raw == "" {
		return false
	}
	tok, err := Decode(raw)
	if err != nil {
		return false
	}
	return IsSessionToken(tok.Header)
}
