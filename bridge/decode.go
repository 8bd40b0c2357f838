// Package bridge signs users in against the cloud-management platform's
// OAuth2 endpoints and recovers the session token the platform hands out
// next to the identity token.
//
// Tokens are decoded without signature verification. This is only sound for
// tokens read from the callback request or received directly from the
// upstream token endpoint over TLS; never feed Decode anything else.
package bridge

import (
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// DecodedToken is the unverified header and payload of a compact token.
type DecodedToken struct {
	Header  map[string]any
	Payload jwt.MapClaims
}

// Decode splits a compact JWT and parses header and payload without checking the signature.
func Decode(token string) (*DecodedToken, error) {
	parts := strings.Split(strings.TrimSpace(token), ".")
	if len(parts) != 3 {
		return nil, malformed("expected 3 segments, got %d", len(parts))
	}

	var header map[string]any
	if err := decodeSegment(parts[0], &header); err != nil {
		return nil, malformed("header: %v", err)
	}
	var payload jwt.MapClaims
	if err := decodeSegment(parts[1], &payload); err != nil {
		return nil, malformed("payload: %v", err)
	}
	if header == nil || payload == nil {
		return nil, malformed("header and payload must be JSON objects")
	}

	return &DecodedToken{Header: header, Payload: payload}, nil
}

// decodeSegment maps the URL-safe alphabet onto the standard one and ignores padding.
func decodeSegment(seg string, v any) error {
	seg = strings.NewReplacer("-", "+", "_", "/").Replace(seg)
	seg = strings.TrimRight(seg, "=")
	raw, err := base64.RawStdEncoding.DecodeString(seg)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

// Algorithm returns the alg header or "".
func (t *DecodedToken) Algorithm() string {
	alg, _ := t.Header["alg"].(string)
	return alg
}
