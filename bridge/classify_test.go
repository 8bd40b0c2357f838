package bridge

import (
	"testing"

	"github.com/golang-jwt/jwt/v5"
)

func TestIsSessionToken(t *testing.T) {
	cases := []struct {
		name   string
		header map[string]any
		want   bool
	}{
		{"hs256", map[string]any{"alg": "HS256", "typ": "JWT"}, true},
		{"rs256", map[string]any{"alg": "RS256"}, false},
		{"lower case", map[string]any{"alg": "hs256"}, false},
		{"mixed case", map[string]any{"alg": "Hs256"}, false},
		{"padded", map[string]any{"alg": " HS256"}, false},
		{"hs512", map[string]any{"alg": "HS512"}, false},
		{"none", map[string]any{"alg": "none"}, false},
		{"missing alg", map[string]any{"typ": "JWT"}, false},
		{"non string alg", map[string]any{"alg": 256}, false},
		{"nil header", nil, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsSessionToken(tc.header); got != tc.want {
				t.Fatalf("IsSessionToken(%v) = %v, want %v", tc.header, got, tc.want)
			}
		})
	}
}

func TestClassifyTokenTreatsMalformedAsNoMatch(t *testing.T) {
	if !ClassifyToken(signHS256(t, jwt.MapClaims{"sub": "x"})) {
		t.Fatalf("HS256 token should classify as session token")
	}
	for _, raw := range []string{
		signRS256(t, jwt.MapClaims{"sub": "x"}),
		"",
		"opaque-code-123",
		"eyJhbGciOiJIUzI1NiJ9.%%%.sig",
	} {
		if ClassifyToken(raw) {
			t.Fatalf("%q should not classify as session token", raw)
		}
	}
}
