package bridge

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"
)

func TestDecodeRoundTripsPayload(t *testing.T) {
	payload := map[string]any{
		"sub":            "user-1",
		"email":          "a@b.com",
		"exp":            1700000000,
		"email_verified": true,
		"groups":         []string{"admins", "ops"},
		"nested":         map[string]any{"k": "v"},
		"ratio":          0.5,
		"nothing":        nil,
	}
	token := rawToken(t, map[string]any{"alg": "RS256", "typ": "JWT", "kid": "k1"}, payload)

	decoded, err := Decode(token)
	if err != nil {
		t.Fatalf("Decode returned error: %v", err)
	}

	// JSON numbers come back as float64, same as a plain json.Unmarshal.
	b, _ := json.Marshal(payload)
	var want map[string]any
	if err := json.Unmarshal(b, &want); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !reflect.DeepEqual(want, map[string]any(decoded.Payload)) {
		t.Fatalf("payload = %#v, want %#v", decoded.Payload, want)
	}
	if decoded.Algorithm() != "RS256" || decoded.Header["kid"] != "k1" {
		t.Fatalf("unexpected header %#v", decoded.Header)
	}
}

func TestDecodeAcceptsURLAlphabetAndPadding(t *testing.T) {
	header := "eyJhbGciOiJIUzI1NiJ9"
	// {"email":"a@b.com"} with its padding left on.
	payload := "eyJlbWFpbCI6ImFAYi5jb20ifQ=="

	decoded, err := Decode(header + "." + payload + ".sig")
	if err != nil {
		t.Fatalf("Decode returned error: %v", err)
	}
	if decoded.Payload["email"] != "a@b.com" {
		t.Fatalf("email = %v", decoded.Payload["email"])
	}

	var s string
	if err := decodeSegment("Ij8_PyI", &s); err != nil || s != "???" {
		t.Fatalf("decodeSegment = %q, %v; want \"???\"", s, err)
	}
}

func TestDecodeRejectsMalformedTokens(t *testing.T) {
	valid := rawToken(t, map[string]any{"alg": "HS256"}, map[string]any{"sub": "x"})

	cases := map[string]string{
		"empty":           "",
		"two segments":    "eyJhbGciOiJIUzI1NiJ9.eyJzdWIiOiJ4In0",
		"four segments":   valid + ".extra",
		"bad base64":      "!!!.eyJzdWIiOiJ4In0.sig",
		"header not json": "bm90IGpzb24.eyJzdWIiOiJ4In0.sig",
		"payload array":   "eyJhbGciOiJIUzI1NiJ9.WzEsMl0.sig",
		"payload null":    "eyJhbGciOiJIUzI1NiJ9.bnVsbA.sig",
	}
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Decode(token); !errors.Is(err, ErrMalformedToken) {
				t.Fatalf("expected ErrMalformedToken, got %v", err)
			}
		})
	}
}
