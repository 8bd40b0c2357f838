package client

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/golang-jwt/jwt/v5"
)

func TestUpstreamProxyForwardsSessionToken(t *testing.T) {
	type seenRequest struct {
		path, auth, cookie, query string
	}
	seen := make(chan seenRequest, 1)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen <- seenRequest{
			path:   r.URL.Path,
			auth:   r.Header.Get("Authorization"),
			cookie: r.Header.Get("Cookie"),
			query:  r.URL.RawQuery,
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	proxy, err := NewUpstreamProxy(upstream.URL+"/cmp/api", logger)
	if err != nil {
		t.Fatalf("NewUpstreamProxy returned error: %v", err)
	}
	h := RequireAPIToken(newTestValidator())(proxy)

	token := hs256(t, jwt.MapClaims{"sub": "u1"})
	r := httptest.NewRequest(http.MethodGet, "/api/v1/vms?page=2", nil)
	r.AddCookie(&http.Cookie{Name: "cmp-api-token", Value: token})
	r.AddCookie(&http.Cookie{Name: "tb_session", Value: "browser-only"})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if body := rec.Body.String(); body != `{"ok":true}` {
		t.Fatalf("unexpected body %q", body)
	}

	got := <-seen
	if got.path != "/cmp/api/v1/vms" || got.query != "page=2" {
		t.Fatalf("upstream saw %s?%s", got.path, got.query)
	}
	if got.auth != "Bearer "+token {
		t.Fatalf("upstream authorization = %q", got.auth)
	}
	if got.cookie != "" {
		t.Fatalf("browser cookies must not reach the upstream: %q", got.cookie)
	}
}

func TestUpstreamProxyRequiresValidatedToken(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("upstream must not be called")
	}))
	defer upstream.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	proxy, err := NewUpstreamProxy(upstream.URL, logger)
	if err != nil {
		t.Fatalf("NewUpstreamProxy returned error: %v", err)
	}

	rec := httptest.NewRecorder()
	proxy.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/vms", nil))
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
}

func TestNewUpstreamProxyRejectsBadURL(t *testing.T) {
	if _, err := NewUpstreamProxy("not a url", slog.Default()); err == nil {
		t.Fatalf("expected an error for a relative upstream url")
	}
}
