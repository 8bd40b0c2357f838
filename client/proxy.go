package client

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// APIPrefix is the sibling path prefix forwarded to the upstream API.
const APIPrefix = "/api"

var errNoClaims = errors.New("no validated api token on request")

// NewUpstreamProxy forwards requests under APIPrefix to target, replacing the
// browser's credentials with the caller's session token as bearer token. It
// must run behind RequireAPIToken.
func NewUpstreamProxy(target string, logger *slog.Logger) (http.Handler, error) {
	targetURL, err := url.Parse(target)
	if err != nil || targetURL.Scheme == "" || targetURL.Host == "" {
		return nil, fmt.Errorf("invalid upstream api url %q", target)
	}

	base := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	proxy := httputil.NewSingleHostReverseProxy(targetURL)
	proxy.Transport = &bearerTransport{base: base}

	originalDirector := proxy.Director
	proxy.Director = func(req *http.Request) {
		req.URL.Path = strings.TrimPrefix(req.URL.Path, APIPrefix)
		if req.URL.RawPath != "" {
			req.URL.RawPath = strings.TrimPrefix(req.URL.RawPath, APIPrefix)
		}
		originalDirector(req)
		req.Host = targetURL.Host
		req.Header.Del("Cookie")
		req.Header.Del("Authorization")
	}

	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		logger.Error("proxy error",
			"target", target,
			"error", err,
			"path", r.URL.Path,
		)
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
	}

	return proxy, nil
}

// bearerTransport authorizes each upstream request with the session token
// validated for it.
type bearerTransport struct {
	base http.RoundTripper
}

func (t *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	claims, ok := ClaimsFromContext(req.Context())
	if !ok {
		return nil, errNoClaims
	}
	return (&oauth2.Transport{Source: TokenSource(claims), Base: t.base}).RoundTrip(req)
}

// TokenSource presents a validated session token as an OAuth2 bearer token.
func TokenSource(claims *Claims) oauth2.TokenSource {
	return oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: claims.Token,
		TokenType:   "Bearer",
		Expiry:      claims.ExpiresAt,
	})
}
