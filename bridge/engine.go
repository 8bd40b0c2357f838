package bridge

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

const (
	// DefaultScope is requested when the provider config leaves scope empty.
	DefaultScope = oidc.ScopeOpenID + " profile email"
	// DefaultExchangeTimeout bounds the code-for-token POST.
	DefaultExchangeTimeout = 10 * time.Second
	// DefaultTokenLifetime applies when neither exp nor expires_in is available.
	DefaultTokenLifetime = time.Hour

	maxTokenResponseBytes = 1 << 20
)

// ProviderConfig is the programmatic configuration of the upstream platform.
type ProviderConfig struct {
	ClientID         string
	ClientSecret     string
	AuthorizationURL string
	// TokenURL overrides the URL derived from AuthorizationURL.
	TokenURL        string
	Scope           string
	CallbackURL     string
	ExchangeTimeout time.Duration
}

// TokenResponse is the upstream token endpoint payload.
type TokenResponse struct {
	IDToken      string  `json:"id_token"`
	AccessToken  string  `json:"access_token,omitempty"`
	RefreshToken string  `json:"refresh_token,omitempty"`
	TokenType    string  `json:"token_type,omitempty"`
	Scope        string  `json:"scope,omitempty"`
	ExpiresIn    seconds `json:"expires_in,omitempty"`
}

// seconds accepts expires_in as a JSON number or a numeric string.
type seconds int64

func (s *seconds) UnmarshalJSON(b []byte) error {
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	if n == "" {
		return nil
	}
	f, err := strconv.ParseFloat(string(n), 64)
	if err != nil {
		return err
	}
	*s = seconds(f)
	return nil
}

// Redirect is the result of Start.
type Redirect struct {
	URL    string
	Status int
	Nonce  string
}

// Engine drives start, authenticate and refresh against the upstream. It
// holds no per-user state; recovered session tokens go to the store.
type Engine struct {
	oauth            *oauth2.Config
	scope            string
	timeout          time.Duration
	httpClient       *http.Client
	store            SessionTokenStore
	locators         []Locator
	responseLocators []ResponseLocator
	skipCookies      []string
	logger           *slog.Logger
	now              func() time.Time
}

// Option customizes an Engine.
type Option func(*Engine)

// WithHTTPClient sets the client used for the token exchange.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Engine) { e.httpClient = c }
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLocators appends request locators after the defaults.
func WithLocators(locators ...Locator) Option {
	return func(e *Engine) { e.locators = append(e.locators, locators...) }
}

// WithResponseLocators appends token response locators after the defaults.
func WithResponseLocators(locators ...ResponseLocator) Option {
	return func(e *Engine) { e.responseLocators = append(e.responseLocators, locators...) }
}

// WithExcludedCookies keeps the named cookies out of the request cookie scan,
// typically the cookies the gateway writes itself.
func WithExcludedCookies(names ...string) Option {
	return func(e *Engine) { e.skipCookies = append(e.skipCookies, names...) }
}

// NewEngine validates cfg and prepares the OAuth client. A nil store selects SharedTokenStore.
func NewEngine(cfg ProviderConfig, store SessionTokenStore, logger *slog.Logger, opts ...Option) (*Engine, error) {
	if strings.TrimSpace(cfg.ClientID) == "" {
		return nil, fmt.Errorf("%w: client id required", ErrConfiguration)
	}
	if strings.TrimSpace(cfg.AuthorizationURL) == "" {
		return nil, fmt.Errorf("%w: authorization url required", ErrConfiguration)
	}

	tokenURL := cfg.TokenURL
	if tokenURL == "" {
		derived, err := deriveTokenURL(cfg.AuthorizationURL)
		if err != nil {
			return nil, err
		}
		tokenURL = derived
	}

	scope := strings.TrimSpace(cfg.Scope)
	if scope == "" {
		scope = DefaultScope
	}
	timeout := cfg.ExchangeTimeout
	if timeout <= 0 {
		timeout = DefaultExchangeTimeout
	}
	if store == nil {
		store = SharedTokenStore()
	}
	if logger == nil {
		logger = slog.Default()
	}

	e := &Engine{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.CallbackURL,
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthorizationURL,
				TokenURL:  tokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
			Scopes: strings.Fields(scope),
		},
		scope:            scope,
		timeout:          timeout,
		httpClient:       http.DefaultClient,
		store:            store,
		locators:         DefaultLocators(),
		responseLocators: DefaultResponseLocators(),
		logger:           logger,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// deriveTokenURL replaces the trailing /auth path segment with /token.
func deriveTokenURL(authURL string) (string, error) {
	u, err := url.Parse(authURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("%w: authorization url %q is not an absolute URL", ErrConfiguration, authURL)
	}
	path := strings.TrimSuffix(u.Path, "/")
	if !strings.HasSuffix(path, "/auth") {
		return "", fmt.Errorf("%w: cannot derive token url from %q, set the token url explicitly", ErrConfiguration, authURL)
	}
	u.Path = strings.TrimSuffix(path, "/auth") + "/token"
	u.RawPath = ""
	return u.String(), nil
}

// TokenURL returns the token endpoint in use.
func (e *Engine) TokenURL() string { return e.oauth.Endpoint.TokenURL }

// Start builds the authorization redirect for state.
func (e *Engine) Start(state string) (Redirect, error) {
	nonce, err := newNonce()
	if err != nil {
		return Redirect{}, fmt.Errorf("generate nonce: %w", err)
	}
	authURL := e.oauth.AuthCodeURL(state, oauth2.SetAuthURLParam("nonce", nonce))
	return Redirect{URL: authURL, Status: http.StatusFound, Nonce: nonce}, nil
}

// Authenticate completes the callback: it exchanges the code, recovers the
// session token if the upstream handed one out, and normalizes the result.
func (e *Engine) Authenticate(ctx context.Context, r *http.Request) (*Result, error) {
	code := r.URL.Query().Get("code")
	if code == "" {
		return nil, ErrMissingAuthorizationCode
	}

	sessionToken, source := LocateSessionToken(r, e.locators, e.skipCookies...)

	resp, err := e.exchange(ctx, code)
	if err != nil {
		return nil, err
	}

	// The token response comes after the full exchange and wins over the request.
	if tok, src := LocateResponseSessionToken(resp, e.responseLocators); tok != "" {
		sessionToken, source = tok, src
	}

	idToken, err := Decode(resp.IDToken)
	if err != nil {
		return nil, fmt.Errorf("decode id_token: %w", err)
	}
	profile := buildProfile(idToken.Payload)

	now := e.now()
	expiresAt := tokenExpiry(idToken.Payload, int64(resp.ExpiresIn), now)
	userKey := profile.UserKey()

	if sessionToken != "" {
		e.cacheSessionToken(ctx, userKey, sessionToken, expiresAt, source)
	} else {
		e.logger.Warn("no session token recovered, falling back to identity token for downstream API calls",
			"user", userKey)
	}

	accessToken := resp.IDToken
	if sessionToken != "" {
		accessToken = sessionToken
	}
	scope := e.scope
	if resp.Scope != "" {
		scope = resp.Scope
	}

	return &Result{
		Profile: profile,
		Session: SessionRecord{
			AccessToken:      accessToken,
			IDToken:          accessToken,
			RefreshToken:     resp.IDToken,
			TokenType:        "Bearer",
			Scope:            scope,
			ExpiresInSeconds: int64(expiresAt.Sub(now) / time.Second),
			ExpiresAt:        expiresAt,
		},
		Claims:             idToken.Payload,
		SessionTokenSource: source,
	}, nil
}

// Refresh reissues the session from the identity token held as refresh
// token. The upstream cannot refresh, so an expired token is final.
func (e *Engine) Refresh(ctx context.Context, refreshToken string) (*Result, error) {
	tok, err := Decode(refreshToken)
	if err != nil {
		return nil, fmt.Errorf("decode refresh token: %w", err)
	}

	now := e.now()
	exp, err := tok.Payload.GetExpirationTime()
	if err != nil || exp == nil || !exp.Time.After(now) {
		return nil, ErrExpiredToken
	}

	return &Result{
		Profile: buildProfile(tok.Payload),
		Session: SessionRecord{
			AccessToken:      refreshToken,
			IDToken:          refreshToken,
			RefreshToken:     refreshToken,
			TokenType:        "Bearer",
			Scope:            e.scope,
			ExpiresInSeconds: int64(exp.Time.Sub(now) / time.Second),
			ExpiresAt:        exp.Time,
		},
		Claims: tok.Payload,
	}, nil
}

func (e *Engine) exchange(ctx context.Context, code string) (*TokenResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	form := url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"client_id":    {e.oauth.ClientID},
		"redirect_uri": {e.oauth.RedirectURL},
	}
	if e.oauth.ClientSecret != "" {
		form.Set("client_secret", e.oauth.ClientSecret)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.oauth.Endpoint.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, &TokenExchangeError{Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	res, err := e.httpClient.Do(req)
	if err != nil {
		return nil, &TokenExchangeError{Err: err}
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, maxTokenResponseBytes))
	if err != nil {
		return nil, &TokenExchangeError{StatusCode: res.StatusCode, Err: err}
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return nil, &TokenExchangeError{StatusCode: res.StatusCode, Body: string(body)}
	}

	var tr TokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, fmt.Errorf("%w: decode token response: %v", ErrMissingIdentityToken, err)
	}
	if tr.IDToken == "" {
		return nil, ErrMissingIdentityToken
	}
	return &tr, nil
}

func (e *Engine) cacheSessionToken(ctx context.Context, userKey, token string, expiresAt time.Time, source string) {
	if userKey == "" {
		e.logger.Warn("session token recovered but identity token has neither email nor subject", "source", source)
		return
	}
	if err := e.store.Put(ctx, userKey, token, expiresAt); err != nil {
		e.logger.Warn("failed to cache session token", "user", userKey, "source", source, "error", err)
		return
	}
	e.logger.Debug("session token cached", "user", userKey, "source", source, "expires_at", expiresAt)
}

func tokenExpiry(claims jwt.MapClaims, expiresIn int64, now time.Time) time.Time {
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		return exp.Time
	}
	if expiresIn > 0 {
		return now.Add(time.Duration(expiresIn) * time.Second)
	}
	return now.Add(DefaultTokenLifetime)
}

func newNonce() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
