package server

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"tokenbridge/bridge"
)

// Hardcoded session and delegated token defaults
const (
	DefaultSessionTTL      = 12 * time.Hour
	DefaultDelegatedTTL    = 5 * time.Minute
	DefaultKeyRotation     = 24 * time.Hour
	DefaultProviderID      = "cmp"
	DefaultSiblingAudience = "sibling-api"
)

// Token store backends
const (
	TokenStoreMemory = "memory"
	TokenStoreRedis  = "redis"
)

var providerIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

// Config captures the full application configuration loaded from YAML and environment variables.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Provider   ProviderConfig   `yaml:"provider"`
	Sessions   SessionsConfig   `yaml:"sessions"`
	TokenStore TokenStoreConfig `yaml:"token_store"`
	Sibling    SiblingConfig    `yaml:"sibling"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	PublicURL       string    `yaml:"public_url"`
	DevListenAddr   string    `yaml:"dev_listen_addr"`
	HTTPListenAddr  string    `yaml:"http_listen_addr"`
	HTTPSListenAddr string    `yaml:"https_listen_addr"`
	DevMode         bool      `yaml:"dev_mode"`
	CookieDomain    string    `yaml:"cookie_domain"`
	SecretsPath     string    `yaml:"secrets_path"`
	ServerID        string    `yaml:"server_id"`
	TLS             TLSConfig `yaml:"tls"`
}

// TLSConfig defines autocert behaviour and TLS constraints.
type TLSConfig struct {
	Domains    []string `yaml:"domains"`
	Email      string   `yaml:"email"`
	MinVersion string   `yaml:"min_version"`
	HSTSMaxAge int      `yaml:"hsts_max_age"`
}

// ProviderConfig describes the upstream cloud-management platform.
type ProviderConfig struct {
	ID               string `yaml:"id"`
	ClientID         string `yaml:"client_id"`
	ClientSecret     string `yaml:"client_secret"`
	AuthorizationURL string `yaml:"authorization_url"`
	TokenURL         string `yaml:"token_url"`
	Scope            string `yaml:"scope"`
	ExchangeTimeout  string `yaml:"exchange_timeout"`
}

// SessionsConfig controls the gateway's own browser sessions.
type SessionsConfig struct {
	TTL string `yaml:"ttl"`
}

// TokenStoreConfig selects where recovered session tokens are kept.
type TokenStoreConfig struct {
	Backend string      `yaml:"backend"`
	Redis   RedisConfig `yaml:"redis"`
}

// RedisConfig configures the redis token store backend.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// SiblingConfig describes the backend service that consumes session tokens.
type SiblingConfig struct {
	Audience       string `yaml:"audience"`
	DelegatedTTL   string `yaml:"delegated_ttl"`
	UpstreamAPIURL string `yaml:"upstream_api_url"`
	ListenAddr     string `yaml:"listen_addr"`
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		sanitized := stripYAMLComments(b)

		decoder := yaml.NewDecoder(bytes.NewReader(sanitized))
		decoder.KnownFields(true)

		if err := decoder.Decode(&cfg); err != nil {
			if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
				slog.Error("Configuration contains unknown keys", "error", err, "file", path)
				return Config{}, fmt.Errorf("invalid config: %w (check for typos or deprecated fields)", err)
			}
			slog.Error("Failed to parse configuration", "error", err, "file", path)
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return Config{}, err
	}

	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:       "http://127.0.0.1:8080",
			DevListenAddr:   "127.0.0.1:8080",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			SecretsPath:     ".secrets",
			ServerID:        "tokenbridge",
			TLS: TLSConfig{
				Domains:    []string{"localhost"},
				MinVersion: "1.2",
				HSTSMaxAge: 31536000,
			},
		},
		Provider: ProviderConfig{
			ID:              DefaultProviderID,
			Scope:           bridge.DefaultScope,
			ExchangeTimeout: bridge.DefaultExchangeTimeout.String(),
		},
		Sessions: SessionsConfig{
			TTL: DefaultSessionTTL.String(),
		},
		TokenStore: TokenStoreConfig{
			Backend: TokenStoreMemory,
			Redis: RedisConfig{
				KeyPrefix: bridge.DefaultRedisKeyPrefix,
			},
		},
		Sibling: SiblingConfig{
			Audience:     DefaultSiblingAudience,
			DelegatedTTL: DefaultDelegatedTTL.String(),
			ListenAddr:   "127.0.0.1:8081",
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

func stripYAMLComments(in []byte) []byte {
	lines := bytes.Split(in, []byte("\n"))
	out := make([][]byte, 0, len(lines))
	for _, line := range lines {
		trim := bytes.TrimLeft(line, " \t")
		if len(trim) > 0 && trim[0] == '#' {
			continue
		}
		out = append(out, line)
	}
	return bytes.Join(out, []byte("\n"))
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"TOKENBRIDGE_SERVER_PUBLIC_URL":          func(v string) { cfg.Server.PublicURL = v },
		"TOKENBRIDGE_SERVER_DEV_LISTEN_ADDR":     func(v string) { cfg.Server.DevListenAddr = v },
		"TOKENBRIDGE_SERVER_HTTP_LISTEN_ADDR":    func(v string) { cfg.Server.HTTPListenAddr = v },
		"TOKENBRIDGE_SERVER_HTTPS_LISTEN_ADDR":   func(v string) { cfg.Server.HTTPSListenAddr = v },
		"TOKENBRIDGE_SERVER_DEV_MODE":            func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"TOKENBRIDGE_SERVER_TLS_DOMAINS":         func(v string) { cfg.Server.TLS.Domains = splitAndTrim(v) },
		"TOKENBRIDGE_SERVER_TLS_EMAIL":           func(v string) { cfg.Server.TLS.Email = v },
		"TOKENBRIDGE_SERVER_SECRETS_PATH":        func(v string) { cfg.Server.SecretsPath = v },
		"TOKENBRIDGE_SERVER_ID":                  func(v string) { cfg.Server.ServerID = v },
		"TOKENBRIDGE_PROVIDER_CLIENT_ID":         func(v string) { cfg.Provider.ClientID = v },
		"TOKENBRIDGE_PROVIDER_CLIENT_SECRET":     func(v string) { cfg.Provider.ClientSecret = v },
		"TOKENBRIDGE_PROVIDER_AUTHORIZATION_URL": func(v string) { cfg.Provider.AuthorizationURL = v },
		"TOKENBRIDGE_TOKEN_STORE_BACKEND":        func(v string) { cfg.TokenStore.Backend = strings.ToLower(strings.TrimSpace(v)) },
		"TOKENBRIDGE_TOKEN_STORE_REDIS_ADDR":     func(v string) { cfg.TokenStore.Redis.Addr = v },
		"TOKENBRIDGE_TOKEN_STORE_REDIS_PASSWORD": func(v string) { cfg.TokenStore.Redis.Password = v },
		"TOKENBRIDGE_TOKEN_STORE_REDIS_DB":       func(v string) { cfg.TokenStore.Redis.DB = parseInt(v, cfg.TokenStore.Redis.DB) },
		"TOKENBRIDGE_SIBLING_UPSTREAM_API_URL":   func(v string) { cfg.Sibling.UpstreamAPIURL = v },
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

func parseDuration(val string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func parseInt(val string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(val))
	if err != nil {
		return fallback
	}
	return n
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate performs sanity checks on the config.
func (c Config) Validate() error {
	if c.Server.PublicURL == "" {
		slog.Error("Missing required configuration", "field", "server.public_url")
		return errors.New("server.public_url is required")
	}

	if !isHTTPURL(c.Server.PublicURL) {
		slog.Error("Invalid configuration value", "field", "server.public_url", "value", c.Server.PublicURL, "reason", "must start with http:// or https://")
		return fmt.Errorf("server.public_url must start with http:// or https://, got: %s", c.Server.PublicURL)
	}

	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		slog.Error("Missing required configuration for production mode", "field", "server.tls.domains")
		return errors.New("server.tls.domains must be provided in production")
	}

	if c.Server.TLS.MinVersion != "" {
		validVersions := map[string]bool{"1.2": true, "1.3": true}
		if !validVersions[c.Server.TLS.MinVersion] {
			slog.Error("Invalid TLS minimum version", "field", "server.tls.min_version", "value", c.Server.TLS.MinVersion, "valid_values", []string{"1.2", "1.3"})
			return fmt.Errorf("server.tls.min_version must be '1.2' or '1.3', got: %s", c.Server.TLS.MinVersion)
		}
	}

	// Cookie domain should be a suffix of the public URL host
	// e.g. public_url: auth.dev.example.com -> cookie_domain: .dev.example.com
	if c.Server.CookieDomain != "" {
		host := hostOf(c.Server.PublicURL)
		cookieDomain := strings.TrimPrefix(c.Server.CookieDomain, ".")
		if !strings.HasSuffix(host, cookieDomain) {
			slog.Error("Cookie domain mismatch",
				"field", "server.cookie_domain",
				"cookie_domain", c.Server.CookieDomain,
				"public_url_domain", host,
				"reason", "cookie_domain must be a suffix of public_url domain")
			return fmt.Errorf("server.cookie_domain '%s' does not match server.public_url domain '%s'", c.Server.CookieDomain, host)
		}
	}

	if !providerIDPattern.MatchString(c.Provider.ID) {
		slog.Error("Invalid provider id", "field", "provider.id", "value", c.Provider.ID, "reason", "lowercase letters, digits and dashes only")
		return fmt.Errorf("provider.id must match %s, got: %q", providerIDPattern.String(), c.Provider.ID)
	}
	if c.Provider.ClientID == "" {
		slog.Error("Missing required provider configuration", "field", "provider.client_id")
		return errors.New("provider.client_id is required")
	}
	if c.Provider.AuthorizationURL == "" {
		slog.Error("Missing required provider configuration", "field", "provider.authorization_url")
		return errors.New("provider.authorization_url is required")
	}
	if !isHTTPURL(c.Provider.AuthorizationURL) {
		slog.Error("Invalid provider URL", "field", "provider.authorization_url", "value", c.Provider.AuthorizationURL)
		return fmt.Errorf("provider.authorization_url must start with http:// or https://, got: %s", c.Provider.AuthorizationURL)
	}
	if c.Provider.TokenURL != "" && !isHTTPURL(c.Provider.TokenURL) {
		slog.Error("Invalid provider URL", "field", "provider.token_url", "value", c.Provider.TokenURL)
		return fmt.Errorf("provider.token_url must start with http:// or https://, got: %s", c.Provider.TokenURL)
	}

	durations := map[string]string{
		"provider.exchange_timeout": c.Provider.ExchangeTimeout,
		"sessions.ttl":              c.Sessions.TTL,
		"sibling.delegated_ttl":     c.Sibling.DelegatedTTL,
	}
	for field, value := range durations {
		if value == "" {
			continue
		}
		if d, err := time.ParseDuration(value); err != nil || d <= 0 {
			slog.Error("Invalid duration", "field", field, "value", value)
			return fmt.Errorf("%s: invalid duration '%s'", field, value)
		}
	}

	switch c.TokenStore.Backend {
	case "", TokenStoreMemory:
	case TokenStoreRedis:
		if c.TokenStore.Redis.Addr == "" {
			slog.Error("Missing required configuration", "field", "token_store.redis.addr")
			return errors.New("token_store.redis.addr is required when token_store.backend is redis")
		}
	default:
		slog.Error("Invalid token store backend", "field", "token_store.backend", "value", c.TokenStore.Backend, "valid_values", []string{TokenStoreMemory, TokenStoreRedis})
		return fmt.Errorf("token_store.backend must be '%s' or '%s', got: %s", TokenStoreMemory, TokenStoreRedis, c.TokenStore.Backend)
	}

	if c.Sibling.Audience == "" {
		slog.Error("Missing required configuration", "field", "sibling.audience")
		return errors.New("sibling.audience is required")
	}
	if c.Sibling.UpstreamAPIURL != "" && !isHTTPURL(c.Sibling.UpstreamAPIURL) {
		slog.Error("Invalid sibling upstream URL", "field", "sibling.upstream_api_url", "value", c.Sibling.UpstreamAPIURL)
		return fmt.Errorf("sibling.upstream_api_url must start with http:// or https://, got: %s", c.Sibling.UpstreamAPIURL)
	}

	return nil
}

// SessionTTL returns the parsed gateway session lifetime.
func (c Config) SessionTTL() time.Duration {
	return parseDuration(c.Sessions.TTL, DefaultSessionTTL)
}

// DelegatedTTL returns the lifetime of delegated tokens minted for the sibling service.
func (c Config) DelegatedTTL() time.Duration {
	return parseDuration(c.Sibling.DelegatedTTL, DefaultDelegatedTTL)
}

// CallbackURL is the redirect URI registered with the upstream.
func (c Config) CallbackURL() string {
	return strings.TrimSuffix(c.Server.PublicURL, "/") + "/auth" + bridge.CallbackPath(c.Provider.ID)
}

// Issuer identifies the gateway in delegated tokens.
func (c Config) Issuer() string {
	return strings.TrimSuffix(c.Server.PublicURL, "/")
}

// BridgeProvider converts the provider section for bridge.NewEngine.
func (c Config) BridgeProvider() bridge.ProviderConfig {
	return bridge.ProviderConfig{
		ClientID:         c.Provider.ClientID,
		ClientSecret:     c.Provider.ClientSecret,
		AuthorizationURL: c.Provider.AuthorizationURL,
		TokenURL:         c.Provider.TokenURL,
		Scope:            c.Provider.Scope,
		CallbackURL:      c.CallbackURL(),
		ExchangeTimeout:  parseDuration(c.Provider.ExchangeTimeout, bridge.DefaultExchangeTimeout),
	}
}

func isHTTPURL(raw string) bool {
	return strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://")
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
