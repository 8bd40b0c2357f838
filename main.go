package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/crypto/acme/autocert"
	"gopkg.in/yaml.v3"

	"tokenbridge/bridge"
	"tokenbridge/server"
)

func main() {
	configPath := flag.String("config", os.Getenv("TOKENBRIDGE_CONFIG"), "Path to YAML config")
	configCmd := flag.String("config-cmd", "", "Config command: 'init' or 'validate'")
	logLevel := flag.String("log-level", "info", "Logging level (debug, info, warn, error)")
	flag.StringVar(logLevel, "l", "info", "Alias for -log-level")
	flag.Parse()

	level, err := parseLogLevel(*logLevel)
	if err != nil {
		log.Fatalf("invalid log level %q: %v", *logLevel, err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if *configCmd != "" {
		configFile := *configPath
		if configFile == "" {
			configFile = "./config.yaml"
		}

		switch *configCmd {
		case "init":
			if err := runConfigInit(configFile, logger); err != nil {
				log.Fatalf("config init failed: %v", err)
			}
			logger.Info("configuration initialized successfully", "path", configFile)
			return
		case "validate":
			if err := runConfigValidate(configFile, logger); err != nil {
				log.Fatalf("config validation failed: %v", err)
			}
			logger.Info("configuration is valid", "path", configFile)
			return
		default:
			log.Fatalf("unknown config command %q. Use 'init' or 'validate'", *configCmd)
		}
	}

	args := flag.Args()
	command := ""
	if len(args) > 0 && args[0] == "connect" {
		command = "connect"
		args = args[1:]
	}

	configFile := *configPath
	if configFile == "" && len(args) > 0 {
		configFile = args[0]
	}
	if configFile == "" {
		configFile = "./config.yaml"
	}

	cfg, err := loadConfig(configFile, logger)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	if command == "connect" {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := runConnect(ctx, cfg, logger, nil); err != nil {
			logger.Error("provider connectivity failed", "provider", cfg.Provider.ID, "error", err)
			os.Exit(1)
		}
		logger.Info("provider connectivity succeeded", "provider", cfg.Provider.ID)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	validateStartupURLs(ctx, cfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := server.NewApp(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("init app: %v", err)
	}
	defer application.Close()

	handler := application.Routes()

	var shutdownFns []func(context.Context) error

	if cfg.Server.DevMode {
		srv := &http.Server{
			Addr:         cfg.Server.DevListenAddr,
			Handler:      handler,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
		}
		shutdownFns = append(shutdownFns, srv.Shutdown)
		logger.Info("server listening", "mode", "dev", "addr", cfg.Server.DevListenAddr)
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("server error", "error", err)
			}
		}()
	} else {
		tlsCachePath := filepath.Join(cfg.Server.SecretsPath, "tls")

		m := &autocert.Manager{
			Cache:      autocert.DirCache(tlsCachePath),
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(cfg.Server.TLS.Domains...),
			Email:      cfg.Server.TLS.Email,
		}
		tlsCfg := &tls.Config{
			GetCertificate: m.GetCertificate,
			MinVersion:     tlsMinVersion(cfg.Server.TLS.MinVersion),
		}

		httpRedirect := &http.Server{
			Addr:    cfg.Server.HTTPListenAddr,
			Handler: m.HTTPHandler(http.HandlerFunc(redirectToHTTPS)),
		}
		shutdownFns = append(shutdownFns, httpRedirect.Shutdown)
		go func() {
			if err := httpRedirect.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("http redirect error", "error", err)
			}
		}()

		httpsSrv := &http.Server{
			Addr:      cfg.Server.HTTPSListenAddr,
			Handler:   handler,
			TLSConfig: tlsCfg,
		}
		shutdownFns = append(shutdownFns, httpsSrv.Shutdown)
		logger.Info("server listening", "mode", "prod", "addr", cfg.Server.HTTPSListenAddr)
		go func() {
			if err := httpsSrv.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
				logger.Error("https server error", "error", err)
			}
		}()
	}

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	for _, fn := range shutdownFns {
		_ = fn(shutdownCtx)
	}
}

func redirectToHTTPS(w http.ResponseWriter, r *http.Request) {
	target := "https://" + r.Host + r.URL.RequestURI()
	http.Redirect(w, r, target, http.StatusMovedPermanently)
}

func tlsMinVersion(v string) uint16 {
	if v == "1.3" {
		return tls.VersionTLS13
	}
	return tls.VersionTLS12
}

// runConnect builds the authorization redirect the gateway would send a
// browser to and checks that the upstream login page answers.
func runConnect(ctx context.Context, cfg server.Config, logger *slog.Logger, httpClient *http.Client) error {
	engine, err := bridge.NewEngine(cfg.BridgeProvider(), bridge.NewMemoryTokenStore(), logger)
	if err != nil {
		return fmt.Errorf("build provider: %w", err)
	}

	redirect, err := engine.Start(randomHex(8))
	if err != nil {
		return err
	}
	logger.Info("connect.start", "provider", cfg.Provider.ID, "auth_url", redirect.URL, "token_url", engine.TokenURL())
	logger.Info("connect.instructions", "provider", cfg.Provider.ID, "message", "Open auth_url in a browser to perform interactive login if needed", "auth_url", redirect.URL)

	client := httpClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	originalRedirect := client.CheckRedirect
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		logger.Info("connect.redirect", "step", len(via)+1, "url", req.URL.String())
		if len(via) >= 10 {
			return fmt.Errorf("too many redirects (%d)", len(via))
		}
		if originalRedirect != nil {
			return originalRedirect(req, via)
		}
		return nil
	}
	defer func() { client.CheckRedirect = originalRedirect }()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, redirect.URL, nil)
	if err != nil {
		return fmt.Errorf("create authorize request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("call authorize endpoint: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	logger.Info("connect.result", "status", resp.StatusCode, "effective_url", resp.Request.URL.String())

	switch {
	case resp.StatusCode >= 400:
		return fmt.Errorf("provider returned %s for %s", resp.Status, resp.Request.URL.String())
	case resp.StatusCode >= 300:
		return fmt.Errorf("unexpected additional redirect (status %d)", resp.StatusCode)
	}

	logger.Info("connect.success", "provider", cfg.Provider.ID, "message", "Reached provider login endpoint")
	return nil
}

func randomHex(n int) string {
	buf := make([]byte, n)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func loadConfig(path string, logger *slog.Logger) (server.Config, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return server.Config{}, fmt.Errorf("config file not found at %s. Run with -config-cmd=init to create it", path)
		}
		return server.Config{}, fmt.Errorf("stat config: %w", err)
	}
	logger.Debug("loading config", "path", path)
	return server.LoadConfig(path)
}

func runConfigInit(path string, logger *slog.Logger) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s. Remove it first or use a different path", path)
	}
	_, err := runSetup(os.Stdin, path, logger)
	return err
}

func runConfigValidate(path string, logger *slog.Logger) error {
	cfg, err := server.LoadConfig(path)
	if err != nil {
		return err
	}
	if _, err := bridge.NewEngine(cfg.BridgeProvider(), bridge.NewMemoryTokenStore(), logger); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logger.Info("validating configuration URLs...")
	for _, target := range configURLs(cfg) {
		if err := validateURL(ctx, target.url); err != nil {
			logger.Error("URL validation failed", "field", target.field, "url", target.url, "error", err)
		} else {
			logger.Info("URL is accessible", "field", target.field, "url", target.url)
		}
	}

	logger.Info("configuration validation complete")
	return nil
}

type configURL struct {
	field string
	url   string
}

func configURLs(cfg server.Config) []configURL {
	out := []configURL{{field: "provider.authorization_url", url: cfg.Provider.AuthorizationURL}}
	if cfg.Sibling.UpstreamAPIURL != "" {
		out = append(out, configURL{field: "sibling.upstream_api_url", url: cfg.Sibling.UpstreamAPIURL})
	}
	return out
}

func validateStartupURLs(ctx context.Context, cfg server.Config, logger *slog.Logger) {
	for _, target := range configURLs(cfg) {
		if err := validateURL(ctx, target.url); err != nil {
			logger.Warn("URL may not be accessible",
				"field", target.field,
				"url", target.url,
				"error", err,
				"note", "server will continue but sign-in may fail")
		} else {
			logger.Debug("URL is accessible", "field", target.field, "url", target.url)
		}
	}
}

func validateURL(ctx context.Context, urlStr string) error {
	client := &http.Client{Timeout: 5 * time.Second}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, urlStr, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode >= 500 {
		return fmt.Errorf("received status %d", resp.StatusCode)
	}
	return nil
}

// errInputClosed reports that setup input ended before a required answer.
var errInputClosed = errors.New("input closed")

func runSetup(in io.Reader, path string, logger *slog.Logger) (server.Config, error) {
	p := &prompter{in: bufio.NewReader(in), out: os.Stdout}
	fmt.Fprintf(p.out, "No configuration file found at %s.\n", path)
	fmt.Fprintln(p.out, "Starting guided setup for the cloud-management platform. Press Enter to accept defaults.")

	cfg := server.DefaultConfig()
	cfg.Server.DevMode = p.confirm("Run in development mode?", true)

	if cfg.Server.DevMode {
		cfg.Server.PublicURL = strings.TrimSuffix(p.text("Gateway public URL", cfg.Server.PublicURL), "/")
		cfg.Server.DevListenAddr = p.text("Gateway dev listen address", cfg.Server.DevListenAddr)
	} else {
		raw, err := p.required("Public domains, comma separated (e.g. auth.example.com)")
		if err != nil {
			return server.Config{}, err
		}
		cfg.Server.TLS.Domains = normalizeList(raw, []string{raw})
		cfg.Server.PublicURL = "https://" + strings.TrimSuffix(cfg.Server.TLS.Domains[0], "/")
		cfg.Server.TLS.Email = p.text("ACME contact email", cfg.Server.TLS.Email)
		cfg.Server.HTTPListenAddr = ":80"
		cfg.Server.HTTPSListenAddr = ":443"
	}

	cfg.Provider.ID = p.text("Provider id (used in routes and cookie names)", cfg.Provider.ID)
	var err error
	if cfg.Provider.AuthorizationURL, err = p.required("Platform authorization URL (ends in /auth)"); err != nil {
		return server.Config{}, err
	}
	if cfg.Provider.ClientID, err = p.required("Platform OAuth client ID"); err != nil {
		return server.Config{}, err
	}
	cfg.Provider.ClientSecret = p.text("Platform OAuth client secret", "")
	cfg.Sibling.UpstreamAPIURL = p.text("Platform API base URL for the sibling service", "")

	if p.confirm("Share session tokens through Redis?", false) {
		cfg.TokenStore.Backend = server.TokenStoreRedis
		cfg.TokenStore.Redis.Addr = p.text("Redis address", "127.0.0.1:6379")
	}

	if err := writeConfigFile(path, cfg); err != nil {
		return server.Config{}, err
	}
	logger.Info("configuration created", "path", path, "callback_url", cfg.CallbackURL())

	return server.LoadConfig(path)
}

// prompter asks setup questions line by line.
type prompter struct {
	in  *bufio.Reader
	out io.Writer
}

func (p *prompter) line(prompt string) (string, error) {
	fmt.Fprint(p.out, prompt)
	input, err := p.in.ReadString('\n')
	return strings.TrimSpace(input), err
}

// text returns the answer, or def when the answer is blank.
func (p *prompter) text(prompt, def string) string {
	label := prompt + ": "
	if def != "" {
		label = fmt.Sprintf("%s [%s]: ", prompt, def)
	}
	if answer, _ := p.line(label); answer != "" {
		return answer
	}
	return strings.TrimSpace(def)
}

// required repeats the question until it gets an answer or input ends.
func (p *prompter) required(prompt string) (string, error) {
	for {
		answer, err := p.line(prompt + ": ")
		switch {
		case answer != "":
			return answer, nil
		case err != nil:
			return "", fmt.Errorf("%s: %w", prompt, errInputClosed)
		}
		fmt.Fprintln(p.out, "This value is required. Please enter a value.")
	}
}

func (p *prompter) confirm(prompt string, def bool) bool {
	label := fmt.Sprintf("%s [N]: ", prompt)
	if def {
		label = fmt.Sprintf("%s [Y]: ", prompt)
	}
	for {
		answer, err := p.line(label)
		switch strings.ToLower(answer) {
		case "":
			return def
		case "y", "yes":
			return true
		case "n", "no":
			return false
		}
		if err != nil {
			return def
		}
		fmt.Fprintln(p.out, "Please enter 'y' or 'n'.")
	}
}

func parseLogLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "err":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level")
	}
}

func normalizeList(input string, fallback []string) []string {
	if strings.TrimSpace(input) == "" {
		return fallback
	}
	parts := strings.Split(input, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

func writeConfigFile(path string, cfg server.Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
