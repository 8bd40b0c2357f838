package main

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"tokenbridge/server"
)

func testConfig(authURL string) server.Config {
	cfg := server.DefaultConfig()
	cfg.Provider.ClientID = "bridge-client"
	cfg.Provider.AuthorizationURL = authURL
	return cfg
}

func TestRunConnectSuccess(t *testing.T) {
	var gotClientID, gotNonce string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/oauth/auth":
			gotClientID = r.URL.Query().Get("client_id")
			gotNonce = r.URL.Query().Get("nonce")
			http.Redirect(w, r, "/login", http.StatusFound)
		case "/login":
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("login"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := testConfig(srv.URL + "/oauth/auth")

	if err := runConnect(context.Background(), cfg, logger, nil); err != nil {
		t.Fatalf("runConnect returned error: %v", err)
	}
	if gotClientID != "bridge-client" {
		t.Fatalf("authorize request carried client_id %q", gotClientID)
	}
	if gotNonce == "" {
		t.Fatalf("authorize request carried no nonce")
	}
}

func TestRunConnectFailureStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if err := runConnect(context.Background(), testConfig(srv.URL+"/oauth/auth"), logger, nil); err == nil {
		t.Fatalf("expected error but got nil")
	}
}

func TestRunConnectUnderivableTokenURL(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if err := runConnect(context.Background(), testConfig("https://cmp.example.com/login"), logger, nil); err == nil {
		t.Fatalf("expected error when the token url cannot be derived")
	}
}

func TestRunSetupWritesLoadableConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	answers := strings.Join([]string{
		"y",                                  // dev mode
		"",                                   // public url
		"",                                   // dev listen addr
		"",                                   // provider id
		"https://cmp.example.com/oauth/auth", // authorization url
		"bridge-client",                      // client id
		"s3cret",                             // client secret
		"https://cmp.example.com/api",        // upstream api
		"n",                                  // redis
	}, "\n") + "\n"

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg, err := runSetup(strings.NewReader(answers), path, logger)
	if err != nil {
		t.Fatalf("runSetup returned error: %v", err)
	}
	if cfg.Provider.ClientID != "bridge-client" || cfg.Provider.ClientSecret != "s3cret" {
		t.Fatalf("provider not captured: %+v", cfg.Provider)
	}
	if cfg.Sibling.UpstreamAPIURL != "https://cmp.example.com/api" {
		t.Fatalf("sibling upstream not captured: %q", cfg.Sibling.UpstreamAPIURL)
	}
	if cfg.TokenStore.Backend != server.TokenStoreMemory {
		t.Fatalf("expected memory token store, got %q", cfg.TokenStore.Backend)
	}
	if err := runConfigInit(path, logger); err == nil {
		t.Fatalf("config init must refuse to overwrite an existing file")
	}
}

func TestRunSetupStopsWhenInputEnds(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tests := map[string]string{
		"before domains":       "n\n",
		"before client id":     "y\n\n\n\nhttps://cmp.example.com/oauth/auth\n",
		"blank required value": "y\n\n\n\n\n",
	}
	for name, answers := range tests {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			_, err := runSetup(strings.NewReader(answers), path, logger)
			if !errors.Is(err, errInputClosed) {
				t.Fatalf("expected errInputClosed, got %v", err)
			}
			if _, statErr := os.Stat(path); statErr == nil {
				t.Fatalf("no config should be written when setup is cut short")
			}
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	_, err := loadConfig(filepath.Join(t.TempDir(), "absent.yaml"), logger)
	if err == nil || !strings.Contains(err.Error(), "config-cmd=init") {
		t.Fatalf("expected hint to run config init, got %v", err)
	}
}

func TestTLSMinVersion(t *testing.T) {
	if tlsMinVersion("1.3") != tls.VersionTLS13 {
		t.Fatalf("expected TLS 1.3")
	}
	if tlsMinVersion("") != tls.VersionTLS12 || tlsMinVersion("1.2") != tls.VersionTLS12 {
		t.Fatalf("expected TLS 1.2 default")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"":        slog.LevelInfo,
		"INFO":    slog.LevelInfo,
		"debug":   slog.LevelDebug,
		"Warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"ERR":     slog.LevelError,
	}

	for input, want := range tests {
		got, err := parseLogLevel(input)
		if err != nil {
			t.Fatalf("parseLogLevel(%q) returned error: %v", input, err)
		}
		if got != want {
			t.Fatalf("parseLogLevel(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestParseLogLevelInvalid(t *testing.T) {
	if _, err := parseLogLevel("trace"); err == nil {
		t.Fatalf("expected error for unsupported level")
	}
}
