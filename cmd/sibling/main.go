// Command sibling is the backend service that consumes the session token the
// gateway exposes as the <provider>-api-token cookie and calls the platform
// API on the user's behalf.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"tokenbridge/client"
	"tokenbridge/server"
)

func main() {
	configPath := flag.String("config", os.Getenv("TOKENBRIDGE_CONFIG"), "Path to YAML config")
	flag.Parse()

	configFile := *configPath
	if configFile == "" && flag.NArg() > 0 {
		configFile = flag.Arg(0)
	}
	if configFile == "" {
		configFile = "config.yaml"
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := server.LoadConfig(configFile)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	handler, err := newRouter(cfg, logger)
	if err != nil {
		log.Fatalf("init sibling: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:         cfg.Sibling.ListenAddr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	logger.Info("sibling listening", "addr", cfg.Sibling.ListenAddr, "upstream", cfg.Sibling.UpstreamAPIURL)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func newRouter(cfg server.Config, logger *slog.Logger) (http.Handler, error) {
	if cfg.Sibling.UpstreamAPIURL == "" {
		return nil, fmt.Errorf("sibling.upstream_api_url is required")
	}
	proxy, err := client.NewUpstreamProxy(cfg.Sibling.UpstreamAPIURL, logger)
	if err != nil {
		return nil, err
	}
	validator := client.NewValidator(client.ValidatorConfig{ProviderID: cfg.Provider.ID})

	r := chi.NewRouter()
	r.Use(server.RequestIDMiddleware)
	r.Use(server.LoggingMiddleware(logger))
	r.Use(server.RecoveryMiddleware(logger))

	r.Get("/healthz", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(client.RequireAPIToken(validator))
		r.Get("/whoami", handleWhoAmI)
		r.Handle(client.APIPrefix+"/*", proxy)
	})

	return r, nil
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func handleWhoAmI(w http.ResponseWriter, r *http.Request) {
	claims, ok := client.ClaimsFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	resp := map[string]any{
		"sub":    claims.Subject,
		"email":  claims.Email,
		"source": claims.Source,
	}
	if !claims.ExpiresAt.IsZero() {
		resp["expires_at"] = claims.ExpiresAt.UTC().Format(time.RFC3339)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
