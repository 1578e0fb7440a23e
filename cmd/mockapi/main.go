// Command mockapi serves a development stand-in for the IoT security API:
// the auth endpoints, token expiry and the protected evidence files.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tomyedwab/iotguard/internal/config"
	"github.com/tomyedwab/iotguard/internal/logging"
	"github.com/tomyedwab/iotguard/internal/mockapi"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		// The configured logger may never have been built.
		logging.Default("mockapi", version).Error("mock API failed", "error", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configFile, listen string
	var users []string

	cmd := &cobra.Command{
		Use:   "mockapi",
		Short: "Serve a development copy of the IoT security API",
		Long: `Serve the auth endpoints and evidence files of the IoT security API.

Examples:
  mockapi --listen :5000
  mockapi --user operator:secret --config ./mockapi.yaml`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if configFile == "" {
				configFile = config.DefaultPath()
			}
			cfg, err := config.LoadOptional(configFile)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.MockAPI.Listen = listen
			}
			return serve(cmd.Context(), cfg, users)
		},
	}
	cmd.Flags().StringVar(&configFile, "config", "", "Path to config file (default: ~/.iotguard/config.yaml)")
	cmd.Flags().StringVar(&listen, "listen", "", "Listen address, overriding mockapi.listen")
	cmd.Flags().StringArrayVar(&users, "user", nil, "Create an account as username:password (repeatable)")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, users []string) error {
	logger := logging.New(cfg.Logging, "mockapi", version)
	logger.Info("Starting mock API", "listen", cfg.MockAPI.Listen, "prefix", cfg.MockAPI.PathPrefix)

	dbPath := cfg.MockAPI.DatabasePath
	if dbPath != "" && dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	api, err := mockapi.New(mockapi.Config{
		DBPath:      dbPath,
		Secret:      []byte(cfg.MockAPI.JWTSecret),
		AccessTTL:   cfg.GetAccessTokenTTL(),
		RefreshTTL:  cfg.GetRefreshTokenTTL(),
		EvidenceDir: cfg.MockAPI.EvidenceDir,
		Logger:      logger.Logger,
	})
	if err != nil {
		return err
	}
	defer api.Close()

	for _, entry := range users {
		username, password, ok := strings.Cut(entry, ":")
		if !ok || username == "" || password == "" {
			return fmt.Errorf("invalid --user %q, want username:password", entry)
		}
		if _, err := api.CreateUser(username, password, ""); err != nil {
			logger.Warn("Failed to create user", "username", username, "error", err)
			continue
		}
		logger.Info("Created user", "username", username)
	}

	origins := cfg.MockAPI.AllowedOrigins
	if len(origins) == 0 {
		origins = mockapi.DefaultAllowedOrigins
	}
	var handler http.Handler = api
	if prefix := strings.TrimSuffix(cfg.MockAPI.PathPrefix, "/"); prefix != "" {
		handler = http.StripPrefix(prefix, api)
	}
	handler = mockapi.CORS(origins, handler)
	server := &http.Server{
		Addr:              cfg.MockAPI.Listen,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("mock API server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Received signal, shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down cleanly: %w", err)
	}
	logger.Info("Mock API stopped")
	return nil
}
