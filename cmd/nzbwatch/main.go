// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/autobrr/nzbwatch/internal/api"
	"github.com/autobrr/nzbwatch/internal/buildinfo"
	"github.com/autobrr/nzbwatch/internal/config"
	"github.com/autobrr/nzbwatch/internal/database"
	"github.com/autobrr/nzbwatch/internal/domain"
	"github.com/autobrr/nzbwatch/internal/metrics"
	"github.com/autobrr/nzbwatch/internal/models"
	"github.com/autobrr/nzbwatch/internal/services/newznab"
)

func main() {
	config.InitDefaultLogger(buildinfo.Version)

	var rootCmd = &cobra.Command{
		Use:   "nzbwatch",
		Short: "Search newznab indexers and keep their recent items cached",
		Long: `nzbwatch - queries newznab indexers for TV releases and keeps a
poll-gated cache of each indexer's recent items.`,
	}

	rootCmd.Version = buildinfo.Version

	rootCmd.AddCommand(RunServeCommand())
	rootCmd.AddCommand(RunVersionCommand(buildinfo.Version))
	rootCmd.AddCommand(RunGenerateConfigCommand())
	rootCmd.AddCommand(RunSearchCommand())
	rootCmd.AddCommand(RunRecentCommand())
	rootCmd.AddCommand(RunProvidersCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func RunServeCommand() *cobra.Command {
	var (
		configDir string
		dataDir   string
		logPath   string
	)

	var command = &cobra.Command{
		Use:   "serve",
		Short: "Start the server",
	}

	command.Flags().StringVar(&configDir, "config-dir", "", "config directory path (default is OS-specific: ~/.config/nzbwatch/ or %APPDATA%\\nzbwatch\\). Can also be a direct path to a .toml file")
	command.Flags().StringVar(&dataDir, "data-dir", "", "data directory for the database (default is next to config file)")
	command.Flags().StringVar(&logPath, "log-path", "", "log file path (default is stdout)")

	command.Run = func(cmd *cobra.Command, args []string) {
		app := NewApplication(configDir, dataDir, logPath)
		app.runServer()
	}

	return command
}

func RunVersionCommand(version string) *cobra.Command {
	var command = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of nzbwatch",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
			if buildinfo.Commit != "" {
				fmt.Printf("commit: %s\n", buildinfo.Commit)
			}
			if buildinfo.Date != "" {
				fmt.Printf("built: %s\n", buildinfo.Date)
			}
		},
	}

	return command
}

func RunGenerateConfigCommand() *cobra.Command {
	var configDir string

	command := &cobra.Command{
		Use:   "generate-config",
		Short: "Generate a default configuration file",
		Long: `Generate a default configuration file without starting the server.

If no --config-dir is specified, uses the OS-specific default location:
- Linux/macOS: ~/.config/nzbwatch/config.toml
- Windows: %APPDATA%\nzbwatch\config.toml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath := resolveConfigFile(configDir)

			if _, err := os.Stat(configPath); err == nil {
				cmd.Printf("Configuration file already exists at: %s\n", configPath)
				cmd.Println("Skipping generation to avoid overwriting existing configuration.")
				return nil
			}

			if err := config.WriteDefaultConfig(configPath); err != nil {
				return errors.Wrap(err, "failed to create configuration file")
			}

			cmd.Printf("Configuration file created successfully at: %s\n", configPath)
			return nil
		},
	}

	command.Flags().StringVar(&configDir, "config-dir", "",
		"config directory or file path (defaults to OS-specific location)")

	return command
}

func resolveConfigFile(configDir string) string {
	if configDir == "" {
		return filepath.Join(config.GetDefaultConfigDir(), "config.toml")
	}
	if strings.HasSuffix(strings.ToLower(configDir), ".toml") {
		return configDir
	}
	if info, err := os.Stat(configDir); err == nil && !info.IsDir() {
		return configDir
	}
	return filepath.Join(configDir, "config.toml")
}

type Application struct {
	configDir string
	dataDir   string
	logPath   string
}

func NewApplication(configDir, dataDir, logPath string) *Application {
	return &Application{
		configDir: configDir,
		dataDir:   dataDir,
		logPath:   logPath,
	}
}

func (app *Application) runServer() {
	cfg, err := config.New(app.configDir, buildinfo.Version)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize configuration")
	}

	if app.dataDir != "" {
		cfg.SetDataDir(app.dataDir)
	}
	if app.logPath != "" {
		cfg.Config.LogPath = app.logPath
	}

	cfg.ApplyLogConfig()

	log.Info().Str("version", buildinfo.Version).Msg("Starting nzbwatch")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := database.Open(ctx, cfg.GetDataDir())
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.GetDatabasePath()).Msg("Failed to initialize database")
	}
	defer db.Close()

	cacheStore := models.NewNewznabCacheStore(db)

	var indexerMetrics *metrics.IndexerMetrics
	if cfg.Config.MetricsEnabled {
		indexerMetrics = metrics.NewIndexerMetrics()
	}

	service, err := newService(cfg, cacheStore, indexerMetrics)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize newznab providers")
	}

	var ready atomic.Bool
	if err := service.LoadCaches(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to load persisted recent caches")
	}
	ready.Store(true)

	cfg.RegisterReloadListener(func(updated *domain.Config) {
		providers, err := config.ProviderConfigs(updated)
		if err != nil {
			log.Error().Err(err).Msg("Ignoring provider changes, invalid provider line")
			return
		}
		if err := service.Reload(ctx, providers); err != nil {
			log.Error().Err(err).Msg("Failed to reload providers")
			return
		}
		log.Info().Int("providers", len(providers)).Msg("Reloaded newznab providers")
	})

	poller := newznab.NewPoller(service, cfg.PollInterval())
	poller.Start(ctx)

	httpServer := api.NewServer(&api.Dependencies{
		Config:         cfg,
		Version:        buildinfo.Version,
		NewznabService: service,
		Ready:          ready.Load,
	})

	errorChannel := make(chan error)
	serverReady := make(chan struct{}, 1)
	go func() {
		if err := httpServer.ListenAndServeReady(serverReady); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errorChannel <- err
		}
	}()

	select {
	case <-serverReady:
	case err := <-errorChannel:
		log.Fatal().Err(err).Msg("failed to start HTTP server")
	}

	var metricsServer *metrics.MetricsServer
	if indexerMetrics != nil {
		metricsServer = metrics.NewMetricsServer(indexerMetrics, cfg.Config.MetricsHost, cfg.Config.MetricsPort)

		// Start metrics server on separate port
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errorChannel <- err
			}
		}()
	}

	// Wait for interrupt signal to gracefully shutdown the server
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Msgf("got signal %v, shutting down server", sig.String())
	case err := <-errorChannel:
		log.Error().Err(err).Msg("got unexpected error from server")
	}

	cancel()

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("got error during metrics server shutdown")
		}
	}

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("got error during graceful http shutdown")
		db.Close()
		os.Exit(1)
	}
}

func newService(cfg *config.AppConfig, store newznab.CacheStateStore, m *metrics.IndexerMetrics) (*newznab.Service, error) {
	providers, err := cfg.ProviderConfigs()
	if err != nil {
		return nil, err
	}

	return newznab.NewService(providers, newznab.ServiceOptions{
		RetentionDays:   cfg.Config.UsenetRetention,
		MinPollInterval: cfg.MinPollInterval(),
		MaxConcurrent:   cfg.Config.MaxConcurrentSearches,
		Fetcher:         newznab.NewHTTPFetcher(cfg.SearchTimeout()),
		Store:           store,
		Metrics:         m,
	})
}
