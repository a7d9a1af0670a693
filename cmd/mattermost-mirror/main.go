// Copyright 2024-2026 Aiku AI

// Command mattermost-mirror relays messages from a set of source Mattermost
// channels into a single destination channel, applying ordered text filters,
// link expansion and code-based deduplication along the way. An embedded
// admin HTTP API manages filters, sources and retention settings at runtime.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"go.mau.fi/util/exerrors"
	"go.mau.fi/zeroconfig"

	"github.com/aiku/mattermost-mirror/pkg/mirror"
	"github.com/aiku/mattermost-mirror/pkg/mirror/urlclean"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "mattermost-mirror",
		Short: "Mirror Mattermost channels into a single destination channel",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cmd.SilenceUsage = true
			return run(configPath)
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "Path to the config file")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version info",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Printf("mattermost-mirror %s (%s, %s)\n", Tag, Commit, BuildTime)
		},
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "example-config",
		Short: "Print an example config file",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Print(mirror.ExampleConfig)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(configPath string) error {
	loader := mirror.NewConfigLoader(configPath)
	cfg, err := loader.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	if path := cfg.LogPath(); path != "" {
		exerrors.PanicIfNotNil(os.MkdirAll(filepath.Dir(path), 0o700))
	}

	log, err := compileLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to configure logging: %w", err)
	}
	log.Info().Str("version", Tag).Str("commit", Commit).Msg("Starting mattermost-mirror")

	store, err := mirror.OpenStore(cfg.DatabasePath(), *log)
	if err != nil {
		return err
	}
	defer store.Close()

	stats := mirror.OpenStatsRecorder(cfg.StatsPath(), *log)
	stats.SetStatus(mirror.StatusRunning)
	defer stats.SetStatus(mirror.StatusStopped)

	expander := urlclean.New(10 * time.Second)
	chain := mirror.NewChain(store, expander, *log)
	extractor := mirror.NewExtractor(func() string {
		current, err := loader.Load()
		if err != nil {
			log.Warn().Err(err).Msg("Failed to reload config for dedup pattern")
			return ""
		}
		return current.Dedup.CodeRegex
	}, *log)

	client := mirror.NewClient(cfg, store, *log)
	pipeline := mirror.NewPipeline(store, chain, extractor, client, stats, *log)
	client.SetProcessor(pipeline)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	scheduler := mirror.NewScheduler(store, loader, *log)
	go scheduler.Run(ctx)

	admin := mirror.NewAdminAPI(store, loader, cfg, *log)
	server := &http.Server{
		Addr:              cfg.Admin.ListenAddr,
		Handler:           admin.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		log.Info().Str("listen_addr", cfg.Admin.ListenAddr).Msg("Admin API listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	if err := client.Connect(ctx); err != nil {
		stats.SetStatus(mirror.StatusError)
		return err
	}
	log.Info().
		Int("source_channels", len(cfg.SourceChannels)).
		Str("dest_channel", cfg.DestChannel).
		Msg("Mirror running")

	select {
	case <-ctx.Done():
		log.Info().Msg("Shutting down")
	case err := <-serverErr:
		stats.SetStatus(mirror.StatusError)
		log.Error().Err(err).Msg("Admin API failed")
	}

	client.Disconnect()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Admin API shutdown failed")
	}
	return nil
}

// compileLogger builds the zerolog logger from the config, defaulting to
// pretty console output when no writers are configured.
func compileLogger(cfg *mirror.Config) (*zerolog.Logger, error) {
	logCfg := cfg.Logging
	if len(logCfg.Writers) == 0 {
		logCfg.Writers = []zeroconfig.WriterConfig{{
			Type:   zeroconfig.WriterTypeStdout,
			Format: zeroconfig.LogFormatPrettyColored,
		}}
	}
	return logCfg.Compile()
}
