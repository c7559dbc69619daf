// Copyright 2024-2026 Aiku AI

// Command mautrix-twitter is a Matrix-Twitter bridge. It polls timeline and
// hashtag feeds into Matrix rooms, posts room messages back to Twitter, and
// bridges direct messages over user streams.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"go.mau.fi/util/exzerolog"
	"gopkg.in/yaml.v3"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-twitter/pkg/bridge"
	"github.com/aiku/mautrix-twitter/pkg/connector"
	"github.com/aiku/mautrix-twitter/pkg/storage"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	configPath string
	debug      bool
)

var rootCmd = &cobra.Command{
	Use:   "mautrix-twitter",
	Short: "A Matrix-Twitter bridge",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bridge",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		_ = godotenv.Load()
		cfg, err := loadConfig(configPath)
		if err != nil {
			return err
		}
		store, err := storage.NewSQLite(cfg.DatabasePath)
		if err != nil {
			return fmt.Errorf("migrate database: %w", err)
		}
		return store.Close()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("mautrix-twitter %s (%s, built %s)\n", Tag, Commit, BuildTime)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the config file")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	rootCmd.AddCommand(serveCmd, migrateCmd, versionCmd)
}

func loadConfig(path string) (*connector.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg connector.Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.PostProcess(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func serve() error {
	// A local .env is optional and only used for development setups.
	_ = godotenv.Load()

	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.StampMilli}).
		With().Timestamp().Logger().Level(level)
	exzerolog.SetupDefaults(&log)

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	store, err := storage.NewSQLite(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()

	matrix, err := bridge.NewMatrixAPI(cfg.HomeserverURL, id.UserID(cfg.BotMXID), cfg.BotToken)
	if err != nil {
		return fmt.Errorf("matrix client: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	core := connector.New(cfg, store, matrix, log)
	if err := core.Start(ctx); err != nil {
		return fmt.Errorf("start bridge: %w", err)
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigs
	log.Info().Str("signal", sig.String()).Msg("Shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	core.Stop(shutdownCtx)
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
