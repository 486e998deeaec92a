package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"teleglas-pro/config"
	"teleglas-pro/internal/alerts"
	"teleglas-pro/internal/cache"
	"teleglas-pro/internal/database"
	"teleglas-pro/internal/events"
	"teleglas-pro/internal/logging"
	"teleglas-pro/internal/supervisor"
	"teleglas-pro/internal/vault"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "teleglas:", err)
		os.Exit(1)
	}
}

func run() error {
	configFlag := flag.String("config", "", "path to the config file")
	flag.Parse()

	// .env is optional; deployments configure through the environment.
	_ = godotenv.Load()

	configPath := *configFlag
	if configPath == "" {
		configPath = os.Getenv("CONFIG_PATH")
	}
	if configPath == "" {
		configPath = "config.json"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.Setup(cfg.LoggingConfig.Level, cfg.LoggingConfig.JSONFormat)
	logger.Info().Str("config", configPath).Msg("TELEGLAS Pro starting")

	if err := resolveCredentials(cfg, logger); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	deps := supervisor.Deps{Bus: events.NewEventBus()}

	if cfg.StorageConfig.Enabled {
		store, err := database.NewStore(cfg.StorageConfig.DatabasePath, logger)
		if err != nil {
			// The pipeline still runs, it just starts cold and forgets.
			logger.Error().Err(err).Msg("Storage unavailable, continuing without persistence")
		} else {
			deps.Store = store
		}
	}

	if cfg.RedisConfig.Enabled {
		snapshots, err := cache.NewSnapshots(cfg.RedisConfig, logger)
		if err != nil {
			logger.Error().Err(err).Msg("Cache unavailable, continuing without it")
		} else {
			deps.Cache = snapshots
		}
	}

	if cfg.TelegramConfig.Enabled {
		telegram := alerts.NewTelegram(alerts.TelegramOptions{
			BotToken: cfg.TelegramConfig.BotToken,
			ChatID:   cfg.TelegramConfig.ChatID,
			MinGap:   time.Duration(cfg.AlertConfig.RateLimitDelay * float64(time.Second)),
		}, logger)
		probeCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		if err := telegram.TestConnection(probeCtx); err != nil {
			logger.Warn().Err(err).Msg("Telegram probe failed, alerts may not deliver")
		}
		cancel()
		deps.Telegram = telegram
	}

	sup := supervisor.New(cfg, deps, logger)
	if err := sup.Start(); err != nil {
		return fmt.Errorf("starting supervisor: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	logger.Info().Msg("Shutdown signal received")
	sup.Stop()
	return nil
}

// resolveCredentials pulls secrets from Vault when it is enabled and
// fills the config fields the environment left empty.
func resolveCredentials(cfg *config.Config, logger zerolog.Logger) error {
	if !cfg.VaultConfig.Enabled {
		return nil
	}

	client, err := vault.NewClient(cfg.VaultConfig)
	if err != nil {
		return fmt.Errorf("vault client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := client.Health(ctx); err != nil {
		return fmt.Errorf("vault health: %w", err)
	}
	creds, err := client.FetchCredentials(ctx)
	if err != nil {
		return fmt.Errorf("fetching credentials: %w", err)
	}

	if cfg.CoinglassConfig.APIKey == "" {
		cfg.CoinglassConfig.APIKey = creds.CoinglassAPIKey
	}
	if cfg.TelegramConfig.BotToken == "" {
		cfg.TelegramConfig.BotToken = creds.TelegramBotToken
	}
	if cfg.TelegramConfig.ChatID == "" {
		cfg.TelegramConfig.ChatID = creds.TelegramChatID
	}
	if cfg.DashboardConfig.APIToken == "" {
		cfg.DashboardConfig.APIToken = creds.DashboardToken
	}
	logger.Info().Msg("Credentials resolved from Vault")
	return nil
}
