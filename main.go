package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	clts "copybot/clients"
	"copybot/config"
	"copybot/internal/app"

	"go.uber.org/zap"
)

const (
	// loadTimeout is the maximum time to wait for loading from gist
	loadTimeout = 30 * time.Second
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	// Load config from environment variables
	envConfig := config.Load()
	logger.Info("starting copybot",
		zap.Bool("isProd", envConfig.IsProd),
		zap.Int("wallets", len(envConfig.Tracker.Wallets)),
	)

	// Create LiveConfig with env config as initial value
	liveConfig := config.NewLiveConfig(envConfig)

	// Initialize clients (needed for Gist access)
	logger.Info("instantiating clients")
	clients := clts.NewClients(logger, envConfig)
	defer clients.Close()

	var settingsGist config.GistStorage
	if clients.SettingsGist != nil {
		settingsGist = clients.SettingsGist
	}
	settingsManager := config.NewSettingsManager(logger, settingsGist, liveConfig)

	// Load settings from Gist if enabled
	if settingsManager.IsEnabled() {
		logger.Info("loading settings from gist", zap.String("gist_id", envConfig.Gist.SettingsGistID))
		loadCtx, loadCancel := context.WithTimeout(context.Background(), loadTimeout)
		cfg, err := settingsManager.LoadSettings(loadCtx, envConfig)
		loadCancel()
		if err != nil {
			logger.Warn("failed to load settings from gist, using env/defaults", zap.Error(err))
		} else if cfg != nil {
			if err := liveConfig.Update(cfg); err != nil {
				logger.Warn("failed to apply gist settings", zap.Error(err))
			} else {
				logger.Info("settings loaded from gist")
			}
		}
	} else {
		logger.Info("settings gist not configured, using env/defaults")
	}

	if result := liveConfig.Get().Validate(); !result.Valid {
		logger.Fatal("invalid configuration",
			zap.Error(&config.ConfigValidationError{Errors: result.Errors}),
		)
	}

	ctx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer stop()

	runner := app.NewRunner(clients, liveConfig, settingsManager)
	if err := runner.Run(ctx); err != nil {
		logger.Fatal("runner failed", zap.Error(err))
	}
}
