package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/johnayoung/go-ohlcv-importer/internal/config"
	exerrors "github.com/johnayoung/go-ohlcv-importer/internal/errors"
	"github.com/johnayoung/go-ohlcv-importer/internal/exchange"
	"github.com/johnayoung/go-ohlcv-importer/internal/logger"
	"github.com/johnayoung/go-ohlcv-importer/internal/metrics"
	"github.com/johnayoung/go-ohlcv-importer/internal/storage"
)

// app holds the components a command needs. Each is created on first use.
type app struct {
	configPath string
	envFile    string

	manager  *config.ConfigManager
	cfg      *config.AppConfig
	logs     *logger.LoggerManager
	log      *slog.Logger
	store    storage.FullStorage
	ex       exchange.Exchange
	recorder *metrics.Recorder
	server   *metrics.Server
}

// loadConfig reads configuration and builds the logger.
func (a *app) loadConfig(ctx context.Context) error {
	if a.cfg != nil {
		return nil
	}

	bootstrap := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	manager := config.NewConfigManager(a.configPath, bootstrap).WithEnvFile(a.envFile)
	cfg, err := manager.LoadConfig(ctx)
	if err != nil {
		return withCode(ExitConfigError, fmt.Errorf("failed to load configuration: %w", err))
	}

	logs, err := logger.NewLoggerManager(cfg.Logging)
	if err != nil {
		return withCode(ExitConfigError, fmt.Errorf("failed to setup logging: %w", err))
	}

	a.manager = manager
	a.cfg = cfg
	a.logs = logs
	a.log = logs.GetLogger()
	a.recorder = metrics.NewRecorder()
	return nil
}

// openStorage opens and initializes the configured candle store.
func (a *app) openStorage(ctx context.Context) error {
	if err := a.loadConfig(ctx); err != nil {
		return err
	}
	if a.store != nil {
		return nil
	}

	store, err := storage.New(a.cfg.Storage, a.logs.GetComponentLogger("storage").Logger)
	if err != nil {
		return withCode(ExitConfigError, fmt.Errorf("failed to create storage: %w", err))
	}
	if err := store.Initialize(ctx); err != nil {
		store.Close()
		return withCode(ExitConnectionErr, fmt.Errorf("failed to initialize storage: %w", err))
	}
	a.store = store
	return nil
}

// openExchange creates the configured exchange adapter.
func (a *app) openExchange(ctx context.Context) error {
	if err := a.loadConfig(ctx); err != nil {
		return err
	}
	if a.ex != nil {
		return nil
	}

	ex, err := exchange.New(a.cfg.Exchange, a.logs.GetComponentLogger("exchange").Logger, a.recorder)
	if err != nil {
		return withCode(ExitConfigError, err)
	}
	ex.InitBackupExchange()
	a.ex = ex
	return nil
}

// startMetrics serves the recorder when metrics are enabled.
func (a *app) startMetrics() {
	if a.server != nil || !a.cfg.Metrics.Enabled {
		return
	}
	a.server = metrics.NewServer(a.cfg.Metrics, a.recorder, a.logs.GetComponentLogger("metrics").Logger)
	a.server.Start()
}

func (a *app) close() {
	if a.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.server.Stop(ctx); err != nil {
			a.log.Warn("metrics server shutdown failed", "error", err)
		}
		cancel()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close failed", "error", err)
		}
	}
	if a.logs != nil {
		a.logs.Close()
	}
}

// fetchExitCode maps an exchange failure onto an exit code.
func fetchExitCode(err error) int {
	switch {
	case errors.Is(err, exerrors.ErrMaintenance), errors.Is(err, exerrors.ErrTransport), exerrors.IsRetryable(err):
		return ExitConnectionErr
	default:
		return ExitDataError
	}
}
