package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/qfex/qfex/params"
	"github.com/qfex/qfex/pkg/api"
	"github.com/qfex/qfex/pkg/exchange"
	"github.com/qfex/qfex/pkg/exchange/instrument"
	"github.com/qfex/qfex/pkg/storage"
	"github.com/qfex/qfex/pkg/util"
)

func main() {
	// Load config from .env file and environment variables
	cfg := params.LoadFromEnv("") // "" means load from .env in current directory

	// Setup logging (console, or console+file when LOG_FILE is set)
	var (
		logger *zap.Logger
		err    error
	)
	if cfg.Log.File != "" {
		logger, err = util.NewLoggerWithFile(cfg.Log.File, cfg.Log.Level)
	} else {
		logger, err = util.NewLogger(cfg.Log.Level)
	}
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "level", cfg.Log.Level, "log_file", cfg.Log.File)

	// ---- Storage ----
	// Empty DB_PATH runs the exchange fully in memory.
	var store *storage.Store
	if cfg.Storage.DBPath != "" {
		store, err = storage.Open(cfg.Storage.DBPath)
		if err != nil {
			sugar.Fatalw("storage_open_failed", "path", cfg.Storage.DBPath, "err", err)
		}
		defer store.Close()
		sugar.Infow("storage_opened", "path", cfg.Storage.DBPath)
	} else {
		sugar.Info("persistence disabled - running in memory")
	}

	// ---- Exchange ----
	ex := exchange.New(sugar, util.RealClock{}, store)

	for _, id := range cfg.Trading.Instruments {
		ins, err := instrument.New(id, cfg.Trading.DefaultMarginRate, cfg.Trading.DefaultCommissionRate)
		if err != nil {
			sugar.Fatalw("instrument_invalid", "instrument", id, "err", err)
		}
		if err := ex.ListInstrument(ins); err != nil {
			sugar.Fatalw("instrument_listing_failed", "instrument", id, "err", err)
		}
	}

	// Restore must run after books are registered so resting orders can
	// be replayed into them.
	if err := ex.Restore(); err != nil {
		sugar.Fatalw("restore_failed", "err", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- API Server ----
	apiServer := api.NewServer(sugar, ex, cfg.API.AllowedOrigins)
	go func() {
		if err := apiServer.Start(cfg.API.ListenAddr); err != nil {
			sugar.Fatalw("api_server_failed", "err", err)
		}
	}()

	sugar.Infow("exchange_started",
		"instruments", len(cfg.Trading.Instruments),
		"margin_rate", cfg.Trading.DefaultMarginRate,
		"commission_rate", cfg.Trading.DefaultCommissionRate,
		"api_addr", cfg.API.ListenAddr)

	<-ctx.Done()
	sugar.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		sugar.Warnw("api_shutdown_error", "err", err)
	}
}
