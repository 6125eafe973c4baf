// Command orangewallet runs the wallet balance and internal transfer service.
//
// Usage:
//
//	orangewallet --config orangewallet.yaml
//	orangewallet --setup          (interactive wizard, writes orangewallet.gen.yaml)
//
// Every config key can be overridden with an ORANGEWALLET_* environment
// variable, also read from a .env file in the working directory.
package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/vadiminshakov/orangewallet/config"
	"github.com/vadiminshakov/orangewallet/internal"
	"github.com/vadiminshakov/orangewallet/internal/setup"
)

func main() {
	configPath := flag.String("config", "", "path to yaml config")
	runSetup := flag.Bool("setup", false, "run the interactive configuration wizard")
	flag.Parse()

	if *runSetup {
		path, err := setup.RunTUI()
		if err != nil {
			log.Fatal(err)
		}
		*configPath = path
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal(err)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := internal.NewApp(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to start", zap.Error(err))
	}
	defer func() {
		if err := app.Close(); err != nil {
			logger.Error("shutdown", zap.Error(err))
		}
	}()

	if err := app.Run(ctx); err != nil {
		logger.Error("service stopped with error", zap.Error(err))
		return
	}
	logger.Info("service stopped")
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}
