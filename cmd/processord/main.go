package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ncecere/usage_tracker/internal/app"
	"github.com/ncecere/usage_tracker/internal/config"
	"github.com/ncecere/usage_tracker/internal/httpserver"
	"github.com/ncecere/usage_tracker/internal/logging"
	"github.com/ncecere/usage_tracker/internal/services/usagepipeline"
)

const serviceName = "usage-processord"

func main() {
	configFile := flag.String("config", "", "path to a YAML config file")
	envFile := flag.String("env", "", "path to a .env file")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(config.Options{ConfigFile: *configFile, EnvFile: *envFile})
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := logging.Setup(cfg.Logging).With(slog.String("service", serviceName))

	container, closeConns, err := app.Open(ctx, cfg, serviceName, logger)
	if err != nil {
		log.Fatalf("start: %v", err)
	}
	defer closeConns()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := container.Shutdown(shutdownCtx); err != nil {
			logger.Warn("observability shutdown failed", slog.Any("error", err))
		}
	}()

	container.HealthMon.Start(ctx)
	server := httpserver.New(cfg.Server, serviceName, container.HealthMon, container.Observability, logger)

	logger.Info("processor starting",
		slog.Int("workers", cfg.Processor.Workers),
		slog.Int("batch_size", cfg.Processor.BatchSize),
		slog.String("queue", cfg.Queue.Primary),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return usagepipeline.RunWorkers(gctx, container.Queue, container.Processor(), cfg.Processor, logger, container.Observability)
	})
	g.Go(func() error {
		return server.Listen(gctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("processor stopped", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("processor stopped")
}
