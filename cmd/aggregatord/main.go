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
)

const serviceName = "usage-aggregatord"

func main() {
	configFile := flag.String("config", "", "path to a YAML config file")
	envFile := flag.String("env", "", "path to a .env file")
	once := flag.Bool("once", false, "run a single aggregation cycle without the lease and exit")
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

	engine := container.Aggregator()

	if *once {
		report, err := engine.RunCycle(ctx)
		if err != nil {
			logger.Error("aggregation cycle failed", slog.Any("error", err))
			os.Exit(1)
		}
		logger.Info("aggregation cycle complete",
			slog.Int("tenants", report.Tenants),
			slog.Int("windows", report.Windows),
			slog.Int("window_failures", report.WindowFailures),
			slog.Int("summaries", report.Summaries),
			slog.Int("summary_failures", report.SummaryFailures),
		)
		if report.WindowFailures > 0 || report.SummaryFailures > 0 {
			os.Exit(2)
		}
		return
	}

	container.HealthMon.Start(ctx)
	server := httpserver.New(cfg.Server, serviceName, container.HealthMon, container.Observability, logger)

	logger.Info("aggregator starting",
		slog.Duration("interval", cfg.Aggregation.Interval),
		slog.String("lock_key", cfg.Aggregation.LockKey),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return engine.Run(gctx)
	})
	g.Go(func() error {
		return server.Listen(gctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("aggregator stopped", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("aggregator stopped")
}
