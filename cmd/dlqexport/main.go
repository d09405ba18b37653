package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ncecere/usage_tracker/internal/config"
	"github.com/ncecere/usage_tracker/internal/logging"
	"github.com/ncecere/usage_tracker/internal/queue"
	"github.com/ncecere/usage_tracker/internal/redisclient"
	"github.com/ncecere/usage_tracker/internal/services/deadletter"
	"github.com/ncecere/usage_tracker/internal/storage/blob"
)

func main() {
	configFile := flag.String("config", "", "path to a YAML config file")
	envFile := flag.String("env", "", "path to a .env file")
	drain := flag.Bool("drain", false, "remove exported payloads from the dead-letter list")
	replay := flag.Bool("replay", false, "push exported payloads back onto the primary queue with retry_count reset")
	from := flag.String("from", "", "replay a stored export by key instead of reading the dead-letter list")
	list := flag.Bool("list", false, "list stored exports and exit")
	prefix := flag.String("prefix", "dead_letter", "key prefix for stored exports")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(config.Options{ConfigFile: *configFile, EnvFile: *envFile})
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := logging.Setup(cfg.Logging)

	blobs, err := blob.New(ctx, cfg.Export)
	if err != nil {
		log.Fatalf("init export storage: %v", err)
	}

	redisClient := redisclient.New(cfg.Redis)
	defer redisClient.Close()
	if !*list {
		if err := redisclient.Ping(ctx, redisClient); err != nil {
			log.Fatalf("connect redis: %v", err)
		}
	}

	exp := deadletter.NewExporter(queue.New(redisClient, cfg.Queue), blobs, *prefix, logger)

	switch {
	case *list:
		keys, err := exp.List(ctx)
		if err != nil {
			log.Fatalf("list exports: %v", err)
		}
		for _, k := range keys {
			fmt.Println(k)
		}
	case *from != "":
		report, err := exp.Replay(ctx, *from)
		if err != nil {
			log.Fatalf("replay %s: %v", *from, err)
		}
		logger.Info("export replayed",
			slog.String("key", report.Key),
			slog.Int("replayed", report.Replayed),
			slog.Int("skipped", report.Skipped),
		)
	default:
		report, err := exp.Export(ctx, deadletter.Options{Drain: *drain, Replay: *replay})
		if err != nil {
			log.Fatalf("export dead letters: %v", err)
		}
		if report.Exported == 0 {
			logger.Info("dead-letter list is empty")
			return
		}
		logger.Info("dead letters exported",
			slog.String("key", report.Key),
			slog.Int("exported", report.Exported),
			slog.Int("replayed", report.Replayed),
			slog.Int("skipped", report.Skipped),
			slog.Int("trimmed", report.Trimmed),
		)
	}
}
