package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"strings"
	"time"

	"github.com/ncecere/usage_tracker/internal/app"
	"github.com/ncecere/usage_tracker/internal/config"
	"github.com/ncecere/usage_tracker/internal/database"
	"github.com/ncecere/usage_tracker/internal/logging"
	"github.com/ncecere/usage_tracker/internal/store"
)

func main() {
	configFile := flag.String("config", "", "path to a YAML config file")
	envFile := flag.String("env", "", "path to a .env file")
	finalize := flag.Bool("finalize", false, "mark a billing summary as finalized instead of seeding")
	unfinalize := flag.Bool("unfinalize", false, "clear the finalized flag on a billing summary instead of seeding")
	tenant := flag.String("tenant", "", "tenant id for -finalize/-unfinalize")
	month := flag.String("month", "", "billing month as YYYY-MM for -finalize/-unfinalize")
	flag.Parse()

	cfg, err := config.Load(config.Options{ConfigFile: *configFile, EnvFile: *envFile})
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := logging.Setup(cfg.Logging)

	ctx := context.Background()
	if err := database.RunMigrations(ctx, cfg.Database); err != nil {
		log.Fatalf("run migrations: %v", err)
	}
	pool, err := database.Connect(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer pool.Close()

	st := store.NewFromPool(pool)

	if *finalize || *unfinalize {
		if *finalize && *unfinalize {
			log.Fatalf("-finalize and -unfinalize are mutually exclusive")
		}
		year, mon, err := parseMonth(*month)
		if err != nil {
			log.Fatalf("-month: %v", err)
		}
		if strings.TrimSpace(*tenant) == "" {
			log.Fatalf("-tenant is required")
		}
		sum, err := st.SetBillingSummaryFinalized(ctx, *tenant, year, mon, *finalize)
		if err != nil {
			log.Fatalf("update summary %s %04d-%02d: %v", *tenant, year, mon, err)
		}
		logger.Info("billing summary updated",
			slog.String("tenant_id", sum.TenantID),
			slog.Int("year", sum.BillingYear),
			slog.Int("month", sum.BillingMonth),
			slog.Bool("finalized", sum.IsFinalized),
		)
		return
	}

	var report app.BootstrapReport
	err = st.WithTx(ctx, func(tx *store.Store) error {
		var err error
		report, err = app.EnsureBootstrap(ctx, tx, cfg.Bootstrap, logger)
		return err
	})
	if err != nil {
		log.Fatalf("seed registry: %v", err)
	}
	logger.Info("registry seeded",
		slog.Int("services", report.Services),
		slog.Int("billing_rules", report.BillingRules),
	)
}

func parseMonth(raw string) (int, int, error) {
	t, err := time.Parse("2006-01", strings.TrimSpace(raw))
	if err != nil {
		return 0, 0, fmt.Errorf("expected YYYY-MM, got %q", raw)
	}
	return t.Year(), int(t.Month()), nil
}
