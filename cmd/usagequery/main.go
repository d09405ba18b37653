package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/ncecere/usage_tracker/internal/config"
	"github.com/ncecere/usage_tracker/internal/database"
	usageService "github.com/ncecere/usage_tracker/internal/services/usage"
	"github.com/ncecere/usage_tracker/internal/store"
)

const usageText = `usage: usagequery [-config file] [-env file] <command> [flags]

commands:
  event      -tenant T -id EVENT_ID
  events     -tenant T [-service S] [-provider P] [-user U] [-status S] [-since D] [-limit N]
  series     -tenant T -period hour|day|week|month [-since D] [-service S] [-provider P] [-user U]
  breakdown  -tenant T -period P -by service|provider|user [-at RFC3339]
  summary    -tenant T -month YYYY-MM
  summaries  -tenant T
`

func main() {
	configFile := flag.String("config", "", "path to a YAML config file")
	envFile := flag.String("env", "", "path to a .env file")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usageText) }
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(config.Options{ConfigFile: *configFile, EnvFile: *envFile})
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	ctx := context.Background()
	pool, err := database.Connect(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer pool.Close()

	svc := usageService.NewService(store.NewFromPool(pool))
	out, err := run(ctx, svc, flag.Arg(0), flag.Args()[1:])
	if err != nil {
		log.Fatalf("%s: %v", flag.Arg(0), err)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		log.Fatalf("encode: %v", err)
	}
}

func run(ctx context.Context, svc *usageService.Service, cmd string, args []string) (any, error) {
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	tenant := fs.String("tenant", "", "tenant id")
	id := fs.String("id", "", "event id")
	serviceType := fs.String("service", "", "service type filter")
	provider := fs.String("provider", "", "provider filter")
	user := fs.String("user", "", "user filter")
	status := fs.String("status", "", "event status filter")
	since := fs.Duration("since", 24*time.Hour, "how far back to look")
	limit := fs.Int("limit", 50, "maximum events returned")
	period := fs.String("period", "day", "rollup granularity")
	by := fs.String("by", usageService.GroupService, "breakdown group")
	at := fs.String("at", "", "instant inside the breakdown window (RFC 3339, default now)")
	month := fs.String("month", "", "billing month as YYYY-MM")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	start := now.Add(-*since)

	switch cmd {
	case "event":
		return svc.Event(ctx, *tenant, *id)
	case "events":
		return svc.Events(ctx, usageService.EventQuery{
			TenantID:    *tenant,
			Start:       &start,
			ServiceType: *serviceType,
			Provider:    *provider,
			UserID:      *user,
			Status:      *status,
			Limit:       *limit,
		})
	case "series":
		return svc.Series(ctx, usageService.SeriesQuery{
			TenantID:    *tenant,
			Period:      *period,
			Start:       start,
			End:         now,
			ServiceType: *serviceType,
			Provider:    *provider,
			UserID:      *user,
		})
	case "breakdown":
		instant := now
		if *at != "" {
			parsed, err := time.Parse(time.RFC3339, *at)
			if err != nil {
				return nil, fmt.Errorf("-at: %w", err)
			}
			instant = parsed
		}
		return svc.Breakdown(ctx, *tenant, *period, *by, instant)
	case "summary":
		t, err := time.Parse("2006-01", *month)
		if err != nil {
			return nil, fmt.Errorf("-month: expected YYYY-MM, got %q", *month)
		}
		return svc.Summary(ctx, *tenant, t.Year(), int(t.Month()))
	case "summaries":
		return svc.Summaries(ctx, *tenant)
	default:
		return nil, fmt.Errorf("unknown command %q", cmd)
	}
}
