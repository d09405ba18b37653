package usage

import (
	"context"
	"errors"
	"testing"
	"time"

	decimal "github.com/shopspring/decimal"

	"github.com/ncecere/usage_tracker/internal/models"
	"github.com/ncecere/usage_tracker/internal/store/memory"
	"github.com/ncecere/usage_tracker/internal/timeutil"
)

var day1 = time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)

func ptr[T any](v T) *T { return &v }

func seedDay(t *testing.T, mem *memory.Store, start time.Time, rows ...models.UsageAggregate) {
	t.Helper()
	for i := range rows {
		rows[i].TenantID = "tenant-a"
		rows[i].PeriodType = timeutil.Day
		rows[i].PeriodStart = start
		rows[i].PeriodEnd = start.AddDate(0, 0, 1)
	}
	if err := mem.ReplaceWindowAggregates(context.Background(), "tenant-a", timeutil.Day, start, rows); err != nil {
		t.Fatalf("seed aggregates: %v", err)
	}
}

func TestSeriesFillsMissingWindows(t *testing.T) {
	mem := memory.New()
	seedDay(t, mem, day1, models.UsageAggregate{EventCount: 10, ErrorCount: 2, TotalCost: decimal.RequireFromString("2.5")})
	seedDay(t, mem, day1.AddDate(0, 0, 2), models.UsageAggregate{EventCount: 5, TotalCost: decimal.RequireFromString("1.75")})

	svc := NewService(mem)
	series, err := svc.Series(context.Background(), SeriesQuery{
		TenantID: "tenant-a",
		Period:   "day",
		Start:    day1.Add(10 * time.Hour),
		End:      day1.AddDate(0, 0, 2).Add(15 * time.Hour),
	})
	if err != nil {
		t.Fatalf("series: %v", err)
	}
	if len(series.Points) != 3 {
		t.Fatalf("expected 3 points, got %d", len(series.Points))
	}

	tests := []struct {
		index     int
		wantStart string
		wantCount int64
		wantCost  string
	}{
		{0, "2025-01-01T00:00:00Z", 10, "2.5"},
		{1, "2025-01-02T00:00:00Z", 0, "0"},
		{2, "2025-01-03T00:00:00Z", 5, "1.75"},
	}
	for _, tt := range tests {
		p := series.Points[tt.index]
		if p.Start != tt.wantStart {
			t.Errorf("index %d: want start %s, got %s", tt.index, tt.wantStart, p.Start)
		}
		if p.Events != tt.wantCount {
			t.Errorf("index %d: want events %d, got %d", tt.index, tt.wantCount, p.Events)
		}
		if !p.TotalCost.Equal(decimal.RequireFromString(tt.wantCost)) {
			t.Errorf("index %d: want cost %s, got %s", tt.index, tt.wantCost, p.TotalCost)
		}
	}

	if series.Totals.Events != 15 || series.Totals.Errors != 2 {
		t.Errorf("unexpected totals %+v", series.Totals)
	}
	if !series.Totals.TotalCost.Equal(decimal.RequireFromString("4.25")) {
		t.Errorf("want total cost 4.25, got %s", series.Totals.TotalCost)
	}
}

func TestSeriesSelectsDimension(t *testing.T) {
	mem := memory.New()
	llm := models.ServiceLLM
	seedDay(t, mem, day1,
		models.UsageAggregate{EventCount: 10},
		models.UsageAggregate{EventCount: 7, ServiceType: &llm},
		models.UsageAggregate{EventCount: 4, ServiceType: &llm, ServiceProvider: ptr("openai")},
	)

	svc := NewService(mem)
	series, err := svc.Series(context.Background(), SeriesQuery{
		TenantID: "tenant-a", Period: "day", Start: day1, End: day1.AddDate(0, 0, 1),
		ServiceType: "llm_service", Provider: "openai",
	})
	if err != nil {
		t.Fatalf("series: %v", err)
	}
	if got := series.Points[0].Events; got != 4 {
		t.Fatalf("expected provider row with 4 events, got %d", got)
	}

	_, err = svc.Series(context.Background(), SeriesQuery{
		TenantID: "tenant-a", Period: "day", Start: day1, End: day1.AddDate(0, 0, 1), Provider: "openai",
	})
	if err == nil {
		t.Fatal("expected provider without service type to be rejected")
	}
}

func TestSeriesRejectsBadInput(t *testing.T) {
	svc := NewService(memory.New())
	ctx := context.Background()

	if _, err := svc.Series(ctx, SeriesQuery{Period: "day", Start: day1, End: day1.Add(time.Hour)}); !errors.Is(err, ErrMissingTenant) {
		t.Errorf("want ErrMissingTenant, got %v", err)
	}
	if _, err := svc.Series(ctx, SeriesQuery{TenantID: "t", Period: "fortnight", Start: day1, End: day1.Add(time.Hour)}); !errors.Is(err, ErrInvalidPeriod) {
		t.Errorf("want ErrInvalidPeriod, got %v", err)
	}
	if _, err := svc.Series(ctx, SeriesQuery{TenantID: "t", Period: "day", Start: day1, End: day1}); !errors.Is(err, ErrInvalidRange) {
		t.Errorf("want ErrInvalidRange, got %v", err)
	}
	if _, err := svc.Series(ctx, SeriesQuery{TenantID: "t", Period: "hour", Start: day1, End: day1.AddDate(1, 0, 0)}); !errors.Is(err, ErrInvalidRange) {
		t.Errorf("want ErrInvalidRange for oversized range, got %v", err)
	}
}

func TestBreakdownGroups(t *testing.T) {
	mem := memory.New()
	llm, api := models.ServiceLLM, models.ServiceAPI
	seedDay(t, mem, day1,
		models.UsageAggregate{EventCount: 10, TotalCost: decimal.NewFromInt(9)},
		models.UsageAggregate{EventCount: 6, ServiceType: &llm, TotalCost: decimal.NewFromInt(5)},
		models.UsageAggregate{EventCount: 4, ServiceType: &api, TotalCost: decimal.NewFromInt(4)},
		models.UsageAggregate{EventCount: 6, ServiceType: &llm, ServiceProvider: ptr("openai"), TotalCost: decimal.NewFromInt(5)},
		models.UsageAggregate{EventCount: 3, UserID: ptr("u-2"), TotalCost: decimal.NewFromInt(1)},
		models.UsageAggregate{EventCount: 7, UserID: ptr("u-1"), TotalCost: decimal.NewFromInt(8)},
	)
	svc := NewService(mem)
	ctx := context.Background()
	at := day1.Add(6 * time.Hour)

	services, err := svc.Breakdown(ctx, "tenant-a", "day", GroupService, at)
	if err != nil {
		t.Fatalf("breakdown: %v", err)
	}
	if len(services) != 2 || services[0].ID != "llm" || services[1].ID != "api" {
		t.Errorf("unexpected service breakdown %+v", services)
	}

	providers, err := svc.Breakdown(ctx, "tenant-a", "day", GroupProvider, at)
	if err != nil {
		t.Fatalf("breakdown: %v", err)
	}
	if len(providers) != 1 || providers[0].ID != "llm:openai" {
		t.Errorf("unexpected provider breakdown %+v", providers)
	}

	users, err := svc.Breakdown(ctx, "tenant-a", "day", GroupUser, at)
	if err != nil {
		t.Fatalf("breakdown: %v", err)
	}
	if len(users) != 2 || users[0].ID != "u-1" {
		t.Errorf("unexpected user breakdown %+v", users)
	}

	if _, err := svc.Breakdown(ctx, "tenant-a", "day", "model", at); !errors.Is(err, ErrInvalidBreakdownType) {
		t.Errorf("want ErrInvalidBreakdownType, got %v", err)
	}
}

func TestEventIsTenantScoped(t *testing.T) {
	mem := memory.New()
	ev := models.UsageEvent{
		EventID: "evt-1", TenantID: "tenant-a", UserID: "u", ServiceType: models.ServiceAPI,
		ServiceProvider: "p", EventType: "request", Timestamp: day1, Status: models.StatusPending,
	}
	if _, err := mem.UpsertEvent(context.Background(), &ev); err != nil {
		t.Fatalf("seed: %v", err)
	}
	svc := NewService(mem)

	if _, err := svc.Event(context.Background(), "tenant-a", "evt-1"); err != nil {
		t.Fatalf("own event: %v", err)
	}
	if _, err := svc.Event(context.Background(), "tenant-b", "evt-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound for foreign tenant, got %v", err)
	}

	events, err := svc.Events(context.Background(), EventQuery{TenantID: "tenant-a", ServiceType: "api_service", Status: "PENDING"})
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if _, err := svc.Events(context.Background(), EventQuery{TenantID: "tenant-a", Status: "done"}); err == nil {
		t.Fatal("expected unknown status to be rejected")
	}
}

func TestSummaryValidatesMonth(t *testing.T) {
	svc := NewService(memory.New())
	if _, err := svc.Summary(context.Background(), "tenant-a", 2025, 13); !errors.Is(err, ErrInvalidRange) {
		t.Fatalf("want ErrInvalidRange, got %v", err)
	}
	if _, err := svc.Summary(context.Background(), "tenant-a", 2025, 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}
