// Package aggregation rolls completed events up into windowed aggregates and
// monthly billing summaries.
package aggregation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ncecere/usage_tracker/internal/config"
	"github.com/ncecere/usage_tracker/internal/locks"
	"github.com/ncecere/usage_tracker/internal/models"
	"github.com/ncecere/usage_tracker/internal/observability"
	"github.com/ncecere/usage_tracker/internal/services/registry"
	"github.com/ncecere/usage_tracker/internal/timeutil"
)

// Store is the persistence the engine reads events from and writes rollups to.
type Store interface {
	ListTenants(ctx context.Context, start, end time.Time) ([]string, error)
	ScanEvents(ctx context.Context, tenantID string, start, end time.Time, fn func(models.UsageEvent) error) error
	ReplaceWindowAggregates(ctx context.Context, tenantID string, period timeutil.Granularity, start time.Time, rows []models.UsageAggregate) error
	GetBillingSummary(ctx context.Context, tenantID string, year, month int) (models.BillingSummary, error)
	UpsertBillingSummary(ctx context.Context, sum models.BillingSummary) (bool, error)
}

// Registry supplies per-service aggregation rules.
type Registry interface {
	Entry(ctx context.Context, st models.ServiceType) (models.ServiceRegistryEntry, error)
}

// CycleReport counts what one cycle did.
type CycleReport struct {
	Tenants          int
	Windows          int
	EmptyWindows     int
	WindowFailures   int
	Summaries        int
	SummariesSkipped int
	SummaryFailures  int
}

func (r *CycleReport) merge(o CycleReport) {
	r.Windows += o.Windows
	r.EmptyWindows += o.EmptyWindows
	r.WindowFailures += o.WindowFailures
	r.Summaries += o.Summaries
	r.SummariesSkipped += o.SummariesSkipped
	r.SummaryFailures += o.SummaryFailures
}

// Engine runs aggregation cycles.
type Engine struct {
	store    Store
	registry Registry
	locker   *locks.Locker
	cfg      config.AggregationConfig
	logger   *slog.Logger
	metrics  *observability.Provider
	tracer   trace.Tracer
	now      func() time.Time
	sleep    func(context.Context, time.Duration) error
}

func NewEngine(st Store, reg Registry, cfg config.AggregationConfig, logger *slog.Logger, metrics *observability.Provider) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:    st,
		registry: reg,
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		tracer:   otel.Tracer("usage_tracker/aggregation"),
		now:      time.Now,
		sleep:    sleepContext,
	}
}

// WithLocker makes Run elect a single active scheduler through cfg.LockKey.
func (e *Engine) WithLocker(l *locks.Locker) *Engine {
	e.locker = l
	return e
}

// WithClock overrides the clock used to place windows.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Run executes cycles every Interval until ctx is cancelled. A failed cycle
// is retried after FailureBackoff. With a locker configured only the lease
// holder runs cycles; other instances wait and retry the lease.
func (e *Engine) Run(ctx context.Context) error {
	if e.locker == nil || e.cfg.LockKey == "" {
		e.runCycles(ctx)
		return nil
	}

	retry := min(e.cfg.Interval, e.cfg.LockTTL/2)
	for {
		lease, err := e.locker.Acquire(ctx, e.cfg.LockKey, e.cfg.LockTTL)
		switch {
		case err == nil:
			e.logger.Info("aggregation: acquired scheduler lease", slog.String("key", lease.Key()))
			e.lead(ctx, lease)
			releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			if err := lease.Release(releaseCtx); err != nil {
				e.logger.Warn("aggregation: release lease", slog.String("error", err.Error()))
			}
			cancel()
		case errors.Is(err, locks.ErrNotAcquired):
			e.logger.Debug("aggregation: another scheduler holds the lease")
		case ctx.Err() != nil:
			return nil
		default:
			e.logger.Warn("aggregation: acquire lease", slog.String("error", err.Error()))
		}
		if e.sleep(ctx, retry) != nil {
			return nil
		}
	}
}

// lead runs cycles while the lease is held.
func (e *Engine) lead(ctx context.Context, lease *locks.Lease) {
	leadCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		ticker := time.NewTicker(e.cfg.LockTTL / 3)
		defer ticker.Stop()
		for {
			select {
			case <-leadCtx.Done():
				return
			case <-ticker.C:
				if err := lease.Refresh(leadCtx); err != nil {
					if leadCtx.Err() != nil {
						return
					}
					e.logger.Error("aggregation: scheduler lease lost", slog.String("error", err.Error()))
					cancel()
					return
				}
			}
		}
	}()

	e.runCycles(leadCtx)
}

func (e *Engine) runCycles(ctx context.Context) {
	for ctx.Err() == nil {
		wait := e.cfg.Interval
		if _, err := e.RunCycle(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			e.logger.Error("aggregation: cycle failed",
				slog.Duration("retry_in", e.cfg.FailureBackoff),
				slog.String("error", err.Error()),
			)
			wait = e.cfg.FailureBackoff
		}
		if e.sleep(ctx, wait) != nil {
			return
		}
	}
}

// plan holds the windows of one cycle.
type plan struct {
	now     time.Time
	windows map[timeutil.Granularity][]timeutil.Window
	months  []timeutil.Window
	start   time.Time
	end     time.Time
}

func (e *Engine) plan(now time.Time) (plan, error) {
	now = now.UTC()
	p := plan{now: now, windows: make(map[timeutil.Granularity][]timeutil.Window, len(timeutil.Granularities))}
	lookback := map[timeutil.Granularity]int{
		timeutil.Hour:  e.cfg.Lookback.Hour,
		timeutil.Day:   e.cfg.Lookback.Day,
		timeutil.Week:  e.cfg.Lookback.Week,
		timeutil.Month: e.cfg.Lookback.Month,
	}
	for _, g := range timeutil.Granularities {
		ws, err := timeutil.Trailing(g, now, lookback[g], time.UTC)
		if err != nil {
			return plan{}, fmt.Errorf("plan %s windows: %w", g, err)
		}
		p.windows[g] = ws
		p.extend(ws[0].Start(), ws[len(ws)-1].End())
	}
	if e.cfg.Summaries.Enabled {
		current := timeutil.WindowAt(timeutil.Month, now, time.UTC)
		previous := timeutil.WindowAt(timeutil.Month, current.Start().AddDate(0, 0, -1), time.UTC)
		p.months = []timeutil.Window{previous, current}
		p.extend(previous.Start(), current.End())
	}
	return p, nil
}

func (p *plan) extend(start, end time.Time) {
	if p.start.IsZero() || start.Before(p.start) {
		p.start = start
	}
	if end.After(p.end) {
		p.end = end
	}
}

// RunCycle aggregates every tenant with events in the lookback range once.
// Window and summary failures are logged and counted; the returned error is
// set only when the cycle could not run at all.
func (e *Engine) RunCycle(ctx context.Context) (CycleReport, error) {
	started := time.Now()
	p, err := e.plan(e.now())
	if err != nil {
		return CycleReport{}, err
	}

	tenants, err := e.store.ListTenants(ctx, p.start, p.end)
	if err != nil {
		e.metrics.RecordAggregationCycle("failed", time.Since(started))
		return CycleReport{}, fmt.Errorf("list tenants: %w", err)
	}

	var (
		mu     sync.Mutex
		report = CycleReport{Tenants: len(tenants)}
	)
	g := new(errgroup.Group)
	g.SetLimit(max(e.cfg.TenantConcurrency, 1))
	for _, tenant := range tenants {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			r := e.aggregateTenant(ctx, tenant, p)
			mu.Lock()
			report.merge(r)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	result := "ok"
	if report.WindowFailures > 0 || report.SummaryFailures > 0 {
		result = "partial"
	}
	e.metrics.RecordAggregationCycle(result, time.Since(started))
	e.logger.Info("aggregation: cycle finished",
		slog.Int("tenants", report.Tenants),
		slog.Int("windows", report.Windows),
		slog.Int("empty_windows", report.EmptyWindows),
		slog.Int("window_failures", report.WindowFailures),
		slog.Int("summaries", report.Summaries),
		slog.Int("summaries_skipped", report.SummariesSkipped),
		slog.Int("summary_failures", report.SummaryFailures),
		slog.Duration("elapsed", time.Since(started)),
	)
	return report, nil
}

// aggregateTenant processes the tenant's windows one granularity at a time.
// It stops starting new work once ctx is cancelled; work already started
// finishes on a detached context bounded by ShutdownTimeout.
func (e *Engine) aggregateTenant(ctx context.Context, tenantID string, p plan) CycleReport {
	var report CycleReport
	for _, g := range timeutil.Granularities {
		if ctx.Err() != nil {
			return report
		}
		report.merge(e.aggregateGranularity(ctx, tenantID, g, p.windows[g]))
	}
	for _, month := range p.months {
		if ctx.Err() != nil {
			return report
		}
		wctx, cancel := e.detached(ctx)
		applied, err := e.SummarizeMonth(wctx, tenantID, month)
		cancel()
		switch {
		case err != nil:
			report.SummaryFailures++
			e.metrics.RecordBillingSummary("failed")
			e.logger.Error("aggregation: billing summary failed",
				slog.String("tenant_id", tenantID),
				slog.String("month", month.Start().Format("2006-01")),
				slog.String("error", err.Error()),
			)
		case applied:
			report.Summaries++
			e.metrics.RecordBillingSummary("written")
		default:
			report.SummariesSkipped++
			e.metrics.RecordBillingSummary("skipped_finalized")
		}
	}
	return report
}

// aggregateGranularity scans the tenant's events once for all windows of g
// and replaces each window's rows. An empty window has its rows removed.
func (e *Engine) aggregateGranularity(ctx context.Context, tenantID string, g timeutil.Granularity, windows []timeutil.Window) CycleReport {
	var report CycleReport
	if len(windows) == 0 {
		return report
	}
	wctx, cancel := e.detached(ctx)
	defer cancel()

	rollups := make(map[time.Time]*windowRollup, len(windows))
	for _, w := range windows {
		rollups[w.Start()] = newWindowRollup(w)
	}
	rules := e.rulesCache()
	err := e.store.ScanEvents(wctx, tenantID, windows[0].Start(), windows[len(windows)-1].End(), func(ev models.UsageEvent) error {
		r := rollups[g.Truncate(ev.Timestamp, time.UTC)]
		if r == nil {
			return nil
		}
		rs, err := rules(wctx, ev.ServiceType)
		if err != nil {
			return err
		}
		r.add(ev, rs)
		return nil
	})
	if err != nil {
		report.WindowFailures += len(windows)
		e.metrics.RecordAggregationWindow(string(g), "failed")
		e.logger.Error("aggregation: scan events failed",
			slog.String("tenant_id", tenantID),
			slog.String("period", string(g)),
			slog.String("error", err.Error()),
		)
		return report
	}

	for _, w := range windows {
		r := rollups[w.Start()]
		if err := e.writeWindow(wctx, tenantID, r); err != nil {
			report.WindowFailures++
			e.metrics.RecordAggregationWindow(string(g), "failed")
			e.logger.Error("aggregation: window failed",
				slog.String("tenant_id", tenantID),
				slog.String("window", w.String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		if r.seen == 0 {
			report.EmptyWindows++
			continue
		}
		report.Windows++
		e.metrics.RecordAggregationWindow(string(g), "ok")
	}
	return report
}

func (e *Engine) writeWindow(ctx context.Context, tenantID string, r *windowRollup) error {
	ctx, span := e.tracer.Start(ctx, "aggregation.window", trace.WithAttributes(
		attribute.String("tenant_id", tenantID),
		attribute.String("period", string(r.window.Granularity())),
		attribute.String("period_start", r.window.StartString()),
	))
	defer span.End()

	var rows []models.UsageAggregate
	if r.seen > 0 {
		rows = r.rows(tenantID, e.cfg.TopUsers)
	}
	span.SetAttributes(attribute.Int("rows", len(rows)))
	if err := e.store.ReplaceWindowAggregates(ctx, tenantID, r.window.Granularity(), r.window.Start(), rows); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// AggregateWindow recomputes a single window for one tenant.
func (e *Engine) AggregateWindow(ctx context.Context, tenantID string, w timeutil.Window) error {
	r := newWindowRollup(w)
	rules := e.rulesCache()
	err := e.store.ScanEvents(ctx, tenantID, w.Start(), w.End(), func(ev models.UsageEvent) error {
		rs, err := rules(ctx, ev.ServiceType)
		if err != nil {
			return err
		}
		r.add(ev, rs)
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan events: %w", err)
	}
	return e.writeWindow(ctx, tenantID, r)
}

// rulesCache resolves aggregation rules once per service type. Unknown or
// unconfigured services fall back to the built-in defaults.
func (e *Engine) rulesCache() func(context.Context, models.ServiceType) (models.AggregationRules, error) {
	cache := make(map[models.ServiceType]models.AggregationRules)
	return func(ctx context.Context, st models.ServiceType) (models.AggregationRules, error) {
		if rules, ok := cache[st]; ok {
			return rules, nil
		}
		rules := models.DefaultAggregationRules(st)
		if st != "" && e.registry != nil {
			entry, err := e.registry.Entry(ctx, st)
			switch {
			case err == nil:
				if len(entry.AggregationRules.Sum) > 0 || len(entry.AggregationRules.Avg) > 0 {
					rules = entry.AggregationRules
				}
			case errors.Is(err, registry.ErrUnknownService):
			default:
				return models.AggregationRules{}, fmt.Errorf("load aggregation rules for %s: %w", st, err)
			}
		}
		cache[st] = rules
		return rules, nil
	}
}

func (e *Engine) detached(ctx context.Context) (context.Context, context.CancelFunc) {
	dctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(ctx, func() {
		grace := time.AfterFunc(e.cfg.ShutdownTimeout, cancel)
		<-dctx.Done()
		grace.Stop()
	})
	return dctx, func() {
		stop()
		cancel()
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
