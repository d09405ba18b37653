package aggregation

import (
	"cmp"
	"slices"
	"strings"

	decimal "github.com/shopspring/decimal"

	"github.com/ncecere/usage_tracker/internal/billing"
	"github.com/ncecere/usage_tracker/internal/models"
	"github.com/ncecere/usage_tracker/internal/timeutil"
)

// metricAcc tracks one average: the sum of the values seen and how many events
// carried the metric.
type metricAcc struct {
	sum   decimal.Decimal
	count int64
}

// bucket accumulates one dimension of one window.
type bucket struct {
	completed int64
	errors    int64
	cost      decimal.Decimal
	users     map[string]struct{}
	sums      map[string]decimal.Decimal
	avgs      map[string]*metricAcc
}

func newBucket() *bucket {
	return &bucket{
		users: make(map[string]struct{}),
		sums:  make(map[string]decimal.Decimal),
		avgs:  make(map[string]*metricAcc),
	}
}

func (b *bucket) add(ev models.UsageEvent, rules models.AggregationRules) {
	if ev.Status == models.StatusFailed {
		b.errors++
		return
	}
	b.completed++
	if ev.UserID != "" {
		b.users[ev.UserID] = struct{}{}
	}
	if ev.TotalCost.Valid {
		b.cost = b.cost.Add(ev.TotalCost.Decimal)
	}
	for _, key := range rules.Sum {
		if v, ok := metricValue(ev.Metrics, key); ok {
			b.sums[key] = b.sums[key].Add(v)
		}
	}
	for _, key := range rules.Avg {
		v, ok := metricValue(ev.Metrics, key)
		if !ok {
			continue
		}
		acc := b.avgs[key]
		if acc == nil {
			acc = &metricAcc{}
			b.avgs[key] = acc
		}
		acc.sum = acc.sum.Add(v)
		acc.count++
	}
}

// metricValue ignores absent and non-numeric metrics.
func metricValue(m models.Metrics, key string) (decimal.Decimal, bool) {
	v, ok, err := m.Number(key)
	if err != nil || !ok {
		return decimal.Zero, false
	}
	return v, true
}

func (b *bucket) metrics() map[string]float64 {
	out := make(map[string]float64, len(b.sums)+len(b.avgs))
	for key, v := range b.sums {
		out["total_"+key] = v.InexactFloat64()
	}
	for key, acc := range b.avgs {
		if acc.count == 0 {
			continue
		}
		out["avg_"+key] = acc.sum.Div(decimal.NewFromInt(acc.count)).InexactFloat64()
	}
	return out
}

func (b *bucket) row(tenantID string, w timeutil.Window, key models.DimensionKey) models.UsageAggregate {
	row := models.UsageAggregate{
		TenantID:          tenantID,
		PeriodStart:       w.Start(),
		PeriodEnd:         w.End(),
		PeriodType:        w.Granularity(),
		EventCount:        b.completed,
		UniqueUsers:       int64(len(b.users)),
		TotalCost:         billing.RoundCurrency(b.cost),
		AggregatedMetrics: b.metrics(),
		ErrorCount:        b.errors,
	}
	if total := b.completed + b.errors; total > 0 {
		row.ErrorRate = float64(b.errors) / float64(total)
	}
	if key.ServiceType != "" {
		st := key.ServiceType
		row.ServiceType = &st
	}
	if key.ServiceProvider != "" {
		p := key.ServiceProvider
		row.ServiceProvider = &p
	}
	if key.UserID != "" {
		u := key.UserID
		row.UserID = &u
	}
	return row
}

// windowRollup builds every row of one tenant window.
type windowRollup struct {
	window   timeutil.Window
	total    *bucket
	services map[models.DimensionKey]*bucket
	users    map[string]*bucket
	seen     int
}

func newWindowRollup(w timeutil.Window) *windowRollup {
	return &windowRollup{
		window:   w,
		total:    newBucket(),
		services: make(map[models.DimensionKey]*bucket),
		users:    make(map[string]*bucket),
	}
}

func (r *windowRollup) add(ev models.UsageEvent, rules models.AggregationRules) {
	r.seen++
	r.total.add(ev, rules)
	if ev.ServiceType != "" {
		r.dimension(models.DimensionKey{ServiceType: ev.ServiceType}).add(ev, rules)
		if ev.ServiceProvider != "" {
			r.dimension(models.DimensionKey{ServiceType: ev.ServiceType, ServiceProvider: ev.ServiceProvider}).add(ev, rules)
		}
	}
	if ev.UserID != "" {
		b := r.users[ev.UserID]
		if b == nil {
			b = newBucket()
			r.users[ev.UserID] = b
		}
		b.add(ev, rules)
	}
}

func (r *windowRollup) dimension(key models.DimensionKey) *bucket {
	b := r.services[key]
	if b == nil {
		b = newBucket()
		r.services[key] = b
	}
	return b
}

// rows returns the tenant total, the per-service and per-provider rows and the
// topUsers users with the most completed events, ties broken by user_id.
func (r *windowRollup) rows(tenantID string, topUsers int) []models.UsageAggregate {
	out := make([]models.UsageAggregate, 0, 1+len(r.services)+min(len(r.users), topUsers))
	out = append(out, r.total.row(tenantID, r.window, models.DimensionKey{}))

	keys := make([]models.DimensionKey, 0, len(r.services))
	for k := range r.services {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b models.DimensionKey) int {
		if c := strings.Compare(string(a.ServiceType), string(b.ServiceType)); c != 0 {
			return c
		}
		return strings.Compare(a.ServiceProvider, b.ServiceProvider)
	})
	for _, k := range keys {
		out = append(out, r.services[k].row(tenantID, r.window, k))
	}

	users := make([]string, 0, len(r.users))
	for u := range r.users {
		users = append(users, u)
	}
	slices.SortFunc(users, func(a, b string) int {
		if c := cmp.Compare(r.users[b].completed, r.users[a].completed); c != 0 {
			return c
		}
		return strings.Compare(a, b)
	})
	for _, u := range users[:min(len(users), topUsers)] {
		out = append(out, r.users[u].row(tenantID, r.window, models.DimensionKey{UserID: u}))
	}
	return out
}
