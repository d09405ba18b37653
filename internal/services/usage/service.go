// Package usage answers tenant-scoped read queries over stored events,
// rollups and billing summaries.
package usage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	decimal "github.com/shopspring/decimal"

	"github.com/ncecere/usage_tracker/internal/models"
	"github.com/ncecere/usage_tracker/internal/store"
	"github.com/ncecere/usage_tracker/internal/timeutil"
)

var (
	ErrInvalidPeriod        = timeutil.ErrInvalidPeriod
	ErrInvalidBreakdownType = errors.New("invalid breakdown group")
	ErrInvalidRange         = errors.New("invalid range")
	ErrMissingTenant        = errors.New("tenant_id is required")
	ErrNotFound             = store.ErrNotFound
)

// maxSeriesPoints bounds how many windows one series request may span.
const maxSeriesPoints = 1000

// Reader is the read side of the store.
type Reader interface {
	GetEvent(ctx context.Context, eventID string) (models.UsageEvent, error)
	ListEvents(ctx context.Context, f store.EventFilter) ([]models.UsageEvent, error)
	ListAggregates(ctx context.Context, f store.AggregateFilter) ([]models.UsageAggregate, error)
	GetBillingSummary(ctx context.Context, tenantID string, year, month int) (models.BillingSummary, error)
	ListBillingSummaries(ctx context.Context, tenantID string) ([]models.BillingSummary, error)
}

// Service exposes usage reads shared by the CLI and any query front end.
type Service struct {
	reader Reader
}

func NewService(reader Reader) *Service {
	return &Service{reader: reader}
}

// Event returns one event, hiding events that belong to another tenant.
func (s *Service) Event(ctx context.Context, tenantID, eventID string) (models.UsageEvent, error) {
	if strings.TrimSpace(tenantID) == "" {
		return models.UsageEvent{}, ErrMissingTenant
	}
	ev, err := s.reader.GetEvent(ctx, eventID)
	if err != nil {
		return models.UsageEvent{}, err
	}
	if ev.TenantID != tenantID {
		return models.UsageEvent{}, ErrNotFound
	}
	return ev, nil
}

// EventQuery filters Events.
type EventQuery struct {
	TenantID    string
	Start       *time.Time
	End         *time.Time
	ServiceType string
	Provider    string
	UserID      string
	Status      string
	Limit       int
	Offset      int
}

// Events lists a tenant's events newest first.
func (s *Service) Events(ctx context.Context, q EventQuery) ([]models.UsageEvent, error) {
	if strings.TrimSpace(q.TenantID) == "" {
		return nil, ErrMissingTenant
	}
	f := store.EventFilter{
		TenantID: q.TenantID,
		Provider: strings.TrimSpace(q.Provider),
		UserID:   strings.TrimSpace(q.UserID),
		Limit:    q.Limit,
		Offset:   q.Offset,
	}
	if q.Start != nil {
		f.Start = q.Start.UTC()
	}
	if q.End != nil {
		f.End = q.End.UTC()
	}
	if !f.Start.IsZero() && !f.End.IsZero() && !f.End.After(f.Start) {
		return nil, ErrInvalidRange
	}
	if raw := strings.TrimSpace(q.ServiceType); raw != "" {
		st, ok := models.ParseServiceType(raw)
		if !ok {
			return nil, fmt.Errorf("unknown service type %q", raw)
		}
		f.ServiceType = st
	}
	if raw := strings.TrimSpace(q.Status); raw != "" {
		switch st := models.EventStatus(strings.ToLower(raw)); st {
		case models.StatusPending, models.StatusCompleted, models.StatusFailed:
			f.Status = st
		default:
			return nil, fmt.Errorf("unknown status %q", raw)
		}
	}
	return s.reader.ListEvents(ctx, f)
}

// Totals sums a set of rollup rows.
type Totals struct {
	Events    int64           `json:"events"`
	Errors    int64           `json:"errors"`
	TotalCost decimal.Decimal `json:"total_cost"`
	ErrorRate float64         `json:"error_rate"`
}

func (t *Totals) add(a models.UsageAggregate) {
	t.Events += a.EventCount
	t.Errors += a.ErrorCount
	t.TotalCost = t.TotalCost.Add(a.TotalCost)
	if n := t.Events + t.Errors; n > 0 {
		t.ErrorRate = float64(t.Errors) / float64(n)
	}
}

// Point is one window of a series.
type Point struct {
	Start       string             `json:"start"`
	Events      int64              `json:"events"`
	UniqueUsers int64              `json:"unique_users"`
	Errors      int64              `json:"errors"`
	TotalCost   decimal.Decimal    `json:"total_cost"`
	Metrics     map[string]float64 `json:"metrics,omitempty"`
}

// Series is a gap-filled sequence of rollups.
type Series struct {
	TenantID string  `json:"tenant_id"`
	Period   string  `json:"period"`
	Start    string  `json:"start"`
	End      string  `json:"end"`
	Totals   Totals  `json:"totals"`
	Points   []Point `json:"points"`
}

// SeriesQuery selects one dimension of a tenant's rollups. Empty dimension
// fields select the "all" rows.
type SeriesQuery struct {
	TenantID    string
	Period      string
	Start       time.Time
	End         time.Time
	ServiceType string
	Provider    string
	UserID      string
}

// Series returns one point per window in [Start, End), including windows
// with no stored rollup.
func (s *Service) Series(ctx context.Context, q SeriesQuery) (Series, error) {
	if strings.TrimSpace(q.TenantID) == "" {
		return Series{}, ErrMissingTenant
	}
	g, err := timeutil.ParseGranularity(q.Period)
	if err != nil {
		return Series{}, ErrInvalidPeriod
	}
	start := g.Truncate(q.Start.UTC(), time.UTC)
	end := q.End.UTC()
	if !end.After(start) {
		return Series{}, ErrInvalidRange
	}
	f := store.AggregateFilter{TenantID: q.TenantID, Period: g, Start: start, End: end}
	if raw := strings.TrimSpace(q.ServiceType); raw != "" {
		st, ok := models.ParseServiceType(raw)
		if !ok {
			return Series{}, fmt.Errorf("unknown service type %q", raw)
		}
		f.ServiceType = &st
	}
	if p := strings.TrimSpace(q.Provider); p != "" {
		if f.ServiceType == nil {
			return Series{}, errors.New("provider requires service_type")
		}
		f.ServiceProvider = &p
	}
	if u := strings.TrimSpace(q.UserID); u != "" {
		f.UserID = &u
	}

	rows, err := s.reader.ListAggregates(ctx, f)
	if err != nil {
		return Series{}, err
	}
	byStart := make(map[int64]models.UsageAggregate, len(rows))
	for _, r := range rows {
		byStart[r.PeriodStart.Unix()] = r
	}

	series := Series{
		TenantID: q.TenantID,
		Period:   string(g),
		Start:    start.Format(time.RFC3339),
		End:      end.Format(time.RFC3339),
		Points:   make([]Point, 0),
	}
	for cur := start; cur.Before(end); cur = g.Advance(cur, 1) {
		if len(series.Points) == maxSeriesPoints {
			return Series{}, fmt.Errorf("%w: more than %d %s windows", ErrInvalidRange, maxSeriesPoints, g)
		}
		p := Point{Start: cur.Format(time.RFC3339), TotalCost: decimal.Zero}
		if r, ok := byStart[cur.Unix()]; ok {
			p.Events = r.EventCount
			p.UniqueUsers = r.UniqueUsers
			p.Errors = r.ErrorCount
			p.TotalCost = r.TotalCost
			p.Metrics = r.AggregatedMetrics
			series.Totals.add(r)
		}
		series.Points = append(series.Points, p)
	}
	return series, nil
}

// Breakdown groups.
const (
	GroupService  = "service"
	GroupProvider = "provider"
	GroupUser     = "user"
)

// BreakdownItem is one dimension value within a window.
type BreakdownItem struct {
	ID          string          `json:"id"`
	Events      int64           `json:"events"`
	Errors      int64           `json:"errors"`
	ErrorRate   float64         `json:"error_rate"`
	UniqueUsers int64           `json:"unique_users"`
	TotalCost   decimal.Decimal `json:"total_cost"`
}

// Breakdown lists the rollup rows of the window containing at, grouped by
// service type, service/provider pair or user, most expensive first.
func (s *Service) Breakdown(ctx context.Context, tenantID, period, group string, at time.Time) ([]BreakdownItem, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, ErrMissingTenant
	}
	g, err := timeutil.ParseGranularity(period)
	if err != nil {
		return nil, ErrInvalidPeriod
	}
	w := timeutil.WindowAt(g, at.UTC(), time.UTC)
	rows, err := s.reader.ListAggregates(ctx, store.AggregateFilter{
		TenantID:     tenantID,
		Period:       g,
		Start:        w.Start(),
		End:          w.End(),
		AnyDimension: true,
	})
	if err != nil {
		return nil, err
	}

	var items []BreakdownItem
	for _, r := range rows {
		var id string
		switch group {
		case GroupService:
			if r.ServiceType == nil || r.ServiceProvider != nil {
				continue
			}
			id = string(*r.ServiceType)
		case GroupProvider:
			if r.ServiceType == nil || r.ServiceProvider == nil {
				continue
			}
			id = string(*r.ServiceType) + ":" + *r.ServiceProvider
		case GroupUser:
			if r.UserID == nil {
				continue
			}
			id = *r.UserID
		default:
			return nil, ErrInvalidBreakdownType
		}
		items = append(items, BreakdownItem{
			ID:          id,
			Events:      r.EventCount,
			Errors:      r.ErrorCount,
			ErrorRate:   r.ErrorRate,
			UniqueUsers: r.UniqueUsers,
			TotalCost:   r.TotalCost,
		})
	}
	sortBreakdown(items)
	return items, nil
}

// Summary returns the billing summary for a month. When the engine has not
// written it yet the error wraps ErrNotFound.
func (s *Service) Summary(ctx context.Context, tenantID string, year, month int) (models.BillingSummary, error) {
	if strings.TrimSpace(tenantID) == "" {
		return models.BillingSummary{}, ErrMissingTenant
	}
	if month < 1 || month > 12 {
		return models.BillingSummary{}, fmt.Errorf("%w: month %d", ErrInvalidRange, month)
	}
	return s.reader.GetBillingSummary(ctx, tenantID, year, month)
}

// Summaries lists every billing summary of a tenant, newest month first.
func (s *Service) Summaries(ctx context.Context, tenantID string) ([]models.BillingSummary, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, ErrMissingTenant
	}
	return s.reader.ListBillingSummaries(ctx, tenantID)
}

func sortBreakdown(items []BreakdownItem) {
	sort.SliceStable(items, func(i, j int) bool {
		if c := items[i].TotalCost.Cmp(items[j].TotalCost); c != 0 {
			return c > 0
		}
		if items[i].Events != items[j].Events {
			return items[i].Events > items[j].Events
		}
		return items[i].ID < items[j].ID
	})
}
