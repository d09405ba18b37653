// Package memory is an in-process implementation of the store used by tests
// and local tooling. It mirrors the PostgreSQL upsert semantics.
package memory

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ncecere/usage_tracker/internal/models"
	"github.com/ncecere/usage_tracker/internal/store"
	"github.com/ncecere/usage_tracker/internal/timeutil"
)

type aggregateKey struct {
	tenant string
	period timeutil.Granularity
	start  int64
	dim    models.DimensionKey
}

type summaryKey struct {
	tenant      string
	year, month int
}

type Store struct {
	mu        sync.RWMutex
	now       func() time.Time
	events    map[string]models.UsageEvent
	services  map[models.ServiceType]models.ServiceRegistryEntry
	rules     []models.BillingRule
	aggs      map[aggregateKey]models.UsageAggregate
	summaries map[summaryKey]models.BillingSummary
	faults    map[string]error
	calls     map[string]int
}

func New() *Store {
	return &Store{
		now:       func() time.Time { return time.Now().UTC() },
		events:    make(map[string]models.UsageEvent),
		services:  make(map[models.ServiceType]models.ServiceRegistryEntry),
		aggs:      make(map[aggregateKey]models.UsageAggregate),
		summaries: make(map[summaryKey]models.BillingSummary),
		faults:    make(map[string]error),
		calls:     make(map[string]int),
	}
}

// FailNext makes the next call of op return err wrapped as a store error.
// op uses the same names as the PostgreSQL store, e.g. "upsert event".
func (s *Store) FailNext(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[op] = err
}

// Calls reports how many times op ran.
func (s *Store) Calls(op string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.calls[op]
}

// enter must be called with mu held.
func (s *Store) enter(op string) error {
	s.calls[op]++
	if err, ok := s.faults[op]; ok {
		delete(s.faults, op)
		return &store.Error{Op: op, Err: err}
	}
	return nil
}

func notFound(op string) error { return &store.Error{Op: op, Err: store.ErrNotFound} }

func (s *Store) UpsertEvent(_ context.Context, ev *models.UsageEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("upsert event"); err != nil {
		return false, err
	}
	if ev == nil || strings.TrimSpace(ev.EventID) == "" {
		return false, &store.Error{Op: "upsert event", Err: errors.New("event_id is required")}
	}
	if ev.Status == models.StatusCompleted && (!ev.TotalCost.Valid || ev.BillingInfo == nil) {
		return false, &store.Error{Op: "upsert event", Err: errors.New("completed event without cost")}
	}
	if ev.Status == models.StatusFailed && ev.ErrorMessage == "" {
		return false, &store.Error{Op: "upsert event", Err: errors.New("failed event without error message")}
	}

	now := s.now()
	existing, ok := s.events[ev.EventID]
	if ok && existing.Status == models.StatusCompleted && ev.Status != models.StatusCompleted {
		return false, nil
	}
	row := cloneEvent(*ev)
	if row.Timestamp.IsZero() {
		row.Timestamp = now
	}
	if row.Status == "" {
		row.Status = models.StatusPending
	}
	if ok {
		row.ID = existing.ID
		row.CreatedAt = existing.CreatedAt
	} else {
		row.ID = uuid.New()
		row.CreatedAt = now
	}
	row.UpdatedAt = now
	s.events[row.EventID] = row

	ev.ID, ev.CreatedAt, ev.UpdatedAt = row.ID, row.CreatedAt, row.UpdatedAt
	return true, nil
}

func (s *Store) GetEvent(_ context.Context, eventID string) (models.UsageEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("get event"); err != nil {
		return models.UsageEvent{}, err
	}
	ev, ok := s.events[eventID]
	if !ok {
		return models.UsageEvent{}, notFound("get event")
	}
	return cloneEvent(ev), nil
}

func (s *Store) ListEvents(_ context.Context, f store.EventFilter) ([]models.UsageEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("list events"); err != nil {
		return nil, err
	}
	if strings.TrimSpace(f.TenantID) == "" {
		return nil, &store.Error{Op: "list events", Err: errors.New("tenant_id is required")}
	}
	var out []models.UsageEvent
	for _, ev := range s.events {
		switch {
		case ev.TenantID != f.TenantID,
			!f.Start.IsZero() && ev.Timestamp.Before(f.Start),
			!f.End.IsZero() && !ev.Timestamp.Before(f.End),
			f.ServiceType != "" && ev.ServiceType != f.ServiceType,
			f.Provider != "" && ev.ServiceProvider != f.Provider,
			f.UserID != "" && ev.UserID != f.UserID,
			f.Status != "" && ev.Status != f.Status:
			continue
		}
		out = append(out, cloneEvent(ev))
	}
	slices.SortFunc(out, func(a, b models.UsageEvent) int {
		if c := b.Timestamp.Compare(a.Timestamp); c != 0 {
			return c
		}
		return strings.Compare(a.EventID, b.EventID)
	})
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	offset := max(f.Offset, 0)
	if offset >= len(out) {
		return nil, nil
	}
	return out[offset:min(offset+limit, len(out))], nil
}

func (s *Store) ListTenants(_ context.Context, start, end time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("list tenants"); err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	for _, ev := range s.events {
		if ev.TenantID == "" || !aggregatable(ev) || ev.Timestamp.Before(start) || !ev.Timestamp.Before(end) {
			continue
		}
		seen[ev.TenantID] = struct{}{}
	}
	for key := range s.aggs {
		if t := time.Unix(key.start, 0); !t.Before(start) && t.Before(end) {
			seen[key.tenant] = struct{}{}
		}
	}
	return slices.Sorted(maps.Keys(seen)), nil
}

func (s *Store) ScanEvents(_ context.Context, tenantID string, start, end time.Time, fn func(models.UsageEvent) error) error {
	s.mu.Lock()
	if err := s.enter("scan events"); err != nil {
		s.mu.Unlock()
		return err
	}
	var matched []models.UsageEvent
	for _, ev := range s.events {
		if ev.TenantID == tenantID && aggregatable(ev) && !ev.Timestamp.Before(start) && ev.Timestamp.Before(end) {
			matched = append(matched, cloneEvent(ev))
		}
	}
	s.mu.Unlock()

	slices.SortFunc(matched, func(a, b models.UsageEvent) int {
		if c := a.Timestamp.Compare(b.Timestamp); c != 0 {
			return c
		}
		return strings.Compare(a.EventID, b.EventID)
	})
	for _, ev := range matched {
		if err := fn(ev); err != nil {
			return err
		}
	}
	return nil
}

func aggregatable(ev models.UsageEvent) bool {
	return ev.Status == models.StatusCompleted || ev.Status == models.StatusFailed
}

func (s *Store) GetServiceEntry(_ context.Context, st models.ServiceType) (models.ServiceRegistryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("get service entry"); err != nil {
		return models.ServiceRegistryEntry{}, err
	}
	e, ok := s.services[st]
	if !ok {
		return models.ServiceRegistryEntry{}, notFound("get service entry")
	}
	return e, nil
}

func (s *Store) ListServiceEntries(_ context.Context) ([]models.ServiceRegistryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("list service entries"); err != nil {
		return nil, err
	}
	out := slices.Collect(maps.Values(s.services))
	slices.SortFunc(out, func(a, b models.ServiceRegistryEntry) int {
		return strings.Compare(string(a.ServiceType), string(b.ServiceType))
	})
	return out, nil
}

func (s *Store) UpsertServiceEntry(_ context.Context, entry models.ServiceRegistryEntry) (models.ServiceRegistryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("upsert service entry"); err != nil {
		return models.ServiceRegistryEntry{}, err
	}
	now := s.now()
	if existing, ok := s.services[entry.ServiceType]; ok {
		entry.ID, entry.CreatedAt = existing.ID, existing.CreatedAt
	} else {
		entry.ID, entry.CreatedAt = uuid.New(), now
	}
	if entry.Version == "" {
		entry.Version = "1.0"
	}
	entry.UpdatedAt = now
	s.services[entry.ServiceType] = entry
	return entry, nil
}

func (s *Store) ListBillingRules(_ context.Context, st models.ServiceType, provider string) ([]models.BillingRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("list billing rules"); err != nil {
		return nil, err
	}
	var out []models.BillingRule
	for _, r := range s.rules {
		if r.ServiceType == st && r.Provider == provider {
			out = append(out, r)
		}
	}
	slices.SortFunc(out, func(a, b models.BillingRule) int {
		if c := b.EffectiveFrom.Compare(a.EffectiveFrom); c != 0 {
			return c
		}
		return strings.Compare(a.ID.String(), b.ID.String())
	})
	return out, nil
}

func (s *Store) UpsertBillingRule(_ context.Context, rule models.BillingRule) (models.BillingRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("upsert billing rule"); err != nil {
		return models.BillingRule{}, err
	}
	for i, r := range s.rules {
		if r.ServiceType == rule.ServiceType && r.Provider == rule.Provider &&
			r.ModelOrTier == rule.ModelOrTier && r.EffectiveFrom.Equal(rule.EffectiveFrom) {
			rule.ID, rule.CreatedAt = r.ID, r.CreatedAt
			s.rules[i] = rule
			return rule, nil
		}
	}
	if rule.ID == uuid.Nil {
		rule.ID = uuid.New()
	}
	rule.CreatedAt = s.now()
	s.rules = append(s.rules, rule)
	return rule, nil
}

func (s *Store) ReplaceWindowAggregates(_ context.Context, tenantID string, period timeutil.Granularity, start time.Time, rows []models.UsageAggregate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("replace aggregates"); err != nil {
		return err
	}
	keep := make(map[aggregateKey]struct{}, len(rows))
	for _, r := range rows {
		if r.TenantID != tenantID || r.PeriodType != period || !r.PeriodStart.Equal(start) {
			return &store.Error{Op: "replace aggregates", Err: fmt.Errorf("row %s/%s/%s outside window", r.TenantID, r.PeriodType, r.PeriodStart)}
		}
	}
	now := s.now()
	for _, r := range rows {
		key := aggregateKey{tenant: tenantID, period: period, start: start.Unix(), dim: r.Key()}
		if existing, ok := s.aggs[key]; ok {
			r.ID, r.CreatedAt = existing.ID, existing.CreatedAt
		} else {
			r.ID, r.CreatedAt = uuid.New(), now
		}
		r.UpdatedAt = now
		r.AggregatedMetrics = maps.Clone(r.AggregatedMetrics)
		s.aggs[key] = r
		keep[key] = struct{}{}
	}
	for key := range s.aggs {
		if key.tenant == tenantID && key.period == period && key.start == start.Unix() {
			if _, ok := keep[key]; !ok {
				delete(s.aggs, key)
			}
		}
	}
	return nil
}

func (s *Store) ListAggregates(_ context.Context, f store.AggregateFilter) ([]models.UsageAggregate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("list aggregates"); err != nil {
		return nil, err
	}
	if strings.TrimSpace(f.TenantID) == "" {
		return nil, &store.Error{Op: "list aggregates", Err: errors.New("tenant_id is required")}
	}
	var out []models.UsageAggregate
	for _, a := range s.aggs {
		switch {
		case a.TenantID != f.TenantID,
			f.Period != "" && a.PeriodType != f.Period,
			!f.Start.IsZero() && a.PeriodStart.Before(f.Start),
			!f.End.IsZero() && !a.PeriodStart.Before(f.End),
			!dimensionMatches(a.ServiceType, f.ServiceType, f.AnyDimension),
			!dimensionMatches(a.ServiceProvider, f.ServiceProvider, f.AnyDimension),
			!dimensionMatches(a.UserID, f.UserID, f.AnyDimension):
			continue
		}
		out = append(out, a)
	}
	slices.SortFunc(out, func(a, b models.UsageAggregate) int {
		if c := a.PeriodStart.Compare(b.PeriodStart); c != 0 {
			return c
		}
		ka, kb := a.Key(), b.Key()
		if c := strings.Compare(string(ka.ServiceType), string(kb.ServiceType)); c != 0 {
			return c
		}
		if c := strings.Compare(ka.ServiceProvider, kb.ServiceProvider); c != 0 {
			return c
		}
		return strings.Compare(ka.UserID, kb.UserID)
	})
	return out, nil
}

func dimensionMatches[T comparable](have, want *T, wildcard bool) bool {
	switch {
	case want != nil:
		return have != nil && *have == *want
	case wildcard:
		return true
	default:
		return have == nil
	}
}

func (s *Store) UpsertBillingSummary(_ context.Context, sum models.BillingSummary) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("upsert billing summary"); err != nil {
		return false, err
	}
	key := summaryKey{sum.TenantID, sum.BillingYear, sum.BillingMonth}
	now := s.now()
	existing, ok := s.summaries[key]
	if ok && existing.IsFinalized {
		return false, nil
	}
	if ok {
		sum.ID, sum.CreatedAt = existing.ID, existing.CreatedAt
	} else {
		sum.ID, sum.CreatedAt = uuid.New(), now
	}
	sum.IsFinalized, sum.FinalizedAt = false, nil
	sum.UpdatedAt = now
	sum.CostByService = maps.Clone(sum.CostByService)
	sum.CostByUser = slices.Clone(sum.CostByUser)
	s.summaries[key] = sum
	return true, nil
}

func (s *Store) GetBillingSummary(_ context.Context, tenantID string, year, month int) (models.BillingSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("get billing summary"); err != nil {
		return models.BillingSummary{}, err
	}
	sum, ok := s.summaries[summaryKey{tenantID, year, month}]
	if !ok {
		return models.BillingSummary{}, notFound("get billing summary")
	}
	return sum, nil
}

func (s *Store) ListBillingSummaries(_ context.Context, tenantID string) ([]models.BillingSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("list billing summaries"); err != nil {
		return nil, err
	}
	var out []models.BillingSummary
	for k, sum := range s.summaries {
		if k.tenant == tenantID {
			out = append(out, sum)
		}
	}
	slices.SortFunc(out, func(a, b models.BillingSummary) int {
		return (b.BillingYear*12 + b.BillingMonth) - (a.BillingYear*12 + a.BillingMonth)
	})
	return out, nil
}

func (s *Store) SetBillingSummaryFinalized(_ context.Context, tenantID string, year, month int, finalized bool) (models.BillingSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("set billing summary finalized"); err != nil {
		return models.BillingSummary{}, err
	}
	key := summaryKey{tenantID, year, month}
	sum, ok := s.summaries[key]
	if !ok {
		return models.BillingSummary{}, notFound("set billing summary finalized")
	}
	now := s.now()
	sum.IsFinalized = finalized
	if finalized {
		sum.FinalizedAt = &now
	} else {
		sum.FinalizedAt = nil
	}
	sum.UpdatedAt = now
	s.summaries[key] = sum
	return sum, nil
}

func cloneEvent(ev models.UsageEvent) models.UsageEvent {
	ev.Metrics = ev.Metrics.Clone()
	ev.Metadata = maps.Clone(ev.Metadata)
	ev.Tags = slices.Clone(ev.Tags)
	if ev.BillingInfo != nil {
		bi := *ev.BillingInfo
		ev.BillingInfo = &bi
	}
	return ev
}
