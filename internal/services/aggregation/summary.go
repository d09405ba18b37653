package aggregation

import (
	"context"
	"fmt"
	"slices"
	"strings"

	decimal "github.com/shopspring/decimal"

	"github.com/ncecere/usage_tracker/internal/billing"
	"github.com/ncecere/usage_tracker/internal/models"
	"github.com/ncecere/usage_tracker/internal/store"
	"github.com/ncecere/usage_tracker/internal/timeutil"
)

type userCost struct {
	cost   decimal.Decimal
	events int64
}

// SummarizeMonth recomputes the tenant's billing summary for month. A
// finalized summary is left untouched and reported with applied=false.
func (e *Engine) SummarizeMonth(ctx context.Context, tenantID string, month timeutil.Window) (applied bool, err error) {
	year, mon := month.Start().Year(), int(month.Start().Month())

	existing, err := e.store.GetBillingSummary(ctx, tenantID, year, mon)
	switch {
	case err == nil && existing.IsFinalized:
		return false, nil
	case err != nil && !store.IsNotFound(err):
		return false, fmt.Errorf("load billing summary: %w", err)
	}

	sum, err := e.buildSummary(ctx, tenantID, month)
	if err != nil {
		return false, err
	}
	applied, err = e.store.UpsertBillingSummary(ctx, sum)
	if err != nil {
		return false, fmt.Errorf("store billing summary: %w", err)
	}
	return applied, nil
}

func (e *Engine) buildSummary(ctx context.Context, tenantID string, month timeutil.Window) (models.BillingSummary, error) {
	var (
		total     decimal.Decimal
		events    int64
		byService = make(map[string]decimal.Decimal)
		byUser    = make(map[string]*userCost)
	)
	err := e.store.ScanEvents(ctx, tenantID, month.Start(), month.End(), func(ev models.UsageEvent) error {
		if ev.Status != models.StatusCompleted {
			return nil
		}
		events++
		cost := ev.TotalCost.Decimal
		total = total.Add(cost)
		key := string(ev.ServiceType) + ":" + ev.ServiceProvider
		byService[key] = byService[key].Add(cost)
		if ev.UserID != "" {
			u := byUser[ev.UserID]
			if u == nil {
				u = &userCost{}
				byUser[ev.UserID] = u
			}
			u.cost = u.cost.Add(cost)
			u.events++
		}
		return nil
	})
	if err != nil {
		return models.BillingSummary{}, fmt.Errorf("scan events: %w", err)
	}

	for k, v := range byService {
		byService[k] = billing.RoundCurrency(v)
	}
	users := make([]models.UserCost, 0, len(byUser))
	for id, u := range byUser {
		users = append(users, models.UserCost{UserID: id, TotalCost: billing.RoundCurrency(u.cost), EventCount: u.events})
	}
	slices.SortFunc(users, func(a, b models.UserCost) int {
		if c := b.TotalCost.Cmp(a.TotalCost); c != 0 {
			return c
		}
		return strings.Compare(a.UserID, b.UserID)
	})
	if limit := e.cfg.SummaryTopUsers; limit > 0 && len(users) > limit {
		users = users[:limit]
	}

	return models.BillingSummary{
		TenantID:      tenantID,
		BillingYear:   month.Start().Year(),
		BillingMonth:  int(month.Start().Month()),
		TotalCost:     billing.RoundCurrency(total),
		CostByService: byService,
		CostByUser:    users,
		TotalEvents:   events,
		ActiveUsers:   int64(len(byUser)),
	}, nil
}
