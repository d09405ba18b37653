package models

import (
	"time"

	"github.com/google/uuid"
	decimal "github.com/shopspring/decimal"

	"github.com/ncecere/usage_tracker/internal/timeutil"
)

// UsageAggregate is one rollup row. Nil dimension fields mean "all values".
type UsageAggregate struct {
	ID                uuid.UUID            `json:"id"`
	TenantID          string               `json:"tenant_id"`
	PeriodStart       time.Time            `json:"period_start"`
	PeriodEnd         time.Time            `json:"period_end"`
	PeriodType        timeutil.Granularity `json:"period_type"`
	ServiceType       *ServiceType         `json:"service_type"`
	ServiceProvider   *string              `json:"service_provider"`
	UserID            *string              `json:"user_id"`
	EventCount        int64                `json:"event_count"`
	UniqueUsers       int64                `json:"unique_users"`
	TotalCost         decimal.Decimal      `json:"total_cost"`
	AggregatedMetrics map[string]float64   `json:"aggregated_metrics"`
	ErrorCount        int64                `json:"error_count"`
	ErrorRate         float64              `json:"error_rate"`
	CreatedAt         time.Time            `json:"created_at"`
	UpdatedAt         time.Time            `json:"updated_at"`
}

// DimensionKey identifies the rollup row within a tenant and window.
type DimensionKey struct {
	ServiceType     ServiceType
	ServiceProvider string
	UserID          string
}

// Key flattens the nullable dimension columns, mapping nil to "".
func (a UsageAggregate) Key() DimensionKey {
	var k DimensionKey
	if a.ServiceType != nil {
		k.ServiceType = *a.ServiceType
	}
	if a.ServiceProvider != nil {
		k.ServiceProvider = *a.ServiceProvider
	}
	if a.UserID != nil {
		k.UserID = *a.UserID
	}
	return k
}

// BillingSummary is the monthly cost rollup for one tenant.
type BillingSummary struct {
	ID            uuid.UUID                  `json:"id"`
	TenantID      string                     `json:"tenant_id"`
	BillingYear   int                        `json:"billing_year"`
	BillingMonth  int                        `json:"billing_month"`
	TotalCost     decimal.Decimal            `json:"total_cost"`
	CostByService map[string]decimal.Decimal `json:"cost_by_service"`
	CostByUser    []UserCost                 `json:"cost_by_user"`
	TotalEvents   int64                      `json:"total_events"`
	ActiveUsers   int64                      `json:"active_users"`
	IsFinalized   bool                       `json:"is_finalized"`
	FinalizedAt   *time.Time                 `json:"finalized_at,omitempty"`
	CreatedAt     time.Time                  `json:"created_at"`
	UpdatedAt     time.Time                  `json:"updated_at"`
}

// UserCost is one entry of the ranked per-user cost list.
type UserCost struct {
	UserID     string          `json:"user_id"`
	TotalCost  decimal.Decimal `json:"total_cost"`
	EventCount int64           `json:"event_count"`
}
