package models

import (
	"time"

	"github.com/google/uuid"
	decimal "github.com/shopspring/decimal"
)

type BillingUnit string

const (
	UnitTokens   BillingUnit = "tokens"
	UnitRequests BillingUnit = "requests"
	UnitPages    BillingUnit = "pages"
	UnitBytes    BillingUnit = "bytes"
	UnitMinutes  BillingUnit = "minutes"
	UnitCustom   BillingUnit = "custom"
)

type CalculationMethod string

const (
	MethodLinear CalculationMethod = "linear"
	MethodTiered CalculationMethod = "tiered"
	MethodFlat   CalculationMethod = "flat"
	MethodCustom CalculationMethod = "custom"
)

// Tier is one volume breakpoint. A nil UpTo marks the unbounded final tier.
type Tier struct {
	UpTo *decimal.Decimal `json:"up_to"`
	Rate decimal.Decimal  `json:"rate"`
}

// BillingRule prices events for a service/provider, optionally narrowed to a
// model or tier, over a validity window.
type BillingRule struct {
	ID                    uuid.UUID           `json:"id"`
	ServiceType           ServiceType         `json:"service_type"`
	Provider              string              `json:"provider"`
	ModelOrTier           string              `json:"model_or_tier,omitempty"`
	BillingUnit           BillingUnit         `json:"billing_unit"`
	QuantityMetric        string              `json:"quantity_metric,omitempty"`
	RatePerUnit           decimal.Decimal     `json:"rate_per_unit"`
	TieredRates           []Tier              `json:"tiered_rates,omitempty"`
	MinimumCharge         decimal.NullDecimal `json:"minimum_charge"`
	CalculationMethod     CalculationMethod   `json:"calculation_method"`
	CalculationExpression string              `json:"calculation_expression,omitempty"`
	EffectiveFrom         time.Time           `json:"effective_from"`
	EffectiveUntil        *time.Time          `json:"effective_until,omitempty"`
	IsActive              bool                `json:"is_active"`
	CreatedAt             time.Time           `json:"created_at"`
}

// EffectiveAt reports whether the rule is active and ts falls in
// [EffectiveFrom, EffectiveUntil).
func (r BillingRule) EffectiveAt(ts time.Time) bool {
	if !r.IsActive {
		return false
	}
	if ts.Before(r.EffectiveFrom) {
		return false
	}
	if r.EffectiveUntil != nil && !ts.Before(*r.EffectiveUntil) {
		return false
	}
	return true
}
