package store

import (
	"context"
	"fmt"

	decimal "github.com/shopspring/decimal"

	"github.com/ncecere/usage_tracker/internal/models"
)

const serviceColumns = `id, service_type, service_name, providers, required_fields, optional_fields,
	billing_config, aggregation_rules, is_active, version, created_at, updated_at`

const getServiceEntry = `-- name: GetServiceEntry :one
SELECT ` + serviceColumns + ` FROM service_registry WHERE service_type = $1`

// GetServiceEntry loads the registry entry for a service type.
func (s *Store) GetServiceEntry(ctx context.Context, st models.ServiceType) (models.ServiceRegistryEntry, error) {
	entry, err := scanServiceEntry(s.db.QueryRow(ctx, getServiceEntry, string(st)))
	if err != nil {
		return models.ServiceRegistryEntry{}, wrap("get service entry", err)
	}
	return entry, nil
}

const listServiceEntries = `-- name: ListServiceEntries :many
SELECT ` + serviceColumns + ` FROM service_registry ORDER BY service_type`

func (s *Store) ListServiceEntries(ctx context.Context) ([]models.ServiceRegistryEntry, error) {
	rows, err := s.db.Query(ctx, listServiceEntries)
	if err != nil {
		return nil, wrap("list service entries", err)
	}
	defer rows.Close()
	var out []models.ServiceRegistryEntry
	for rows.Next() {
		entry, err := scanServiceEntry(rows)
		if err != nil {
			return nil, wrap("list service entries", err)
		}
		out = append(out, entry)
	}
	return out, wrap("list service entries", rows.Err())
}

const upsertServiceEntry = `-- name: UpsertServiceEntry :one
INSERT INTO service_registry (
	service_type, service_name, providers, required_fields, optional_fields,
	billing_config, aggregation_rules, is_active, version
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (service_type) DO UPDATE SET
	service_name      = EXCLUDED.service_name,
	providers         = EXCLUDED.providers,
	required_fields   = EXCLUDED.required_fields,
	optional_fields   = EXCLUDED.optional_fields,
	billing_config    = EXCLUDED.billing_config,
	aggregation_rules = EXCLUDED.aggregation_rules,
	is_active         = EXCLUDED.is_active,
	version           = EXCLUDED.version,
	updated_at        = NOW()
RETURNING ` + serviceColumns

// UpsertServiceEntry creates or replaces the entry for entry.ServiceType.
func (s *Store) UpsertServiceEntry(ctx context.Context, entry models.ServiceRegistryEntry) (models.ServiceRegistryEntry, error) {
	providers, err := marshalJSON(entry.Providers, "[]")
	if err != nil {
		return models.ServiceRegistryEntry{}, wrap("upsert service entry", err)
	}
	required, err := marshalJSON(entry.RequiredFields, "[]")
	if err != nil {
		return models.ServiceRegistryEntry{}, wrap("upsert service entry", err)
	}
	optional, err := marshalJSON(entry.OptionalFields, "[]")
	if err != nil {
		return models.ServiceRegistryEntry{}, wrap("upsert service entry", err)
	}
	billingConfig, err := marshalJSON(entry.BillingConfig, "{}")
	if err != nil {
		return models.ServiceRegistryEntry{}, wrap("upsert service entry", err)
	}
	rules, err := marshalJSON(entry.AggregationRules, "{}")
	if err != nil {
		return models.ServiceRegistryEntry{}, wrap("upsert service entry", err)
	}
	version := entry.Version
	if version == "" {
		version = "1.0"
	}
	out, err := scanServiceEntry(s.db.QueryRow(ctx, upsertServiceEntry,
		string(entry.ServiceType), entry.ServiceName, providers, required, optional,
		billingConfig, rules, entry.IsActive, version,
	))
	if err != nil {
		return models.ServiceRegistryEntry{}, wrap("upsert service entry", err)
	}
	return out, nil
}

func scanServiceEntry(row interface{ Scan(...any) error }) (models.ServiceRegistryEntry, error) {
	var (
		e                                         models.ServiceRegistryEntry
		serviceType                               string
		providers, required, optional, cfg, rules []byte
	)
	if err := row.Scan(&e.ID, &serviceType, &e.ServiceName, &providers, &required, &optional,
		&cfg, &rules, &e.IsActive, &e.Version, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return models.ServiceRegistryEntry{}, err
	}
	e.ServiceType = models.ServiceType(serviceType)
	for _, f := range []struct {
		name string
		raw  []byte
		dst  any
	}{
		{"providers", providers, &e.Providers},
		{"required_fields", required, &e.RequiredFields},
		{"optional_fields", optional, &e.OptionalFields},
		{"billing_config", cfg, &e.BillingConfig},
		{"aggregation_rules", rules, &e.AggregationRules},
	} {
		if err := unmarshalJSON(f.raw, f.dst); err != nil {
			return models.ServiceRegistryEntry{}, fmt.Errorf("decode %s: %w", f.name, err)
		}
	}
	return e, nil
}

const ruleColumns = `id, service_type, provider, model_or_tier, billing_unit, quantity_metric,
	rate_per_unit, tiered_rates, minimum_charge, calculation_method, calculation_expression,
	effective_from, effective_until, is_active, created_at`

const listBillingRules = `-- name: ListBillingRules :many
SELECT ` + ruleColumns + ` FROM billing_rules
WHERE service_type = $1 AND provider = $2
ORDER BY effective_from DESC, id`

// ListBillingRules returns every rule for a service/provider pair. Validity
// and model filtering is left to the billing engine.
func (s *Store) ListBillingRules(ctx context.Context, st models.ServiceType, provider string) ([]models.BillingRule, error) {
	rows, err := s.db.Query(ctx, listBillingRules, string(st), provider)
	if err != nil {
		return nil, wrap("list billing rules", err)
	}
	defer rows.Close()
	var out []models.BillingRule
	for rows.Next() {
		rule, err := scanBillingRule(rows)
		if err != nil {
			return nil, wrap("list billing rules", err)
		}
		out = append(out, rule)
	}
	return out, wrap("list billing rules", rows.Err())
}

const upsertBillingRule = `-- name: UpsertBillingRule :one
INSERT INTO billing_rules (
	service_type, provider, model_or_tier, billing_unit, quantity_metric,
	rate_per_unit, tiered_rates, minimum_charge, calculation_method,
	calculation_expression, effective_from, effective_until, is_active
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
ON CONFLICT (service_type, provider, model_or_tier, effective_from) DO UPDATE SET
	billing_unit           = EXCLUDED.billing_unit,
	quantity_metric        = EXCLUDED.quantity_metric,
	rate_per_unit          = EXCLUDED.rate_per_unit,
	tiered_rates           = EXCLUDED.tiered_rates,
	minimum_charge         = EXCLUDED.minimum_charge,
	calculation_method     = EXCLUDED.calculation_method,
	calculation_expression = EXCLUDED.calculation_expression,
	effective_until        = EXCLUDED.effective_until,
	is_active              = EXCLUDED.is_active
RETURNING ` + ruleColumns

// UpsertBillingRule creates or replaces the rule version identified by
// (service_type, provider, model_or_tier, effective_from).
func (s *Store) UpsertBillingRule(ctx context.Context, rule models.BillingRule) (models.BillingRule, error) {
	tiers, err := marshalJSON(rule.TieredRates, "[]")
	if err != nil {
		return models.BillingRule{}, wrap("upsert billing rule", err)
	}
	out, err := scanBillingRule(s.db.QueryRow(ctx, upsertBillingRule,
		string(rule.ServiceType), rule.Provider, rule.ModelOrTier, string(rule.BillingUnit),
		rule.QuantityMetric, rule.RatePerUnit, tiers, rule.MinimumCharge,
		string(rule.CalculationMethod), rule.CalculationExpression,
		rule.EffectiveFrom, rule.EffectiveUntil, rule.IsActive,
	))
	if err != nil {
		return models.BillingRule{}, wrap("upsert billing rule", err)
	}
	return out, nil
}

func scanBillingRule(row interface{ Scan(...any) error }) (models.BillingRule, error) {
	var (
		r                         models.BillingRule
		serviceType, unit, method string
		tiers                     []byte
		rate                      decimal.Decimal
	)
	if err := row.Scan(&r.ID, &serviceType, &r.Provider, &r.ModelOrTier, &unit, &r.QuantityMetric,
		&rate, &tiers, &r.MinimumCharge, &method, &r.CalculationExpression,
		&r.EffectiveFrom, &r.EffectiveUntil, &r.IsActive, &r.CreatedAt); err != nil {
		return models.BillingRule{}, err
	}
	r.ServiceType = models.ServiceType(serviceType)
	r.BillingUnit = models.BillingUnit(unit)
	r.CalculationMethod = models.CalculationMethod(method)
	r.RatePerUnit = rate
	if err := unmarshalJSON(tiers, &r.TieredRates); err != nil {
		return models.BillingRule{}, fmt.Errorf("decode tiered_rates: %w", err)
	}
	return r, nil
}
