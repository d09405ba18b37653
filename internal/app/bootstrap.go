package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	decimal "github.com/shopspring/decimal"

	"github.com/ncecere/usage_tracker/internal/billing"
	"github.com/ncecere/usage_tracker/internal/config"
	"github.com/ncecere/usage_tracker/internal/expr"
	"github.com/ncecere/usage_tracker/internal/models"
)

// RegistryWriter persists registry entries and billing rules.
type RegistryWriter interface {
	UpsertServiceEntry(ctx context.Context, entry models.ServiceRegistryEntry) (models.ServiceRegistryEntry, error)
	UpsertBillingRule(ctx context.Context, rule models.BillingRule) (models.BillingRule, error)
}

// BootstrapReport counts what EnsureBootstrap wrote.
type BootstrapReport struct {
	Services     int
	BillingRules int
}

// EnsureBootstrap upserts the configured registry entries and billing rules.
// Every item is converted and checked before anything is written, so a bad
// config leaves the registry untouched.
func EnsureBootstrap(ctx context.Context, w RegistryWriter, cfg config.BootstrapConfig, logger *slog.Logger) (BootstrapReport, error) {
	if logger == nil {
		logger = slog.Default()
	}

	entries := make([]models.ServiceRegistryEntry, 0, len(cfg.Services))
	for i, svc := range cfg.Services {
		entry, err := serviceEntryFromConfig(svc)
		if err != nil {
			return BootstrapReport{}, fmt.Errorf("bootstrap.services[%d]: %w", i, err)
		}
		entries = append(entries, entry)
	}
	rules := make([]models.BillingRule, 0, len(cfg.BillingRules))
	for i, r := range cfg.BillingRules {
		rule, err := billingRuleFromConfig(r)
		if err != nil {
			return BootstrapReport{}, fmt.Errorf("bootstrap.billing_rules[%d]: %w", i, err)
		}
		rules = append(rules, rule)
	}

	var report BootstrapReport
	for _, entry := range entries {
		if _, err := w.UpsertServiceEntry(ctx, entry); err != nil {
			return report, fmt.Errorf("upsert service %s: %w", entry.ServiceType, err)
		}
		report.Services++
		logger.Info("bootstrap: service upserted",
			slog.String("service_type", string(entry.ServiceType)),
			slog.String("version", entry.Version),
		)
	}
	for _, rule := range rules {
		if _, err := w.UpsertBillingRule(ctx, rule); err != nil {
			return report, fmt.Errorf("upsert billing rule %s/%s: %w", rule.ServiceType, rule.Provider, err)
		}
		report.BillingRules++
		logger.Info("bootstrap: billing rule upserted",
			slog.String("service_type", string(rule.ServiceType)),
			slog.String("provider", rule.Provider),
			slog.String("model_or_tier", rule.ModelOrTier),
		)
	}
	return report, nil
}

func serviceEntryFromConfig(svc config.BootstrapService) (models.ServiceRegistryEntry, error) {
	st, ok := models.ParseServiceType(svc.ServiceType)
	if !ok {
		return models.ServiceRegistryEntry{}, fmt.Errorf("unknown service_type %q", svc.ServiceType)
	}
	name := strings.TrimSpace(svc.ServiceName)
	if name == "" {
		name = string(st)
	}
	version := strings.TrimSpace(svc.Version)
	if version == "" {
		version = "1.0"
	}
	rules := models.AggregationRules{
		Sum: svc.AggregationRules.Sum,
		Avg: svc.AggregationRules.Avg,
	}
	for _, d := range svc.AggregationRules.Derived {
		if _, err := expr.Compile(d.Expression); err != nil {
			return models.ServiceRegistryEntry{}, fmt.Errorf("derived metric %s: %w", d.Name, err)
		}
		rules.Derived = append(rules.Derived, models.DerivedMetric{Name: d.Name, Expression: d.Expression})
	}
	billingCfg := make(map[string]any, len(svc.BillingConfig))
	for k, v := range svc.BillingConfig {
		billingCfg[k] = v
	}
	return models.ServiceRegistryEntry{
		ServiceType:      st,
		ServiceName:      name,
		Providers:        svc.Providers,
		RequiredFields:   svc.RequiredFields,
		OptionalFields:   svc.OptionalFields,
		BillingConfig:    billingCfg,
		AggregationRules: rules,
		IsActive:         svc.IsActive(),
		Version:          version,
	}, nil
}

func billingRuleFromConfig(r config.BootstrapBillingRule) (models.BillingRule, error) {
	st, ok := models.ParseServiceType(r.ServiceType)
	if !ok {
		return models.BillingRule{}, fmt.Errorf("unknown service_type %q", r.ServiceType)
	}
	rule := models.BillingRule{
		ServiceType:           st,
		Provider:              strings.TrimSpace(r.Provider),
		ModelOrTier:           strings.TrimSpace(r.ModelOrTier),
		BillingUnit:           models.BillingUnit(strings.ToLower(strings.TrimSpace(r.BillingUnit))),
		QuantityMetric:        strings.TrimSpace(r.QuantityMetric),
		CalculationMethod:     models.CalculationMethod(strings.ToLower(strings.TrimSpace(r.CalculationMethod))),
		CalculationExpression: strings.TrimSpace(r.CalculationExpression),
		IsActive:              r.IsActive(),
	}

	switch rule.BillingUnit {
	case models.UnitTokens, models.UnitRequests, models.UnitPages, models.UnitBytes, models.UnitMinutes, models.UnitCustom:
	default:
		return models.BillingRule{}, fmt.Errorf("unknown billing_unit %q", r.BillingUnit)
	}

	var err error
	if rule.RatePerUnit, err = parseMoney(r.RatePerUnit, "rate_per_unit"); err != nil {
		return models.BillingRule{}, err
	}
	if strings.TrimSpace(r.MinimumCharge) != "" {
		minimum, err := parseMoney(r.MinimumCharge, "minimum_charge")
		if err != nil {
			return models.BillingRule{}, err
		}
		rule.MinimumCharge = decimal.NewNullDecimal(minimum)
	}
	for i, t := range r.TieredRates {
		rate, err := parseMoney(t.Rate, fmt.Sprintf("tiered_rates[%d].rate", i))
		if err != nil {
			return models.BillingRule{}, err
		}
		tier := models.Tier{Rate: rate}
		if strings.TrimSpace(t.UpTo) != "" {
			upTo, err := parseMoney(t.UpTo, fmt.Sprintf("tiered_rates[%d].up_to", i))
			if err != nil {
				return models.BillingRule{}, err
			}
			tier.UpTo = &upTo
		}
		rule.TieredRates = append(rule.TieredRates, tier)
	}

	switch rule.CalculationMethod {
	case models.MethodLinear, models.MethodFlat:
	case models.MethodTiered:
		if err := billing.ValidateTiers(rule.TieredRates); err != nil {
			return models.BillingRule{}, err
		}
	case models.MethodCustom:
		if rule.CalculationExpression == "" {
			return models.BillingRule{}, fmt.Errorf("custom rules need calculation_expression")
		}
		if _, err := expr.Compile(rule.CalculationExpression); err != nil {
			return models.BillingRule{}, fmt.Errorf("calculation_expression: %w", err)
		}
	default:
		return models.BillingRule{}, fmt.Errorf("unknown calculation_method %q", r.CalculationMethod)
	}

	if rule.EffectiveFrom, err = parseTime(r.EffectiveFrom); err != nil {
		return models.BillingRule{}, fmt.Errorf("effective_from: %w", err)
	}
	if strings.TrimSpace(r.EffectiveUntil) != "" {
		until, err := parseTime(r.EffectiveUntil)
		if err != nil {
			return models.BillingRule{}, fmt.Errorf("effective_until: %w", err)
		}
		if !until.After(rule.EffectiveFrom) {
			return models.BillingRule{}, fmt.Errorf("effective_until must be after effective_from")
		}
		rule.EffectiveUntil = &until
	}
	return rule, nil
}

func parseMoney(raw, field string) (decimal.Decimal, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(trimmed)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: %w", field, err)
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("%s must not be negative", field)
	}
	return d, nil
}

// parseTime accepts RFC 3339 timestamps or bare dates, read as UTC midnight.
func parseTime(raw string) (time.Time, error) {
	trimmed := strings.TrimSpace(raw)
	if t, err := time.Parse(time.RFC3339, trimmed); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.DateOnly, trimmed)
	if err != nil {
		return time.Time{}, fmt.Errorf("expected RFC 3339 timestamp or YYYY-MM-DD, got %q", raw)
	}
	return t, nil
}
