// Package billing selects the billing rule for an event and prices it.
package billing

import (
	"errors"
	"fmt"
	"time"

	decimal "github.com/shopspring/decimal"

	"github.com/ncecere/usage_tracker/internal/expr"
	"github.com/ncecere/usage_tracker/internal/models"
)

// CurrencyPlaces is the stored precision of every cost column.
const CurrencyPlaces int32 = 6

// RoundCurrency rounds half away from zero to CurrencyPlaces.
func RoundCurrency(d decimal.Decimal) decimal.Decimal {
	return d.Round(CurrencyPlaces)
}

// Engine prices enriched events.
type Engine struct {
	now func() time.Time
}

// NewEngine returns an engine stamping results with the wall clock.
func NewEngine() *Engine {
	return &Engine{now: time.Now}
}

// WithClock overrides the clock used for calculated_at.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	if now != nil {
		e.now = now
	}
	return e
}

// Calculate selects the most specific effective rule from rules and prices ev.
func (e *Engine) Calculate(ev models.UsageEvent, rules []models.BillingRule) (models.BillingInfo, error) {
	rule, err := SelectRule(rules, ev)
	if err != nil {
		return models.BillingInfo{}, err
	}
	return e.Price(ev, rule)
}

// Price applies rule to ev.
func (e *Engine) Price(ev models.UsageEvent, rule models.BillingRule) (models.BillingInfo, error) {
	method := rule.CalculationMethod
	if method == "" {
		method = models.MethodLinear
	}

	var (
		qty  decimal.Decimal
		base decimal.Decimal
		err  error
	)
	switch method {
	case models.MethodLinear:
		if qty, err = Quantity(ev, rule); err != nil {
			return models.BillingInfo{}, err
		}
		base = qty.Mul(rule.RatePerUnit)
	case models.MethodTiered:
		if qty, err = Quantity(ev, rule); err != nil {
			return models.BillingInfo{}, err
		}
		if len(rule.TieredRates) == 0 {
			base = qty.Mul(rule.RatePerUnit)
		} else if base, err = TieredCost(qty, rule.TieredRates); err != nil {
			return models.BillingInfo{}, err
		}
	case models.MethodFlat:
		qty = decimal.NewFromInt(1)
		base = rule.RatePerUnit
	case models.MethodCustom:
		qty, base, err = customCost(ev, rule)
		if err != nil {
			return models.BillingInfo{}, err
		}
	default:
		return models.BillingInfo{}, &InputError{Field: "calculation_method", Reason: "unsupported method " + string(method)}
	}

	total := base
	if rule.MinimumCharge.Valid && total.LessThan(rule.MinimumCharge.Decimal) {
		total = rule.MinimumCharge.Decimal
	}

	return models.BillingInfo{
		RuleID:            rule.ID.String(),
		ModelOrTier:       rule.ModelOrTier,
		BillingUnit:       rule.BillingUnit,
		Quantity:          qty,
		RatePerUnit:       rule.RatePerUnit,
		CalculationMethod: method,
		BaseCost:          RoundCurrency(base),
		MinimumCharge:     rule.MinimumCharge,
		TotalCost:         RoundCurrency(total),
		CalculatedAt:      e.now().UTC(),
	}, nil
}

// customCost evaluates the rule expression. quantity is resolved lazily so
// expressions that do not reference it never fail on a missing quantity.
func customCost(ev models.UsageEvent, rule models.BillingRule) (decimal.Decimal, decimal.Decimal, error) {
	wrap := func(err error) error {
		var inputErr *InputError
		if errors.As(err, &inputErr) {
			return err
		}
		return &ExpressionError{RuleID: rule.ID.String(), Expression: rule.CalculationExpression, Err: err}
	}

	prog, err := expr.Compile(rule.CalculationExpression)
	if err != nil {
		return decimal.Zero, decimal.Zero, wrap(err)
	}

	var (
		qty      decimal.Decimal
		qtyKnown bool
	)
	ruleVars := expr.ResolverFunc(func(name string) (decimal.Decimal, error) {
		switch name {
		case "quantity":
			if !qtyKnown {
				v, err := Quantity(ev, rule)
				if err != nil {
					return decimal.Zero, err
				}
				qty, qtyKnown = v, true
			}
			return qty, nil
		case "rate_per_unit":
			return rule.RatePerUnit, nil
		default:
			return decimal.Zero, fmt.Errorf("%w: %s", expr.ErrUnknownIdentifier, name)
		}
	})
	metricVars := expr.ResolverFunc(func(name string) (decimal.Decimal, error) {
		v, ok, err := ev.Metrics.Number(name)
		if err != nil {
			return decimal.Zero, err
		}
		if !ok {
			return decimal.Zero, fmt.Errorf("%w: %s", expr.ErrUnknownIdentifier, name)
		}
		return v, nil
	})

	cost, err := prog.Eval(expr.Chain(ruleVars, metricVars))
	if err != nil {
		return decimal.Zero, decimal.Zero, wrap(err)
	}
	if !qtyKnown {
		qty = decimal.NewFromInt(1)
	}
	return qty, cost, nil
}
