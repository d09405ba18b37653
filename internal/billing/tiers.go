package billing

import (
	"fmt"

	decimal "github.com/shopspring/decimal"

	"github.com/ncecere/usage_tracker/internal/models"
)

// ValidateTiers checks that bounds are positive and strictly increasing and
// that only the last tier is unbounded.
func ValidateTiers(tiers []models.Tier) error {
	if len(tiers) == 0 {
		return &InputError{Field: "tiered_rates", Reason: "no tiers configured"}
	}
	prev := decimal.Zero
	for i, t := range tiers {
		if t.Rate.IsNegative() {
			return &InputError{Field: "tiered_rates", Reason: fmt.Sprintf("tier %d has a negative rate", i)}
		}
		if t.UpTo == nil {
			if i != len(tiers)-1 {
				return &InputError{Field: "tiered_rates", Reason: fmt.Sprintf("tier %d is unbounded but not last", i)}
			}
			continue
		}
		if !t.UpTo.GreaterThan(prev) {
			return &InputError{Field: "tiered_rates", Reason: fmt.Sprintf("tier %d bound %s does not exceed %s", i, t.UpTo, prev)}
		}
		prev = *t.UpTo
	}
	return nil
}

// TieredCost charges qty marginally: each tier prices only the units that
// fall between the previous bound and its own.
func TieredCost(qty decimal.Decimal, tiers []models.Tier) (decimal.Decimal, error) {
	if err := ValidateTiers(tiers); err != nil {
		return decimal.Zero, err
	}
	cost := decimal.Zero
	lower := decimal.Zero
	remaining := qty
	for _, t := range tiers {
		if !remaining.IsPositive() {
			break
		}
		span := remaining
		if t.UpTo != nil {
			span = decimal.Min(remaining, t.UpTo.Sub(lower))
			lower = *t.UpTo
		}
		cost = cost.Add(span.Mul(t.Rate))
		remaining = remaining.Sub(span)
	}
	if remaining.IsPositive() {
		return decimal.Zero, &InputError{Field: "tiered_rates", Reason: fmt.Sprintf("quantity exceeds last tier bound by %s", remaining)}
	}
	return cost, nil
}
