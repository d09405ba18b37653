package billing

import (
	"cmp"
	"slices"
	"strings"

	"github.com/ncecere/usage_tracker/internal/models"
)

var modelKeys = []string{"model", "model_or_tier", "tier"}

// ModelCandidates returns the model/tier values an event carries, metrics first.
func ModelCandidates(ev models.UsageEvent) []string {
	var out []string
	for _, src := range []models.Metrics{ev.Metrics, models.Metrics(ev.Metadata)} {
		for _, key := range modelKeys {
			if v, ok := src.Text(key); ok {
				out = append(out, strings.TrimSpace(v))
			}
		}
	}
	return out
}

// Candidate is a rule that passed filtering, annotated with whether it
// matched the event's model or tier exactly.
type Candidate struct {
	Rule  models.BillingRule
	Exact bool
}

// CompareCandidates orders candidates best-first: exact model_or_tier match,
// then provider default, then most recent effective_from. Rule id breaks
// remaining ties so selection is deterministic.
func CompareCandidates(a, b Candidate) int {
	if a.Exact != b.Exact {
		if a.Exact {
			return -1
		}
		return 1
	}
	if c := b.Rule.EffectiveFrom.Compare(a.Rule.EffectiveFrom); c != 0 {
		return c
	}
	return cmp.Compare(a.Rule.ID.String(), b.Rule.ID.String())
}

// Candidates filters rules down to those applicable to ev, sorted best-first.
func Candidates(rules []models.BillingRule, ev models.UsageEvent) []Candidate {
	wanted := ModelCandidates(ev)
	out := make([]Candidate, 0, len(rules))
	for _, rule := range rules {
		if rule.ServiceType != ev.ServiceType || rule.Provider != ev.ServiceProvider {
			continue
		}
		if !rule.EffectiveAt(ev.Timestamp) {
			continue
		}
		tier := strings.TrimSpace(rule.ModelOrTier)
		if tier == "" {
			out = append(out, Candidate{Rule: rule})
			continue
		}
		if containsFold(wanted, tier) {
			out = append(out, Candidate{Rule: rule, Exact: true})
		}
	}
	slices.SortStableFunc(out, CompareCandidates)
	return out
}

// SelectRule returns the most specific rule effective for ev.
func SelectRule(rules []models.BillingRule, ev models.UsageEvent) (models.BillingRule, error) {
	cands := Candidates(rules, ev)
	if len(cands) == 0 {
		var model string
		if wanted := ModelCandidates(ev); len(wanted) > 0 {
			model = wanted[0]
		}
		return models.BillingRule{}, &RuleNotFoundError{
			ServiceType: string(ev.ServiceType),
			Provider:    ev.ServiceProvider,
			ModelOrTier: model,
			At:          ev.Timestamp,
		}
	}
	return cands[0].Rule, nil
}

func containsFold(values []string, target string) bool {
	for _, v := range values {
		if strings.EqualFold(v, target) {
			return true
		}
	}
	return false
}
