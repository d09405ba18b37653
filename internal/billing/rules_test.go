package billing

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ncecere/usage_tracker/internal/models"
)

func ruleAt(tier string, from time.Time) models.BillingRule {
	r := baseRule()
	r.ModelOrTier = tier
	r.EffectiveFrom = from
	r.RatePerUnit = dec("1")
	return r
}

func TestCompareCandidatesOrder(t *testing.T) {
	older := eventTime.Add(-48 * time.Hour)
	newer := eventTime.Add(-time.Hour)

	exactOld := Candidate{Rule: ruleAt("gpt-4o", older), Exact: true}
	defaultNew := Candidate{Rule: ruleAt("", newer)}
	defaultOld := Candidate{Rule: ruleAt("", older)}

	assert.Negative(t, CompareCandidates(exactOld, defaultNew), "exact match beats newer default")
	assert.Positive(t, CompareCandidates(defaultNew, exactOld))
	assert.Negative(t, CompareCandidates(defaultNew, defaultOld), "newer effective_from wins among defaults")
	assert.Zero(t, CompareCandidates(defaultOld, defaultOld))
}

func TestSelectRulePrefersExactModel(t *testing.T) {
	exact := ruleAt("gpt-4o", eventTime.Add(-72*time.Hour))
	provider := ruleAt("", eventTime.Add(-time.Hour))
	otherModel := ruleAt("claude", eventTime.Add(-time.Minute))

	ev := llmEvent(models.Metrics{"model": "gpt-4o"})
	got, err := SelectRule([]models.BillingRule{provider, otherModel, exact}, ev)
	require.NoError(t, err)
	assert.Equal(t, exact.ID, got.ID)

	ev = llmEvent(models.Metrics{"model": "mistral"})
	got, err = SelectRule([]models.BillingRule{provider, otherModel, exact}, ev)
	require.NoError(t, err)
	assert.Equal(t, provider.ID, got.ID, "falls back to provider default")
}

func TestSelectRuleReadsModelFromMetadata(t *testing.T) {
	exact := ruleAt("premium", eventTime.Add(-72*time.Hour))
	provider := ruleAt("", eventTime.Add(-time.Hour))

	ev := llmEvent(models.Metrics{})
	ev.Metadata = map[string]any{"tier": "Premium"}
	got, err := SelectRule([]models.BillingRule{provider, exact}, ev)
	require.NoError(t, err)
	assert.Equal(t, exact.ID, got.ID)
}

func TestSelectRuleMostRecentEffective(t *testing.T) {
	old := ruleAt("", eventTime.Add(-30*24*time.Hour))
	recent := ruleAt("", eventTime.Add(-24*time.Hour))
	future := ruleAt("", eventTime.Add(time.Hour))

	got, err := SelectRule([]models.BillingRule{old, future, recent}, llmEvent(nil))
	require.NoError(t, err)
	assert.Equal(t, recent.ID, got.ID)
}

func TestSelectRuleFiltersWindowActiveAndProvider(t *testing.T) {
	expiredAt := eventTime
	expired := ruleAt("", eventTime.Add(-48*time.Hour))
	expired.EffectiveUntil = &expiredAt

	inactive := ruleAt("", eventTime.Add(-48*time.Hour))
	inactive.IsActive = false

	wrongProvider := ruleAt("", eventTime.Add(-48*time.Hour))
	wrongProvider.Provider = "anthropic"

	wrongService := ruleAt("", eventTime.Add(-48*time.Hour))
	wrongService.ServiceType = models.ServiceAPI

	_, err := SelectRule([]models.BillingRule{expired, inactive, wrongProvider, wrongService}, llmEvent(models.Metrics{"model": "gpt-4o"}))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRuleNotFound))

	var notFound *RuleNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "openai", notFound.Provider)
	assert.Equal(t, "gpt-4o", notFound.ModelOrTier)
}

func TestEffectiveUntilIsExclusive(t *testing.T) {
	until := eventTime.Add(time.Hour)
	r := ruleAt("", eventTime)
	r.EffectiveUntil = &until

	assert.True(t, r.EffectiveAt(eventTime), "effective_from is inclusive")
	assert.True(t, r.EffectiveAt(until.Add(-time.Nanosecond)))
	assert.False(t, r.EffectiveAt(until), "effective_until is exclusive")
}

func TestCalculateSelectsThenPrices(t *testing.T) {
	cheap := ruleAt("", eventTime.Add(-time.Hour))
	cheap.RatePerUnit = dec("0.00002")
	cheap.ID = uuid.MustParse("00000000-0000-0000-0000-000000000001")

	info, err := testEngine().Calculate(llmEvent(models.Metrics{"total_tokens": 150}), []models.BillingRule{cheap})
	require.NoError(t, err)
	assert.True(t, info.TotalCost.Equal(dec("0.003")))
	assert.Equal(t, cheap.ID.String(), info.RuleID)
}
