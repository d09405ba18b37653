package usagepipeline

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	decimal "github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ncecere/usage_tracker/internal/billing"
	"github.com/ncecere/usage_tracker/internal/models"
	"github.com/ncecere/usage_tracker/internal/services/registry"
	"github.com/ncecere/usage_tracker/internal/store"
	"github.com/ncecere/usage_tracker/internal/store/memory"
)

var (
	eventTime = time.Date(2024, time.June, 3, 10, 15, 0, 0, time.UTC)
	fixedNow  = time.Date(2024, time.June, 3, 10, 16, 0, 0, time.UTC)
)

type fixture struct {
	mem  *memory.Store
	proc *Processor
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	mem := memory.New()
	_, err := mem.UpsertServiceEntry(context.Background(), models.ServiceRegistryEntry{
		ServiceType:    models.ServiceLLM,
		ServiceName:    "LLM",
		Providers:      []string{"openai", "anthropic"},
		RequiredFields: []string{"input_tokens", "output_tokens"},
		IsActive:       true,
	})
	require.NoError(t, err)

	clock := func() time.Time { return fixedNow }
	proc := NewProcessor(
		mem,
		registry.NewService(mem, 0),
		billing.NewEngine().WithClock(clock),
		opts,
		slog.New(slog.DiscardHandler),
		nil,
	).WithClock(clock)
	return &fixture{mem: mem, proc: proc}
}

func (f *fixture) addTokenRule(t *testing.T, rate string) {
	t.Helper()
	_, err := f.mem.UpsertBillingRule(context.Background(), models.BillingRule{
		ServiceType:       models.ServiceLLM,
		Provider:          "openai",
		BillingUnit:       models.UnitTokens,
		RatePerUnit:       decimal.RequireFromString(rate),
		CalculationMethod: models.MethodLinear,
		EffectiveFrom:     eventTime.Add(-30 * 24 * time.Hour),
		IsActive:          true,
	})
	require.NoError(t, err)
}

func llmPayload(t *testing.T, overrides map[string]any) []byte {
	t.Helper()
	body := map[string]any{
		"event_id":         "evt-1",
		"tenant_id":        "tenant-a",
		"user_id":          "user-1",
		"service_type":     "llm",
		"service_provider": "openai",
		"event_type":       "completion",
		"timestamp":        eventTime.Format(time.RFC3339),
		"metrics":          map[string]any{"input_tokens": 1000, "output_tokens": 500},
	}
	for k, v := range overrides {
		if v == nil {
			delete(body, k)
			continue
		}
		body[k] = v
	}
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	return raw
}

func decodePayload(t *testing.T, raw []byte) map[string]any {
	t.Helper()
	env, err := decodeEnvelope(raw)
	require.NoError(t, err)
	return env
}

func TestProcessLinearTokens(t *testing.T) {
	f := newFixture(t, Options{MaxRetries: 3})
	f.addTokenRule(t, "0.000002")

	res := f.proc.Process(context.Background(), llmPayload(t, nil))
	require.NoError(t, res.Err)
	assert.Equal(t, OutcomeAck, res.Outcome)

	stored, err := f.mem.GetEvent(context.Background(), "evt-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, stored.Status)
	require.True(t, stored.TotalCost.Valid)
	assert.True(t, stored.TotalCost.Decimal.Equal(decimal.RequireFromString("0.003")), "total_cost = %s", stored.TotalCost.Decimal)
	require.NotNil(t, stored.BillingInfo)
	assert.True(t, stored.BillingInfo.Quantity.Equal(decimal.NewFromInt(1500)))
	assert.Equal(t, json.Number("1500"), stored.Metrics["total_tokens"])
	assert.Equal(t, 0, stored.RetryCount)
	assert.Empty(t, stored.ErrorMessage)
}

func TestProcessRetriesThenCompletes(t *testing.T) {
	f := newFixture(t, Options{MaxRetries: 3})
	ctx := context.Background()

	first := f.proc.Process(ctx, llmPayload(t, nil))
	require.Equal(t, OutcomeRequeue, first.Outcome)
	assert.ErrorIs(t, first.Err, billing.ErrRuleNotFound)
	assert.Equal(t, json.Number("1"), decodePayload(t, first.Payload)[keyRetryCount])

	second := f.proc.Process(ctx, first.Payload)
	require.Equal(t, OutcomeRequeue, second.Outcome)
	env := decodePayload(t, second.Payload)
	assert.Equal(t, json.Number("2"), env[keyRetryCount])
	assert.Contains(t, env[keyErrorMessage], "no billing rule")

	stored, err := f.mem.GetEvent(ctx, "evt-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, stored.Status)
	assert.Equal(t, 2, stored.RetryCount)

	f.addTokenRule(t, "0.000002")
	third := f.proc.Process(ctx, second.Payload)
	require.Equal(t, OutcomeAck, third.Outcome)

	stored, err = f.mem.GetEvent(ctx, "evt-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, stored.Status)
	assert.Equal(t, 2, stored.RetryCount)
	assert.Empty(t, stored.ErrorMessage)
}

func TestProcessDeadLettersAfterMaxRetries(t *testing.T) {
	f := newFixture(t, Options{MaxRetries: 3})
	ctx := context.Background()

	payload := llmPayload(t, nil)
	var res Result
	for attempt := 1; attempt <= 3; attempt++ {
		res = f.proc.Process(ctx, payload)
		payload = res.Payload
		if attempt < 3 {
			require.Equal(t, OutcomeRequeue, res.Outcome, "attempt %d", attempt)
		}
	}
	require.Equal(t, OutcomeDeadLetter, res.Outcome)

	env := decodePayload(t, res.Payload)
	assert.Equal(t, json.Number("3"), env[keyRetryCount])
	assert.Equal(t, fixedNow.Format(time.RFC3339Nano), env[keyDeadLetteredAt])
	assert.Equal(t, "tenant-a", env["tenant_id"])

	stored, err := f.mem.GetEvent(ctx, "evt-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, stored.Status)
	assert.Equal(t, 3, stored.RetryCount)
	assert.NotEmpty(t, stored.ErrorMessage)
}

func TestProcessZeroRetriesDeadLettersImmediately(t *testing.T) {
	f := newFixture(t, Options{MaxRetries: 0})

	res := f.proc.Process(context.Background(), llmPayload(t, nil))
	require.Equal(t, OutcomeDeadLetter, res.Outcome)
	assert.Equal(t, 1, res.Event.RetryCount)
}

func TestProcessRejectsMissingTenant(t *testing.T) {
	for _, deadLetter := range []bool{true, false} {
		f := newFixture(t, Options{MaxRetries: 3, DeadLetterInvalid: deadLetter})
		f.addTokenRule(t, "0.000002")

		res := f.proc.Process(context.Background(), llmPayload(t, map[string]any{"tenant_id": nil}))
		var verr *ValidationError
		require.ErrorAs(t, res.Err, &verr)
		assert.Equal(t, "tenant_id", verr.Field)
		if deadLetter {
			assert.Equal(t, OutcomeDeadLetter, res.Outcome)
			env := decodePayload(t, res.Payload)
			assert.Equal(t, json.Number("0"), env[keyRetryCount])
		} else {
			assert.Equal(t, OutcomeAck, res.Outcome)
		}

		stored, err := f.mem.GetEvent(context.Background(), "evt-1")
		require.NoError(t, err)
		assert.Equal(t, models.StatusFailed, stored.Status)
		assert.Equal(t, 0, stored.RetryCount)
		assert.Contains(t, stored.ErrorMessage, "tenant_id")
	}
}

func TestProcessValidationFailures(t *testing.T) {
	cases := []struct {
		name      string
		overrides map[string]any
		field     string
	}{
		{"unknown service type", map[string]any{"service_type": "video"}, "service_type"},
		{"unregistered service", map[string]any{"service_type": "custom"}, "service_type"},
		{"provider not allowed", map[string]any{"service_provider": "acme"}, "service_provider"},
		{"required metric missing", map[string]any{"metrics": map[string]any{"input_tokens": 10}}, "metrics.output_tokens"},
		{"metrics not an object", map[string]any{"metrics": []int{1}}, "metrics"},
		{"tags not strings", map[string]any{"tags": []any{"a", 1}}, "tags"},
		{"bad timestamp", map[string]any{"timestamp": "yesterday"}, "timestamp"},
		{"numeric user id", map[string]any{"user_id": 42}, "user_id"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, Options{MaxRetries: 3, DeadLetterInvalid: true})
			f.addTokenRule(t, "0.000002")

			res := f.proc.Process(context.Background(), llmPayload(t, tc.overrides))
			require.Equal(t, OutcomeDeadLetter, res.Outcome)
			var verr *ValidationError
			require.ErrorAs(t, res.Err, &verr)
			assert.Equal(t, tc.field, verr.Field)
		})
	}
}

func TestProcessMalformedPayload(t *testing.T) {
	f := newFixture(t, Options{MaxRetries: 3, DeadLetterInvalid: true})

	res := f.proc.Process(context.Background(), []byte(`{"event_id": "evt-1",`))
	require.Equal(t, OutcomeDeadLetter, res.Outcome)
	require.ErrorIs(t, res.Err, errMalformed)

	env := decodePayload(t, res.Payload)
	assert.Equal(t, `{"event_id": "evt-1",`, env[keyRawPayload])
	assert.Equal(t, res.Event.EventID, env[keyEventID])
	assert.NotEqual(t, "evt-1", res.Event.EventID)

	stored, err := f.mem.GetEvent(context.Background(), res.Event.EventID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, stored.Status)
	assert.Equal(t, `{"event_id": "evt-1",`, stored.Metadata[keyRawPayload])
}

func TestProcessAssignsMissingEventID(t *testing.T) {
	f := newFixture(t, Options{MaxRetries: 3})

	res := f.proc.Process(context.Background(), llmPayload(t, map[string]any{"event_id": nil}))
	require.Equal(t, OutcomeRequeue, res.Outcome)
	require.NotEmpty(t, res.Event.EventID)

	env := decodePayload(t, res.Payload)
	assert.Equal(t, res.Event.EventID, env[keyEventID])

	_, err := f.mem.GetEvent(context.Background(), res.Event.EventID)
	require.NoError(t, err)
}

func TestProcessRejectsNonStringEventID(t *testing.T) {
	f := newFixture(t, Options{MaxRetries: 3, DeadLetterInvalid: true})
	f.addTokenRule(t, "0.000002")

	res := f.proc.Process(context.Background(), llmPayload(t, map[string]any{"event_id": 42}))
	require.Equal(t, OutcomeDeadLetter, res.Outcome)
	var verr *ValidationError
	require.ErrorAs(t, res.Err, &verr)
	assert.Equal(t, "event_id", verr.Field)
	assert.Equal(t, models.StatusFailed, res.Event.Status)

	env := decodePayload(t, res.Payload)
	assert.Equal(t, json.Number("42"), env[keyEventID], "payload keeps the producer's value")
}

func TestProcessNeverDowngradesCompleted(t *testing.T) {
	f := newFixture(t, Options{MaxRetries: 3, DeadLetterInvalid: true})
	f.addTokenRule(t, "0.000002")
	ctx := context.Background()

	require.Equal(t, OutcomeAck, f.proc.Process(ctx, llmPayload(t, nil)).Outcome)

	// anthropic is allowed but has no rule, so billing fails.
	failing := f.proc.Process(ctx, llmPayload(t, map[string]any{"service_provider": "anthropic"}))
	assert.Equal(t, OutcomeAck, failing.Outcome)

	invalidRes := f.proc.Process(ctx, llmPayload(t, map[string]any{"user_id": nil}))
	assert.Equal(t, OutcomeAck, invalidRes.Outcome)

	stored, err := f.mem.GetEvent(ctx, "evt-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, stored.Status)
	assert.Equal(t, "openai", stored.ServiceProvider)
	assert.True(t, stored.TotalCost.Decimal.Equal(decimal.RequireFromString("0.003")))
}

func TestProcessReprocessingCompletedIsIdempotent(t *testing.T) {
	f := newFixture(t, Options{MaxRetries: 3})
	f.addTokenRule(t, "0.000002")
	ctx := context.Background()

	for range 3 {
		require.Equal(t, OutcomeAck, f.proc.Process(ctx, llmPayload(t, nil)).Outcome)
	}
	events, err := f.mem.ListEvents(ctx, store.EventFilter{TenantID: "tenant-a"})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestProcessReleasesOnStoreOutage(t *testing.T) {
	f := newFixture(t, Options{MaxRetries: 3})
	f.addTokenRule(t, "0.000002")
	f.mem.FailNext("upsert event", errors.New("connection refused"))

	res := f.proc.Process(context.Background(), llmPayload(t, nil))
	assert.Equal(t, OutcomeRelease, res.Outcome)
	assert.True(t, IsInfrastructure(res.Err))
	assert.Nil(t, res.Payload)

	_, err := f.mem.GetEvent(context.Background(), "evt-1")
	assert.Error(t, err)
}

func TestProcessReleasesOnRegistryOutage(t *testing.T) {
	f := newFixture(t, Options{MaxRetries: 3})
	f.addTokenRule(t, "0.000002")
	f.mem.FailNext("get service entry", errors.New("i/o timeout"))

	res := f.proc.Process(context.Background(), llmPayload(t, nil))
	assert.Equal(t, OutcomeRelease, res.Outcome)
	assert.True(t, IsInfrastructure(res.Err))
	assert.Equal(t, 0, f.mem.Calls("upsert event"))

	f.mem.FailNext("list billing rules", errors.New("i/o timeout"))
	res = f.proc.Process(context.Background(), llmPayload(t, nil))
	assert.Equal(t, OutcomeRelease, res.Outcome)
}

func TestProcessStoreDataErrorIsRetried(t *testing.T) {
	f := newFixture(t, Options{MaxRetries: 3})
	f.addTokenRule(t, "0.000002")
	f.mem.FailNext("upsert event", &pgconn.PgError{Code: "22003", Message: "numeric field overflow"})

	res := f.proc.Process(context.Background(), llmPayload(t, nil))
	require.Equal(t, OutcomeRequeue, res.Outcome)
	assert.Equal(t, 1, res.Event.RetryCount)
	assert.False(t, IsInfrastructure(res.Err))
}

func TestProcessEnrichmentFailureIsRetried(t *testing.T) {
	f := newFixture(t, Options{MaxRetries: 3})
	f.addTokenRule(t, "0.000002")

	res := f.proc.Process(context.Background(), llmPayload(t, map[string]any{
		"metrics": map[string]any{"input_tokens": "many", "output_tokens": 5},
	}))
	require.Equal(t, OutcomeRequeue, res.Outcome)
	var eerr *EnrichmentError
	require.ErrorAs(t, res.Err, &eerr)
	assert.Equal(t, "total_tokens", eerr.Metric)
}
