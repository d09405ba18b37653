package usagepipeline

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ncecere/usage_tracker/internal/models"
)

func TestDecodeEnvelope(t *testing.T) {
	env, err := decodeEnvelope([]byte(`{"event_id":"e","metrics":{"n":1.50},"extra":true}`))
	require.NoError(t, err)
	assert.Equal(t, true, env["extra"])
	assert.Equal(t, json.Number("1.50"), env["metrics"].(map[string]any)["n"])

	for _, raw := range []string{``, `[1,2]`, `null`, `"text"`, `{"a":1} {"b":2}`, `{"a":`} {
		_, err := decodeEnvelope([]byte(raw))
		assert.ErrorIs(t, err, errMalformed, "payload %q", raw)
	}
}

func TestEnvelopeRetryKeepsUnknownKeys(t *testing.T) {
	env := envelope{"event_id": "e", "custom": "kept"}
	at := time.Date(2024, time.June, 3, 10, 0, 0, 0, time.UTC)

	out := env.deadLettered(2, "boom", at)
	assert.Equal(t, "kept", out["custom"])
	assert.Equal(t, 2, out[keyRetryCount])
	assert.Equal(t, "boom", out[keyErrorMessage])
	assert.Equal(t, "2024-06-03T10:00:00Z", out[keyDeadLetteredAt])
	assert.NotContains(t, env, keyRetryCount)
}

func TestResetForReplay(t *testing.T) {
	out, err := ResetForReplay([]byte(`{"event_id":"e","metrics":{"n":1.50},"retry_count":3,"error_message":"boom","dead_lettered_at":"2024-06-03T10:00:00Z"}`))
	require.NoError(t, err)

	env, err := decodeEnvelope(out)
	require.NoError(t, err)
	assert.Equal(t, json.Number("0"), env[keyRetryCount])
	assert.NotContains(t, env, keyErrorMessage)
	assert.NotContains(t, env, keyDeadLetteredAt)
	assert.Equal(t, json.Number("1.50"), env["metrics"].(map[string]any)["n"])

	_, err = ResetForReplay([]byte(`{"event_id":"e","raw_payload":"oops"}`))
	assert.ErrorIs(t, err, errMalformed)
	_, err = ResetForReplay([]byte(`oops`))
	assert.ErrorIs(t, err, errMalformed)
}

func TestParseEventNormalizes(t *testing.T) {
	env, err := decodeEnvelope([]byte(`{
		"event_id": " evt-1 ",
		"tenant_id": "t",
		"user_id": "u",
		"service_type": "llm_service",
		"service_provider": "openai",
		"event_type": "completion",
		"timestamp": 1717408800,
		"retry_count": 2,
		"tags": ["a", "b"],
		"metadata": {"region": "us"}
	}`))
	require.NoError(t, err)

	now := time.Date(2024, time.June, 3, 11, 0, 0, 0, time.UTC)
	ev, verr := parseEvent(env, newValidator(), now)
	require.Nil(t, verr)
	assert.Equal(t, "evt-1", ev.EventID)
	assert.Equal(t, models.ServiceLLM, ev.ServiceType)
	assert.Equal(t, time.Unix(1717408800, 0).UTC(), ev.Timestamp)
	assert.Equal(t, 2, ev.RetryCount)
	assert.Equal(t, []string{"a", "b"}, ev.Tags)
	assert.Equal(t, "us", ev.Metadata["region"])
	assert.Equal(t, models.StatusPending, ev.Status)
	assert.NotNil(t, ev.Metrics)
}

func TestParseEventDefaultsTimestamp(t *testing.T) {
	env := envelope{
		"event_id": "e", "tenant_id": "t", "user_id": "u", "service_type": "api",
		"service_provider": "p", "event_type": "request",
	}
	now := time.Date(2024, time.June, 3, 11, 0, 0, 0, time.UTC)
	ev, verr := parseEvent(env, newValidator(), now)
	require.Nil(t, verr)
	assert.Equal(t, now, ev.Timestamp)
}

func TestParseEventRejects(t *testing.T) {
	base := func() envelope {
		return envelope{
			"event_id": "e", "tenant_id": "t", "user_id": "u", "service_type": "api",
			"service_provider": "p", "event_type": "request",
		}
	}
	long := make([]byte, 256)
	for i := range long {
		long[i] = 'x'
	}
	cases := []struct {
		name  string
		key   string
		value any
		field string
	}{
		{"numeric event id", "event_id", json.Number("42"), "event_id"},
		{"empty tenant", "tenant_id", "  ", "tenant_id"},
		{"long user", "user_id", string(long), "user_id"},
		{"bad service", "service_type", "video", "service_type"},
		{"negative retry", "retry_count", json.Number("-1"), "retry_count"},
		{"fractional retry", "retry_count", json.Number("1.5"), "retry_count"},
		{"metadata array", "metadata", []any{}, "metadata"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := base()
			env[tc.key] = tc.value
			_, verr := parseEvent(env, newValidator(), time.Now())
			require.NotNil(t, verr)
			assert.Equal(t, tc.field, verr.Field)
		})
	}
}
