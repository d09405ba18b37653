package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ncecere/usage_tracker/internal/models"
	"github.com/ncecere/usage_tracker/internal/store/memory"
)

func TestEntryIsCachedUntilTTL(t *testing.T) {
	mem := memory.New()
	ctx := context.Background()
	_, err := mem.UpsertServiceEntry(ctx, models.ServiceRegistryEntry{ServiceType: models.ServiceLLM, IsActive: true})
	require.NoError(t, err)

	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	svc := NewService(mem, time.Minute).WithClock(func() time.Time { return now })

	for i := 0; i < 3; i++ {
		entry, err := svc.Entry(ctx, models.ServiceLLM)
		require.NoError(t, err)
		assert.True(t, entry.IsActive)
	}
	assert.Equal(t, 1, mem.Calls("get service entry"))

	now = now.Add(2 * time.Minute)
	_, err = svc.Entry(ctx, models.ServiceLLM)
	require.NoError(t, err)
	assert.Equal(t, 2, mem.Calls("get service entry"))
}

func TestUnknownServiceIsNegativelyCached(t *testing.T) {
	mem := memory.New()
	svc := NewService(mem, time.Minute)

	_, err := svc.Entry(context.Background(), models.ServiceCustom)
	require.ErrorIs(t, err, ErrUnknownService)
	_, err = svc.Entry(context.Background(), models.ServiceCustom)
	require.ErrorIs(t, err, ErrUnknownService)
	assert.Equal(t, 1, mem.Calls("get service entry"))
}

func TestTransientErrorsAreNotCached(t *testing.T) {
	mem := memory.New()
	ctx := context.Background()
	_, err := mem.UpsertServiceEntry(ctx, models.ServiceRegistryEntry{ServiceType: models.ServiceAPI, IsActive: true})
	require.NoError(t, err)
	mem.FailNext("get service entry", errors.New("timeout"))

	svc := NewService(mem, time.Minute)
	_, err = svc.Entry(ctx, models.ServiceAPI)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnknownService)

	_, err = svc.Entry(ctx, models.ServiceAPI)
	require.NoError(t, err)
}

func TestRulesCacheAndInvalidate(t *testing.T) {
	mem := memory.New()
	ctx := context.Background()
	_, err := mem.UpsertBillingRule(ctx, models.BillingRule{
		ServiceType: models.ServiceLLM, Provider: "openai", IsActive: true,
		EffectiveFrom: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	svc := NewService(mem, time.Hour)
	rules, err := svc.Rules(ctx, models.ServiceLLM, "openai")
	require.NoError(t, err)
	assert.Len(t, rules, 1)
	_, err = svc.Rules(ctx, models.ServiceLLM, "openai")
	require.NoError(t, err)
	assert.Equal(t, 1, mem.Calls("list billing rules"))

	svc.Invalidate()
	_, err = svc.Rules(ctx, models.ServiceLLM, "openai")
	require.NoError(t, err)
	assert.Equal(t, 2, mem.Calls("list billing rules"))
}
