package health

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ncecere/usage_tracker/internal/config"
)

func TestMonitorTracksReadiness(t *testing.T) {
	var redisDown atomic.Bool
	m := NewMonitor(config.HealthConfig{CheckInterval: time.Hour, CheckTimeout: time.Second}, nil, nil).
		Register("postgres", func(context.Context) error { return nil }).
		Register("redis", func(context.Context) error {
			if redisDown.Load() {
				return errors.New("connection refused")
			}
			return nil
		})

	assert.False(t, m.Ready(), "not ready before the first sweep")

	m.CheckNow(context.Background())
	assert.True(t, m.Ready())

	redisDown.Store(true)
	m.CheckNow(context.Background())
	assert.False(t, m.Ready())

	snap := m.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "postgres", snap[0].Name)
	assert.True(t, snap[0].OK)
	assert.Equal(t, "redis", snap[1].Name)
	assert.Equal(t, "connection refused", snap[1].Error)
}

func TestMonitorAppliesTimeout(t *testing.T) {
	m := NewMonitor(config.HealthConfig{CheckInterval: time.Hour, CheckTimeout: 20 * time.Millisecond}, nil, nil).
		Register("slow", func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		})

	m.CheckNow(context.Background())
	assert.False(t, m.Ready())
	assert.Contains(t, m.Snapshot()[0].Error, "deadline exceeded")
}

func TestMonitorSamplesQueueDepth(t *testing.T) {
	var calls atomic.Int32
	m := NewMonitor(config.HealthConfig{CheckInterval: time.Hour}, nil, nil).
		WithQueueDepth(func(context.Context) (int64, int64, error) {
			calls.Add(1)
			return 3, 1, nil
		})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	m.Start(ctx)
	assert.Equal(t, int32(1), calls.Load(), "Start runs one sweep only once")
	assert.True(t, m.Ready(), "no checks registered")
}
