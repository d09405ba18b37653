package usagepipeline

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ncecere/usage_tracker/internal/config"
	"github.com/ncecere/usage_tracker/internal/models"
	"github.com/ncecere/usage_tracker/internal/queue"
)

var testQueueNames = config.QueueConfig{
	Primary:          "usage_events",
	DeadLetter:       "dead_letter_events",
	ProcessingPrefix: "usage_events:processing",
}

func testProcessorConfig() config.ProcessorConfig {
	return config.ProcessorConfig{
		Workers:               1,
		WorkerID:              "test",
		BatchSize:             10,
		BatchConcurrency:      1,
		DequeueTimeout:        100 * time.Millisecond,
		MaxRetries:            3,
		DeadLetterInvalid:     true,
		BackoffInitial:        10 * time.Millisecond,
		BackoffMax:            50 * time.Millisecond,
		QueueFailureThreshold: 10,
		ShutdownTimeout:       time.Second,
	}
}

type workerFixture struct {
	*fixture
	server *miniredis.Miniredis
	queue  *queue.Queue
	worker *Worker
}

func newWorkerFixture(t *testing.T, cfg config.ProcessorConfig) *workerFixture {
	t.Helper()
	server, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})

	f := newFixture(t, Options{MaxRetries: cfg.MaxRetries, DeadLetterInvalid: cfg.DeadLetterInvalid})
	q := queue.New(client, testQueueNames)
	w := NewWorker(q, "w1", f.proc, cfg, slog.New(slog.DiscardHandler), nil)
	w.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return &workerFixture{fixture: f, server: server, queue: q, worker: w}
}

func (wf *workerFixture) list(t *testing.T, key string) []string {
	t.Helper()
	if !wf.server.Exists(key) {
		return nil
	}
	vals, err := wf.server.List(key)
	require.NoError(t, err)
	return vals
}

func payloadField(t *testing.T, raw string, key string) any {
	t.Helper()
	return decodePayload(t, []byte(raw))[key]
}

func TestWorkerSettlesMixedBatch(t *testing.T) {
	wf := newWorkerFixture(t, testProcessorConfig())
	wf.addTokenRule(t, "0.000002")
	ctx := context.Background()

	require.NoError(t, wf.queue.Enqueue(ctx,
		llmPayload(t, nil),
		llmPayload(t, map[string]any{"event_id": "evt-2", "tenant_id": nil}),
		llmPayload(t, map[string]any{"event_id": "evt-3", "service_provider": "anthropic"}),
	))

	n, err := wf.worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	assert.Empty(t, wf.list(t, wf.worker.consumer.ProcessingKey()))

	primary := wf.list(t, testQueueNames.Primary)
	require.Len(t, primary, 1)
	assert.Equal(t, "evt-3", payloadField(t, primary[0], keyEventID))
	assert.Equal(t, json.Number("1"), payloadField(t, primary[0], keyRetryCount))

	dead := wf.list(t, testQueueNames.DeadLetter)
	require.Len(t, dead, 1)
	assert.Equal(t, "evt-2", payloadField(t, dead[0], keyEventID))

	stored, err := wf.mem.GetEvent(ctx, "evt-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, stored.Status)
}

func TestWorkerRetriesUntilDeadLetter(t *testing.T) {
	wf := newWorkerFixture(t, testProcessorConfig())
	ctx := context.Background()

	require.NoError(t, wf.queue.Enqueue(ctx, llmPayload(t, nil)))
	for range 3 {
		n, err := wf.worker.RunOnce(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, n)
	}

	assert.Empty(t, wf.list(t, testQueueNames.Primary))
	dead := wf.list(t, testQueueNames.DeadLetter)
	require.Len(t, dead, 1)
	assert.Equal(t, json.Number("3"), payloadField(t, dead[0], keyRetryCount))
	assert.NotEmpty(t, payloadField(t, dead[0], keyDeadLetteredAt))

	stored, err := wf.mem.GetEvent(ctx, "evt-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, stored.Status)
	assert.Equal(t, 3, stored.RetryCount)
}

func TestWorkerRetryThenComplete(t *testing.T) {
	wf := newWorkerFixture(t, testProcessorConfig())
	ctx := context.Background()

	require.NoError(t, wf.queue.Enqueue(ctx, llmPayload(t, nil)))
	for range 2 {
		_, err := wf.worker.RunOnce(ctx)
		require.NoError(t, err)
	}
	wf.addTokenRule(t, "0.000002")
	_, err := wf.worker.RunOnce(ctx)
	require.NoError(t, err)

	assert.Empty(t, wf.list(t, testQueueNames.Primary))
	assert.Empty(t, wf.list(t, testQueueNames.DeadLetter))
	stored, err := wf.mem.GetEvent(ctx, "evt-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, stored.Status)
	assert.Equal(t, 2, stored.RetryCount)
}

func TestWorkerReleasesOnDependencyFailure(t *testing.T) {
	wf := newWorkerFixture(t, testProcessorConfig())
	wf.addTokenRule(t, "0.000002")
	ctx := context.Background()

	first := llmPayload(t, nil)
	second := llmPayload(t, map[string]any{"event_id": "evt-2"})
	require.NoError(t, wf.queue.Enqueue(ctx, first, second))
	wf.mem.FailNext("get service entry", errors.New("connection reset"))

	_, err := wf.worker.RunOnce(ctx)
	require.Error(t, err)
	assert.True(t, IsInfrastructure(err))

	assert.Equal(t, []string{string(first)}, wf.list(t, testQueueNames.Primary))
	assert.Empty(t, wf.list(t, wf.worker.consumer.ProcessingKey()))

	_, err = wf.mem.GetEvent(ctx, "evt-1")
	assert.Error(t, err)
	stored, err := wf.mem.GetEvent(ctx, "evt-2")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, stored.Status)
}

func TestWorkerEmptyQueue(t *testing.T) {
	wf := newWorkerFixture(t, testProcessorConfig())

	n, err := wf.worker.RunOnce(context.Background())
	assert.Zero(t, n)
	assert.ErrorIs(t, err, queue.ErrEmpty)
}

func TestWorkerQueueFailure(t *testing.T) {
	wf := newWorkerFixture(t, testProcessorConfig())
	wf.server.SetError("ERR connection lost")

	_, err := wf.worker.RunOnce(context.Background())
	var qerr *queue.Error
	require.ErrorAs(t, err, &qerr)
	assert.Equal(t, "dequeue", qerr.Op)
}

func TestWorkerRunRecoversAndStops(t *testing.T) {
	wf := newWorkerFixture(t, testProcessorConfig())
	wf.addTokenRule(t, "0.000002")

	// Left behind by a previous process that died mid-batch.
	_, err := wf.server.Lpush(wf.worker.consumer.ProcessingKey(), string(llmPayload(t, nil)))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- wf.worker.Run(ctx) }()

	require.Eventually(t, func() bool {
		ev, err := wf.mem.GetEvent(context.Background(), "evt-1")
		return err == nil && ev.Status == models.StatusCompleted
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
	assert.Empty(t, wf.list(t, wf.worker.consumer.ProcessingKey()))
}

func TestRunWorkersReturnsOnCancel(t *testing.T) {
	wf := newWorkerFixture(t, testProcessorConfig())
	cfg := testProcessorConfig()
	cfg.Workers = 3

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, RunWorkers(ctx, wf.queue, wf.proc, cfg, slog.New(slog.DiscardHandler), nil))
}
