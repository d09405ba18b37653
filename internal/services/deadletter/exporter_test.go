package deadletter

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ncecere/usage_tracker/internal/config"
	"github.com/ncecere/usage_tracker/internal/queue"
	"github.com/ncecere/usage_tracker/internal/storage/blob"
)

var names = config.QueueConfig{
	Primary:          "usage_events",
	DeadLetter:       "dead_letter_events",
	ProcessingPrefix: "usage_events:processing",
}

var exportTime = time.Date(2024, 6, 3, 12, 30, 0, 0, time.UTC)

type fixture struct {
	server *miniredis.Miniredis
	client *redis.Client
	blobs  blob.Store
	exp    *Exporter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	blobs, err := blob.New(context.Background(), config.ExportConfig{
		Storage: "local",
		Local:   config.ExportLocalConfig{Directory: t.TempDir()},
	})
	require.NoError(t, err)

	exp := NewExporter(queue.New(client, names), blobs, "exports", nil).
		WithClock(func() time.Time { return exportTime })
	return &fixture{server: server, client: client, blobs: blobs, exp: exp}
}

// deadLetter pushes payloads the way the pipeline does, oldest first.
func (f *fixture) deadLetter(t *testing.T, payloads ...string) {
	t.Helper()
	for _, p := range payloads {
		require.NoError(t, f.client.LPush(context.Background(), names.DeadLetter, p).Err())
	}
}

func (f *fixture) list(t *testing.T, key string) []string {
	t.Helper()
	if !f.server.Exists(key) {
		return nil
	}
	vals, err := f.server.List(key)
	require.NoError(t, err)
	return vals
}

func (f *fixture) read(t *testing.T, key string) []string {
	t.Helper()
	rc, info, err := f.blobs.Get(context.Background(), key)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "application/x-ndjson", info.ContentType)
	return strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
}

const (
	dl1 = `{"event_id":"evt-1","tenant_id":"t-1","retry_count":3,"error_message":"boom","dead_lettered_at":"2024-06-03T10:00:00Z"}`
	dl2 = `{"event_id":"evt-2","tenant_id":"t-1","retry_count":0,"error_message":"validation failed","dead_lettered_at":"2024-06-03T11:00:00Z"}`
	raw = `{"event_id":"evt-3","raw_payload":"not json","dead_lettered_at":"2024-06-03T11:30:00Z"}`
)

func TestExportKeepsListWithoutDrain(t *testing.T) {
	f := newFixture(t)
	f.deadLetter(t, dl1, dl2)

	report, err := f.exp.Export(context.Background(), Options{})
	require.NoError(t, err)

	assert.Regexp(t, `^exports/2024/06/03/dead_letter_20240603T123000\.000Z_[0-9a-f]{8}\.jsonl$`, report.Key)
	assert.Equal(t, 2, report.Exported)
	assert.Zero(t, report.Trimmed)
	assert.Equal(t, []string{dl1, dl2}, f.read(t, report.Key), "oldest first")
	assert.Len(t, f.list(t, names.DeadLetter), 2)
}

func TestExportDrainLeavesLaterArrivals(t *testing.T) {
	f := newFixture(t)
	f.deadLetter(t, dl1, dl2)

	report, err := f.exp.Export(context.Background(), Options{Drain: true})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Trimmed)
	assert.Empty(t, f.list(t, names.DeadLetter))
	first := report.Key

	// An export of an empty list writes nothing.
	report, err = f.exp.Export(context.Background(), Options{Drain: true})
	require.NoError(t, err)
	assert.Equal(t, Report{}, report)

	keys, err := f.exp.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{first}, keys)
}

func TestExportsInTheSameInstantKeepSeparateKeys(t *testing.T) {
	f := newFixture(t)
	f.deadLetter(t, dl1)
	first, err := f.exp.Export(context.Background(), Options{Drain: true})
	require.NoError(t, err)

	f.deadLetter(t, dl2)
	second, err := f.exp.Export(context.Background(), Options{Drain: true})
	require.NoError(t, err)

	require.NotEqual(t, first.Key, second.Key)
	assert.Equal(t, []string{dl1}, f.read(t, first.Key), "first drained batch survives")
	assert.Equal(t, []string{dl2}, f.read(t, second.Key))

	keys, err := f.exp.List(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{first.Key, second.Key}, keys)
}

func TestExportReplayResetsRetries(t *testing.T) {
	f := newFixture(t)
	f.deadLetter(t, dl1, raw, dl2)

	report, err := f.exp.Export(context.Background(), Options{Replay: true})
	require.NoError(t, err)
	assert.Equal(t, 3, report.Exported)
	assert.Equal(t, 2, report.Replayed)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, 3, report.Trimmed)
	assert.Empty(t, f.list(t, names.DeadLetter))

	primary := f.list(t, names.Primary)
	require.Len(t, primary, 2)
	// LPUSH order: the oldest replayed payload sits at the tail and is consumed first.
	var first map[string]any
	require.NoError(t, json.Unmarshal([]byte(primary[1]), &first))
	assert.Equal(t, "evt-1", first["event_id"])
	assert.EqualValues(t, 0, first["retry_count"])
	assert.NotContains(t, first, "error_message")
	assert.NotContains(t, first, "dead_lettered_at")
	assert.Equal(t, "t-1", first["tenant_id"])
}

func TestReplayFromStoredExport(t *testing.T) {
	f := newFixture(t)
	f.deadLetter(t, dl1, dl2)

	exported, err := f.exp.Export(context.Background(), Options{Drain: true})
	require.NoError(t, err)

	report, err := f.exp.Replay(context.Background(), exported.Key)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Replayed)
	assert.Len(t, f.list(t, names.Primary), 2)

	_, err = f.exp.Replay(context.Background(), "exports/missing.jsonl")
	assert.ErrorIs(t, err, blob.ErrNotFound)
}

func TestExportQueueFailure(t *testing.T) {
	f := newFixture(t)
	f.server.SetError("LOADING")

	_, err := f.exp.Export(context.Background(), Options{Drain: true})
	var qerr *queue.Error
	assert.ErrorAs(t, err, &qerr)
}
