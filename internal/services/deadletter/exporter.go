// Package deadletter snapshots the dead-letter list to blob storage and
// replays payloads back into the primary queue.
package deadletter

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ncecere/usage_tracker/internal/services/usagepipeline"
	"github.com/ncecere/usage_tracker/internal/storage/blob"
)

const contentType = "application/x-ndjson"

// Queue is the slice of the ingestion queue the exporter needs.
type Queue interface {
	DeadLetters(ctx context.Context) ([][]byte, error)
	TrimDeadLetters(ctx context.Context, n int) error
	Enqueue(ctx context.Context, payloads ...[]byte) error
}

// Options selects what happens to the dead-letter list after the snapshot.
type Options struct {
	// Drain removes the exported payloads from the dead-letter list.
	Drain bool
	// Replay pushes the exported payloads back onto the primary queue with a
	// reset retry count, then removes them from the dead-letter list.
	Replay bool
}

// Report describes one export.
type Report struct {
	Key      string
	Exported int
	Replayed int
	Skipped  int
	Trimmed  int
}

type Exporter struct {
	queue  Queue
	blobs  blob.Store
	prefix string
	logger *slog.Logger
	now    func() time.Time
}

func NewExporter(q Queue, blobs blob.Store, prefix string, logger *slog.Logger) *Exporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Exporter{
		queue:  q,
		blobs:  blobs,
		prefix: strings.Trim(prefix, "/"),
		logger: logger,
		now:    time.Now,
	}
}

// WithClock overrides the clock used to name exports.
func (e *Exporter) WithClock(now func() time.Time) *Exporter {
	e.now = now
	return e
}

// Export writes every dead-lettered payload, oldest first, to one JSONL
// object. The list is only trimmed once the object is stored, and only by
// the number of payloads exported, so payloads dead-lettered meanwhile stay.
func (e *Exporter) Export(ctx context.Context, opts Options) (Report, error) {
	payloads, err := e.queue.DeadLetters(ctx)
	if err != nil {
		return Report{}, err
	}
	if len(payloads) == 0 {
		return Report{}, nil
	}

	var buf bytes.Buffer
	for _, p := range payloads {
		buf.Write(bytes.TrimSpace(p))
		buf.WriteByte('\n')
	}

	now := e.now().UTC()
	key := e.key(now)
	if _, err := e.blobs.Put(ctx, key, bytes.NewReader(buf.Bytes()), blob.PutOptions{
		ContentType: contentType,
		Metadata: map[string]string{
			"count":       strconv.Itoa(len(payloads)),
			"exported_at": now.Format(time.RFC3339),
		},
	}); err != nil {
		return Report{}, fmt.Errorf("store export %s: %w", key, err)
	}
	report := Report{Key: key, Exported: len(payloads)}
	e.logger.Info("dead letter export stored", slog.String("key", key), slog.Int("count", len(payloads)))

	if opts.Replay {
		replayed, skipped, err := e.enqueue(ctx, payloads)
		report.Replayed, report.Skipped = replayed, skipped
		if err != nil {
			return report, err
		}
	}
	if opts.Drain || opts.Replay {
		if err := e.queue.TrimDeadLetters(ctx, len(payloads)); err != nil {
			return report, err
		}
		report.Trimmed = len(payloads)
	}
	return report, nil
}

// Replay reads a stored export and pushes its payloads onto the primary
// queue with a reset retry count. Reprocessing an event is idempotent, so
// replaying the same export twice does not double count.
func (e *Exporter) Replay(ctx context.Context, key string) (Report, error) {
	rc, _, err := e.blobs.Get(ctx, key)
	if err != nil {
		return Report{}, fmt.Errorf("read export %s: %w", key, err)
	}
	defer rc.Close()

	scanner := bufio.NewScanner(rc)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	var payloads [][]byte
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		payloads = append(payloads, bytes.Clone(line))
	}
	if err := scanner.Err(); err != nil {
		return Report{}, fmt.Errorf("read export %s: %w", key, err)
	}

	replayed, skipped, err := e.enqueue(ctx, payloads)
	return Report{Key: key, Exported: len(payloads), Replayed: replayed, Skipped: skipped}, err
}

// List returns the stored export keys.
func (e *Exporter) List(ctx context.Context) ([]string, error) {
	prefix := ""
	if e.prefix != "" {
		prefix = e.prefix + "/"
	}
	return e.blobs.List(ctx, prefix)
}

func (e *Exporter) enqueue(ctx context.Context, payloads [][]byte) (replayed, skipped int, err error) {
	ready := make([][]byte, 0, len(payloads))
	for i, p := range payloads {
		reset, err := usagepipeline.ResetForReplay(p)
		if err != nil {
			skipped++
			e.logger.Warn("dead letter payload not replayable", slog.Int("line", i+1), slog.String("error", err.Error()))
			continue
		}
		ready = append(ready, reset)
	}
	if err := e.queue.Enqueue(ctx, ready...); err != nil {
		return 0, skipped, err
	}
	return len(ready), skipped, nil
}

// key names an export by its UTC time to the millisecond plus a random
// suffix, so exports in the same instant never overwrite each other.
func (e *Exporter) key(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	name := fmt.Sprintf("%s/dead_letter_%s_%s.jsonl", now.Format("2006/01/02"), now.Format("20060102T150405.000Z"), suffix)
	if e.prefix == "" {
		return name
	}
	return e.prefix + "/" + name
}

