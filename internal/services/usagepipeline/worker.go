package usagepipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"

	"github.com/ncecere/usage_tracker/internal/config"
	"github.com/ncecere/usage_tracker/internal/observability"
	"github.com/ncecere/usage_tracker/internal/queue"
)

// Worker drains one consumer of the ingestion queue in batches.
type Worker struct {
	consumer  *queue.Consumer
	processor *Processor
	cfg       config.ProcessorConfig
	logger    *slog.Logger
	metrics   *observability.Provider
	backoff   *backoff.ExponentialBackOff
	sleep     func(context.Context, time.Duration) error
}

func NewWorker(q *queue.Queue, name string, p *Processor, cfg config.ProcessorConfig, logger *slog.Logger, metrics *observability.Provider) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.BackoffInitial
	bo.MaxInterval = cfg.BackoffMax
	return &Worker{
		consumer:  q.Consumer(name),
		processor: p,
		cfg:       cfg,
		logger:    logger.With(slog.String("worker", name)),
		metrics:   metrics,
		backoff:   bo,
		sleep:     sleepContext,
	}
}

// RunWorkers starts cfg.Workers workers named <worker_id>-<n> and blocks
// until ctx is cancelled and every in-flight batch has settled.
func RunWorkers(ctx context.Context, q *queue.Queue, p *Processor, cfg config.ProcessorConfig, logger *slog.Logger, metrics *observability.Provider) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := range cfg.Workers {
		w := NewWorker(q, fmt.Sprintf("%s-%d", cfg.WorkerID, i), p, cfg, logger, metrics)
		g.Go(func() error { return w.Run(gctx) })
	}
	return g.Wait()
}

// Run consumes until ctx is cancelled. The batch in progress when ctx ends
// is allowed ShutdownTimeout to finish; whatever is left in flight after that
// is moved back by Recover on the next start.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("usage pipeline: worker started", slog.String("processing_list", w.consumer.ProcessingKey()))
	defer w.logger.Info("usage pipeline: worker stopped")

	needsRecover := true
	queueFailures := 0
	for {
		if ctx.Err() != nil {
			return nil
		}

		if needsRecover {
			moved, err := w.consumer.Recover(ctx)
			if err != nil {
				queueFailures++
				w.queueFailure(queueFailures, err)
				if w.sleep(ctx, w.backoff.NextBackOff()) != nil {
					return nil
				}
				continue
			}
			needsRecover = false
			if moved > 0 {
				w.logger.Warn("usage pipeline: recovered in-flight payloads", slog.Int("count", moved))
			}
		}

		_, err := w.RunOnce(ctx)
		var qerr *queue.Error
		switch {
		case err == nil, errors.Is(err, queue.ErrEmpty):
			queueFailures = 0
			w.backoff.Reset()
		case ctx.Err() != nil:
			return nil
		case errors.As(err, &qerr):
			queueFailures++
			needsRecover = true
			w.queueFailure(queueFailures, err)
			if w.sleep(ctx, w.backoff.NextBackOff()) != nil {
				return nil
			}
		case IsInfrastructure(err):
			queueFailures = 0
			wait := w.backoff.NextBackOff()
			w.logger.Warn("usage pipeline: dependency unavailable, backing off",
				slog.Duration("wait", wait),
				slog.String("error", err.Error()),
			)
			if w.sleep(ctx, wait) != nil {
				return nil
			}
		default:
			w.logger.Error("usage pipeline: batch failed", slog.String("error", err.Error()))
			if w.sleep(ctx, w.backoff.NextBackOff()) != nil {
				return nil
			}
		}
	}
}

// RunOnce dequeues and settles a single batch. It returns the number of
// payloads handled, queue.ErrEmpty when none arrived, a *queue.Error when a
// queue operation failed and an infrastructure error when payloads had to be
// released.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	deliveries, dqErr := w.consumer.Dequeue(ctx, w.cfg.BatchSize, w.cfg.DequeueTimeout)
	if len(deliveries) == 0 {
		return 0, dqErr
	}

	started := time.Now()
	procCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()
	stop := context.AfterFunc(ctx, func() {
		grace := time.AfterFunc(w.cfg.ShutdownTimeout, cancel)
		<-procCtx.Done()
		grace.Stop()
	})
	defer stop()

	results := make([]Result, len(deliveries))
	g := new(errgroup.Group)
	g.SetLimit(max(w.cfg.BatchConcurrency, 1))
	for i, d := range deliveries {
		g.Go(func() error {
			results[i] = w.processor.Process(procCtx, d.Body)
			return nil
		})
	}
	_ = g.Wait()

	errs := w.settle(procCtx, deliveries, results)
	if dqErr != nil {
		errs = append(errs, dqErr)
	}
	w.metrics.RecordBatch(w.consumer.Worker(), time.Since(started))
	w.logger.Debug("usage pipeline: batch settled",
		slog.Int("size", len(deliveries)),
		slog.Duration("elapsed", time.Since(started)),
	)
	return len(deliveries), errors.Join(errs...)
}

// settle applies each result's outcome. Released payloads go back together
// so their relative order survives.
func (w *Worker) settle(ctx context.Context, deliveries []queue.Delivery, results []Result) []error {
	var (
		errs     []error
		released []queue.Delivery
		cause    error
	)
	for i, d := range deliveries {
		res := results[i]
		var err error
		switch res.Outcome {
		case OutcomeAck:
			err = w.consumer.Ack(ctx, d)
		case OutcomeRequeue:
			err = w.consumer.Requeue(ctx, d, res.Payload)
		case OutcomeDeadLetter:
			err = w.consumer.DeadLetter(ctx, d, res.Payload)
		case OutcomeRelease:
			released = append(released, d)
			if cause == nil {
				cause = res.Err
			}
		}
		if err != nil {
			w.logger.Error("usage pipeline: settle payload",
				slog.String("event_id", res.Event.EventID),
				slog.String("outcome", res.Outcome.String()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, err)
		}
	}
	if len(released) > 0 {
		if err := w.consumer.Release(ctx, released...); err != nil {
			errs = append(errs, err)
		}
		errs = append(errs, cause)
	}
	return errs
}

func (w *Worker) queueFailure(consecutive int, err error) {
	if consecutive > w.cfg.QueueFailureThreshold {
		w.metrics.RecordQueueFailure()
		w.logger.Error("usage pipeline: queue unavailable",
			slog.Int("consecutive_failures", consecutive),
			slog.String("error", err.Error()),
		)
		return
	}
	w.logger.Warn("usage pipeline: queue operation failed",
		slog.Int("consecutive_failures", consecutive),
		slog.String("error", err.Error()),
	)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
