// Package usagepipeline turns raw queue payloads into billed, persisted usage
// events and decides what happens to each payload afterwards.
package usagepipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	decimal "github.com/shopspring/decimal"

	"github.com/ncecere/usage_tracker/internal/billing"
	"github.com/ncecere/usage_tracker/internal/models"
	"github.com/ncecere/usage_tracker/internal/observability"
	"github.com/ncecere/usage_tracker/internal/services/registry"
	"github.com/ncecere/usage_tracker/internal/store"
)

// EventStore persists processed events.
type EventStore interface {
	UpsertEvent(ctx context.Context, ev *models.UsageEvent) (bool, error)
}

// Registry supplies service entries and billing rules.
type Registry interface {
	Entry(ctx context.Context, st models.ServiceType) (models.ServiceRegistryEntry, error)
	Rules(ctx context.Context, st models.ServiceType, provider string) ([]models.BillingRule, error)
}

// Outcome is what the worker must do with a payload after processing.
type Outcome int

const (
	// OutcomeAck removes the payload: its result is stored.
	OutcomeAck Outcome = iota
	// OutcomeRequeue replaces the payload with Result.Payload.
	OutcomeRequeue
	// OutcomeDeadLetter moves Result.Payload to the dead-letter list.
	OutcomeDeadLetter
	// OutcomeRelease returns the payload unchanged after an infrastructure failure.
	OutcomeRelease
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAck:
		return "ack"
	case OutcomeRequeue:
		return "requeue"
	case OutcomeDeadLetter:
		return "dead_letter"
	case OutcomeRelease:
		return "release"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Result describes one processed payload.
type Result struct {
	Outcome Outcome
	Event   models.UsageEvent
	Payload []byte
	Err     error
}

// Options configures retry behavior.
type Options struct {
	MaxRetries        int
	DeadLetterInvalid bool
}

// Processor runs the per-event state machine. It is safe for concurrent use.
type Processor struct {
	store    EventStore
	registry Registry
	engine   *billing.Engine
	opts     Options
	validate *validator.Validate
	logger   *slog.Logger
	metrics  *observability.Provider
	now      func() time.Time
}

func NewProcessor(st EventStore, reg Registry, engine *billing.Engine, opts Options, logger *slog.Logger, metrics *observability.Provider) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	if engine == nil {
		engine = billing.NewEngine()
	}
	return &Processor{
		store:    st,
		registry: reg,
		engine:   engine,
		opts:     opts,
		validate: newValidator(),
		logger:   logger,
		metrics:  metrics,
		now:      time.Now,
	}
}

// WithClock overrides the clock used for default timestamps and dead-letter stamps.
func (p *Processor) WithClock(now func() time.Time) *Processor {
	p.now = now
	return p
}

// Process handles one payload end to end. Store writes happen here; queue
// operations are left to the caller according to Result.Outcome.
func (p *Processor) Process(ctx context.Context, body []byte) Result {
	started := p.now()

	env, err := decodeEnvelope(body)
	if err != nil {
		return p.rejectMalformed(ctx, body, err, started)
	}

	if missingEventID(env) {
		// Stamp the id into the payload so retries keep the same dedup key.
		env[keyEventID] = newEventID()
	}

	ev, verr := parseEvent(env, p.validate, started.UTC())
	if ev.EventID == "" {
		ev.EventID = newEventID()
	}
	if verr != nil {
		return p.reject(ctx, env, ev, verr, started)
	}

	entry, err := p.registry.Entry(ctx, ev.ServiceType)
	if err != nil {
		if errors.Is(err, registry.ErrUnknownService) {
			return p.reject(ctx, env, ev, invalid("service_type", "no registry entry for %q", ev.ServiceType), started)
		}
		return p.release(ev, &infraError{stage: "load registry entry", err: err}, started)
	}
	if verr := checkAgainstRegistry(ev, entry); verr != nil {
		return p.reject(ctx, env, ev, verr, started)
	}

	enriched, err := Enrich(ev, entry)
	if err != nil {
		return p.fail(ctx, env, ev, err, started)
	}
	ev = enriched

	rules, err := p.registry.Rules(ctx, ev.ServiceType, ev.ServiceProvider)
	if err != nil {
		return p.release(ev, &infraError{stage: "load billing rules", err: err}, started)
	}
	info, err := p.engine.Calculate(ev, rules)
	if err != nil {
		return p.fail(ctx, env, ev, err, started)
	}

	ev.Status = models.StatusCompleted
	ev.BillingInfo = &info
	ev.TotalCost = decimal.NewNullDecimal(info.TotalCost)
	ev.ErrorMessage = ""
	if _, err := p.store.UpsertEvent(ctx, &ev); err != nil {
		if store.IsDataError(err) {
			return p.fail(ctx, env, ev, err, started)
		}
		return p.release(ev, &infraError{stage: "store event", err: err}, started)
	}

	p.metrics.RecordEvent("completed")
	p.logTransition(slog.LevelInfo, "usage pipeline: event completed", ev, started,
		slog.String("total_cost", info.TotalCost.String()),
		slog.String("rule_id", info.RuleID),
	)
	return Result{Outcome: OutcomeAck, Event: ev}
}

// checkAgainstRegistry applies the per-service rules from the registry.
func checkAgainstRegistry(ev models.UsageEvent, entry models.ServiceRegistryEntry) *ValidationError {
	if !entry.IsActive {
		return invalid("service_type", "service %q is inactive", ev.ServiceType)
	}
	if !entry.AllowsProvider(ev.ServiceProvider) {
		return invalid("service_provider", "provider %q is not allowed for %s", ev.ServiceProvider, ev.ServiceType)
	}
	for _, field := range entry.RequiredFields {
		if _, ok := ev.Metrics.Lookup(field); !ok {
			return invalid("metrics."+field, "is required for %s", ev.ServiceType)
		}
	}
	return nil
}

// reject stores a validation failure without touching retry_count.
func (p *Processor) reject(ctx context.Context, env envelope, ev models.UsageEvent, verr *ValidationError, started time.Time) Result {
	ev.Status = models.StatusFailed
	ev.ErrorMessage = verr.Error()
	ev.BillingInfo = nil
	ev.TotalCost = decimal.NullDecimal{}

	if res, stop := p.storeFailure(ctx, &ev, started); stop {
		return res
	}
	p.metrics.RecordEvent("invalid")
	if !p.opts.DeadLetterInvalid {
		p.logTransition(slog.LevelWarn, "usage pipeline: event rejected", ev, started, slog.String("error", ev.ErrorMessage))
		return Result{Outcome: OutcomeAck, Event: ev, Err: verr}
	}
	payload, err := env.deadLettered(ev.RetryCount, ev.ErrorMessage, p.now()).encode()
	if err != nil {
		return p.release(ev, &infraError{stage: "encode dead letter", err: err}, started)
	}
	p.logTransition(slog.LevelWarn, "usage pipeline: event rejected and dead-lettered", ev, started, slog.String("error", ev.ErrorMessage))
	return Result{Outcome: OutcomeDeadLetter, Event: ev, Payload: payload, Err: verr}
}

// rejectMalformed stores an unparseable payload under a fresh id.
func (p *Processor) rejectMalformed(ctx context.Context, body []byte, cause error, started time.Time) Result {
	ev := models.UsageEvent{
		EventID:      newEventID(),
		Timestamp:    started.UTC(),
		Metrics:      models.Metrics{},
		Metadata:     map[string]any{keyRawPayload: string(body)},
		Status:       models.StatusFailed,
		ErrorMessage: (&ValidationError{Reason: cause.Error()}).Error(),
	}
	if res, stop := p.storeFailure(ctx, &ev, started); stop {
		return res
	}
	p.metrics.RecordEvent("invalid")
	if !p.opts.DeadLetterInvalid {
		p.logTransition(slog.LevelWarn, "usage pipeline: malformed payload rejected", ev, started)
		return Result{Outcome: OutcomeAck, Event: ev, Err: cause}
	}
	env := envelope{keyEventID: ev.EventID, keyRawPayload: string(body)}
	payload, err := env.deadLettered(0, ev.ErrorMessage, p.now()).encode()
	if err != nil {
		return p.release(ev, &infraError{stage: "encode dead letter", err: err}, started)
	}
	p.logTransition(slog.LevelWarn, "usage pipeline: malformed payload dead-lettered", ev, started)
	return Result{Outcome: OutcomeDeadLetter, Event: ev, Payload: payload, Err: cause}
}

// fail records a retryable processing failure and decides between requeue
// and dead-letter.
func (p *Processor) fail(ctx context.Context, env envelope, ev models.UsageEvent, cause error, started time.Time) Result {
	ev.RetryCount++
	ev.Status = models.StatusFailed
	ev.ErrorMessage = cause.Error()
	ev.BillingInfo = nil
	ev.TotalCost = decimal.NullDecimal{}

	if res, stop := p.storeFailure(ctx, &ev, started); stop {
		return res
	}

	if ev.RetryCount < p.opts.MaxRetries {
		payload, err := env.withRetry(ev.RetryCount, ev.ErrorMessage).encode()
		if err != nil {
			return p.release(ev, &infraError{stage: "encode retry", err: err}, started)
		}
		p.metrics.RecordEvent("retried")
		p.logTransition(slog.LevelWarn, "usage pipeline: event failed, requeued", ev, started, slog.String("error", ev.ErrorMessage))
		return Result{Outcome: OutcomeRequeue, Event: ev, Payload: payload, Err: cause}
	}

	payload, err := env.deadLettered(ev.RetryCount, ev.ErrorMessage, p.now()).encode()
	if err != nil {
		return p.release(ev, &infraError{stage: "encode dead letter", err: err}, started)
	}
	p.metrics.RecordEvent("dead_lettered")
	p.logTransition(slog.LevelError, "usage pipeline: event dead-lettered after retries", ev, started, slog.String("error", ev.ErrorMessage))
	return Result{Outcome: OutcomeDeadLetter, Event: ev, Payload: payload, Err: cause}
}

// storeFailure writes a failed record. stop is true when the caller must
// return res instead of continuing: the store is unavailable, or the event
// is already completed and the failure is moot.
func (p *Processor) storeFailure(ctx context.Context, ev *models.UsageEvent, started time.Time) (res Result, stop bool) {
	applied, err := p.store.UpsertEvent(ctx, ev)
	switch {
	case err != nil && !store.IsDataError(err):
		return p.release(*ev, &infraError{stage: "store failed event", err: err}, started), true
	case err != nil:
		// The row itself is unstorable; keep going so the payload is not lost.
		p.logTransition(slog.LevelError, "usage pipeline: failed event not storable", *ev, started, slog.String("error", err.Error()))
		return Result{}, false
	case !applied:
		p.metrics.RecordEvent("duplicate")
		p.logTransition(slog.LevelInfo, "usage pipeline: event already completed, dropping failure", *ev, started)
		return Result{Outcome: OutcomeAck, Event: *ev}, true
	default:
		return Result{}, false
	}
}

func (p *Processor) release(ev models.UsageEvent, err error, started time.Time) Result {
	p.metrics.RecordEvent("released")
	p.logTransition(slog.LevelWarn, "usage pipeline: infrastructure failure, releasing payload", ev, started, slog.String("error", err.Error()))
	return Result{Outcome: OutcomeRelease, Event: ev, Err: err}
}

func (p *Processor) logTransition(level slog.Level, msg string, ev models.UsageEvent, started time.Time, attrs ...slog.Attr) {
	base := []slog.Attr{
		slog.String("event_id", ev.EventID),
		slog.String("tenant_id", ev.TenantID),
		slog.Int("retry_count", ev.RetryCount),
		slog.String("status", string(ev.Status)),
		slog.Duration("elapsed", p.now().Sub(started)),
	}
	p.logger.LogAttrs(context.Background(), level, msg, append(base, attrs...)...)
}

// missingEventID reports whether the payload carries no usable event_id. A
// value of the wrong type is left for validation to reject.
func missingEventID(env envelope) bool {
	switch id := env[keyEventID].(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(id) == ""
	default:
		return false
	}
}
