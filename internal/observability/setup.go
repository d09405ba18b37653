package observability

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	promreg "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"github.com/ncecere/usage_tracker/internal/config"
)

const namespace = "usage_tracker"

// Provider owns the tracer/meter providers and the Prometheus collectors.
// A nil *Provider is valid and records nothing.
type Provider struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *metric.MeterProvider
	promHandler    http.Handler
	shutdownFuncs  []func(context.Context) error

	httpRequestCounter *promreg.CounterVec
	httpRequestLatency *promreg.HistogramVec
	eventsProcessed    *promreg.CounterVec
	batchDuration      *promreg.HistogramVec
	queueFailures      promreg.Counter
	queueDepth         *promreg.GaugeVec
	aggregationUnits   *promreg.CounterVec
	aggregationCycle   *promreg.HistogramVec
	billingSummaries   *promreg.CounterVec
	dependencyUp       *promreg.GaugeVec
}

// Setup builds the providers for the named daemon. It returns nil when both
// tracing and metrics are disabled.
func Setup(ctx context.Context, cfg config.ObservabilityConfig, serviceName string) (*Provider, error) {
	if !cfg.EnableOTLP && !cfg.EnableMetrics {
		return nil, nil
	}

	provider := &Provider{}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return nil, err
	}

	if cfg.EnableOTLP {
		endpoint := strings.TrimSpace(cfg.OTLPEndpoint)
		if endpoint == "" {
			endpoint = "localhost:4317"
		}
		opts := []otlptracegrpc.Option{}
		switch {
		case strings.HasPrefix(endpoint, "http://"):
			endpoint = strings.TrimPrefix(endpoint, "http://")
			opts = append(opts, otlptracegrpc.WithInsecure())
		case strings.HasPrefix(endpoint, "https://"):
			endpoint = strings.TrimPrefix(endpoint, "https://")
		default:
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		opts = append(opts, otlptracegrpc.WithEndpoint(endpoint))

		exporter, err := otlptrace.New(ctx, otlptracegrpc.NewClient(opts...))
		if err != nil {
			return nil, err
		}
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(tp)
		provider.tracerProvider = tp
		provider.shutdownFuncs = append(provider.shutdownFuncs, tp.Shutdown)
	}

	if cfg.EnableMetrics {
		registry := promreg.NewRegistry()
		promExporter, err := prometheus.New(prometheus.WithRegisterer(registry))
		if err != nil {
			return nil, err
		}
		mp := metric.NewMeterProvider(
			metric.WithReader(promExporter),
			metric.WithResource(res),
		)
		otel.SetMeterProvider(mp)
		provider.meterProvider = mp
		provider.promHandler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
		provider.shutdownFuncs = append(provider.shutdownFuncs, mp.Shutdown)

		if err := provider.registerCollectors(registry); err != nil {
			return nil, err
		}
	}

	return provider, nil
}

func (p *Provider) registerCollectors(registry promreg.Registerer) error {
	latencyBuckets := []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30}

	p.httpRequestCounter = promreg.NewCounterVec(promreg.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total number of ops HTTP requests processed.",
	}, []string{"method", "route", "status"})
	p.httpRequestLatency = promreg.NewHistogramVec(promreg.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "Duration of ops HTTP requests in seconds.",
		Buckets:   latencyBuckets,
	}, []string{"method", "route", "status"})
	p.eventsProcessed = promreg.NewCounterVec(promreg.CounterOpts{
		Namespace: namespace,
		Name:      "events_processed_total",
		Help:      "Events handled by the processor, by outcome.",
	}, []string{"outcome"})
	p.batchDuration = promreg.NewHistogramVec(promreg.HistogramOpts{
		Namespace: namespace,
		Name:      "batch_duration_seconds",
		Help:      "Time to process one dequeued batch.",
		Buckets:   latencyBuckets,
	}, []string{"worker"})
	p.queueFailures = promreg.NewCounter(promreg.CounterOpts{
		Namespace: namespace,
		Name:      "queue_failures_total",
		Help:      "Queue operations that failed after the consecutive failure threshold.",
	})
	p.queueDepth = promreg.NewGaugeVec(promreg.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_depth",
		Help:      "Length of the ingestion lists.",
	}, []string{"list"})
	p.aggregationUnits = promreg.NewCounterVec(promreg.CounterOpts{
		Namespace: namespace,
		Name:      "aggregation_windows_total",
		Help:      "Tenant windows aggregated, by period and result.",
	}, []string{"period", "result"})
	p.aggregationCycle = promreg.NewHistogramVec(promreg.HistogramOpts{
		Namespace: namespace,
		Name:      "aggregation_cycle_duration_seconds",
		Help:      "Duration of a full aggregation cycle.",
		Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
	}, []string{"result"})
	p.billingSummaries = promreg.NewCounterVec(promreg.CounterOpts{
		Namespace: namespace,
		Name:      "billing_summaries_total",
		Help:      "Billing summary writes, by result.",
	}, []string{"result"})
	p.dependencyUp = promreg.NewGaugeVec(promreg.GaugeOpts{
		Namespace: namespace,
		Name:      "dependency_up",
		Help:      "1 when the last health check of a dependency passed.",
	}, []string{"dependency"})

	for _, c := range []promreg.Collector{
		p.httpRequestCounter, p.httpRequestLatency, p.eventsProcessed, p.batchDuration,
		p.queueFailures, p.queueDepth, p.aggregationUnits, p.aggregationCycle,
		p.billingSummaries, p.dependencyUp,
	} {
		if err := registry.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (p *Provider) PrometheusHandler() http.Handler {
	if p == nil || p.promHandler == nil {
		return nil
	}
	return p.promHandler
}

func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	for _, fn := range p.shutdownFuncs {
		if err := fn(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (p *Provider) TracerProvider() *sdktrace.TracerProvider {
	if p == nil {
		return nil
	}
	return p.tracerProvider
}

func (p *Provider) RecordHTTPRequest(_ context.Context, method, route string, status int, duration time.Duration) {
	if p == nil || p.httpRequestCounter == nil {
		return
	}
	statusLabel := strconv.Itoa(status)
	p.httpRequestCounter.WithLabelValues(method, route, statusLabel).Inc()
	p.httpRequestLatency.WithLabelValues(method, route, statusLabel).Observe(duration.Seconds())
}

// RecordEvent counts one event outcome (completed, retried, dead_lettered,
// invalid, released).
func (p *Provider) RecordEvent(outcome string) {
	if p == nil || p.eventsProcessed == nil {
		return
	}
	p.eventsProcessed.WithLabelValues(outcome).Inc()
}

func (p *Provider) RecordBatch(worker string, duration time.Duration) {
	if p == nil || p.batchDuration == nil {
		return
	}
	p.batchDuration.WithLabelValues(worker).Observe(duration.Seconds())
}

func (p *Provider) RecordQueueFailure() {
	if p == nil || p.queueFailures == nil {
		return
	}
	p.queueFailures.Inc()
}

func (p *Provider) RecordQueueDepth(primary, deadLetter int64) {
	if p == nil || p.queueDepth == nil {
		return
	}
	p.queueDepth.WithLabelValues("primary").Set(float64(primary))
	p.queueDepth.WithLabelValues("dead_letter").Set(float64(deadLetter))
}

func (p *Provider) RecordAggregationWindow(period, result string) {
	if p == nil || p.aggregationUnits == nil {
		return
	}
	p.aggregationUnits.WithLabelValues(period, result).Inc()
}

func (p *Provider) RecordAggregationCycle(result string, duration time.Duration) {
	if p == nil || p.aggregationCycle == nil {
		return
	}
	p.aggregationCycle.WithLabelValues(result).Observe(duration.Seconds())
}

func (p *Provider) RecordBillingSummary(result string) {
	if p == nil || p.billingSummaries == nil {
		return
	}
	p.billingSummaries.WithLabelValues(result).Inc()
}

func (p *Provider) RecordDependency(name string, up bool) {
	if p == nil || p.dependencyUp == nil {
		return
	}
	v := 0.0
	if up {
		v = 1
	}
	p.dependencyUp.WithLabelValues(name).Set(v)
}
