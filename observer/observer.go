// Package observer provides OTEL-based observability for banter LLM and
// pipeline operations.
//
// It wraps Provider, EmbeddingProvider, and Tool with instrumented versions
// that emit traces, metrics, and logs via OpenTelemetry, and exposes pipeline
// counters for message ingest, window closes, fact changes, and proactive
// decisions. Users export to any OTEL-compatible backend by setting standard
// OTEL env vars.
package observer

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "github.com/nevindra/banter/observer"

// Instruments holds all OTEL instruments used by the observer wrappers and
// the pipeline metrics.
type Instruments struct {
	Tracer trace.Tracer
	Meter  metric.Meter
	Logger otellog.Logger

	// LLM counters
	TokenUsage    metric.Int64Counter
	CostTotal     metric.Float64Counter
	LLMRequests   metric.Int64Counter
	EmbedRequests metric.Int64Counter

	// Tool counters
	ToolExecutions metric.Int64Counter

	// Histograms
	LLMDuration   metric.Float64Histogram
	ToolDuration  metric.Float64Histogram
	EmbedDuration metric.Float64Histogram

	// Pipeline counters
	MessagesIngested   metric.Int64Counter
	WindowsClosed      metric.Int64Counter
	FactChanges        metric.Int64Counter
	ProactiveDecisions metric.Int64Counter
	RepliesSent        metric.Int64Counter
	QueueDepth         metric.Int64UpDownCounter
	BreakerTransitions metric.Int64Counter

	Cost *CostCalculator
}

// Init sets up OTEL trace, metric, and log providers with OTLP HTTP exporters.
// Configuration comes from standard OTEL env vars (OTEL_EXPORTER_OTLP_ENDPOINT, etc.).
// Returns a shutdown function that must be called on application exit.
func Init(ctx context.Context, pricing map[string]ModelPricing) (*Instruments, func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName("banter")),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, nil, err
	}

	// Trace provider
	traceExp, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	// Metric provider
	metricExp, err := otlpmetrichttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	// Log provider
	logExp, err := otlploghttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		return nil, nil, err
	}
	lp := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExp)),
		sdklog.WithResource(res),
	)
	global.SetLoggerProvider(lp)

	inst, err := newInstruments(pricing)
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		_ = lp.Shutdown(ctx)
		return nil, nil, err
	}

	shutdown := func(ctx context.Context) error {
		return errors.Join(
			tp.Shutdown(ctx),
			mp.Shutdown(ctx),
			lp.Shutdown(ctx),
		)
	}

	return inst, shutdown, nil
}

func newInstruments(pricing map[string]ModelPricing) (*Instruments, error) {
	tracer := otel.Tracer(scopeName)
	meter := otel.Meter(scopeName)
	logger := global.GetLoggerProvider().Logger(scopeName)

	tokenUsage, err := meter.Int64Counter("llm.token.usage",
		metric.WithDescription("Total tokens consumed"),
		metric.WithUnit("{token}"))
	if err != nil {
		return nil, err
	}

	costTotal, err := meter.Float64Counter("llm.cost.total",
		metric.WithDescription("Cumulative LLM cost in USD"),
		metric.WithUnit("USD"))
	if err != nil {
		return nil, err
	}

	llmRequests, err := meter.Int64Counter("llm.requests",
		metric.WithDescription("LLM request count"),
		metric.WithUnit("{request}"))
	if err != nil {
		return nil, err
	}

	toolExecutions, err := meter.Int64Counter("tool.executions",
		metric.WithDescription("Tool execution count"),
		metric.WithUnit("{execution}"))
	if err != nil {
		return nil, err
	}

	embedRequests, err := meter.Int64Counter("embedding.requests",
		metric.WithDescription("Embedding request count"),
		metric.WithUnit("{request}"))
	if err != nil {
		return nil, err
	}

	llmDuration, err := meter.Float64Histogram("llm.duration",
		metric.WithDescription("LLM call duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	toolDuration, err := meter.Float64Histogram("tool.duration",
		metric.WithDescription("Tool execution duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	embedDuration, err := meter.Float64Histogram("embedding.duration",
		metric.WithDescription("Embedding call duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	messagesIngested, err := meter.Int64Counter("pipeline.messages.ingested",
		metric.WithDescription("Group chat messages ingested"),
		metric.WithUnit("{message}"))
	if err != nil {
		return nil, err
	}

	windowsClosed, err := meter.Int64Counter("pipeline.windows.closed",
		metric.WithDescription("Conversation windows closed"),
		metric.WithUnit("{window}"))
	if err != nil {
		return nil, err
	}

	factChanges, err := meter.Int64Counter("pipeline.facts.changes",
		metric.WithDescription("Fact changes applied"),
		metric.WithUnit("{change}"))
	if err != nil {
		return nil, err
	}

	proactiveDecisions, err := meter.Int64Counter("pipeline.proactive.decisions",
		metric.WithDescription("Proactive gate decisions"),
		metric.WithUnit("{decision}"))
	if err != nil {
		return nil, err
	}

	repliesSent, err := meter.Int64Counter("pipeline.replies.sent",
		metric.WithDescription("Replies sent to the chat"),
		metric.WithUnit("{reply}"))
	if err != nil {
		return nil, err
	}

	queueDepth, err := meter.Int64UpDownCounter("pipeline.queue.depth",
		metric.WithDescription("Events waiting in the processing queue"),
		metric.WithUnit("{event}"))
	if err != nil {
		return nil, err
	}

	breakerTransitions, err := meter.Int64Counter("pipeline.breaker.transitions",
		metric.WithDescription("Circuit breaker state transitions"),
		metric.WithUnit("{transition}"))
	if err != nil {
		return nil, err
	}

	return &Instruments{
		Tracer:             tracer,
		Meter:              meter,
		Logger:             logger,
		TokenUsage:         tokenUsage,
		CostTotal:          costTotal,
		LLMRequests:        llmRequests,
		ToolExecutions:     toolExecutions,
		EmbedRequests:      embedRequests,
		LLMDuration:        llmDuration,
		ToolDuration:       toolDuration,
		EmbedDuration:      embedDuration,
		MessagesIngested:   messagesIngested,
		WindowsClosed:      windowsClosed,
		FactChanges:        factChanges,
		ProactiveDecisions: proactiveDecisions,
		RepliesSent:        repliesSent,
		QueueDepth:         queueDepth,
		BreakerTransitions: breakerTransitions,
		Cost:               NewCostCalculator(pricing),
	}, nil
}
