// Package otelsync wires OpenTelemetry into the sync engine: Init brings
// up TracerProvider/MeterProvider/LoggerProvider from OTLP HTTP
// exporters, and Metrics adapts syncengine.Metrics onto a set of
// otel/metric instruments so edits, conflicts, and anchor resets show up
// as counters without the engine importing otel itself.
package otelsync

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otellog "go.opentelemetry.io/otel/log/global"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"

	"github.com/atvirokodosprendimai/meshsync/pkg/conduit"
)

// Init initializes OpenTelemetry providers when OTEL_EXPORTER_OTLP_ENDPOINT
// is set, using OTLP/HTTP exporters for traces, metrics, and logs.
// Otherwise the global providers remain no-ops. The returned function
// must be called on shutdown to flush pending telemetry; it is safe to
// call even when no exporter was configured.
func Init(ctx context.Context, serviceName, serviceVersion string) (func(context.Context), error) {
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		return func(context.Context) {}, nil
	}

	res, err := buildResource(ctx, serviceName, serviceVersion)
	if err != nil {
		return func(context.Context) {}, fmt.Errorf("otelsync resource: %w", err)
	}

	traceExporter, err := otlptracehttp.New(ctx)
	if err != nil {
		return func(context.Context) {}, fmt.Errorf("otelsync trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	metricExporter, err := otlpmetrichttp.New(ctx)
	if err != nil {
		return shutdownFunc(tp, nil, nil), fmt.Errorf("otelsync metric exporter: %w", err)
	}
	mp := metric.NewMeterProvider(
		metric.WithReader(metric.NewPeriodicReader(metricExporter, metric.WithInterval(30*time.Second))),
		metric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	logExporter, err := otlploghttp.New(ctx)
	if err != nil {
		return shutdownFunc(tp, mp, nil), fmt.Errorf("otelsync log exporter: %w", err)
	}
	lp := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExporter)),
		sdklog.WithResource(res),
	)
	otellog.SetLoggerProvider(lp)

	slog.Info("otelsync initialized", "endpoint", endpoint, "service", serviceName)

	return shutdownFunc(tp, mp, lp), nil
}

func buildResource(ctx context.Context, serviceName, serviceVersion string) (*resource.Resource, error) {
	hostname, _ := os.Hostname()
	return resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
			semconv.HostName(hostname),
		),
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
	)
}

type shutdownable interface {
	Shutdown(context.Context) error
}

func shutdownFunc(providers ...shutdownable) func(context.Context) {
	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		for _, p := range providers {
			if p != nil {
				if err := p.Shutdown(ctx); err != nil {
					slog.Error("otelsync shutdown error", "err", err)
				}
			}
		}
	}
}

// Metrics implements syncengine.Metrics on top of the global
// MeterProvider, giving every SyncEngine the same three instruments: a
// counter of edits applied per peer, a counter of conflicts resolved per
// direction, and a counter of baseline anchor resets per peer.
type Metrics struct {
	editApplied      otelmetric.Int64Counter
	conflictResolved otelmetric.Int64Counter
	anchorReset      otelmetric.Int64Counter
}

// NewMetrics builds a Metrics using the named meter from the currently
// installed global MeterProvider (a no-op provider if Init was never
// called or OTLP was never configured).
func NewMetrics(meterName string) (*Metrics, error) {
	meter := otel.Meter(meterName)

	editApplied, err := meter.Int64Counter("meshsync.edits_applied",
		otelmetric.WithDescription("edit-chain entries applied to a document, by peer"))
	if err != nil {
		return nil, fmt.Errorf("otelsync: edits_applied counter: %w", err)
	}
	conflictResolved, err := meter.Int64Counter("meshsync.conflicts_resolved",
		otelmetric.WithDescription("merge conflicts resolved, by direction"))
	if err != nil {
		return nil, fmt.Errorf("otelsync: conflicts_resolved counter: %w", err)
	}
	anchorReset, err := meter.Int64Counter("meshsync.anchor_resets",
		otelmetric.WithDescription("baseline anchor resets forced by a missing checksum anchor, by peer"))
	if err != nil {
		return nil, fmt.Errorf("otelsync: anchor_resets counter: %w", err)
	}

	return &Metrics{
		editApplied:      editApplied,
		conflictResolved: conflictResolved,
		anchorReset:      anchorReset,
	}, nil
}

// EditApplied implements syncengine.Metrics.
func (m *Metrics) EditApplied(peerID string) {
	m.editApplied.Add(context.Background(), 1, otelmetric.WithAttributes(attribute.String("peer_id", peerID)))
}

// ConflictResolved implements syncengine.Metrics.
func (m *Metrics) ConflictResolved(direction conduit.Direction) {
	m.conflictResolved.Add(context.Background(), 1, otelmetric.WithAttributes(attribute.String("direction", directionLabel(direction))))
}

// AnchorReset implements syncengine.Metrics.
func (m *Metrics) AnchorReset(peerID string) {
	m.anchorReset.Add(context.Background(), 1, otelmetric.WithAttributes(attribute.String("peer_id", peerID)))
}

func directionLabel(d conduit.Direction) string {
	if d == conduit.DirectionUp {
		return "up"
	}
	return "down"
}
