// Package telemetry wires the optional OTLP trace exporter. When
// disabled the gateway still traces through the otel no-op provider.
package telemetry

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/nodegate/internal/config"
)

const tracerName = "github.com/nextlevelbuilder/nodegate"

// Setup installs the global tracer provider per config and returns a
// shutdown func that flushes pending spans. With telemetry disabled the
// returned shutdown is a no-op.
func Setup(ctx context.Context, tcfg config.TelemetryConfig) (func(context.Context) error, error) {
	if !tcfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	exp, err := newExporter(ctx, tcfg)
	if err != nil {
		return nil, fmt.Errorf("telemetry exporter: %w", err)
	}

	serviceName := tcfg.ServiceName
	if serviceName == "" {
		serviceName = "nodegate-gateway"
	}
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", serviceName),
	))
	if err != nil {
		return nil, fmt.Errorf("telemetry resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp, sdktrace.WithBatchTimeout(5*time.Second)),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

func newExporter(ctx context.Context, tcfg config.TelemetryConfig) (*otlptrace.Exporter, error) {
	endpoint := tcfg.Endpoint
	insecure := tcfg.Insecure
	if rest, ok := strings.CutPrefix(endpoint, "http://"); ok {
		endpoint, insecure = rest, true
	} else if rest, ok := strings.CutPrefix(endpoint, "https://"); ok {
		endpoint = rest
	}

	switch tcfg.Protocol {
	case "", "grpc":
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
		if insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		if len(tcfg.Headers) > 0 {
			opts = append(opts, otlptracegrpc.WithHeaders(tcfg.Headers))
		}
		return otlptracegrpc.New(ctx, opts...)
	case "http":
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint)}
		if insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		if len(tcfg.Headers) > 0 {
			opts = append(opts, otlptracehttp.WithHeaders(tcfg.Headers))
		}
		return otlptracehttp.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("telemetry protocol %q not supported", tcfg.Protocol)
	}
}

// Tracer returns the gateway's tracer from the installed provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}
