package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/bazaarvoice/qtype/dsl"
	"github.com/bazaarvoice/qtype/interpreter"
	"github.com/bazaarvoice/qtype/secretref"
)

// Setup wires an application's TelemetrySink to an OTLP/HTTP trace
// exporter and an in-process meter, returning the combined event
// handler and a shutdown function that flushes both providers.
func Setup(ctx context.Context, sink *dsl.TelemetrySink, secrets secretref.Resolver, auth *dsl.AuthorizationProvider) (interpreter.EventHandler, func(context.Context) error, error) {
	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpointURL(sink.Endpoint),
	}
	if auth != nil {
		headers := map[string]string{}
		switch auth.Kind {
		case dsl.AuthAPIKey:
			key, err := secretref.ResolveField(ctx, secrets, auth.APIKey)
			if err != nil {
				return nil, nil, err
			}
			headers[auth.HeaderName] = key
		case dsl.AuthBearer:
			token, err := secretref.ResolveField(ctx, secrets, auth.Token)
			if err != nil {
				return nil, nil, err
			}
			headers["Authorization"] = "Bearer " + token
		default:
			return nil, nil, fmt.Errorf("telemetry: auth provider %q kind %q is not supported for OTLP export", auth.ID, auth.Kind)
		}
		opts = append(opts, otlptracehttp.WithHeaders(headers))
	}

	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("telemetry: creating OTLP exporter: %w", err)
	}

	tracerProvider := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	meterProvider := sdkmetric.NewMeterProvider()
	otel.SetTracerProvider(tracerProvider)
	otel.SetMeterProvider(meterProvider)

	tracing := NewTracingHandler(tracerProvider.Tracer("qtype"))
	metrics, err := NewMetricsHandler(meterProvider.Meter("qtype"))
	if err != nil {
		return nil, nil, err
	}

	handler := interpreter.MultiEventHandler(tracing.Handle, metrics.Handle)
	shutdown := func(ctx context.Context) error {
		traceErr := tracerProvider.Shutdown(ctx)
		meterErr := meterProvider.Shutdown(ctx)
		if traceErr != nil {
			return traceErr
		}
		return meterErr
	}
	return handler, shutdown, nil
}
