package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/bazaarvoice/qtype/interpreter"
)

// MetricsHandler translates interpreter events into OpenTelemetry
// metrics: step dispatch counters, failure counters, and token usage.
type MetricsHandler struct {
	stepDispatches metric.Int64Counter
	stepFailures   metric.Int64Counter
	tokensUsed     metric.Int64Counter
}

// NewMetricsHandler creates a MetricsHandler over the given meter.
func NewMetricsHandler(meter metric.Meter) (*MetricsHandler, error) {
	dispatches, err := meter.Int64Counter("qtype.step.dispatches",
		metric.WithDescription("Number of step dispatches"),
	)
	if err != nil {
		return nil, err
	}
	failures, err := meter.Int64Counter("qtype.step.failures",
		metric.WithDescription("Number of step failures"),
	)
	if err != nil {
		return nil, err
	}
	tokens, err := meter.Int64Counter("qtype.model.tokens",
		metric.WithDescription("Model tokens consumed"),
	)
	if err != nil {
		return nil, err
	}
	return &MetricsHandler{stepDispatches: dispatches, stepFailures: failures, tokensUsed: tokens}, nil
}

// Handle processes one runtime event and records the appropriate
// metrics. It satisfies interpreter.EventHandler.
func (h *MetricsHandler) Handle(e interpreter.Event) {
	ctx := context.Background()
	attrs := metric.WithAttributes(
		attribute.String("step_id", e.StepID),
		attribute.String("step_type", e.StepType),
	)
	switch e.Kind {
	case interpreter.EventFinishStep:
		h.stepDispatches.Add(ctx, 1, attrs)
	case interpreter.EventError:
		h.stepFailures.Add(ctx, 1, attrs)
	case interpreter.EventMessageMetadata:
		for _, key := range []string{"input_tokens", "output_tokens"} {
			if v, ok := e.Payload[key]; ok {
				if n, ok := v.(int); ok {
					h.tokensUsed.Add(ctx, int64(n), metric.WithAttributes(
						attribute.String("step_id", e.StepID),
						attribute.String("kind", key),
					))
				}
			}
		}
	}
}
