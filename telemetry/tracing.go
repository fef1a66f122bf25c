// Package telemetry binds an application's TelemetrySink entity to
// OpenTelemetry: runtime events become spans and metrics, exported over
// OTLP/HTTP to the sink's endpoint. At most one sink per
// application; multiplexing is the user's responsibility.
package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/bazaarvoice/qtype/interpreter"
)

// TracingHandler translates interpreter events into OpenTelemetry
// spans: one root span per run, one child span per step dispatch, with
// token/tool activity recorded as span events.
type TracingHandler struct {
	tracer trace.Tracer

	mu        sync.RWMutex
	runSpans  map[string]trace.Span
	runCtxs   map[string]context.Context
	stepSpans map[string]trace.Span // runID:stepID -> span
}

// NewTracingHandler creates a TracingHandler over the given tracer.
func NewTracingHandler(tracer trace.Tracer) *TracingHandler {
	return &TracingHandler{
		tracer:    tracer,
		runSpans:  make(map[string]trace.Span),
		runCtxs:   make(map[string]context.Context),
		stepSpans: make(map[string]trace.Span),
	}
}

// Handle processes one runtime event, creating or ending spans
// accordingly. It satisfies interpreter.EventHandler.
func (h *TracingHandler) Handle(e interpreter.Event) {
	switch e.Kind {
	case interpreter.EventStartStep:
		h.handleStartStep(e)
	case interpreter.EventFinishStep:
		h.handleFinishStep(e)
	case interpreter.EventError:
		h.handleError(e)
	case interpreter.EventToolInputStart, interpreter.EventToolInputEnd,
		interpreter.EventToolOutputAvailable, interpreter.EventToolOutputError,
		interpreter.EventMessageMetadata:
		h.annotate(e)
	case interpreter.EventFinish:
		h.handleFinish(e)
	}
}

func (h *TracingHandler) runContext(e interpreter.Event) context.Context {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ctx, ok := h.runCtxs[e.RunID]; ok {
		return ctx
	}
	ctx, span := h.tracer.Start(context.Background(), "run:"+e.RunID,
		trace.WithAttributes(attribute.String("qtype.run_id", e.RunID)),
		trace.WithTimestamp(e.Time),
	)
	h.runSpans[e.RunID] = span
	h.runCtxs[e.RunID] = ctx
	return ctx
}

func (h *TracingHandler) handleStartStep(e interpreter.Event) {
	parentCtx := h.runContext(e)

	_, span := h.tracer.Start(parentCtx, "step:"+e.StepID,
		trace.WithAttributes(
			attribute.String("qtype.run_id", e.RunID),
			attribute.String("qtype.step_id", e.StepID),
			attribute.String("qtype.step_type", e.StepType),
		),
		trace.WithTimestamp(e.Time),
	)

	key := e.RunID + ":" + e.StepID
	h.mu.Lock()
	h.stepSpans[key] = span
	h.mu.Unlock()
}

func (h *TracingHandler) handleFinishStep(e interpreter.Event) {
	key := e.RunID + ":" + e.StepID
	h.mu.Lock()
	span, ok := h.stepSpans[key]
	if ok {
		delete(h.stepSpans, key)
	}
	h.mu.Unlock()

	if ok {
		span.SetStatus(codes.Ok, "")
		span.End(trace.WithTimestamp(e.Time))
	}
}

func (h *TracingHandler) handleError(e interpreter.Event) {
	key := e.RunID + ":" + e.StepID
	h.mu.Lock()
	span, ok := h.stepSpans[key]
	if ok {
		delete(h.stepSpans, key)
	}
	h.mu.Unlock()

	errMsg := "unknown error"
	if msg, found := e.Payload["error"]; found {
		if s, ok := msg.(string); ok {
			errMsg = s
		}
	}
	if ok {
		span.SetStatus(codes.Error, errMsg)
		span.RecordError(spanError(errMsg), trace.WithTimestamp(e.Time))
		span.End(trace.WithTimestamp(e.Time))
		return
	}

	// Run-level error: record on the root span.
	h.mu.RLock()
	runSpan, runOK := h.runSpans[e.RunID]
	h.mu.RUnlock()
	if runOK {
		runSpan.RecordError(spanError(errMsg), trace.WithTimestamp(e.Time))
	}
}

// annotate adds a span event for tool and token-usage activity on the
// active step span.
func (h *TracingHandler) annotate(e interpreter.Event) {
	key := e.RunID + ":" + e.StepID
	h.mu.RLock()
	span, ok := h.stepSpans[key]
	h.mu.RUnlock()
	if !ok {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("qtype.event_kind", string(e.Kind)),
	}
	if toolName, found := e.Payload["tool"]; found {
		if s, ok := toolName.(string); ok {
			attrs = append(attrs, attribute.String("qtype.tool_name", s))
		}
	}
	span.AddEvent(string(e.Kind), trace.WithTimestamp(e.Time), trace.WithAttributes(attrs...))
}

func (h *TracingHandler) handleFinish(e interpreter.Event) {
	h.mu.Lock()
	span, ok := h.runSpans[e.RunID]
	if ok {
		delete(h.runSpans, e.RunID)
		delete(h.runCtxs, e.RunID)
	}
	h.mu.Unlock()

	if !ok {
		return
	}
	status := ""
	if s, found := e.Payload["status"]; found {
		if str, ok := s.(string); ok {
			status = str
		}
	}
	span.SetAttributes(attribute.String("qtype.status", status))
	if status == "completed" {
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetStatus(codes.Error, status)
	}
	span.End(trace.WithTimestamp(e.Time))
}

// spanError is a simple error type for recording span errors.
type spanError string

func (e spanError) Error() string { return string(e) }
