package interpreter

import (
	"context"
	"fmt"
	"strings"

	"github.com/bazaarvoice/qtype/core"
	"github.com/bazaarvoice/qtype/dsl"
)

// explodeExecutor fans a list-typed input out into one capsule per
// element, the list replaced by the scalar.
type explodeExecutor struct {
	env  *runEnv
	step *dsl.Explode
}

func newExplodeExecutor(env *runEnv, _ *dsl.Flow, step dsl.Step) (Executor, error) {
	return &explodeExecutor{env: env, step: step.(*dsl.Explode)}, nil
}

func (e *explodeExecutor) Process(ctx context.Context, in <-chan *FlowMessage) <-chan *FlowMessage {
	return fanOut(ctx, e.env, e.step, in, e.explode)
}

func (e *explodeExecutor) explode(_ context.Context, msg *FlowMessage) ([]*FlowMessage, error) {
	v, _ := msg.Var(e.step.Inputs[0])
	elems, ok := asList(v)
	if !ok {
		return nil, &core.RuntimeError{
			Class: core.RuntimeMessageFailure, Code: core.RuntimeDecodeError,
			Message: fmt.Sprintf("explode input %q is not a list", e.step.Inputs[0]),
		}
	}
	out := make([]*FlowMessage, len(elems))
	for i, elem := range elems {
		out[i] = msg.WithVar(e.step.Outputs[0], elem)
	}
	return out, nil
}

// collectExecutor fans a stream in: it accumulates the input variable's
// values into a list, emitting one capsule per declared batch size, or a
// single capsule at upstream completion when none is declared.
// Failed capsules pass through uncollected.
type collectExecutor struct {
	env  *runEnv
	step *dsl.Collect
}

func newCollectExecutor(env *runEnv, _ *dsl.Flow, step dsl.Step) (Executor, error) {
	return &collectExecutor{env: env, step: step.(*dsl.Collect)}, nil
}

func (e *collectExecutor) Process(ctx context.Context, in <-chan *FlowMessage) <-chan *FlowMessage {
	base := e.step.Base()
	out := make(chan *FlowMessage, bufferFor(base))
	go func() {
		defer close(out)
		var (
			values []any
			last   *FlowMessage
		)
		limit := e.step.BatchSizeOverride

		flush := func() bool {
			if last == nil {
				return true
			}
			e.env.emit(NewEvent(EventStartStep, e.env.runID).WithStep(base.ID, e.step.StepType()).WithPayload("collected", len(values)))
			m := last.WithVar(e.step.Outputs[0], values)
			m.Metadata.StepID = base.ID
			e.env.emit(NewEvent(EventFinishStep, e.env.runID).WithStep(base.ID, e.step.StepType()))
			values = nil
			last = nil
			return send(ctx, out, m)
		}

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-in:
				if !ok {
					flush()
					return
				}
				if msg.Failed() {
					if !send(ctx, out, msg) {
						return
					}
					continue
				}
				if v, ok := msg.Var(e.step.Inputs[0]); ok {
					values = append(values, v)
				}
				last = msg
				if limit > 0 && len(values) >= limit {
					if !flush() {
						return
					}
				}
			}
		}
	}()
	return out
}

// aggregateExecutor consumes the whole stream and emits exactly one
// capsule holding AggregateStats plus any declared reductions.
// An empty input stream still emits one capsule with zero counts.
type aggregateExecutor struct {
	env  *runEnv
	step *dsl.Aggregate
}

func newAggregateExecutor(env *runEnv, _ *dsl.Flow, step dsl.Step) (Executor, error) {
	return &aggregateExecutor{env: env, step: step.(*dsl.Aggregate)}, nil
}

func (e *aggregateExecutor) Process(ctx context.Context, in <-chan *FlowMessage) <-chan *FlowMessage {
	base := e.step.Base()
	out := make(chan *FlowMessage, 1)
	go func() {
		defer close(out)
		var (
			successful int
			failed     int
			last       *FlowMessage
			collected  = map[string][]any{}
		)
		e.env.emit(NewEvent(EventStartStep, e.env.runID).WithStep(base.ID, e.step.StepType()))
	loop:
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-in:
				if !ok {
					break loop
				}
				if msg.Failed() {
					failed++
					continue
				}
				successful++
				last = msg
				for outVar, spec := range e.step.Reductions {
					src := e.reductionSource(spec)
					if v, ok := msg.Var(src); ok {
						collected[outVar] = append(collected[outVar], v)
					}
				}
			}
		}

		result := last
		if result == nil {
			result = NewFlowMessage(e.env.sessionID, nil)
		} else {
			result = result.Clone()
		}
		result.Metadata.StepID = base.ID
		result.Variables[e.step.Outputs[0]] = map[string]any{
			"num_successful": successful,
			"num_failed":     failed,
			"num_total":      successful + failed,
		}
		for outVar, spec := range e.step.Reductions {
			result.Variables[outVar] = applyReduction(spec, collected[outVar])
		}
		e.env.emit(NewEvent(EventFinishStep, e.env.runID).WithStep(base.ID, e.step.StepType()).
			WithPayload("num_total", successful+failed))
		send(ctx, out, result)
	}()
	return out
}

// reductionSource extracts the source variable of a "kind(var)" spec,
// falling back to the step's first input for a bare kind.
func (e *aggregateExecutor) reductionSource(spec string) string {
	if open := strings.Index(spec, "("); open > 0 && strings.HasSuffix(spec, ")") {
		return spec[open+1 : len(spec)-1]
	}
	if len(e.step.Inputs) > 0 {
		return e.step.Inputs[0]
	}
	return ""
}

// applyReduction folds the collected values per the spec's kind: sum,
// avg, count, or list (the default).
func applyReduction(spec string, values []any) any {
	kind := spec
	if open := strings.Index(spec, "("); open > 0 {
		kind = spec[:open]
	}
	switch kind {
	case "count":
		return len(values)
	case "sum", "avg":
		var total float64
		for _, v := range values {
			total += numeric(v)
		}
		if kind == "avg" {
			if len(values) == 0 {
				return 0.0
			}
			return total / float64(len(values))
		}
		return total
	default:
		return values
	}
}

func numeric(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case string:
		var f float64
		_, _ = fmt.Sscanf(n, "%g", &f)
		return f
	}
	return 0
}
