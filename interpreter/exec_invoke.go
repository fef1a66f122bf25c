package interpreter

import (
	"context"
	"fmt"

	"github.com/bazaarvoice/qtype/core"
	"github.com/bazaarvoice/qtype/dsl"
	"github.com/bazaarvoice/qtype/tool"
)

// invokeToolExecutor binds tool parameters from the capsule, calls the
// tool through its transport adapter, and writes the outputs back per
// the step's output bindings.
type invokeToolExecutor struct {
	env  *runEnv
	step *dsl.InvokeTool
}

func newInvokeToolExecutor(env *runEnv, _ *dsl.Flow, step dsl.Step) (Executor, error) {
	return &invokeToolExecutor{env: env, step: step.(*dsl.InvokeTool)}, nil
}

func (e *invokeToolExecutor) Process(ctx context.Context, in <-chan *FlowMessage) <-chan *FlowMessage {
	return mapOrdered(ctx, e.env, e.step, in, e.invoke)
}

func (e *invokeToolExecutor) invoke(ctx context.Context, msg *FlowMessage) (*FlowMessage, error) {
	t, ok := e.env.interp.sem.Tool(e.step.Tool)
	if !ok {
		return nil, &core.RuntimeError{Class: core.RuntimeFatal, Code: core.RuntimeInvariantViolation, Message: "tool reference did not survive checking"}
	}
	adapter, err := e.env.adapterFor(ctx, t)
	if err != nil {
		return nil, err
	}

	inputs := make(map[string]any, len(e.step.InputBindings))
	for _, b := range e.step.InputBindings {
		v, ok := msg.Var(b.VarID)
		if !ok {
			return nil, &core.RuntimeError{
				Class: core.RuntimeMessageFailure, Code: core.RuntimeToolError,
				Message: fmt.Sprintf("input binding %q: variable %q has no value", b.Param, b.VarID),
			}
		}
		inputs[b.Param] = v
	}

	name := t.Name
	if name == "" {
		name = t.ID
	}
	resp, _, err := tool.InvokeWithRetry(ctx, e.env.retry, func(ctx context.Context) (tool.InvokeResponse, error) {
		return adapter.Invoke(ctx, tool.InvokeRequest{ToolName: name, Inputs: inputs})
	})
	if err != nil {
		return nil, err
	}

	out := msg.Clone()
	for _, b := range e.step.OutputBindings {
		v, ok := resp.Outputs[b.Param]
		if !ok {
			return nil, &core.RuntimeError{
				Class: core.RuntimeMessageFailure, Code: core.RuntimeToolError,
				Message: fmt.Sprintf("tool %q returned no output %q", name, b.Param),
			}
		}
		out.Variables[b.VarID] = v
	}
	return out, nil
}

// invokeFlowExecutor drives a sub-flow to completion per message: a
// fresh capsule carries only the bound inputs through the inner
// executor chain, and the inner flow's outputs are bound back onto the
// outer capsule.
type invokeFlowExecutor struct {
	env  *runEnv
	step *dsl.InvokeFlow
}

func newInvokeFlowExecutor(env *runEnv, _ *dsl.Flow, step dsl.Step) (Executor, error) {
	return &invokeFlowExecutor{env: env, step: step.(*dsl.InvokeFlow)}, nil
}

func (e *invokeFlowExecutor) Process(ctx context.Context, in <-chan *FlowMessage) <-chan *FlowMessage {
	return mapOrdered(ctx, e.env, e.step, in, e.invoke)
}

func (e *invokeFlowExecutor) invoke(ctx context.Context, msg *FlowMessage) (*FlowMessage, error) {
	sub, ok := e.env.interp.sem.SubFlow(e.step.Flow)
	if !ok {
		return nil, &core.RuntimeError{Class: core.RuntimeFatal, Code: core.RuntimeInvariantViolation, Message: "flow reference did not survive checking"}
	}

	seed := NewFlowMessage(msg.SessionID, nil)
	seed.Metadata = msg.Metadata
	for _, b := range e.step.InputBindings {
		if v, ok := msg.Var(b.VarID); ok {
			seed.Variables[b.Param] = v
		}
	}

	subEnv := *e.env
	subEnv.flow = sub
	results, err := e.env.interp.execFlow(ctx, &subEnv, sub, singleMessageIn(seed))
	if err != nil {
		return nil, err
	}

	var last *FlowMessage
	for i := len(results) - 1; i >= 0; i-- {
		if !results[i].Failed() {
			last = results[i]
			break
		}
	}
	if last == nil {
		for _, r := range results {
			if r.Failed() {
				failure := *r.Error
				return nil, &failure
			}
		}
		return nil, &core.RuntimeError{
			Class: core.RuntimeMessageFailure, Code: core.RuntimeToolError,
			Message: fmt.Sprintf("sub-flow %q produced no result", sub.ID),
		}
	}

	out := msg.Clone()
	for _, b := range e.step.OutputBindings {
		if v, ok := last.Var(b.Param); ok {
			out.Variables[b.VarID] = v
		}
	}
	return out, nil
}
