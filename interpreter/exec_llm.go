package interpreter

import (
	"context"
	"fmt"

	"github.com/bazaarvoice/qtype/core"
	"github.com/bazaarvoice/qtype/dsl"
	"github.com/bazaarvoice/qtype/memory"
	"github.com/bazaarvoice/qtype/model"
	"github.com/bazaarvoice/qtype/tool"
)

// llmExecutor issues one model call per message: it assembles a
// provider-agnostic message list from the system message, attached
// memory, and the capsule's input variables; streams tokens out as
// events; writes the response into the declared output; and commits the
// turn to memory when one is attached.
type llmExecutor struct {
	env  *runEnv
	step *dsl.LLMInference
}

func newLLMExecutor(env *runEnv, _ *dsl.Flow, step dsl.Step) (Executor, error) {
	return &llmExecutor{env: env, step: step.(*dsl.LLMInference)}, nil
}

func (e *llmExecutor) Process(ctx context.Context, in <-chan *FlowMessage) <-chan *FlowMessage {
	return mapOrdered(ctx, e.env, e.step, in, e.infer)
}

func (e *llmExecutor) infer(ctx context.Context, msg *FlowMessage) (*FlowMessage, error) {
	provider, m, err := e.env.providerFor(e.step.Model)
	if err != nil {
		return nil, err
	}

	messages, userText, err := buildModelMessages(ctx, e.env, &e.step.StepBase, e.step.Memory, e.step.SystemMessage, msg)
	if err != nil {
		return nil, err
	}

	final, err := completeWithRetry(ctx, e.env, e.step, provider, messages, m.InferenceParams, nil)
	if err != nil {
		return nil, err
	}

	out := msg.WithVar(e.step.Outputs[0], responseValue(e.env, e.step.Outputs[0], final.Text))
	if err := commitMemory(ctx, e.env, e.step.Memory, msg.SessionID, userText, final); err != nil {
		return nil, err
	}
	return out, nil
}

// responseValue shapes the model's text for the declared output
// variable: ChatMessage-typed outputs get a wrapped assistant message,
// everything else gets the raw text.
func responseValue(env *runEnv, outVar, text string) any {
	for _, v := range env.flow.Variables {
		if v.ID == outVar && v.Type.Form == core.FormCustom && v.Type.CustomID == dsl.TypeChatMessage {
			return chatMessage(string(model.RoleAssistant), text)
		}
	}
	return text
}

// agentExecutor extends llmExecutor with the tool-call cycle: declared
// tools are exposed to the model; requested invocations are dispatched
// and fed back until the model produces a final message or the
// iteration bound is exhausted.
type agentExecutor struct {
	env  *runEnv
	step *dsl.Agent
}

func newAgentExecutor(env *runEnv, _ *dsl.Flow, step dsl.Step) (Executor, error) {
	return &agentExecutor{env: env, step: step.(*dsl.Agent)}, nil
}

func (e *agentExecutor) Process(ctx context.Context, in <-chan *FlowMessage) <-chan *FlowMessage {
	return mapOrdered(ctx, e.env, e.step, in, e.run)
}

func (e *agentExecutor) run(ctx context.Context, msg *FlowMessage) (*FlowMessage, error) {
	provider, m, err := e.env.providerFor(e.step.Model)
	if err != nil {
		return nil, err
	}

	tools, toolByName, err := e.toolSpecs()
	if err != nil {
		return nil, err
	}

	conversation, userText, err := buildModelMessages(ctx, e.env, &e.step.StepBase, e.step.Memory, e.step.SystemMessage, msg)
	if err != nil {
		return nil, err
	}

	maxIter := e.step.MaxIterations
	if maxIter <= 0 {
		maxIter = dsl.AgentDefaultMaxIterations
	}

	for iter := 0; iter < maxIter; iter++ {
		final, err := completeWithRetry(ctx, e.env, e.step, provider, conversation, m.InferenceParams, tools)
		if err != nil {
			return nil, err
		}
		if len(final.ToolCalls) == 0 {
			out := msg.WithVar(e.step.Outputs[0], responseValue(e.env, e.step.Outputs[0], final.Text))
			if err := commitMemory(ctx, e.env, e.step.Memory, msg.SessionID, userText, final); err != nil {
				return nil, err
			}
			return out, nil
		}

		conversation = append(conversation, model.Message{Role: model.RoleAssistant, Content: final.Text, ToolCalls: final.ToolCalls})
		for _, call := range final.ToolCalls {
			result, callErr := e.dispatchToolCall(ctx, toolByName, call)
			content := stringify(result)
			if callErr != nil {
				content = "tool error: " + callErr.Error()
			}
			conversation = append(conversation, model.Message{Role: model.RoleTool, Content: content, ToolCallID: call.ID})
		}
	}

	return nil, &core.RuntimeError{
		Class: core.RuntimeFatal, Code: core.RuntimeAgentLoopExhausted,
		Message: fmt.Sprintf("agent %q did not converge within %d iterations", e.step.ID, maxIter),
	}
}

// toolSpecs derives the provider-facing tool declarations from the
// agent's linked tools, keyed by the name the model will call.
func (e *agentExecutor) toolSpecs() ([]model.ToolSpec, map[string]*dsl.Tool, error) {
	var specs []model.ToolSpec
	byName := map[string]*dsl.Tool{}
	for _, ref := range e.step.Tools {
		t, ok := e.env.interp.sem.Tool(ref)
		if !ok {
			return nil, nil, &core.RuntimeError{Class: core.RuntimeFatal, Code: core.RuntimeInvariantViolation, Message: "agent tool reference did not survive checking"}
		}
		name := t.Name
		if name == "" {
			name = t.ID
		}
		byName[name] = t
		specs = append(specs, model.ToolSpec{
			Name:        name,
			Description: t.Description,
			Parameters:  toolParameterSchema(t),
		})
	}
	return specs, byName, nil
}

// dispatchToolCall invokes one requested tool, emitting the tool-* event
// sequence around the call.
func (e *agentExecutor) dispatchToolCall(ctx context.Context, toolByName map[string]*dsl.Tool, call model.ToolCall) (map[string]any, error) {
	base := e.step.Base()
	emit := e.env.emit
	emit(NewEvent(EventToolInputStart, e.env.runID).WithStep(base.ID, e.step.StepType()).
		WithPayload("tool", call.Name).WithPayload("call_id", call.ID))
	emit(NewEvent(EventToolInputDelta, e.env.runID).WithStep(base.ID, e.step.StepType()).
		WithPayload("call_id", call.ID).WithPayload("arguments", call.Arguments))
	emit(NewEvent(EventToolInputEnd, e.env.runID).WithStep(base.ID, e.step.StepType()).
		WithPayload("call_id", call.ID))

	t, ok := toolByName[call.Name]
	if !ok {
		err := fmt.Errorf("model requested unknown tool %q", call.Name)
		emit(NewEvent(EventToolOutputError, e.env.runID).WithStep(base.ID, e.step.StepType()).
			WithPayload("call_id", call.ID).WithPayload("error", err.Error()))
		return nil, err
	}

	adapter, err := e.env.adapterFor(ctx, t)
	if err != nil {
		return nil, err
	}
	resp, _, err := tool.InvokeWithRetry(ctx, e.env.retry, func(ctx context.Context) (tool.InvokeResponse, error) {
		return adapter.Invoke(ctx, tool.InvokeRequest{ToolName: call.Name, Inputs: call.Arguments, RequestID: call.ID})
	})
	if err != nil {
		emit(NewEvent(EventToolOutputError, e.env.runID).WithStep(base.ID, e.step.StepType()).
			WithPayload("call_id", call.ID).WithPayload("error", err.Error()))
		return nil, err
	}
	emit(NewEvent(EventToolOutputAvailable, e.env.runID).WithStep(base.ID, e.step.StepType()).
		WithPayload("call_id", call.ID))
	return resp.Outputs, nil
}

// toolParameterSchema renders a tool's declared inputs as a
// JSON-schema-shaped parameter description for the provider.
func toolParameterSchema(t *dsl.Tool) map[string]any {
	props := map[string]any{}
	var required []string
	for _, in := range t.Inputs {
		props[in.ID] = map[string]any{"type": jsonSchemaType(in)}
		if !in.Optional {
			required = append(required, in.ID)
		}
	}
	schema := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func jsonSchemaType(v *dsl.Variable) string {
	if v.Type.Form == core.FormList {
		return "array"
	}
	if v.Type.Form == core.FormCustom {
		return "object"
	}
	switch v.Type.Primitive {
	case core.KindInt:
		return "integer"
	case core.KindFloat:
		return "number"
	case core.KindBoolean:
		return "boolean"
	default:
		return "string"
	}
}

// buildModelMessages assembles the provider message list: system message
// first, then memory history, then the capsule's input variables as
// chat turns. It also returns the concatenated user text for
// the memory commit after generation.
func buildModelMessages(ctx context.Context, env *runEnv, base *dsl.StepBase, memRef *dsl.Ref, systemMessage string, msg *FlowMessage) ([]model.Message, string, error) {
	var messages []model.Message
	if systemMessage != "" {
		messages = append(messages, model.Message{Role: model.RoleSystem, Content: systemMessage})
	}

	if mem, ok := env.interp.sem.Memory(memRef); ok {
		turns, err := env.interp.cfg.Memory.History(ctx, msg.SessionID, mem)
		if err != nil {
			return nil, "", &core.RuntimeError{Class: core.RuntimeFatal, Code: core.RuntimeInvariantViolation, Message: "reading memory: " + err.Error(), Cause: err}
		}
		for _, t := range turns {
			messages = append(messages, model.Message{Role: model.Role(t.Role), Content: t.Content})
		}
	}

	var userText string
	for _, in := range base.Inputs {
		v, ok := msg.Var(in)
		if !ok {
			continue
		}
		role := model.RoleUser
		text, isChat := chatText(v)
		if isChat {
			role = model.Role(chatRole(v))
		} else {
			text = stringify(v)
		}
		messages = append(messages, model.Message{Role: role, Content: text})
		if role == model.RoleUser {
			if userText != "" {
				userText += "\n"
			}
			userText += text
		}
	}
	return messages, userText, nil
}

// completeWithRetry issues the streaming completion under the retry
// policy, forwarding token deltas onto the event stream.
func completeWithRetry(ctx context.Context, env *runEnv, step dsl.Step, provider model.Provider, messages []model.Message, params model.Params, tools []model.ToolSpec) (*model.Response, error) {
	var final *model.Response
	err := withRetry(ctx, env.retry, func(ctx context.Context) error {
		deltas, err := provider.Complete(ctx, messages, params, tools)
		if err != nil {
			return err
		}
		resp, err := consumeStream(ctx, env, step, deltas)
		if err != nil {
			return err
		}
		final = resp
		return nil
	})
	if err != nil {
		return nil, err
	}
	if final == nil {
		return nil, &core.RuntimeError{Class: core.RuntimeMessageFailure, Code: core.RuntimeProviderTransient, Message: "provider stream ended without a final message"}
	}
	return final, nil
}

// consumeStream drains a provider delta stream, emitting the streaming
// event sequence: reasoning-start/delta/end first if the model reasons,
// then text-start/delta. The final Delta carries the full Response.
func consumeStream(ctx context.Context, env *runEnv, step dsl.Step, deltas <-chan model.Delta) (*model.Response, error) {
	base := step.Base()
	var (
		textStarted      bool
		reasoningStarted bool
		final            *model.Response
	)
	endReasoning := func() {
		if reasoningStarted {
			env.emit(NewEvent(EventReasoningEnd, env.runID).WithStep(base.ID, step.StepType()))
			reasoningStarted = false
		}
	}
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case d, ok := <-deltas:
			if !ok {
				endReasoning()
				return final, nil
			}
			if d.Err != nil {
				return nil, d.Err
			}
			if d.ReasoningDelta != "" {
				if !reasoningStarted {
					env.emit(NewEvent(EventReasoningStart, env.runID).WithStep(base.ID, step.StepType()))
					reasoningStarted = true
				}
				env.emit(NewEvent(EventReasoningDelta, env.runID).WithStep(base.ID, step.StepType()).WithPayload("delta", d.ReasoningDelta))
			}
			if d.TextDelta != "" {
				endReasoning()
				if !textStarted {
					env.emit(NewEvent(EventTextStart, env.runID).WithStep(base.ID, step.StepType()))
					textStarted = true
				}
				env.emit(NewEvent(EventTextDelta, env.runID).WithStep(base.ID, step.StepType()).WithPayload("delta", d.TextDelta))
			}
			if d.Done {
				endReasoning()
				final = d.Final
				if final != nil && final.Usage.TotalTokens > 0 {
					env.emit(NewEvent(EventMessageMetadata, env.runID).WithStep(base.ID, step.StepType()).
						WithPayload("input_tokens", final.Usage.InputTokens).
						WithPayload("output_tokens", final.Usage.OutputTokens))
				}
			}
		}
	}
}

// commitMemory appends the user turn and the assistant turn to the
// attached memory after a completed generation. A cancelled or
// failed generation never reaches here, so memory stays unchanged.
func commitMemory(ctx context.Context, env *runEnv, memRef *dsl.Ref, sessionID, userText string, final *model.Response) error {
	mem, ok := env.interp.sem.Memory(memRef)
	if !ok {
		return nil
	}
	store := env.interp.cfg.Memory
	userTokens := final.Usage.InputTokens
	if userTokens == 0 {
		userTokens = approxTokens(userText)
	}
	assistantTokens := final.Usage.OutputTokens
	if assistantTokens == 0 {
		assistantTokens = approxTokens(final.Text)
	}
	if userText != "" {
		if err := store.Append(ctx, sessionID, mem, memory.Turn{Role: string(model.RoleUser), Content: userText, Tokens: userTokens}); err != nil {
			return err
		}
	}
	return store.Append(ctx, sessionID, mem, memory.Turn{Role: string(model.RoleAssistant), Content: final.Text, Tokens: assistantTokens})
}
