package interpreter

import (
	"context"
	"fmt"
	"regexp"

	"github.com/bazaarvoice/qtype/core"
	"github.com/bazaarvoice/qtype/dsl"
)

var templatePlaceholders = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.]+)\s*\}\}`)

// promptTemplateExecutor substitutes message variables into the step's
// template. A placeholder with no value in the capsule fails
// the message with TemplateError.
type promptTemplateExecutor struct {
	env  *runEnv
	step *dsl.PromptTemplate
}

func newPromptTemplateExecutor(env *runEnv, _ *dsl.Flow, step dsl.Step) (Executor, error) {
	return &promptTemplateExecutor{env: env, step: step.(*dsl.PromptTemplate)}, nil
}

func (e *promptTemplateExecutor) Process(ctx context.Context, in <-chan *FlowMessage) <-chan *FlowMessage {
	return mapOrdered(ctx, e.env, e.step, in, e.render)
}

func (e *promptTemplateExecutor) render(_ context.Context, msg *FlowMessage) (*FlowMessage, error) {
	var missing string
	rendered := templatePlaceholders.ReplaceAllStringFunc(e.step.Template, func(match string) string {
		name := templatePlaceholders.FindStringSubmatch(match)[1]
		v, ok := msg.Var(name)
		if !ok {
			if missing == "" {
				missing = name
			}
			return match
		}
		if text, ok := chatText(v); ok {
			return text
		}
		return stringify(v)
	})
	if missing != "" {
		return nil, &core.RuntimeError{
			Class: core.RuntimeMessageFailure, Code: core.RuntimeTemplateError,
			Message: fmt.Sprintf("template placeholder %q has no value", missing),
		}
	}
	return msg.WithVar(e.step.Outputs[0], rendered), nil
}
