package interpreter

import (
	"context"
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/bazaarvoice/qtype/core"
	"github.com/bazaarvoice/qtype/dsl"
)

// conditionExecutor routes each capsule to its then- or else-branch
// executor. The predicate has two forms: when `equals` names a
// declared flow variable, the step's input value is compared against
// that variable's value; otherwise `equals` is compiled as an
// expression over the capsule's variables and routes on truthiness.
type conditionExecutor struct {
	env  *runEnv
	step *dsl.Condition

	equalsVar bool
	program   *vm.Program

	thenExec Executor
	elseExec Executor
}

func newConditionExecutor(env *runEnv, flow *dsl.Flow, step dsl.Step) (Executor, error) {
	c := step.(*dsl.Condition)
	e := &conditionExecutor{env: env, step: c}

	for _, v := range flow.Variables {
		if v.ID == c.Equals {
			e.equalsVar = true
			break
		}
	}
	if !e.equalsVar {
		program, err := expr.Compile(c.Equals, expr.AsBool(), expr.AllowUndefinedVariables())
		if err != nil {
			return nil, fmt.Errorf("interpreter: condition %q: compiling predicate: %w", c.ID, err)
		}
		e.program = program
	}

	build := func(b *dsl.Branch) (Executor, error) {
		if b == nil {
			return nil, nil
		}
		branchStep, ok := env.interp.sem.BranchStep(b)
		if !ok {
			return nil, fmt.Errorf("interpreter: condition %q: branch step did not survive checking", c.ID)
		}
		return env.interp.cfg.Registry.Build(env, flow, branchStep)
	}
	var err error
	if e.thenExec, err = build(c.Then); err != nil {
		return nil, err
	}
	if e.elseExec, err = build(c.Else); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *conditionExecutor) Process(ctx context.Context, in <-chan *FlowMessage) <-chan *FlowMessage {
	out := make(chan *FlowMessage, bufferFor(e.step.Base()))
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-in:
				if !ok {
					return
				}
				if msg.Failed() {
					if !send(ctx, out, msg) {
						return
					}
					continue
				}
				for _, routed := range e.route(ctx, msg) {
					if !send(ctx, out, routed) {
						return
					}
				}
			}
		}
	}()
	return out
}

// route evaluates the predicate and drives the selected branch executor
// over the single capsule. A missing else-branch forwards the capsule
// unchanged.
func (e *conditionExecutor) route(ctx context.Context, msg *FlowMessage) []*FlowMessage {
	base := e.step.Base()
	e.env.emit(NewEvent(EventStartStep, e.env.runID).WithStep(base.ID, e.step.StepType()))

	take, err := e.evaluate(msg)
	if err != nil {
		rt := asRuntimeError(err, base.ID)
		e.env.emit(NewEvent(EventError, e.env.runID).WithStep(base.ID, e.step.StepType()).WithPayload("error", rt.Error()))
		e.env.emit(NewEvent(EventFinishStep, e.env.runID).WithStep(base.ID, e.step.StepType()))
		return []*FlowMessage{msg.Fail(rt, base.ID)}
	}

	branch := e.thenExec
	if !take {
		branch = e.elseExec
	}
	e.env.emit(NewEvent(EventFinishStep, e.env.runID).WithStep(base.ID, e.step.StepType()))
	if branch == nil {
		return []*FlowMessage{msg}
	}
	return collectAll(ctx, branch.Process(ctx, singleMessageIn(msg)))
}

func (e *conditionExecutor) evaluate(msg *FlowMessage) (bool, error) {
	if e.equalsVar {
		if len(e.step.Inputs) == 0 {
			return false, &core.RuntimeError{
				Class: core.RuntimeMessageFailure, Code: core.RuntimeInvariantViolation,
				Message: "condition has no input to compare",
			}
		}
		left, _ := msg.Var(e.step.Inputs[0])
		right, _ := msg.Var(e.step.Equals)
		return stringify(left) == stringify(right), nil
	}
	res, err := expr.Run(e.program, msg.Variables)
	if err != nil {
		return false, err
	}
	b, _ := res.(bool)
	return b, nil
}
