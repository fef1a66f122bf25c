package interpreter

import (
	"context"
	"errors"
	"sync"

	"github.com/bazaarvoice/qtype/core"
	"github.com/bazaarvoice/qtype/dsl"
	"github.com/bazaarvoice/qtype/tool"
)

// DefaultConcurrency is the per-step bound on in-flight messages when a
// step declares none.
const DefaultConcurrency = 5

// DefaultBatchSize bounds batch accumulation for batching steps that
// declare no batch_size of their own.
const DefaultBatchSize = 16

// Executor consumes an asynchronous stream of FlowMessages and produces
// one. Implementations own their output channel: they close it
// once the input is drained or the context is cancelled.
type Executor interface {
	Process(ctx context.Context, in <-chan *FlowMessage) <-chan *FlowMessage
}

// runEnv carries the per-run facilities every executor shares: the
// owning interpreter (client caches, memory, registry), the flow under
// execution, identity, the event emitter, and the fatal-abort hook.
type runEnv struct {
	interp    *Interpreter
	flow      *dsl.Flow
	runID     string
	sessionID string
	emit      EventHandler
	retry     core.RetryPolicy

	// fatal aborts the whole run; it cancels the run context
	// with the error as cause.
	fatal func(*core.RuntimeError)
}

// transformFunc is the per-message body of a one-to-one executor. It
// never sees failed messages; the driver forwards those unchanged.
type transformFunc func(ctx context.Context, msg *FlowMessage) (*FlowMessage, error)

func concurrencyOf(base *dsl.StepBase) int {
	if base.Concurrency > 0 {
		return base.Concurrency
	}
	return DefaultConcurrency
}

func batchSizeOf(base *dsl.StepBase) int {
	if base.BatchSize > 0 {
		return base.BatchSize
	}
	return DefaultBatchSize
}

// bufferFor sizes the transport buffer between two executors: 2 ×
// concurrency, the bounded hand-off that gives end-to-end backpressure
// from the slowest stage.
func bufferFor(base *dsl.StepBase) int {
	return 2 * concurrencyOf(base)
}

// send delivers m downstream, honoring cancellation. Reports false once
// the context is done.
func send(ctx context.Context, out chan<- *FlowMessage, m *FlowMessage) bool {
	select {
	case out <- m:
		return true
	case <-ctx.Done():
		return false
	}
}

// dispatch runs fn on one message with step events, timeout, and error
// classification. Failed inputs are forwarded unchanged without
// dispatching. A nil return means the message
// was consumed by a fatal abort or cancellation.
func (env *runEnv) dispatch(ctx context.Context, step dsl.Step, msg *FlowMessage, fn transformFunc) *FlowMessage {
	if msg.Failed() {
		return msg
	}
	base := step.Base()
	env.emit(NewEvent(EventStartStep, env.runID).WithStep(base.ID, step.StepType()))

	cctx := ctx
	if t := env.interp.cfg.StepTimeout; t > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}

	res, err := fn(cctx, msg)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		rt := asRuntimeError(err, base.ID)
		if rt.Class == core.RuntimeFatal {
			env.emit(NewEvent(EventError, env.runID).WithStep(base.ID, step.StepType()).WithPayload("error", rt.Error()))
			env.fatal(rt)
			return nil
		}
		env.emit(NewEvent(EventError, env.runID).WithStep(base.ID, step.StepType()).WithPayload("error", rt.Error()))
		res = msg.Fail(rt, base.ID)
	}
	env.emit(NewEvent(EventFinishStep, env.runID).WithStep(base.ID, step.StepType()))
	if res != nil {
		res.Metadata.StepID = base.ID
	}
	return res
}

// asRuntimeError coerces any executor error into the runtime taxonomy:
// RuntimeErrors pass through, retry-exhausted tool errors become message
// failures, deadline expiry becomes a Timeout message failure.
func asRuntimeError(err error, stepID string) *core.RuntimeError {
	var rt *core.RuntimeError
	if errors.As(err, &rt) {
		return rt
	}
	var te *tool.ToolError
	if errors.As(err, &te) {
		return &core.RuntimeError{Class: core.RuntimeMessageFailure, Code: core.RuntimeToolError, Message: te.Error(), StepID: stepID, Cause: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &core.RuntimeError{Class: core.RuntimeMessageFailure, Code: core.RuntimeTimeout, Message: "step deadline exceeded", StepID: stepID, Cause: err}
	}
	return &core.RuntimeError{Class: core.RuntimeMessageFailure, Code: core.RuntimeToolError, Message: err.Error(), StepID: stepID, Cause: err}
}

// mapOrdered is the driver behind every one-to-one executor: a bounded
// worker pool of size concurrency whose results are re-emitted in input
// order regardless of completion order.
func mapOrdered(ctx context.Context, env *runEnv, step dsl.Step, in <-chan *FlowMessage, fn transformFunc) <-chan *FlowMessage {
	base := step.Base()
	conc := concurrencyOf(base)
	out := make(chan *FlowMessage, bufferFor(base))

	go func() {
		defer close(out)

		type job struct {
			seq int
			msg *FlowMessage
		}
		type result struct {
			seq int
			msg *FlowMessage // nil when consumed by fatal/cancel
		}

		jobs := make(chan job)
		results := make(chan result, conc)

		var wg sync.WaitGroup
		wg.Add(conc)
		for i := 0; i < conc; i++ {
			go func() {
				defer wg.Done()
				for j := range jobs {
					res := env.dispatch(ctx, step, j.msg, fn)
					select {
					case results <- result{j.seq, res}:
					case <-ctx.Done():
						return
					}
				}
			}()
		}

		go func() {
			defer close(jobs)
			seq := 0
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-in:
					if !ok {
						return
					}
					select {
					case jobs <- job{seq, msg}:
						seq++
					case <-ctx.Done():
						return
					}
				}
			}
		}()

		go func() {
			wg.Wait()
			close(results)
		}()

		pending := make(map[int]*FlowMessage)
		seen := make(map[int]bool)
		next := 0
		for r := range results {
			pending[r.seq] = r.msg
			seen[r.seq] = true
			for seen[next] {
				m := pending[next]
				delete(pending, next)
				delete(seen, next)
				next++
				if m == nil {
					continue
				}
				if !send(ctx, out, m) {
					return
				}
			}
		}
	}()
	return out
}

// batchFunc processes one accumulated batch and returns exactly one
// result per input, in input order.
type batchFunc func(ctx context.Context, msgs []*FlowMessage) ([]*FlowMessage, error)

// mapBatched drives batching steps (embedding, index upsert):
// accumulate up to batch_size messages or until upstream completion,
// issue one batched call, then re-emit one message per input in input
// order. Failed messages flush the current batch and pass
// through in place so overall order is preserved.
func mapBatched(ctx context.Context, env *runEnv, step dsl.Step, in <-chan *FlowMessage, fn batchFunc) <-chan *FlowMessage {
	base := step.Base()
	size := batchSizeOf(base)
	out := make(chan *FlowMessage, bufferFor(base))

	go func() {
		defer close(out)
		batch := make([]*FlowMessage, 0, size)

		flush := func() bool {
			if len(batch) == 0 {
				return true
			}
			msgs := batch
			batch = make([]*FlowMessage, 0, size)

			env.emit(NewEvent(EventStartStep, env.runID).WithStep(base.ID, step.StepType()).WithPayload("batch_size", len(msgs)))
			results, err := fn(ctx, msgs)
			if err != nil {
				if ctx.Err() != nil {
					return false
				}
				rt := asRuntimeError(err, base.ID)
				if rt.Class == core.RuntimeFatal {
					env.emit(NewEvent(EventError, env.runID).WithStep(base.ID, step.StepType()).WithPayload("error", rt.Error()))
					env.fatal(rt)
					return false
				}
				env.emit(NewEvent(EventError, env.runID).WithStep(base.ID, step.StepType()).WithPayload("error", rt.Error()))
				results = make([]*FlowMessage, len(msgs))
				for i, m := range msgs {
					failure := *rt
					results[i] = m.Fail(&failure, base.ID)
				}
			}
			env.emit(NewEvent(EventFinishStep, env.runID).WithStep(base.ID, step.StepType()))
			for _, r := range results {
				if r == nil {
					continue
				}
				r.Metadata.StepID = base.ID
				if !send(ctx, out, r) {
					return false
				}
			}
			return true
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
					if !flush() || !send(ctx, out, msg) {
						return
					}
					continue
				}
				batch = append(batch, msg)
				if len(batch) >= size {
					if !flush() {
						return
					}
				}
			}
		}
	}()
	return out
}

// collectAll drains in into a slice, honoring cancellation. Used by the
// fan-in executors and by flow-result collection.
func collectAll(ctx context.Context, in <-chan *FlowMessage) []*FlowMessage {
	var msgs []*FlowMessage
	for {
		select {
		case <-ctx.Done():
			// Drain without accumulating so upstream producers can exit.
			for range in { //nolint:revive // intentional drain
			}
			return msgs
		case m, ok := <-in:
			if !ok {
				return msgs
			}
			msgs = append(msgs, m)
		}
	}
}

// singleMessageIn wraps one message as an input stream, used to route a
// capsule through a branch executor.
func singleMessageIn(m *FlowMessage) <-chan *FlowMessage {
	ch := make(chan *FlowMessage, 1)
	ch <- m
	close(ch)
	return ch
}
