package interpreter

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bazaarvoice/qtype/core"
	"github.com/bazaarvoice/qtype/dsl"
)

func testEnv() *runEnv {
	return &runEnv{
		interp: New(nil, Config{}),
		runID:  "test-run",
		emit:   func(Event) {},
		retry:  core.DefaultRetryPolicy(),
		fatal:  func(*core.RuntimeError) {},
	}
}

func feed(msgs ...*FlowMessage) <-chan *FlowMessage {
	ch := make(chan *FlowMessage, len(msgs))
	for _, m := range msgs {
		ch <- m
	}
	close(ch)
	return ch
}

func numberedMessages(n int) []*FlowMessage {
	msgs := make([]*FlowMessage, n)
	for i := 0; i < n; i++ {
		msgs[i] = NewFlowMessage("sess", map[string]any{"n": i})
	}
	return msgs
}

func TestMapOrdered_PreservesInputOrder(t *testing.T) {
	env := testEnv()
	step := &dsl.Echo{StepBase: dsl.StepBase{ID: "jitter", Concurrency: 8}}
	msgs := numberedMessages(50)

	// Later messages finish earlier: strictly decreasing sleep.
	out := mapOrdered(context.Background(), env, step, feed(msgs...), func(_ context.Context, m *FlowMessage) (*FlowMessage, error) {
		n, _ := m.Var("n")
		time.Sleep(time.Duration(50-n.(int)) * time.Millisecond / 10)
		return m.WithVar("seen", true), nil
	})

	results := collectAll(context.Background(), out)
	if len(results) != 50 {
		t.Fatalf("results = %d, want 50", len(results))
	}
	for i, m := range results {
		n, _ := m.Var("n")
		if n != i {
			t.Fatalf("results[%d] carries n=%v, want %d: order not preserved", i, n, i)
		}
	}
}

func TestMapOrdered_FailedMessagePassthrough(t *testing.T) {
	env := testEnv()
	step := &dsl.Echo{StepBase: dsl.StepBase{ID: "skip"}}

	failure := &core.RuntimeError{Class: core.RuntimeMessageFailure, Code: core.RuntimeTemplateError, Message: "upstream broke"}
	failed := NewFlowMessage("sess", nil).Fail(failure, "upstream")
	ok := NewFlowMessage("sess", map[string]any{"n": 1})

	called := 0
	out := mapOrdered(context.Background(), env, step, feed(failed, ok), func(_ context.Context, m *FlowMessage) (*FlowMessage, error) {
		called++
		return m, nil
	})
	results := collectAll(context.Background(), out)

	if called != 1 {
		t.Errorf("transform called %d times, want 1 (failed input skipped)", called)
	}
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	// The failed message is forwarded unchanged: same capsule, same
	// error record.
	if results[0] != failed {
		t.Error("failed message was not forwarded as the identical capsule")
	}
	if results[0].Error != failure {
		t.Error("failed message error record was replaced")
	}
}

func TestMapOrdered_TransformErrorBecomesMessageFailure(t *testing.T) {
	env := testEnv()
	step := &dsl.Echo{StepBase: dsl.StepBase{ID: "broken"}}

	out := mapOrdered(context.Background(), env, step, feed(numberedMessages(1)...), func(_ context.Context, m *FlowMessage) (*FlowMessage, error) {
		return nil, &core.RuntimeError{Class: core.RuntimeMessageFailure, Code: core.RuntimeDecodeError, Message: "nope"}
	})
	results := collectAll(context.Background(), out)
	if len(results) != 1 {
		t.Fatalf("results = %d, want 1", len(results))
	}
	if !results[0].Failed() {
		t.Fatal("message not marked failed")
	}
	if results[0].Error.Code != core.RuntimeDecodeError {
		t.Errorf("error code = %q, want %q", results[0].Error.Code, core.RuntimeDecodeError)
	}
	if results[0].Error.StepID != "broken" {
		t.Errorf("error step = %q, want broken", results[0].Error.StepID)
	}
}

func TestMapOrdered_FatalAbortsRun(t *testing.T) {
	var got *core.RuntimeError
	env := testEnv()
	env.fatal = func(err *core.RuntimeError) { got = err }
	step := &dsl.Echo{StepBase: dsl.StepBase{ID: "fatal", Concurrency: 1}}

	out := mapOrdered(context.Background(), env, step, feed(numberedMessages(1)...), func(_ context.Context, m *FlowMessage) (*FlowMessage, error) {
		return nil, &core.RuntimeError{Class: core.RuntimeFatal, Code: core.RuntimeInvariantViolation, Message: "bad"}
	})
	results := collectAll(context.Background(), out)
	if len(results) != 0 {
		t.Errorf("results = %d, want 0: fatal messages are consumed", len(results))
	}
	if got == nil || got.Code != core.RuntimeInvariantViolation {
		t.Errorf("fatal hook got %v, want invariant violation", got)
	}
}

func TestMapBatched_BatchSizes(t *testing.T) {
	env := testEnv()
	step := &dsl.DocumentEmbedder{StepBase: dsl.StepBase{ID: "batch", BatchSize: 4}}
	msgs := numberedMessages(10)

	var sizes []int
	out := mapBatched(context.Background(), env, step, feed(msgs...), func(_ context.Context, batch []*FlowMessage) ([]*FlowMessage, error) {
		sizes = append(sizes, len(batch))
		return batch, nil
	})
	results := collectAll(context.Background(), out)

	if len(results) != 10 {
		t.Fatalf("results = %d, want 10", len(results))
	}
	want := []int{4, 4, 2}
	if len(sizes) != len(want) {
		t.Fatalf("batch sizes = %v, want %v", sizes, want)
	}
	for i := range want {
		if sizes[i] != want[i] {
			t.Errorf("batch %d size = %d, want %d", i, sizes[i], want[i])
		}
	}
	for i, m := range results {
		if n, _ := m.Var("n"); n != i {
			t.Fatalf("results[%d] carries n=%v: batch order not preserved", i, n)
		}
	}
}

func TestMapBatched_FailedFlushesInPlace(t *testing.T) {
	env := testEnv()
	step := &dsl.DocumentEmbedder{StepBase: dsl.StepBase{ID: "batch", BatchSize: 10}}

	failure := &core.RuntimeError{Class: core.RuntimeMessageFailure, Code: core.RuntimeToolError, Message: "upstream"}
	a := NewFlowMessage("sess", map[string]any{"n": 0})
	failed := NewFlowMessage("sess", nil).Fail(failure, "upstream")
	b := NewFlowMessage("sess", map[string]any{"n": 2})

	out := mapBatched(context.Background(), env, step, feed(a, failed, b), func(_ context.Context, batch []*FlowMessage) ([]*FlowMessage, error) {
		return batch, nil
	})
	results := collectAll(context.Background(), out)
	if len(results) != 3 {
		t.Fatalf("results = %d, want 3", len(results))
	}
	if results[0] != a || results[1] != failed || results[2] != b {
		t.Error("failed message not forwarded in place between flushed batches")
	}
}

func TestMapBatched_ErrorFailsWholeBatch(t *testing.T) {
	env := testEnv()
	step := &dsl.DocumentEmbedder{StepBase: dsl.StepBase{ID: "batch", BatchSize: 2}}
	msgs := numberedMessages(2)

	out := mapBatched(context.Background(), env, step, feed(msgs...), func(_ context.Context, batch []*FlowMessage) ([]*FlowMessage, error) {
		return nil, fmt.Errorf("provider exploded")
	})
	results := collectAll(context.Background(), out)
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	for i, m := range results {
		if !m.Failed() {
			t.Errorf("results[%d] not failed", i)
		}
	}
}

func TestFlowMessage_CloneIsolation(t *testing.T) {
	orig := NewFlowMessage("sess", map[string]any{"a": 1})
	clone := orig.WithVar("b", 2)

	if _, ok := orig.Var("b"); ok {
		t.Error("WithVar mutated the original capsule")
	}
	if v, _ := clone.Var("a"); v != 1 {
		t.Error("clone lost the original variable")
	}
	if v, _ := clone.Var("b"); v != 2 {
		t.Error("clone missing the new variable")
	}
}
