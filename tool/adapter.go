// Package tool hides tool-invocation transport details (HTTP, native
// in-process) behind a single Adapter contract, so the interpreter's
// InvokeTool executor never branches on dsl.ToolKind itself.
package tool

import (
	"context"
	"time"
)

// InvokeRequest is the transport-agnostic invocation payload an executor
// hands to an Adapter, already assembled from a step's InputBindings.
type InvokeRequest struct {
	ToolName  string
	Inputs    map[string]any
	RequestID string
}

// InvokeResponse is the transport-agnostic invocation result; Outputs is
// mapped back onto a step's OutputBindings by the interpreter.
type InvokeResponse struct {
	Outputs    map[string]any
	DurationMS int64
}

// Adapter hides transport details (native call vs HTTP request) behind
// one contract.
type Adapter interface {
	Invoke(ctx context.Context, req InvokeRequest) (InvokeResponse, error)
	Close(ctx context.Context) error
}

func elapsedMS(start time.Time) int64 {
	return time.Since(start).Milliseconds()
}
