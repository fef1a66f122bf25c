package tool

import (
	"context"
	"fmt"
	"time"
)

// NativeTool is an in-process implementation bound to a native-kind
// dsl.Tool by its FunctionName. Applications register these by
// name; QType itself ships none.
type NativeTool interface {
	Invoke(ctx context.Context, inputs map[string]any) (map[string]any, error)
}

// NativeRegistry looks native tool implementations up by the dsl.Tool's
// FunctionName, the same role a live provider/adapter registry plays for
// HTTP tools' endpoints — except native tools have no endpoint to dial, so
// all that's needed is a name-keyed lookup table.
type NativeRegistry map[string]NativeTool

// Lookup resolves name against the registry.
func (r NativeRegistry) Lookup(name string) (NativeTool, bool) {
	t, ok := r[name]
	return t, ok
}

// NativeAdapter wraps a NativeTool as a transport-agnostic Adapter.
type NativeAdapter struct {
	tool NativeTool
}

// NewNativeAdapter builds an adapter around an already-resolved NativeTool.
func NewNativeAdapter(t NativeTool) *NativeAdapter {
	return &NativeAdapter{tool: t}
}

// Invoke executes the native tool in-process.
func (a *NativeAdapter) Invoke(ctx context.Context, req InvokeRequest) (InvokeResponse, error) {
	if a.tool == nil {
		return InvokeResponse{}, newToolError(ToolErrorCodeInvalidRequest, fmt.Sprintf("native tool %q is not registered", req.ToolName), false, nil)
	}
	start := time.Now()
	outputs, err := a.tool.Invoke(ctx, req.Inputs)
	if err != nil {
		return InvokeResponse{}, err
	}
	return InvokeResponse{Outputs: outputs, DurationMS: elapsedMS(start)}, nil
}

// Close is a no-op: native tools have no transport resource to release.
func (a *NativeAdapter) Close(ctx context.Context) error {
	return nil
}

var _ Adapter = (*NativeAdapter)(nil)
