// Package interpreter executes a checked flow: it chains per-step
// executors in the flow's topological order, transports FlowMessage
// capsules between them over bounded channels, and handles concurrency,
// batching, fan-out/fan-in, memory, tool invocation, cancellation, and
// the secondary streaming event feed.
package interpreter

import "github.com/bazaarvoice/qtype/core"

// Metadata is the auxiliary per-message information a FlowMessage
// carries alongside its variables.
type Metadata struct {
	TraceID string
	SpanID  string
	StepID  string // step currently (or last) processing this message
	Status  string
}

// FlowMessage is the transport capsule threaded through executors
//. It is immutable by convention: producers build a new capsule
// via Clone/WithVar rather than mutating one in flight, so concurrent
// consumers never observe partial writes.
type FlowMessage struct {
	SessionID string
	Variables map[string]any
	Error     *core.RuntimeError
	Metadata  Metadata
}

// NewFlowMessage creates a capsule seeded with the given variables.
func NewFlowMessage(sessionID string, vars map[string]any) *FlowMessage {
	m := &FlowMessage{SessionID: sessionID, Variables: make(map[string]any, len(vars))}
	for k, v := range vars {
		m.Variables[k] = v
	}
	return m
}

// Clone returns a copy with its own Variables map. Values themselves are
// shared; executors treat them as read-only.
func (m *FlowMessage) Clone() *FlowMessage {
	out := &FlowMessage{
		SessionID: m.SessionID,
		Error:     m.Error,
		Metadata:  m.Metadata,
		Variables: make(map[string]any, len(m.Variables)),
	}
	for k, v := range m.Variables {
		out.Variables[k] = v
	}
	return out
}

// WithVar returns a new capsule carrying the additional variable.
func (m *FlowMessage) WithVar(id string, value any) *FlowMessage {
	out := m.Clone()
	out.Variables[id] = value
	return out
}

// Var looks a variable up by id.
func (m *FlowMessage) Var(id string) (any, bool) {
	v, ok := m.Variables[id]
	return v, ok
}

// Failed reports whether the capsule carries an error record. Failed
// messages short-circuit every downstream executor.
func (m *FlowMessage) Failed() bool {
	return m.Error != nil
}

// Fail returns a copy of m carrying err as its error record, stamped
// with the failing step id.
func (m *FlowMessage) Fail(err *core.RuntimeError, stepID string) *FlowMessage {
	out := m.Clone()
	if err.StepID == "" {
		err.StepID = stepID
	}
	out.Error = err
	out.Metadata.StepID = stepID
	return out
}
