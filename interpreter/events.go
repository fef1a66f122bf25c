package interpreter

import "time"

// EventKind identifies the type of event emitted on the secondary
// stream, distinct from the FlowMessage pipeline.
type EventKind string

const (
	EventStartStep           EventKind = "start-step"
	EventTextStart           EventKind = "text-start"
	EventTextDelta           EventKind = "text-delta"
	EventReasoningStart      EventKind = "reasoning-start"
	EventReasoningDelta      EventKind = "reasoning-delta"
	EventReasoningEnd        EventKind = "reasoning-end"
	EventToolInputStart      EventKind = "tool-input-start"
	EventToolInputDelta      EventKind = "tool-input-delta"
	EventToolInputEnd        EventKind = "tool-input-end"
	EventToolOutputAvailable EventKind = "tool-output-available"
	EventToolOutputError     EventKind = "tool-output-error"
	EventMessageMetadata     EventKind = "message-metadata"
	EventFinishStep          EventKind = "finish-step"
	EventFinish              EventKind = "finish"
	EventError               EventKind = "error"
)

// String returns the string representation of the EventKind.
func (k EventKind) String() string {
	return string(k)
}

// Event is a structured, streamable record of what happened during
// execution. Events should be kept small; the FlowMessage pipeline
// carries the actual data.
type Event struct {
	Kind      EventKind
	RunID     string
	SessionID string
	StepID    string
	StepType  string
	Time      time.Time
	Payload   map[string]any
}

// NewEvent creates an event with the current timestamp.
func NewEvent(kind EventKind, runID string) Event {
	return Event{
		Kind:    kind,
		RunID:   runID,
		Time:    time.Now(),
		Payload: make(map[string]any),
	}
}

// WithStep sets the step information on the event.
func (e Event) WithStep(stepID, stepType string) Event {
	e.StepID = stepID
	e.StepType = stepType
	return e
}

// WithPayload adds a key-value pair to the event payload.
func (e Event) WithPayload(key string, value any) Event {
	if e.Payload == nil {
		e.Payload = make(map[string]any)
	}
	e.Payload[key] = value
	return e
}

// EventHandler receives events during execution. Implementations can
// log, store, or forward events as needed.
type EventHandler func(Event)

// MultiEventHandler combines multiple handlers into one.
func MultiEventHandler(handlers ...EventHandler) EventHandler {
	return func(e Event) {
		for _, h := range handlers {
			if h != nil {
				h(e)
			}
		}
	}
}

// ChannelEventHandler returns a handler that sends events to a channel.
// Events are dropped if the channel is full.
func ChannelEventHandler(ch chan<- Event) EventHandler {
	return func(e Event) {
		select {
		case ch <- e:
		default:
		}
	}
}
