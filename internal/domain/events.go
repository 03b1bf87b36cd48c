package domain

import (
	"github.com/tidwall/sjson"
)

// EventType identifies a client-facing relay event.
type EventType string

const (
	EventTypeStart      EventType = "start"
	EventTypeDelta      EventType = "delta"
	EventTypeStatus     EventType = "status"
	EventTypeFlowStatus EventType = "flow_status"
	EventTypeNewMessage EventType = "new_message"
	EventTypeDone       EventType = "done"
	EventTypeError      EventType = "error"
)

// Event is the only vocabulary the relay emits to clients. Upstream event
// shapes are translated into one of these tags and never forwarded as-is.
// Build events with the constructors below.
type Event struct {
	Type     EventType `json:"event"`
	ThreadID string    `json:"thread_id,omitempty"`
	RunID    string    `json:"run_id,omitempty"`
	Text     string    `json:"text,omitempty"`
	Message  string    `json:"message,omitempty"`
	FullText string    `json:"full_text,omitempty"`
}

// StartEvent announces the upstream run.
func StartEvent(threadID, runID string) Event {
	return Event{Type: EventTypeStart, ThreadID: threadID, RunID: runID}
}

// DeltaEvent carries a fragment of assistant text.
func DeltaEvent(text string) Event {
	return Event{Type: EventTypeDelta, Text: text}
}

// StatusEvent carries an intermediate step message from the agent.
func StatusEvent(message string) Event {
	return Event{Type: EventTypeStatus, Message: message}
}

// FlowStatusEvent reports progress while waiting for a flow result.
func FlowStatusEvent(message string) Event {
	return Event{Type: EventTypeFlowStatus, Message: message}
}

// NewMessageEvent tells the client that the following deltas belong to a new
// assistant message.
func NewMessageEvent() Event {
	return Event{Type: EventTypeNewMessage}
}

// DoneEvent terminates a successful sequence.
func DoneEvent(threadID, runID, fullText string) Event {
	return Event{Type: EventTypeDone, ThreadID: threadID, RunID: runID, FullText: fullText}
}

// ErrorEvent terminates a failed sequence.
func ErrorEvent(message string) Event {
	return Event{Type: EventTypeError, Message: message}
}

// MarshalJSON writes the tag first followed by exactly the fields that belong
// to it, including empty ones, so clients can rely on their presence.
func (e Event) MarshalJSON() ([]byte, error) {
	type field struct{ key, value string }
	fields := []field{{"event", string(e.Type)}}

	switch e.Type {
	case EventTypeStart:
		fields = append(fields, field{"thread_id", e.ThreadID}, field{"run_id", e.RunID})
	case EventTypeDelta:
		fields = append(fields, field{"text", e.Text})
	case EventTypeStatus, EventTypeFlowStatus, EventTypeError:
		fields = append(fields, field{"message", e.Message})
	case EventTypeDone:
		fields = append(fields,
			field{"thread_id", e.ThreadID},
			field{"run_id", e.RunID},
			field{"full_text", e.FullText})
	}

	out := []byte(`{}`)
	var err error
	for _, f := range fields {
		if out, err = sjson.SetBytes(out, f.key, f.value); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// IsTerminal reports whether the event ends a sequence.
func (e Event) IsTerminal() bool {
	return e.Type == EventTypeDone || e.Type == EventTypeError
}
