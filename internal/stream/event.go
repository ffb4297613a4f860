// Package stream implements the ordered, single-writer event channel that carries
// one turn's output to one client connection, plus the transport encoders that
// write it to HTTP responses.
package stream

// EventType tags a stream event.
type EventType string

const (
	EventID         EventType = "id"
	EventTitle      EventType = "title"
	EventClear      EventType = "clear"
	EventTextDelta  EventType = "text-delta"
	EventSuggestion EventType = "suggestion"
	EventAnnotation EventType = "annotation"
	EventFinish     EventType = "finish"
)

// Event is one element of the stream. ToolCallID is set on events emitted by a
// tool while it runs.
type Event struct {
	Type       EventType `json:"type"`
	Content    any       `json:"content,omitempty"`
	ToolCallID string    `json:"toolCallId,omitempty"`
}

// FinishReason explains why a turn ended.
type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishMaxSteps  FinishReason = "max-steps"
	FinishError     FinishReason = "error"
	FinishCancelled FinishReason = "cancelled"
)

// FinishInfo is the content of the terminal finish event.
type FinishInfo struct {
	Reason FinishReason `json:"finishReason"`
	Steps  int          `json:"steps"`
	Error  string       `json:"error,omitempty"`
}

// TextDelta builds a text-delta event.
func TextDelta(text string) Event {
	return Event{Type: EventTextDelta, Content: text}
}

// Annotation builds an annotation event.
func Annotation(content any) Event {
	return Event{Type: EventAnnotation, Content: content}
}
