package pipeline

// EventType tags a StreamEvent's variant, per spec.md §4.9.
type EventType string

const (
	EventRAGStep EventType = "rag_step"
	EventMessage EventType = "message"
	EventDone    EventType = "done"
	EventError   EventType = "error"
)

// StreamEvent is the tagged union emitted by ChatPipeline.Send. Exactly
// one of the fields is meaningful, selected by Type; the JSON encoder
// below omits the rest.
type StreamEvent struct {
	Type EventType `json:"type"`

	// rag_step
	Step string `json:"step,omitempty"`
	Data any    `json:"data,omitempty"`

	// message
	Content     string `json:"content,omitempty"`
	ContentType string `json:"content_type,omitempty"`
}

func ragStepEvent(step string, data any) StreamEvent {
	return StreamEvent{Type: EventRAGStep, Step: step, Data: data}
}

func messageEvent(content, contentType string) StreamEvent {
	return StreamEvent{Type: EventMessage, Content: content, ContentType: contentType}
}

func doneEvent() StreamEvent {
	return StreamEvent{Type: EventDone}
}

func errorEvent(content string, data any) StreamEvent {
	return StreamEvent{Type: EventError, Content: content, Data: data}
}
