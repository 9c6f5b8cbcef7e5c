// Package stream implements the wire-level side of a generation exchange:
// splitting a chunked response body into frames, decoding frames into
// events, and driving the read loop with cooperative cancellation.
package stream

// EventType tags a decoded stream event.
type EventType string

const (
	// EventToken delivers an incremental unit of generated text.
	EventToken EventType = "token"
	// EventDone is the protocol-level end-of-stream marker, distinct from
	// transport end-of-file.
	EventDone EventType = "done"
	// EventError is an explicit error delivered by the protocol.
	EventError EventType = "error"
)

// Event is one decoded unit of a generation stream. Events are immutable
// once constructed.
type Event struct {
	Type EventType `json:"type"`

	// Content is filled for EventToken.
	Content string `json:"content,omitempty"`

	// Message is filled for EventError.
	Message string `json:"message,omitempty"`
}
