package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// payloadMarker prefixes the payload lines of a frame. Lines without it,
// such as comments and keep-alives, carry no event.
const payloadMarker = "data:"

// ErrNoPayload reports a frame without any payload lines. Such frames are a
// normal part of the protocol and are not decode failures.
var ErrNoPayload = errors.New("frame has no payload lines")

// ErrUnknownEventType reports a structurally valid payload whose type tag is
// not one of the known variants. Unknown tags are ignored so newer servers
// can add event types without breaking older clients.
var ErrUnknownEventType = errors.New("unknown event type")

// DecodeFrame decodes the payload of one frame into an Event. It collects
// the marker-prefixed lines, strips the marker and one optional leading
// space from each, joins them, and decodes the result as JSON.
//
// A non-nil error means the frame carries no event and must be dropped
// without aborting the stream.
func DecodeFrame(frame string) (Event, error) {
	var payload strings.Builder
	for _, line := range strings.Split(frame, "\n") {
		line = strings.TrimSuffix(line, "\r")
		if !strings.HasPrefix(line, payloadMarker) {
			continue
		}
		v := strings.TrimPrefix(line, payloadMarker)
		v = strings.TrimPrefix(v, " ")
		if payload.Len() > 0 {
			payload.WriteByte('\n')
		}
		payload.WriteString(v)
	}
	if payload.Len() == 0 {
		return Event{}, ErrNoPayload
	}

	var ev Event
	if err := json.Unmarshal([]byte(payload.String()), &ev); err != nil {
		return Event{}, fmt.Errorf("decoding frame payload: %w", err)
	}
	switch ev.Type {
	case EventToken, EventDone, EventError:
		return ev, nil
	}
	return Event{}, fmt.Errorf("%w: %q", ErrUnknownEventType, ev.Type)
}
