package chat

import (
	"errors"

	"github.com/studypages/assistant/internal/stream"
)

// User-facing failure strings. Every terminal failure is normalized to one
// of these; cancellation produces no message at all.
const (
	// FallbackNoResponse replaces an answer that finished empty.
	FallbackNoResponse = "No response received. Please try again."

	// FailureContact covers transport and server-status failures.
	FailureContact = "Sorry, something went wrong while contacting the assistant. Please try again."

	serverErrorPrefix = "The assistant reported a problem: "
)

// Normalize maps a terminal failure to its user-facing string.
func Normalize(err error) string {
	var f *stream.Failure
	if !errors.As(err, &f) {
		return FailureContact
	}
	switch f.Kind {
	case stream.FailEmptyResponse:
		return FallbackNoResponse
	case stream.FailServer:
		if f.Message != "" {
			return serverErrorPrefix + f.Message
		}
		return FailureContact
	}
	return FailureContact
}
