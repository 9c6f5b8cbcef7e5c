package stream

import "fmt"

// FailureKind classifies why an exchange could not produce an answer.
type FailureKind int

const (
	// FailNetwork means the transport could not complete the exchange.
	FailNetwork FailureKind = iota
	// FailHTTP means the server answered with a non-2xx status.
	FailHTTP
	// FailEmptyResponse means the server answered successfully but
	// delivered no content.
	FailEmptyResponse
	// FailServer means the protocol delivered an explicit error event.
	FailServer
)

// Failure is the terminal failure of one request/stream exchange. It
// travels up to the controllers, which normalize it into a user-facing
// string. Cancellation is deliberate and is never represented as a Failure.
type Failure struct {
	Kind FailureKind

	// Status is the HTTP status code for FailHTTP.
	Status int

	// Message is the server-provided text for FailServer.
	Message string

	Err error
}

func (f *Failure) Error() string {
	switch f.Kind {
	case FailHTTP:
		return fmt.Sprintf("server returned status %d", f.Status)
	case FailEmptyResponse:
		return "server returned no content"
	case FailServer:
		return fmt.Sprintf("server error: %s", f.Message)
	}
	if f.Err != nil {
		return fmt.Sprintf("request failed: %v", f.Err)
	}
	return "request failed"
}

func (f *Failure) Unwrap() error { return f.Err }
