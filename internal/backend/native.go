// Package backend provides generation backends behind one streaming
// contract: each yields decoded stream events for a conversation and stops
// silently when the caller's context is cancelled.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/studypages/assistant/internal/models"
	"github.com/studypages/assistant/internal/stream"
)

// Native speaks the assistant service's own chat protocol: a POST of the
// full message list, answered either by a framed event stream or by a
// single JSON document. Which shape arrived is decided per response from
// the Content-Type header.
type Native struct {
	endpoint string
	client   *http.Client
	logger   *slog.Logger
}

// NewNative creates a Native backend talking to the given chat endpoint.
func NewNative(endpoint string, logger *slog.Logger) Native {
	return Native{
		endpoint: endpoint,
		client: &http.Client{
			Timeout: 5 * time.Minute,
		},
		logger: logger.With(slog.String("module", "native")),
	}
}

type nativeMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type nativeChatRequest struct {
	Messages []nativeMessage `json:"messages"`
}

// Chat streams events for the given conversation. The returned iterator
// yields decoded events and, at most once, a terminal *stream.Failure. It
// returns silently when ctx is cancelled.
func (n Native) Chat(ctx context.Context, messages []models.Message) iter.Seq2[stream.Event, error] {
	return func(yield func(stream.Event, error) bool) {
		msgs := make([]nativeMessage, len(messages))
		for i, m := range messages {
			msgs[i] = nativeMessage{Role: string(m.Role), Content: m.Content}
		}

		body, err := json.Marshal(nativeChatRequest{Messages: msgs})
		if err != nil {
			yield(stream.Event{}, fmt.Errorf("marshaling request: %w", err))
			return
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, bytes.NewReader(body))
		if err != nil {
			yield(stream.Event{}, fmt.Errorf("creating request: %w", err))
			return
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := n.client.Do(req)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			yield(stream.Event{}, &stream.Failure{Kind: stream.FailNetwork, Err: err})
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			// Drain a little of the body so the connection can be reused.
			_, _ = io.CopyN(io.Discard, resp.Body, 4096)
			yield(stream.Event{}, &stream.Failure{Kind: stream.FailHTTP, Status: resp.StatusCode})
			return
		}

		n.consumerFor(resp).consume(ctx, resp.Body, yield)
	}
}

// responseConsumer turns one response body into events. The streamed and
// single-JSON response shapes are two strategies behind this interface.
type responseConsumer interface {
	consume(ctx context.Context, body io.Reader, yield func(stream.Event, error) bool)
}

func (n Native) consumerFor(resp *http.Response) responseConsumer {
	ct := resp.Header.Get("Content-Type")
	if mt, _, err := mime.ParseMediaType(ct); err == nil {
		ct = mt
	}
	if strings.EqualFold(ct, "text/event-stream") {
		return streamConsumer{onDrop: n.logDrop}
	}
	return jsonConsumer{}
}

func (n Native) logDrop(frame string, err error) {
	n.logger.Debug("Dropped undecodable frame",
		slog.String("frame", frame),
		slog.String("error", err.Error()))
}

// streamConsumer feeds the framed event stream through the transport
// reader. The read stops once the protocol's done event arrives, even if
// the server keeps the connection open. A successful status with an empty
// body is a failure, same as the single-JSON shape.
type streamConsumer struct {
	onDrop func(frame string, err error)
}

func (c streamConsumer) consume(ctx context.Context, body io.Reader, yield func(stream.Event, error) bool) {
	cr := &countingReader{r: body}
	r := &stream.Reader{OnDrop: c.onDrop}
	out := r.Read(ctx, cr, func(ev stream.Event) bool {
		if ev.Type == stream.EventDone {
			yield(ev, nil)
			return false
		}
		return yield(ev, nil)
	})
	switch {
	case out.Kind == stream.OutcomeFailed:
		yield(stream.Event{}, out.Failure)
	case out.Kind == stream.OutcomeCompleted && cr.n == 0:
		yield(stream.Event{}, &stream.Failure{Kind: stream.FailEmptyResponse})
	}
}

// countingReader records how many body bytes arrived so an immediate EOF
// can be told apart from a stream that carried frames.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// jsonConsumer handles the non-streamed fallback shape: a single document
// delivered as one synthetic token followed by done.
type jsonConsumer struct{}

func (jsonConsumer) consume(ctx context.Context, body io.Reader, yield func(stream.Event, error) bool) {
	data, err := io.ReadAll(body)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return
		}
		yield(stream.Event{}, &stream.Failure{Kind: stream.FailNetwork, Err: err})
		return
	}
	if len(bytes.TrimSpace(data)) == 0 {
		yield(stream.Event{}, &stream.Failure{Kind: stream.FailEmptyResponse})
		return
	}

	var out struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		yield(stream.Event{}, &stream.Failure{Kind: stream.FailEmptyResponse, Err: err})
		return
	}
	if !yield(stream.Event{Type: stream.EventToken, Content: out.Content}, nil) {
		return
	}
	yield(stream.Event{Type: stream.EventDone}, nil)
}
