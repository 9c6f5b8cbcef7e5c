package chat_test

import (
	"context"
	"io"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/studypages/assistant/internal/chat"
	"github.com/studypages/assistant/internal/models"
	"github.com/studypages/assistant/internal/stream"
)

// generatorFunc adapts a closure to the Generator interface.
type generatorFunc func(ctx context.Context, messages []models.Message) iter.Seq2[stream.Event, error]

func (f generatorFunc) Chat(ctx context.Context, messages []models.Message) iter.Seq2[stream.Event, error] {
	return f(ctx, messages)
}

// scripted returns a generator that records each request and replays the
// given events followed by done.
func scripted(requests *[][]models.Message, mu *sync.Mutex, tokens ...string) chat.Generator {
	return generatorFunc(func(_ context.Context, messages []models.Message) iter.Seq2[stream.Event, error] {
		if requests != nil {
			mu.Lock()
			*requests = append(*requests, messages)
			mu.Unlock()
		}
		return func(yield func(stream.Event, error) bool) {
			for _, tok := range tokens {
				if !yield(stream.Event{Type: stream.EventToken, Content: tok}, nil) {
					return
				}
			}
			yield(stream.Event{Type: stream.EventDone}, nil)
		}
	})
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// snapRecorder collects published snapshots for assertions.
type snapRecorder struct {
	ch chan chat.Snapshot
}

func newSnapRecorder() *snapRecorder {
	return &snapRecorder{ch: make(chan chat.Snapshot, 64)}
}

func (r *snapRecorder) publish(s chat.Snapshot) { r.ch <- s }

// waitStatus reads snapshots until one with the wanted status arrives.
func (r *snapRecorder) waitStatus(t *testing.T, want chat.Status) chat.Snapshot {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case s := <-r.ch:
			if s.Status == want {
				return s
			}
		case <-deadline:
			t.Fatalf("timed out waiting for status %q", want)
		}
	}
}

func TestSessionSendStreamsAnswer(t *testing.T) {
	var mu sync.Mutex
	var requests [][]models.Message
	rec := newSnapRecorder()
	s := chat.NewSession(scripted(&requests, &mu, "He", "llo"), "system prompt", rec.publish, discard())

	if err := s.Send("hi there"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	snap := rec.waitStatus(t, chat.StatusCompleted)
	if len(snap.Messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(snap.Messages))
	}
	if snap.Messages[0].Role != models.RoleUser || snap.Messages[0].Content != "hi there" {
		t.Errorf("user message = %+v", snap.Messages[0])
	}
	if snap.Messages[1].Role != models.RoleAssistant || snap.Messages[1].Content != "Hello" {
		t.Errorf("assistant message = %+v, want content %q", snap.Messages[1], "Hello")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(requests) != 1 {
		t.Fatalf("requests = %d, want 1", len(requests))
	}
	req := requests[0]
	// System instruction first, then the entire history including the
	// just-appended user message and assistant placeholder.
	if len(req) != 3 {
		t.Fatalf("request messages = %d, want 3", len(req))
	}
	if req[0].Role != models.RoleSystem || req[0].Content != "system prompt" {
		t.Errorf("request system message = %+v", req[0])
	}
	if req[1].Role != models.RoleUser || req[2].Role != models.RoleAssistant {
		t.Errorf("request roles = %v, %v", req[1].Role, req[2].Role)
	}
}

func TestSessionSendRejectsEmptyInput(t *testing.T) {
	rec := newSnapRecorder()
	s := chat.NewSession(scripted(nil, nil), "sys", rec.publish, discard())

	for _, text := range []string{"", "   ", "\n\t"} {
		if err := s.Send(text); err != chat.ErrEmptyMessage {
			t.Errorf("Send(%q) error = %v, want ErrEmptyMessage", text, err)
		}
	}
	if len(s.Messages()) != 0 {
		t.Errorf("history = %v, want empty", s.Messages())
	}
}

func TestSessionSendRejectsWhileStreaming(t *testing.T) {
	gate := make(chan struct{})
	gen := generatorFunc(func(ctx context.Context, _ []models.Message) iter.Seq2[stream.Event, error] {
		return func(yield func(stream.Event, error) bool) {
			select {
			case <-gate:
			case <-ctx.Done():
				return
			}
			yield(stream.Event{Type: stream.EventDone}, nil)
		}
	})
	rec := newSnapRecorder()
	s := chat.NewSession(gen, "sys", rec.publish, discard())

	if err := s.Send("first"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	rec.waitStatus(t, chat.StatusStreaming)

	if err := s.Send("second"); err != chat.ErrBusy {
		t.Errorf("Send() while streaming error = %v, want ErrBusy", err)
	}

	close(gate)
	rec.waitStatus(t, chat.StatusCompleted)
}

func TestSessionCancelBeforeAnyEvent(t *testing.T) {
	gen := generatorFunc(func(ctx context.Context, _ []models.Message) iter.Seq2[stream.Event, error] {
		return func(yield func(stream.Event, error) bool) {
			<-ctx.Done()
		}
	})
	rec := newSnapRecorder()
	s := chat.NewSession(gen, "sys", rec.publish, discard())

	if err := s.Send("x"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	rec.waitStatus(t, chat.StatusStreaming)
	s.Cancel()

	snap := rec.waitStatus(t, chat.StatusCancelled)
	// Cancellation is silent: the placeholder stays empty, no failure text.
	if got := snap.Messages[1].Content; got != "" {
		t.Errorf("assistant message after cancel = %q, want empty", got)
	}

	// The controller is idle again and accepts the next send.
	if err := s.Send("y"); err != nil {
		t.Errorf("Send() after cancel error = %v", err)
	}
}

func TestSessionCancelKeepsPartialText(t *testing.T) {
	gate := make(chan struct{})
	gen := generatorFunc(func(ctx context.Context, _ []models.Message) iter.Seq2[stream.Event, error] {
		return func(yield func(stream.Event, error) bool) {
			if !yield(stream.Event{Type: stream.EventToken, Content: "partial"}, nil) {
				return
			}
			select {
			case <-gate:
			case <-ctx.Done():
				return
			}
			yield(stream.Event{Type: stream.EventDone}, nil)
		}
	})
	rec := newSnapRecorder()
	s := chat.NewSession(gen, "sys", rec.publish, discard())

	if err := s.Send("x"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	// Wait until the token has been folded before cancelling.
	deadline := time.After(2 * time.Second)
	for {
		var snap chat.Snapshot
		select {
		case snap = <-rec.ch:
		case <-deadline:
			t.Fatal("timed out waiting for token fold")
		}
		if len(snap.Messages) == 2 && snap.Messages[1].Content == "partial" {
			break
		}
	}

	s.Cancel()
	snap := rec.waitStatus(t, chat.StatusCancelled)
	if got := snap.Messages[1].Content; got != "partial" {
		t.Errorf("assistant message after cancel = %q, want %q", got, "partial")
	}
	close(gate)
}

func TestSessionEmptyAnswerFallback(t *testing.T) {
	rec := newSnapRecorder()
	s := chat.NewSession(scripted(nil, nil), "sys", rec.publish, discard())

	if err := s.Send("x"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	snap := rec.waitStatus(t, chat.StatusCompleted)
	if got := snap.Messages[1].Content; got != chat.FallbackNoResponse {
		t.Errorf("assistant message = %q, want %q", got, chat.FallbackNoResponse)
	}
}

func TestSessionErrorEvent(t *testing.T) {
	gen := generatorFunc(func(_ context.Context, _ []models.Message) iter.Seq2[stream.Event, error] {
		return func(yield func(stream.Event, error) bool) {
			if !yield(stream.Event{Type: stream.EventToken, Content: "so far"}, nil) {
				return
			}
			yield(stream.Event{Type: stream.EventError, Message: "model overloaded"}, nil)
		}
	})
	rec := newSnapRecorder()
	s := chat.NewSession(gen, "sys", rec.publish, discard())

	if err := s.Send("x"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	snap := rec.waitStatus(t, chat.StatusFailed)
	got := snap.Messages[1].Content
	if !strings.Contains(got, "model overloaded") {
		t.Errorf("assistant message = %q, want it to surface the server message", got)
	}
}

func TestSessionTransportFailure(t *testing.T) {
	gen := generatorFunc(func(_ context.Context, _ []models.Message) iter.Seq2[stream.Event, error] {
		return func(yield func(stream.Event, error) bool) {
			yield(stream.Event{}, &stream.Failure{Kind: stream.FailHTTP, Status: 500})
		}
	})
	rec := newSnapRecorder()
	s := chat.NewSession(gen, "sys", rec.publish, discard())

	if err := s.Send("x"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	snap := rec.waitStatus(t, chat.StatusFailed)
	if got := snap.Messages[1].Content; got != chat.FailureContact {
		t.Errorf("assistant message = %q, want %q", got, chat.FailureContact)
	}
}

// Once a new exchange starts, events from a superseded stream must never
// be folded, even if the old transport had not yet noticed cancellation.
func TestSessionSupersededEventsDiscarded(t *testing.T) {
	gate := make(chan struct{})
	staleDone := make(chan struct{})

	// The script is keyed off the request content rather than Chat-call
	// order: the two sends' goroutines may invoke Chat in either order.
	gen := generatorFunc(func(_ context.Context, messages []models.Message) iter.Seq2[stream.Event, error] {
		first := true
		for _, m := range messages {
			if m.Content == "second" {
				first = false
			}
		}
		if first {
			return func(yield func(stream.Event, error) bool) {
				// Ignores cancellation on purpose: the transport has not
				// noticed yet and still delivers a late token.
				<-gate
				yield(stream.Event{Type: stream.EventToken, Content: "STALE"}, nil)
				close(staleDone)
			}
		}
		return func(yield func(stream.Event, error) bool) {
			if !yield(stream.Event{Type: stream.EventToken, Content: "fresh"}, nil) {
				return
			}
			yield(stream.Event{Type: stream.EventDone}, nil)
		}
	})

	rec := newSnapRecorder()
	s := chat.NewSession(gen, "sys", rec.publish, discard())

	if err := s.Send("first"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	rec.waitStatus(t, chat.StatusStreaming)
	s.Cancel()
	rec.waitStatus(t, chat.StatusCancelled)

	if err := s.Send("second"); err != nil {
		t.Fatalf("second Send() error = %v", err)
	}
	rec.waitStatus(t, chat.StatusCompleted)

	// Let the stale stream deliver its late token.
	close(gate)
	select {
	case <-staleDone:
	case <-time.After(2 * time.Second):
		t.Fatal("stale stream never finished")
	}

	for _, msg := range s.Messages() {
		if strings.Contains(msg.Content, "STALE") {
			t.Fatalf("stale token folded into history: %+v", s.Messages())
		}
	}
	if got := s.Messages()[3].Content; got != "fresh" {
		t.Errorf("second answer = %q, want %q", got, "fresh")
	}
}

func TestSessionNoStreamingSnapshotAfterCancel(t *testing.T) {
	// A token fold builds its snapshot under the lock but publishes after
	// unlocking, so it can race a concurrent Cancel. Observers must never
	// see a streaming snapshot after the cancelled one.
	for trial := 0; trial < 25; trial++ {
		var mu sync.Mutex
		var seen []chat.Status

		firstToken := make(chan struct{}, 1)
		genDone := make(chan struct{})
		gen := generatorFunc(func(ctx context.Context, _ []models.Message) iter.Seq2[stream.Event, error] {
			return func(yield func(stream.Event, error) bool) {
				defer close(genDone)
				for ctx.Err() == nil {
					if !yield(stream.Event{Type: stream.EventToken, Content: "x"}, nil) {
						return
					}
					select {
					case firstToken <- struct{}{}:
					default:
					}
				}
			}
		})

		s := chat.NewSession(gen, "sys", func(sn chat.Snapshot) {
			mu.Lock()
			seen = append(seen, sn.Status)
			mu.Unlock()
		}, discard())

		if err := s.Send("hi"); err != nil {
			t.Fatalf("Send() error = %v", err)
		}
		<-firstToken
		s.Cancel()

		select {
		case <-genDone:
		case <-time.After(2 * time.Second):
			t.Fatal("generator did not stop after cancellation")
		}

		mu.Lock()
		cancelled := -1
		for i, st := range seen {
			if st == chat.StatusCancelled {
				cancelled = i
				break
			}
		}
		if cancelled == -1 {
			t.Fatalf("trial %d: no cancelled snapshot in %v", trial, seen)
		}
		for _, st := range seen[cancelled+1:] {
			if st == chat.StatusStreaming {
				t.Fatalf("trial %d: streaming snapshot published after cancelled: %v", trial, seen)
			}
		}
		mu.Unlock()
	}
}

func TestSessionClear(t *testing.T) {
	rec := newSnapRecorder()
	s := chat.NewSession(scripted(nil, nil, "answer"), "sys", rec.publish, discard())

	if err := s.Send("x"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	rec.waitStatus(t, chat.StatusCompleted)

	s.Clear()
	snap := rec.waitStatus(t, chat.StatusIdle)
	if len(snap.Messages) != 0 {
		t.Errorf("messages after clear = %v, want none", snap.Messages)
	}
	if len(s.Messages()) != 0 {
		t.Errorf("history after clear = %v, want empty", s.Messages())
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "network failure",
			err:  &stream.Failure{Kind: stream.FailNetwork, Err: io.ErrUnexpectedEOF},
			want: chat.FailureContact,
		},
		{
			name: "http failure",
			err:  &stream.Failure{Kind: stream.FailHTTP, Status: 503},
			want: chat.FailureContact,
		},
		{
			name: "empty response",
			err:  &stream.Failure{Kind: stream.FailEmptyResponse},
			want: chat.FallbackNoResponse,
		},
		{
			name: "server error without message",
			err:  &stream.Failure{Kind: stream.FailServer},
			want: chat.FailureContact,
		},
		{
			name: "plain error",
			err:  io.ErrUnexpectedEOF,
			want: chat.FailureContact,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := chat.Normalize(tt.err); got != tt.want {
				t.Errorf("Normalize() = %q, want %q", got, tt.want)
			}
		})
	}

	got := chat.Normalize(&stream.Failure{Kind: stream.FailServer, Message: "boom"})
	if !strings.Contains(got, "boom") {
		t.Errorf("Normalize(server error) = %q, want it to include the server message", got)
	}
}
