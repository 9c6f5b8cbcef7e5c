// Package chat owns the conversation controllers: the durable multi-turn
// session and the ephemeral side-channel explain query. Each controller
// holds at most one live cancellation handle; events belonging to a
// superseded handle are discarded at the fold step.
package chat

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/studypages/assistant/internal/models"
	"github.com/studypages/assistant/internal/stream"
)

// Generator streams model events for a conversation. Implementations must
// yield events in arrival order, yield a terminal error at most once, and
// return silently when the context is cancelled.
type Generator interface {
	Chat(ctx context.Context, messages []models.Message) iter.Seq2[stream.Event, error]
}

// Status describes the session stream lifecycle. The terminal statuses are
// published once and the controller is immediately ready for the next send.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusStreaming Status = "streaming"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Snapshot is an immutable view of the session published to observers
// after every state transition and after every token fold.
type Snapshot struct {
	Status   Status
	Messages []models.Message
}

var (
	// ErrEmptyMessage rejects an empty or whitespace-only send.
	ErrEmptyMessage = errors.New("message is empty")
	// ErrBusy rejects a send while a response is already streaming.
	ErrBusy = errors.New("a response is already streaming")
)

// Session owns the ordered conversation history and a single active
// stream. Send appends the user message and an empty assistant
// placeholder, then folds token events into the placeholder as they
// arrive. Methods are safe for concurrent use.
type Session struct {
	systemPrompt string
	generator    Generator
	publish      func(Snapshot)
	logger       *slog.Logger

	mu        sync.Mutex
	seq       uint64
	handle    *stream.Handle
	streaming bool
	messages  []models.Message

	pubMu  sync.Mutex
	pubSeq uint64
}

// NewSession creates a session controller. publish is invoked, outside the
// controller's lock, with a fresh snapshot after every change.
func NewSession(g Generator, systemPrompt string, publish func(Snapshot), logger *slog.Logger) *Session {
	return &Session{
		systemPrompt: systemPrompt,
		generator:    g,
		publish:      publish,
		logger:       logger.With(slog.String("module", "session")),
	}
}

// Send starts a new exchange. It rejects empty input and rejects calls
// made while a stream is active; callers must cancel first.
func (s *Session) Send(text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}

	s.mu.Lock()
	if s.streaming {
		s.mu.Unlock()
		return ErrBusy
	}

	s.messages = append(s.messages,
		models.Message{
			ID:        uuid.New().String(),
			Role:      models.RoleUser,
			Content:   text,
			Timestamp: time.Now(),
		},
		models.Message{
			ID:        uuid.New().String(),
			Role:      models.RoleAssistant,
			Timestamp: time.Now(),
		},
	)

	h := stream.NewHandle(context.Background())
	s.handle = h
	s.streaming = true

	req := s.requestLocked()
	snap, seq := s.snapshotLocked(StatusStreaming)
	s.mu.Unlock()

	s.emit(seq, snap)
	go s.run(h, req)
	return nil
}

// Cancel signals the active stream, if any. Cancellation is silent: the
// partial text accumulated so far stays in the transcript and no failure
// message is appended.
func (s *Session) Cancel() {
	s.mu.Lock()
	if !s.streaming {
		s.mu.Unlock()
		return
	}
	s.handle.Cancel()
	s.handle = nil
	s.streaming = false
	snap, seq := s.snapshotLocked(StatusCancelled)
	s.mu.Unlock()

	s.emit(seq, snap)
}

// Clear cancels any active stream and empties the conversation history.
func (s *Session) Clear() {
	s.mu.Lock()
	if s.handle != nil {
		s.handle.Cancel()
		s.handle = nil
	}
	s.streaming = false
	s.messages = nil
	snap, seq := s.snapshotLocked(StatusIdle)
	s.mu.Unlock()

	s.emit(seq, snap)
}

// Messages returns a copy of the conversation history.
func (s *Session) Messages() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

func (s *Session) run(h *stream.Handle, req []models.Message) {
	done := false
	var failure error
	for ev, err := range s.generator.Chat(h.Context(), req) {
		if err != nil {
			failure = err
			break
		}
		switch ev.Type {
		case stream.EventToken:
			if !s.fold(h, ev.Content) {
				// Superseded; the rest of this stream is ignorable.
				return
			}
		case stream.EventDone:
			done = true
		case stream.EventError:
			failure = &stream.Failure{Kind: stream.FailServer, Message: ev.Message}
		}
		if done || failure != nil {
			break
		}
	}
	s.finish(h, done, failure)
}

// fold appends token content to the assistant placeholder. It reports
// whether the event was applied; events from a handle that is no longer
// current are discarded.
func (s *Session) fold(h *stream.Handle, content string) bool {
	s.mu.Lock()
	if s.handle != h {
		s.mu.Unlock()
		return false
	}
	s.messages[len(s.messages)-1].Content += content
	snap, seq := s.snapshotLocked(StatusStreaming)
	s.mu.Unlock()

	s.emit(seq, snap)
	return true
}

func (s *Session) finish(h *stream.Handle, done bool, failure error) {
	s.mu.Lock()
	if s.handle != h {
		// Cancel, Clear, or a newer send already settled this stream.
		s.mu.Unlock()
		return
	}
	s.handle = nil
	s.streaming = false

	last := &s.messages[len(s.messages)-1]
	var status Status
	switch {
	case failure != nil:
		status = StatusFailed
		last.Content = Normalize(failure)
		s.logger.Error("Stream failed", slog.String("error", failure.Error()))
	case !done && h.Cancelled():
		status = StatusCancelled
	default:
		status = StatusCompleted
		if strings.TrimSpace(last.Content) == "" {
			last.Content = FallbackNoResponse
		}
	}
	snap, seq := s.snapshotLocked(status)
	s.mu.Unlock()

	s.emit(seq, snap)
}

// requestLocked builds the outbound message list: the fixed system
// instruction followed by the entire history, including the just-appended
// pair. Returns copies so folding never races the in-flight request.
func (s *Session) requestLocked() []models.Message {
	req := make([]models.Message, 0, len(s.messages)+1)
	req = append(req, models.Message{Role: models.RoleSystem, Content: s.systemPrompt})
	req = append(req, s.messages...)
	return req
}

// snapshotLocked stamps each snapshot with a sequence number so emit can
// tell which of two racing publishes is the newer one.
func (s *Session) snapshotLocked(status Status) (Snapshot, uint64) {
	s.seq++
	msgs := make([]models.Message, len(s.messages))
	copy(msgs, s.messages)
	return Snapshot{Status: status, Messages: msgs}, s.seq
}

// emit delivers snap to the publish callback unless a later snapshot has
// already gone out. Snapshots are stamped under the state lock but
// published outside it, so two goroutines can arrive here out of order; a
// fold that lost the race to a terminal transition is dropped instead of
// overwriting it.
func (s *Session) emit(seq uint64, snap Snapshot) {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()
	if seq <= s.pubSeq {
		return
	}
	s.pubSeq = seq
	s.publish(snap)
}
