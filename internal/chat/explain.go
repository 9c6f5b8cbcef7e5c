package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/studypages/assistant/internal/models"
	"github.com/studypages/assistant/internal/stream"
)

// ExplainState is the transient view of a side-channel query. Nothing is
// retained after the UI dismisses it.
type ExplainState struct {
	Loading bool
	Answer  string
	Err     string
}

// Explainer runs ephemeral "explain this selection" queries. Each query is
// a single-shot two-message request built from the captured selection; it
// never reads or touches the session history. Starting a new query
// supersedes only the previous explain query, and the session's stream is
// never affected.
type Explainer struct {
	prompt    string
	generator Generator
	publish   func(ExplainState)
	logger    *slog.Logger

	mu     sync.Mutex
	seq    uint64
	handle *stream.Handle
	state  ExplainState

	pubMu  sync.Mutex
	pubSeq uint64
}

// NewExplainer creates a side-channel query controller. publish is invoked
// with the latest state after every change.
func NewExplainer(g Generator, prompt string, publish func(ExplainState), logger *slog.Logger) *Explainer {
	return &Explainer{
		prompt:    prompt,
		generator: g,
		publish:   publish,
		logger:    logger.With(slog.String("module", "explain")),
	}
}

// Explain starts a query about the selected text. surrounding, when
// non-empty, gives the model the passage the selection was taken from. A
// query already in flight is superseded.
func (e *Explainer) Explain(selection, surrounding string) error {
	if strings.TrimSpace(selection) == "" {
		return ErrEmptyMessage
	}

	e.mu.Lock()
	if e.handle != nil {
		e.handle.Cancel()
	}
	h := stream.NewHandle(context.Background())
	e.handle = h
	e.state = ExplainState{Loading: true}
	st, seq := e.stateLocked()
	e.mu.Unlock()

	req := []models.Message{
		{Role: models.RoleSystem, Content: e.prompt},
		{Role: models.RoleUser, Content: explainQuery(selection, surrounding)},
	}

	e.emit(seq, st)
	go e.run(h, req)
	return nil
}

// Cancel stops the active query, keeping whatever partial answer arrived.
func (e *Explainer) Cancel() {
	e.mu.Lock()
	if e.handle == nil {
		e.mu.Unlock()
		return
	}
	e.handle.Cancel()
	e.handle = nil
	e.state.Loading = false
	st, seq := e.stateLocked()
	e.mu.Unlock()

	e.emit(seq, st)
}

// Dismiss cancels any active query and resets the state.
func (e *Explainer) Dismiss() {
	e.mu.Lock()
	if e.handle != nil {
		e.handle.Cancel()
		e.handle = nil
	}
	e.state = ExplainState{}
	st, seq := e.stateLocked()
	e.mu.Unlock()

	e.emit(seq, st)
}

// State returns the latest query state.
func (e *Explainer) State() ExplainState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Explainer) run(h *stream.Handle, req []models.Message) {
	done := false
	var failure error
	for ev, err := range e.generator.Chat(h.Context(), req) {
		if err != nil {
			failure = err
			break
		}
		switch ev.Type {
		case stream.EventToken:
			if !e.fold(h, ev.Content) {
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
	e.finish(h, done, failure)
}

func (e *Explainer) fold(h *stream.Handle, content string) bool {
	e.mu.Lock()
	if e.handle != h {
		e.mu.Unlock()
		return false
	}
	e.state.Answer += content
	st, seq := e.stateLocked()
	e.mu.Unlock()

	e.emit(seq, st)
	return true
}

func (e *Explainer) finish(h *stream.Handle, done bool, failure error) {
	e.mu.Lock()
	if e.handle != h {
		e.mu.Unlock()
		return
	}
	e.handle = nil
	e.state.Loading = false

	switch {
	case failure != nil:
		e.state.Err = Normalize(failure)
		e.logger.Error("Explain query failed", slog.String("error", failure.Error()))
	case !done && h.Cancelled():
		// Silent; partial answer stays until dismissed.
	default:
		if strings.TrimSpace(e.state.Answer) == "" {
			e.state.Answer = FallbackNoResponse
		}
	}
	st, seq := e.stateLocked()
	e.mu.Unlock()

	e.emit(seq, st)
}

// stateLocked stamps the current state with a sequence number so emit can
// tell which of two racing publishes is the newer one.
func (e *Explainer) stateLocked() (ExplainState, uint64) {
	e.seq++
	return e.state, e.seq
}

// emit delivers st to the publish callback unless a later state has
// already gone out; states are stamped under the lock but published
// outside it.
func (e *Explainer) emit(seq uint64, st ExplainState) {
	e.pubMu.Lock()
	defer e.pubMu.Unlock()
	if seq <= e.pubSeq {
		return
	}
	e.pubSeq = seq
	e.publish(st)
}

func explainQuery(selection, surrounding string) string {
	if strings.TrimSpace(surrounding) == "" {
		return fmt.Sprintf("Explain the following text:\n\n%s", selection)
	}
	return fmt.Sprintf("Explain the following text:\n\n%s\n\nIt appears in this passage:\n\n%s",
		selection, surrounding)
}
