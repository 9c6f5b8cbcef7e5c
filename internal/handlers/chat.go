package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/studypages/assistant/internal/chat"
)

// HandleChat accepts a user message for the main conversation thread. It
// expects a "message" form field. The response body is empty; the answer
// streams to the widget over SSE.
func (m *Main) HandleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	msg := r.FormValue("message")
	err := m.session.Send(msg)
	switch {
	case errors.Is(err, chat.ErrEmptyMessage):
		http.Error(w, "Message is required", http.StatusBadRequest)
		return
	case errors.Is(err, chat.ErrBusy):
		http.Error(w, "A response is already streaming", http.StatusConflict)
		return
	case err != nil:
		m.logger.Error("Failed to send message", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// HandleChatCancel stops the in-flight response, if any. Partial text is
// kept; cancellation is silent by design.
func (m *Main) HandleChatCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	m.session.Cancel()
	w.WriteHeader(http.StatusNoContent)
}

// HandleChatClear cancels any in-flight response and empties the
// conversation.
func (m *Main) HandleChatClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	m.session.Clear()
	w.WriteHeader(http.StatusNoContent)
}

// HandleExplain starts a side-channel query about selected text. It
// expects a "selection" form field and an optional "context" field with
// the passage the selection was taken from.
func (m *Main) HandleExplain(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	selection := r.FormValue("selection")
	if err := m.explainer.Explain(selection, r.FormValue("context")); err != nil {
		if errors.Is(err, chat.ErrEmptyMessage) {
			http.Error(w, "Selection is required", http.StatusBadRequest)
			return
		}
		m.logger.Error("Failed to start explain query", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// HandleExplainDismiss cancels and discards the side-channel query.
func (m *Main) HandleExplainDismiss(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	m.explainer.Dismiss()
	w.WriteHeader(http.StatusNoContent)
}

// HandleSSE serves the event stream the widget subscribes to.
func (m *Main) HandleSSE(w http.ResponseWriter, r *http.Request) {
	m.sseSrv.ServeHTTP(w, r)
}
