// Package handlers exposes the widget's HTTP surface and pushes controller
// state to the page over server-sent events.
package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/tmaxmax/go-sse"

	"github.com/studypages/assistant/internal/chat"
	"github.com/studypages/assistant/internal/markdown"
	"github.com/studypages/assistant/internal/models"
)

// SSE topics and event types for real-time updates.
const (
	sessionSSETopic = "session"
	explainSSETopic = "explain"
)

var (
	sessionSSEType = sse.Type("session")
	explainSSEType = sse.Type("explain")
)

const errLoggerKey = "err"

// Main wires the two chat controllers to the HTTP surface and the SSE
// connection the widget subscribes to. Every controller publish renders
// assistant markdown and broadcasts a JSON snapshot.
type Main struct {
	sseSrv    *sse.Server
	renderer  *markdown.Renderer
	session   *chat.Session
	explainer *chat.Explainer
	logger    *slog.Logger
}

// NewMain creates a Main instance around the given generation backend. The
// two controllers are independent: each owns its own cancellation scope.
func NewMain(gen chat.Generator, systemPrompt, explainPrompt string, logger *slog.Logger) *Main {
	m := &Main{
		sseSrv: &sse.Server{
			OnSession: func(s *sse.Session) (sse.Subscription, bool) {
				return sse.Subscription{
					Client:      s,
					LastEventID: s.LastEventID,
					Topics:      []string{sse.DefaultTopic, sessionSSETopic, explainSSETopic},
				}, true
			},
		},
		renderer: markdown.NewRenderer(),
		logger:   logger.With(slog.String("module", "handlers")),
	}
	m.session = chat.NewSession(gen, systemPrompt, m.publishSession, logger)
	m.explainer = chat.NewExplainer(gen, explainPrompt, m.publishExplain, logger)
	return m
}

// Shutdown gracefully terminates the SSE server, broadcasting a close
// message and waiting up to 5 seconds for connections to drain.
func (m *Main) Shutdown(ctx context.Context) error {
	e := &sse.Message{Type: sse.Type("close")}
	// The SSE spec requires data on every message.
	e.AppendData("bye")
	_ = m.sseSrv.Publish(e)

	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	return m.sseSrv.Shutdown(ctx)
}

type messageView struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	HTML      string    `json:"html,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type sessionView struct {
	Status   string        `json:"status"`
	Messages []messageView `json:"messages"`
}

type explainView struct {
	Loading bool   `json:"loading"`
	Answer  string `json:"answer"`
	HTML    string `json:"html,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (m *Main) publishSession(snap chat.Snapshot) {
	view := sessionView{
		Status:   string(snap.Status),
		Messages: make([]messageView, len(snap.Messages)),
	}
	for i, msg := range snap.Messages {
		view.Messages[i] = messageView{
			ID:        msg.ID,
			Role:      string(msg.Role),
			Content:   msg.Content,
			Timestamp: msg.Timestamp,
		}
		if msg.Role == models.RoleAssistant {
			view.Messages[i].HTML = m.renderHTML(msg.Content)
		}
	}
	m.broadcast(sessionSSEType, sessionSSETopic, view)
}

func (m *Main) publishExplain(st chat.ExplainState) {
	view := explainView{
		Loading: st.Loading,
		Answer:  st.Answer,
		Error:   st.Err,
	}
	if st.Answer != "" {
		view.HTML = m.renderHTML(st.Answer)
	}
	m.broadcast(explainSSEType, explainSSETopic, view)
}

func (m *Main) renderHTML(src string) string {
	if src == "" {
		return ""
	}
	html, err := m.renderer.Render(src)
	if err != nil {
		m.logger.Error("Failed to render markdown", slog.String(errLoggerKey, err.Error()))
		return ""
	}
	return html
}

func (m *Main) broadcast(typ sse.EventType, topic string, view any) {
	data, err := json.Marshal(view)
	if err != nil {
		m.logger.Error("Failed to marshal snapshot", slog.String(errLoggerKey, err.Error()))
		return
	}
	msg := &sse.Message{Type: typ}
	msg.AppendData(string(data))
	if err := m.sseSrv.Publish(msg, topic); err != nil {
		m.logger.Error("Failed to publish snapshot",
			slog.String("topic", topic),
			slog.String(errLoggerKey, err.Error()))
	}
}
