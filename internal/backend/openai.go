package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/studypages/assistant/internal/models"
	"github.com/studypages/assistant/internal/stream"
)

// OpenAI adapts the OpenAI streaming chat API to the backend contract.
// SDK deltas become token events and end of stream becomes a done event.
type OpenAI struct {
	model  string
	client *goopenai.Client
	logger *slog.Logger
}

// NewOpenAI creates an OpenAI backend. An empty baseURL uses the public
// API endpoint; set it to target any OpenAI-compatible server.
func NewOpenAI(apiKey, baseURL, model string, logger *slog.Logger) OpenAI {
	cfg := goopenai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return OpenAI{
		model:  model,
		client: goopenai.NewClientWithConfig(cfg),
		logger: logger.With(slog.String("module", "openai")),
	}
}

// Chat streams events for the given conversation. It returns silently when
// ctx is cancelled.
func (o OpenAI) Chat(ctx context.Context, messages []models.Message) iter.Seq2[stream.Event, error] {
	return func(yield func(stream.Event, error) bool) {
		msgs := make([]goopenai.ChatCompletionMessage, 0, len(messages))
		for _, m := range messages {
			// The placeholder assistant message has no content yet and
			// would be rejected by the API.
			if m.Role == models.RoleAssistant && m.Content == "" {
				continue
			}
			msgs = append(msgs, goopenai.ChatCompletionMessage{
				Role:    string(m.Role),
				Content: m.Content,
			})
		}

		req := goopenai.ChatCompletionRequest{
			Model:    o.model,
			Messages: msgs,
			Stream:   true,
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		s, err := o.client.CreateChatCompletionStream(ctx, req)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			yield(stream.Event{}, &stream.Failure{
				Kind: stream.FailNetwork,
				Err:  fmt.Errorf("error sending request: %w", err),
			})
			return
		}
		defer s.Close()

		for {
			response, err := s.Recv()
			if err != nil {
				if errors.Is(err, io.EOF) {
					yield(stream.Event{Type: stream.EventDone}, nil)
					return
				}
				if errors.Is(err, context.Canceled) {
					return
				}
				yield(stream.Event{}, &stream.Failure{
					Kind: stream.FailNetwork,
					Err:  fmt.Errorf("error receiving response: %w", err),
				})
				return
			}

			if len(response.Choices) == 0 {
				continue
			}
			delta := response.Choices[0].Delta.Content
			if delta == "" {
				continue
			}
			if !yield(stream.Event{Type: stream.EventToken, Content: delta}, nil) {
				return
			}
		}
	}
}
