package backend

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"net/url"

	"github.com/ollama/ollama/api"

	"github.com/studypages/assistant/internal/models"
	"github.com/studypages/assistant/internal/stream"
)

// Ollama adapts a local Ollama server to the backend contract.
type Ollama struct {
	host   string
	model  string
	client *api.Client
}

// NewOllama creates an Ollama backend for the given host URL and model.
// An invalid host URL panics, matching the underlying client constructor.
func NewOllama(host, model string) Ollama {
	u, err := url.Parse(host)
	if err != nil {
		panic(err)
	}
	return Ollama{
		host:   host,
		model:  model,
		client: api.NewClient(u, &http.Client{}),
	}
}

// Chat streams events for the given conversation. It returns silently when
// ctx is cancelled.
func (o Ollama) Chat(ctx context.Context, messages []models.Message) iter.Seq2[stream.Event, error] {
	return func(yield func(stream.Event, error) bool) {
		msgs := make([]api.Message, 0, len(messages))
		for _, m := range messages {
			if m.Role == models.RoleAssistant && m.Content == "" {
				continue
			}
			msgs = append(msgs, api.Message{
				Role:    string(m.Role),
				Content: m.Content,
			})
		}

		t := true
		req := api.ChatRequest{
			Model:    o.model,
			Messages: msgs,
			Stream:   &t,
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		stopped := false
		if err := o.client.Chat(ctx, &req, func(res api.ChatResponse) error {
			// Responses already buffered can still reach the callback
			// after the consumer stopped; yield must not run again.
			if stopped {
				return nil
			}
			if res.Message.Content != "" {
				if !yield(stream.Event{Type: stream.EventToken, Content: res.Message.Content}, nil) {
					stopped = true
					cancel()
				}
			}
			return nil
		}); err != nil {
			if stopped || errors.Is(err, context.Canceled) {
				return
			}
			yield(stream.Event{}, &stream.Failure{
				Kind: stream.FailNetwork,
				Err:  fmt.Errorf("error sending request: %w", err),
			})
			return
		}
		if !stopped {
			yield(stream.Event{Type: stream.EventDone}, nil)
		}
	}
}
