package session

import (
	"context"

	"github.com/tjfontaine/litetavern/internal/api/openai"
	"github.com/tjfontaine/litetavern/internal/domain"
)

// EventStream is an open completion stream.
type EventStream interface {
	Events() <-chan domain.StreamEvent
	Close() error
}

// Backend opens completion streams.
type Backend interface {
	Stream(ctx context.Context, model string, messages []domain.ChatMessage) (EventStream, error)
}

// OpenAIBackend streams from an OpenAI-compatible endpoint.
type OpenAIBackend struct {
	Client    *openai.Client
	MaxTokens int
	// UserID is sent as the identity header on every request.
	UserID string
}

// Stream implements Backend.
func (b *OpenAIBackend) Stream(ctx context.Context, model string, messages []domain.ChatMessage) (EventStream, error) {
	req := &openai.ChatCompletionRequest{
		Model:     model,
		Messages:  make([]openai.ChatCompletionMessage, len(messages)),
		MaxTokens: b.MaxTokens,
	}
	for i, m := range messages {
		req.Messages[i] = openai.ChatCompletionMessage{Role: string(m.Role), Content: m.Content}
	}

	stream, err := b.Client.StreamChatCompletion(ctx, req, &openai.RequestOptions{UserID: b.UserID})
	if err != nil {
		return nil, err
	}
	return stream, nil
}
