package llm

import (
	"context"

	"github.com/sashabaranov/go-openai"
)

// Client is the single completion call the chat agent makes. Tests replace it
// with a scripted mock.
type Client interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

var _ Client = (*openai.Client)(nil)
