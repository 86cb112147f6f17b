package llm

import (
	"github.com/sashabaranov/go-openai"

	"github.com/comigor/convlog/internal/config"
)

// NewClient creates an OpenAI-compatible client from the llm config section.
func NewClient(cfg config.LLMConfig) *openai.Client {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return openai.NewClientWithConfig(clientCfg)
}
