package llm

import (
	"net/http"

	"github.com/naehrwerk/naehrwerk-bot/internal/config"
	"github.com/sashabaranov/go-openai"
)

// NewClient creates an OpenAI-compatible client for the configured agent endpoint.
// The HTTP client carries no timeout; callers bound each request with a context deadline.
func NewClient(cfg config.AgentConfig) *openai.Client {
	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}
	config.HTTPClient = &http.Client{}

	return openai.NewClientWithConfig(config)
}
