package oracle

import (
	"context"
	"fmt"
	"time"

	"github.com/kalambet/consolida/internal/ollama"
	"github.com/kalambet/consolida/internal/openrouter"
)

// OllamaChatter adapts a local Ollama client.
type OllamaChatter struct {
	Client *ollama.Client
}

func (c OllamaChatter) Chat(ctx context.Context, model string, messages []Message) (string, error) {
	msgs := make([]ollama.Message, len(messages))
	for i, m := range messages {
		msgs[i] = ollama.Message{Role: m.Role, Content: m.Content}
	}
	return c.Client.Chat(ctx, model, msgs)
}

// OpenRouterChatter adapts the hosted OpenRouter client.
type OpenRouterChatter struct {
	Client *openrouter.Client
}

func (c OpenRouterChatter) Chat(ctx context.Context, model string, messages []Message) (string, error) {
	msgs := make([]openrouter.Message, len(messages))
	for i, m := range messages {
		msgs[i] = openrouter.Message{Role: m.Role, Content: m.Content}
	}
	return c.Client.Chat(ctx, model, msgs)
}

// Backend names a chat backend configuration.
type Backend struct {
	Name    string // "ollama" or "openrouter"
	BaseURL string
	Model   string
	APIKey  string
	Timeout time.Duration
}

// New builds a ChatOracle for the configured backend.
func New(b Backend) (*ChatOracle, error) {
	switch b.Name {
	case "ollama":
		return NewChatOracle(OllamaChatter{Client: ollama.New(b.BaseURL)}, b.Model, b.Timeout), nil
	case "openrouter":
		if b.APIKey == "" {
			return nil, fmt.Errorf("openrouter backend needs an API key")
		}
		return NewChatOracle(OpenRouterChatter{Client: openrouter.NewClient(b.APIKey, b.BaseURL)}, b.Model, b.Timeout), nil
	}
	return nil, fmt.Errorf("unknown oracle backend %q", b.Name)
}
