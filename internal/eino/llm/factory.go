package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
)

type ProviderKind string

const (
	ProviderOpenAI     ProviderKind = "openai"
	ProviderArk        ProviderKind = "ark"
	ProviderCompatible ProviderKind = "openai_compatible"
	ProviderMistral    ProviderKind = "mistral"
	ProviderLocal      ProviderKind = "local"
)

// ParseProviderKind maps a configured provider name onto a known kind.
func ParseProviderKind(raw string) (ProviderKind, error) {
	switch kind := ProviderKind(strings.ToLower(strings.TrimSpace(raw))); kind {
	case ProviderOpenAI, ProviderArk, ProviderCompatible, ProviderMistral, ProviderLocal:
		return kind, nil
	case "":
		return ProviderOpenAI, nil
	default:
		return "", fmt.Errorf("unsupported provider: %s", raw)
	}
}

type ProviderConfig struct {
	Kind        ProviderKind
	APIKey      string
	Model       string
	BaseURL     string
	Temperature *float32
}

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

// Create returns a ToolCallingChatModel for the configured provider.
// Mistral and local inference servers speak the OpenAI wire format and only
// differ by base URL.
func (f *Factory) Create(ctx context.Context, cfg *ProviderConfig) (model.ToolCallingChatModel, error) {
	if cfg == nil {
		return nil, fmt.Errorf("provider config is nil")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("provider %s: model is required", cfg.Kind)
	}
	switch cfg.Kind {
	case ProviderOpenAI, ProviderCompatible, ProviderMistral, ProviderLocal:
		baseURL := cfg.BaseURL
		if baseURL == "" && cfg.Kind == ProviderMistral {
			baseURL = "https://api.mistral.ai/v1"
		}
		return openai.NewChatModel(ctx, &openai.ChatModelConfig{
			APIKey:      cfg.APIKey,
			Model:       cfg.Model,
			BaseURL:     baseURL,
			Temperature: cfg.Temperature,
		})
	case ProviderArk:
		return ark.NewChatModel(ctx, &ark.ChatModelConfig{
			APIKey:      cfg.APIKey,
			Model:       cfg.Model,
			BaseURL:     cfg.BaseURL,
			Temperature: cfg.Temperature,
		})
	default:
		return nil, fmt.Errorf("unsupported provider: %s", cfg.Kind)
	}
}
