package embedding

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
)

type ProviderKind string

const (
	ProviderOpenAI  ProviderKind = "openai"
	ProviderMistral ProviderKind = "mistral"
	ProviderLocal   ProviderKind = "local"
)

type Config struct {
	Kind       ProviderKind
	APIKey     string
	BaseURL    string
	Model      string
	Dimensions int
	BatchSize  int
	// LocalModelPath points at the IDF table of the local model. Empty uses uniform weights.
	LocalModelPath string
	LocalWorkers   int
}

// New selects the backend once, at startup.
func New(ctx context.Context, cfg Config, log *logrus.Entry) (*Provider, error) {
	var (
		backend Backend
		err     error
	)
	switch cfg.Kind {
	case ProviderOpenAI, "":
		backend, err = NewOpenAIBackend(ctx, cfg.APIKey, cfg.BaseURL, cfg.Model, cfg.Dimensions)
	case ProviderMistral:
		backend = NewHTTPBackend(cfg.APIKey, cfg.BaseURL, cfg.Model, cfg.Dimensions)
	case ProviderLocal:
		backend, err = NewLocalBackend(cfg.LocalModelPath, cfg.Dimensions, cfg.LocalWorkers)
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s", cfg.Kind)
	}
	if err != nil {
		return nil, err
	}
	return NewProvider(backend, cfg.BatchSize, cfg.Dimensions, log), nil
}
