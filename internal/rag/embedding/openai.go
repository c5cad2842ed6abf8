package embedding

import (
	"context"
	"fmt"
	"time"

	"github.com/cloudwego/eino-ext/components/embedding/openai"
	einoemb "github.com/cloudwego/eino/components/embedding"
)

// EinoBackend adapts an eino embedder. Batch size errors are recognised from
// the provider message since the client does not expose status codes.
type EinoBackend struct {
	embedder einoemb.Embedder
	model    string
}

func NewEinoBackend(e einoemb.Embedder, model string) *EinoBackend {
	return &EinoBackend{embedder: e, model: model}
}

// NewOpenAIBackend builds an EinoBackend on the OpenAI embeddings API.
func NewOpenAIBackend(ctx context.Context, apiKey, baseURL, model string, dimensions int) (*EinoBackend, error) {
	if model == "" {
		model = "text-embedding-3-small"
	}
	cfg := &openai.EmbeddingConfig{
		APIKey:  apiKey,
		BaseURL: baseURL,
		Model:   model,
		Timeout: 60 * time.Second,
	}
	if dimensions > 0 {
		cfg.Dimensions = &dimensions
	}
	e, err := openai.NewEmbedder(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create openai embedder: %w", err)
	}
	return NewEinoBackend(e, model), nil
}

func (b *EinoBackend) Model() string { return b.model }

func (b *EinoBackend) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	raw, err := b.embedder.EmbedStrings(ctx, texts)
	if err != nil {
		if looksLikeBatchTooLarge(err.Error()) {
			return nil, fmt.Errorf("%w: %v", ErrBatchTooLarge, err)
		}
		return nil, err
	}
	out := make([][]float32, len(raw))
	for i, v := range raw {
		vec := make([]float32, len(v))
		for j, f := range v {
			vec[j] = float32(f)
		}
		out[i] = vec
	}
	return out, nil
}
