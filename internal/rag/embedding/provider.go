// Package embedding turns text into fixed size vectors through a configured backend.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/tgo/kiwi/internal/pkg/logger"
)

var (
	// ErrBatchTooLarge is returned by a backend when the request carried too many inputs.
	ErrBatchTooLarge     = errors.New("embedding batch too large")
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
)

// Embedder is the contract used by ingestion and retrieval.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	Model() string
	Dimensions() int
}

// Backend embeds a single batch. Implementations wrap ErrBatchTooLarge when the
// remote side rejects the batch size.
type Backend interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Model() string
}

// Provider adds adaptive batching and dimension checks on top of a Backend.
type Provider struct {
	backend    Backend
	batchSize  int
	dimensions int
	log        *logrus.Entry
}

func NewProvider(backend Backend, batchSize, dimensions int, log *logrus.Entry) *Provider {
	if batchSize <= 0 {
		batchSize = 64
	}
	return &Provider{
		backend:    backend,
		batchSize:  batchSize,
		dimensions: dimensions,
		log:        logger.OrDefault(log, "embedding"),
	}
}

func (p *Provider) Model() string   { return p.backend.Model() }
func (p *Provider) Dimensions() int { return p.dimensions }

// Close releases backend resources such as the local inference pool.
func (p *Provider) Close() {
	if c, ok := p.backend.(interface{ Close() }); ok {
		c.Close()
	}
}

// Embed returns one vector per text, in order. A batch rejected as too large is
// halved and retried from the same offset until it fits or reaches size 1.
func (p *Provider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float32, 0, len(texts))
	batch := p.batchSize
	for offset := 0; offset < len(texts); {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := offset + batch
		if end > len(texts) {
			end = len(texts)
		}

		vecs, err := p.backend.EmbedBatch(ctx, texts[offset:end])
		if err != nil {
			if errors.Is(err, ErrBatchTooLarge) && batch > 1 {
				batch /= 2
				p.log.WithFields(logrus.Fields{"offset": offset, "batch_size": batch}).
					Warn("embedding batch rejected as too large, halving")
				continue
			}
			return nil, fmt.Errorf("embed batch at offset %d: %w", offset, err)
		}
		if len(vecs) != end-offset {
			return nil, fmt.Errorf("embed batch at offset %d: got %d vectors for %d inputs", offset, len(vecs), end-offset)
		}
		for _, v := range vecs {
			if err := p.checkDimensions(v); err != nil {
				return nil, err
			}
		}

		out = append(out, vecs...)
		offset = end
	}
	return out, nil
}

func (p *Provider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vecs, err := p.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// Verify embeds a probe string so that a dimension mismatch between the backend
// and the configured vector column is reported at startup.
func (p *Provider) Verify(ctx context.Context) error {
	_, err := p.EmbedQuery(ctx, "dimension probe")
	return err
}

// IsMisconfigured reports whether err means the backend can never serve the
// configured index, as opposed to a transient failure.
func IsMisconfigured(err error) bool {
	return errors.Is(err, ErrDimensionMismatch)
}

func (p *Provider) checkDimensions(v []float32) error {
	if p.dimensions > 0 && len(v) != p.dimensions {
		return fmt.Errorf("%w: model %s returned %d, configured %d", ErrDimensionMismatch, p.Model(), len(v), p.dimensions)
	}
	return nil
}

// batchTooLargeHints are substrings providers use when refusing a batch.
var batchTooLargeHints = []string{
	"too many inputs",
	"too many tokens",
	"batch too large",
	"batch size",
	"request too large",
	"payload too large",
	"maximum context length",
	"max_batch",
}

// statusTooLarge matches a 413 reported as a status code inside an error text,
// e.g. "error, status code: 413, message: ...".
var statusTooLarge = regexp.MustCompile(`(?i)\bstatus(?:\s+code)?\s*[:=]?\s*413\b`)

func looksLikeBatchTooLarge(msg string) bool {
	if statusTooLarge.MatchString(msg) {
		return true
	}
	msg = strings.ToLower(msg)
	for _, h := range batchTooLargeHints {
		if strings.Contains(msg, h) {
			return true
		}
	}
	return false
}
