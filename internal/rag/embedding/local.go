package embedding

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"math"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/panjf2000/ants/v2"
)

// localModelFile is the on-disk format of a local model: per-term inverse
// document frequencies computed offline over a reference corpus.
type localModelFile struct {
	Name       string             `json:"name"`
	Dimensions int                `json:"dimensions"`
	IDF        map[string]float64 `json:"idf"`
	DefaultIDF float64            `json:"default_idf"`
}

type localModel struct {
	name       string
	dimensions int
	idf        map[string]float64
	defaultIDF float64
}

var tokenPattern = regexp.MustCompile(`[\p{L}\p{N}]+`)

// LocalBackend computes hashed TF-IDF vectors in process. The model file is
// loaded on first use and inference runs on a dedicated worker pool.
type LocalBackend struct {
	path       string
	dimensions int
	pool       *ants.Pool

	once  sync.Once
	model *localModel
	err   error
}

func NewLocalBackend(path string, dimensions int, workers int) (*LocalBackend, error) {
	if dimensions <= 0 {
		return nil, fmt.Errorf("local embedding model needs a positive dimension, got %d", dimensions)
	}
	if workers <= 0 {
		workers = 2
	}
	pool, err := ants.NewPool(workers)
	if err != nil {
		return nil, fmt.Errorf("create embedding pool: %w", err)
	}
	return &LocalBackend{path: path, dimensions: dimensions, pool: pool}, nil
}

func (b *LocalBackend) Model() string {
	if m, err := b.load(); err == nil && m.name != "" {
		return m.name
	}
	return "local-hashed-tfidf"
}

func (b *LocalBackend) Close() {
	b.pool.Release()
}

func (b *LocalBackend) load() (*localModel, error) {
	b.once.Do(func() {
		m := &localModel{name: "local-hashed-tfidf", dimensions: b.dimensions, defaultIDF: 1}
		if b.path == "" {
			b.model = m
			return
		}
		data, err := os.ReadFile(b.path)
		if err != nil {
			b.err = fmt.Errorf("load local embedding model: %w", err)
			return
		}
		var f localModelFile
		if err := json.Unmarshal(data, &f); err != nil {
			b.err = fmt.Errorf("decode local embedding model: %w", err)
			return
		}
		if f.Dimensions != 0 && f.Dimensions != b.dimensions {
			b.err = fmt.Errorf("%w: local model has %d, configured %d", ErrDimensionMismatch, f.Dimensions, b.dimensions)
			return
		}
		if f.Name != "" {
			m.name = f.Name
		}
		if f.DefaultIDF > 0 {
			m.defaultIDF = f.DefaultIDF
		}
		m.idf = f.IDF
		b.model = m
	})
	return b.model, b.err
}

func (b *LocalBackend) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	m, err := b.load()
	if err != nil {
		return nil, err
	}

	out := make([][]float32, len(texts))
	var wg sync.WaitGroup
	for i := range texts {
		i := i
		wg.Add(1)
		if err := b.pool.Submit(func() {
			defer wg.Done()
			out[i] = m.embed(texts[i])
		}); err != nil {
			wg.Done()
			wg.Wait()
			return nil, fmt.Errorf("submit embedding task: %w", err)
		}
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return out, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *localModel) embed(text string) []float32 {
	vec := make([]float64, m.dimensions)
	tf := make(map[string]int)
	for _, tok := range tokenPattern.FindAllString(strings.ToLower(text), -1) {
		tf[tok]++
	}
	terms := make([]string, 0, len(tf))
	for tok := range tf {
		terms = append(terms, tok)
	}
	sort.Strings(terms)
	for _, tok := range terms {
		n := tf[tok]
		idf := m.defaultIDF
		if v, ok := m.idf[tok]; ok {
			idf = v
		}
		h := fnv.New64a()
		_, _ = h.Write([]byte(tok))
		sum := h.Sum64()
		idx := int(sum % uint64(m.dimensions))
		sign := 1.0
		if sum>>63 == 1 {
			sign = -1
		}
		vec[idx] += sign * (1 + math.Log(float64(n))) * idf
	}

	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	out := make([]float32, m.dimensions)
	if norm == 0 {
		return out
	}
	norm = math.Sqrt(norm)
	for i, v := range vec {
		out[i] = float32(v / norm)
	}
	return out
}
