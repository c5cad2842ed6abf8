package service

import (
	"bytes"
	"context"
	"errors"
	"hash/fnv"
	"math"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/tgo/kiwi/internal/database/dbtest"
	"github.com/tgo/kiwi/internal/eino/usage"
	kredis "github.com/tgo/kiwi/internal/pkg/redis"
	"github.com/tgo/kiwi/internal/rag/extractor"
	"github.com/tgo/kiwi/internal/rag/retrieval"
	"github.com/tgo/kiwi/internal/rag/vectorstore"
	"github.com/tgo/kiwi/internal/repository"
	"github.com/tgo/kiwi/internal/storage"
)

const testDims = 32

// bagEmbedder hashes lower-cased words into a small normalised vector.
type bagEmbedder struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (e *bagEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	e.calls++
	err := e.err
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = bagVector(t)
	}
	return out, nil
}

func (e *bagEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	v, err := e.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return v[0], nil
}

func (e *bagEmbedder) Model() string   { return "bag-of-words" }
func (e *bagEmbedder) Dimensions() int { return testDims }

func bagVector(text string) []float32 {
	v := make([]float32, testDims)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		w = strings.Trim(w, ".,;:!?")
		if w == "" {
			continue
		}
		h := fnv.New32a()
		h.Write([]byte(w))
		v[h.Sum32()%testDims]++
	}
	var norm float64
	for _, f := range v {
		norm += float64(f * f)
	}
	if norm == 0 {
		v[0] = 1
		return v
	}
	n := float32(math.Sqrt(norm))
	for i := range v {
		v[i] /= n
	}
	return v
}

// corruptAwareExtractor fails on files containing CORRUPT and otherwise
// delegates to the real extractor.
type corruptAwareExtractor struct {
	inner *extractor.Extractor
}

func (c *corruptAwareExtractor) Extract(ctx context.Context, path, mime string, progress extractor.ProgressFunc) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	if bytes.Contains(data, []byte("CORRUPT")) {
		return "", errors.New("corrupt file")
	}
	return c.inner.Extract(ctx, path, mime, progress)
}

type testEnv struct {
	db       *gorm.DB
	mr       *miniredis.Miniredis
	redis    *kredis.Client
	storage  *storage.Local
	store    *vectorstore.Store
	embedder *bagEmbedder
	docs     *DocumentService
	search   *SearchService
	docRepo  *repository.DocumentRepository
}

func newTestEnv(t *testing.T, cfg DocumentConfig) *testEnv {
	t.Helper()
	db := dbtest.Open(t, &usage.UsageRecord{})

	mr := miniredis.RunT(t)
	rc := kredis.Wrap(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = rc.Close() })

	local, err := storage.NewLocal(t.TempDir())
	require.NoError(t, err)

	store := vectorstore.New(db, nil, nil)
	emb := &bagEmbedder{}
	ext := &corruptAwareExtractor{inner: extractor.New(extractor.DefaultOptions(), nil, nil, nil, nil)}

	if cfg.AllowedExtensions == nil {
		cfg.AllowedExtensions = []string{"txt", "md", "pdf", "docx", "png"}
	}
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = 1000
		cfg.ChunkOverlap = 200
	}
	if cfg.MaxUploadSize == 0 {
		cfg.MaxUploadSize = 1 << 20
	}

	repo := repository.NewDocumentRepository(db)
	docs, err := NewDocumentService(repo, local, ext, emb, store, rc, cfg, nil)
	require.NoError(t, err)
	t.Cleanup(docs.Close)

	engine := retrieval.NewEngine(db, store, 400, nil)
	return &testEnv{
		db:       db,
		mr:       mr,
		redis:    rc,
		storage:  local,
		store:    store,
		embedder: emb,
		docs:     docs,
		search:   NewSearchService(emb, engine, 5, 0, nil),
		docRepo:  repo,
	}
}

// fakeChat is a scripted chat model. Generate and Stream wait on gate when it
// is set, after signalling entered.
type fakeChat struct {
	mu        sync.Mutex
	reply     string
	chunks    []string
	err       error
	streamErr error
	usage     *schema.TokenUsage
	toolCalls [][]schema.ToolCall
	gate      chan struct{}
	entered   chan struct{}

	inputs [][]*schema.Message
	temps  []float32
	calls  int
}

func (f *fakeChat) record(ctx context.Context, in []*schema.Message, opts []einomodel.Option) error {
	f.mu.Lock()
	f.calls++
	f.inputs = append(f.inputs, in)
	o := einomodel.GetCommonOptions(&einomodel.Options{}, opts...)
	if o.Temperature != nil {
		f.temps = append(f.temps, *o.Temperature)
	}
	gate, entered := f.gate, f.entered
	f.mu.Unlock()

	if entered != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Second):
			return errors.New("gate never opened")
		}
	}
	return nil
}

func (f *fakeChat) Generate(ctx context.Context, in []*schema.Message, opts ...einomodel.Option) (*schema.Message, error) {
	if err := f.record(ctx, in, opts); err != nil {
		return nil, err
	}
	if f.err != nil {
		return nil, f.err
	}
	msg := schema.AssistantMessage(f.reply, nil)
	if f.usage != nil {
		msg.ResponseMeta = &schema.ResponseMeta{Usage: f.usage}
	}
	return msg, nil
}

func (f *fakeChat) Stream(ctx context.Context, in []*schema.Message, opts ...einomodel.Option) (*schema.StreamReader[*schema.Message], error) {
	if err := f.record(ctx, in, opts); err != nil {
		return nil, err
	}
	if f.err != nil {
		return nil, f.err
	}
	chunks := f.chunks
	if chunks == nil {
		chunks = []string{f.reply}
	}
	if f.streamErr == nil {
		msgs := make([]*schema.Message, len(chunks))
		for i, c := range chunks {
			msgs[i] = schema.AssistantMessage(c, nil)
		}
		return schema.StreamReaderFromArray(msgs), nil
	}

	sr, sw := schema.Pipe[*schema.Message](len(chunks) + 1)
	go func() {
		defer sw.Close()
		for _, c := range chunks {
			sw.Send(schema.AssistantMessage(c, nil), nil)
		}
		sw.Send(nil, f.streamErr)
	}()
	return sr, nil
}

func (f *fakeChat) WithTools(tools []*schema.ToolInfo) (einomodel.ToolCallingChatModel, error) {
	return &toolBoundChat{fakeChat: f}, nil
}

// toolBoundChat replays fakeChat.toolCalls one Generate at a time, then
// answers normally.
type toolBoundChat struct {
	*fakeChat
}

func (c *toolBoundChat) Generate(ctx context.Context, in []*schema.Message, opts ...einomodel.Option) (*schema.Message, error) {
	c.mu.Lock()
	var calls []schema.ToolCall
	if len(c.toolCalls) > 0 {
		calls = c.toolCalls[0]
		c.toolCalls = c.toolCalls[1:]
	}
	c.mu.Unlock()
	if calls != nil {
		if err := c.record(ctx, in, opts); err != nil {
			return nil, err
		}
		return schema.AssistantMessage("", calls), nil
	}
	return c.fakeChat.Generate(ctx, in, opts...)
}

// gatedExtractor holds every extraction until gate is closed and reports each
// start on entered.
type gatedExtractor struct {
	gate    chan struct{}
	entered chan struct{}
}

func (g *gatedExtractor) Extract(ctx context.Context, path, mime string, progress extractor.ProgressFunc) (string, error) {
	select {
	case g.entered <- struct{}{}:
	default:
	}
	<-g.gate
	data, err := os.ReadFile(path)
	return string(data), err
}
