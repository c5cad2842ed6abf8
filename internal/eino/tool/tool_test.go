package tool

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tgo/kiwi/internal/rag/retrieval"
)

func TestDateTimeTool(t *testing.T) {
	dt := NewDateTimeTool()
	dt.now = func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }

	out, err := dt.InvokableRun(context.Background(), `{}`)
	require.NoError(t, err)
	assert.Contains(t, out, "2024-03-01 12:00:00")
	assert.Contains(t, out, "Friday")
	assert.Contains(t, out, "2024-W09")

	_, err = dt.InvokableRun(context.Background(), `{"timezone":"Nowhere/Land"}`)
	assert.Error(t, err)
}

func TestDocumentSearchTool(t *testing.T) {
	var gotQuery string
	var gotTopK int
	st := NewDocumentSearchTool(func(ctx context.Context, query string, topK int) ([]retrieval.Hit, error) {
		gotQuery, gotTopK = query, topK
		return []retrieval.Hit{{DocumentID: uuid.New(), DocumentName: "manual", Snippet: "press the red button", Score: 0.91}}, nil
	})

	info, err := st.Info(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "search_documents", info.Name)

	out, err := st.InvokableRun(context.Background(), `{"query":"button"}`)
	require.NoError(t, err)
	assert.Equal(t, "button", gotQuery)
	assert.Equal(t, 5, gotTopK)
	assert.Contains(t, out, "manual")
	assert.Contains(t, out, "press the red button")

	_, err = st.InvokableRun(context.Background(), `{"query":" "}`)
	assert.Error(t, err)
}

func TestDocumentSearchToolEmptyAndErrors(t *testing.T) {
	empty := NewDocumentSearchTool(func(ctx context.Context, query string, topK int) ([]retrieval.Hit, error) {
		return nil, nil
	})
	out, err := empty.InvokableRun(context.Background(), `{"query":"x","top_k":2}`)
	require.NoError(t, err)
	assert.Contains(t, out, "No relevant passages")

	failing := NewDocumentSearchTool(func(ctx context.Context, query string, topK int) ([]retrieval.Hit, error) {
		return nil, errors.New("db down")
	})
	_, err = failing.InvokableRun(context.Background(), `{"query":"x"}`)
	assert.ErrorContains(t, err, "db down")
}
