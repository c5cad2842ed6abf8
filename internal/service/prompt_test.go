package service

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tgo/kiwi/internal/model"
	"github.com/tgo/kiwi/internal/rag/retrieval"
)

func TestTruncate(t *testing.T) {
	out, cut := truncate("short", 10)
	assert.False(t, cut)
	assert.Equal(t, "short", out)

	long := strings.Repeat("é", 100)
	out, cut = truncate(long, 40)
	assert.True(t, cut)
	assert.Equal(t, 40, utf8.RuneCountInString(out))
	assert.True(t, strings.HasSuffix(out, TruncationMarker))

	out, cut = truncate(long, 5)
	assert.True(t, cut)
	assert.Equal(t, strings.Repeat("é", 5), out)

	out, cut = truncate("anything", 0)
	assert.True(t, cut)
	assert.Empty(t, out)
}

func TestBuildSystemPrompt(t *testing.T) {
	prompt, cut := buildSystemPrompt("  ", nil, 1000)
	assert.False(t, cut)
	assert.Equal(t, defaultInstructions, prompt)

	hits := []retrieval.Hit{
		{DocumentName: "handbook", Scope: model.Scope{EntityType: model.EntityTypeAgent}, ChunkIndex: 2, Score: 0.91, Snippet: "vacation is 25 days"},
		{DocumentName: "notes", Scope: model.Scope{EntityType: model.EntityTypeChat}, ChunkIndex: 0, Score: 0.5, Snippet: "remember the milk"},
	}
	prompt, cut = buildSystemPrompt("Be brief.", hits, 1000)
	assert.False(t, cut)
	assert.True(t, strings.HasPrefix(prompt, "Be brief.\n\n## Retrieved context"))
	assert.Contains(t, prompt, "[1] handbook (agent document, passage 3, score 0.910)\nvacation is 25 days")
	assert.Contains(t, prompt, "[2] notes (conversation document, passage 1, score 0.500)")

	prompt, cut = buildSystemPrompt("Be brief.", hits, 60)
	assert.True(t, cut)
	assert.Equal(t, 60, utf8.RuneCountInString(prompt))
	assert.True(t, strings.HasSuffix(prompt, TruncationMarker))
}

func TestPackMessagesWithinBudget(t *testing.T) {
	msgs := []*schema.Message{
		schema.SystemMessage("sys"),
		schema.UserMessage("hello"),
		schema.AssistantMessage("hi", nil),
		schema.UserMessage("how are you"),
	}
	packed, cut := packMessages(msgs, 100, 10)
	assert.False(t, cut)
	assert.Equal(t, msgs, packed)
}

func TestPackMessagesTruncatesOverflow(t *testing.T) {
	long := strings.Repeat("x", 200)
	msgs := []*schema.Message{
		schema.SystemMessage("system"),
		schema.UserMessage("question one"),
		schema.AssistantMessage(long, nil),
		schema.UserMessage("question two"),
	}
	packed, cut := packMessages(msgs, 100, 50)
	assert.True(t, cut)
	require.Len(t, packed, 3)
	assert.Equal(t, "question one", packed[1].Content)
	assert.Equal(t, 100-len("system")-len("question one"), utf8.RuneCountInString(packed[2].Content))
	assert.True(t, strings.HasSuffix(packed[2].Content, TruncationMarker))
	assert.Equal(t, long, msgs[2].Content, "input is not modified")
}

func TestPackMessagesForcesLatestUser(t *testing.T) {
	msgs := []*schema.Message{
		schema.SystemMessage(strings.Repeat("s", 500)),
		schema.UserMessage("old question"),
		schema.AssistantMessage("old answer", nil),
		schema.UserMessage(strings.Repeat("q", 300)),
	}
	packed, cut := packMessages(msgs, 100, 40)
	assert.True(t, cut)
	require.Len(t, packed, 2)
	assert.Equal(t, schema.System, packed[0].Role)
	assert.Equal(t, 100, utf8.RuneCountInString(packed[0].Content))

	forced := packed[1]
	assert.Equal(t, schema.User, forced.Role)
	assert.Equal(t, 40, utf8.RuneCountInString(forced.Content))
	assert.True(t, strings.HasPrefix(forced.Content, "qqq"))
}

func TestHistoryMessagesSkipsBlanks(t *testing.T) {
	history := []model.Message{
		{Role: model.RoleUser, Content: "a"},
		{Role: model.RoleAssistant, Content: "  "},
		{Role: model.RoleAssistant, Content: "b"},
		{Role: model.RoleUser, Content: "c"},
	}
	out := historyMessages(history)
	require.Len(t, out, 3)
	assert.Equal(t, schema.Assistant, out[1].Role)
	assert.Equal(t, "c", latestUserQuery(history))
	assert.Empty(t, latestUserQuery(history[1:2]))
}

func TestResponseCacheKey(t *testing.T) {
	conv := uuid.New()
	msgs := []*schema.Message{schema.SystemMessage("s"), schema.UserMessage("u")}

	a := responseCacheKey(conv, msgs, 0.7)
	assert.Equal(t, a, responseCacheKey(conv, []*schema.Message{schema.SystemMessage("s"), schema.UserMessage("u")}, 0.7))
	assert.True(t, strings.HasPrefix(a, "responses:"))
	assert.NotEqual(t, a, responseCacheKey(conv, msgs, 0))
	assert.NotEqual(t, a, responseCacheKey(uuid.New(), msgs, 0.7))
	assert.NotEqual(t, a, responseCacheKey(conv, []*schema.Message{schema.SystemMessage("su")}, 0.7))
}
