package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tgo/kiwi/internal/eino/streaming"
	"github.com/tgo/kiwi/internal/eino/usage"
	"github.com/tgo/kiwi/internal/model"
	"github.com/tgo/kiwi/internal/repository"
)

type msgEnv struct {
	*testEnv
	chat *fakeChat
	svc  *MessageService
	conv *model.Conversation
}

func newMsgEnv(t *testing.T, chat *fakeChat, cfg GenerationConfig) *msgEnv {
	t.Helper()
	env := newTestEnv(t, DocumentConfig{})
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.7
	}
	svc := NewMessageService(env.db, env.search, chat, env.redis, env.redis, usage.NewTracker(env.db, nil), cfg, nil)

	conv := &model.Conversation{Title: "test"}
	require.NoError(t, repository.NewConversationRepository(env.db).Create(context.Background(), conv))
	return &msgEnv{testEnv: env, chat: chat, svc: svc, conv: conv}
}

func (e *msgEnv) history(t *testing.T) []model.Message {
	t.Helper()
	msgs, err := e.svc.History(context.Background(), e.conv.ID)
	require.NoError(t, err)
	return msgs
}

func (e *msgEnv) lastMessageAt(t *testing.T) *time.Time {
	t.Helper()
	conv, err := repository.NewConversationRepository(e.db).GetByID(context.Background(), e.conv.ID)
	require.NoError(t, err)
	return conv.LastMessageAt
}

func drain(t *testing.T, events <-chan streaming.Event) []streaming.Event {
	t.Helper()
	var out []streaming.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("stream did not finish, got %d events", len(out))
		}
	}
}

func eventTypes(events []streaming.Event) []streaming.EventType {
	types := make([]streaming.EventType, len(events))
	for i, ev := range events {
		types[i] = ev.Type
	}
	return types
}

func TestSendPersistsBothMessages(t *testing.T) {
	env := newMsgEnv(t, &fakeChat{reply: "Hi there!", usage: &schema.TokenUsage{PromptTokens: 12, CompletionTokens: 3, TotalTokens: 15}}, GenerationConfig{})
	ctx := context.Background()

	res, err := env.svc.Send(ctx, SendRequest{ConversationID: env.conv.ID, Content: "  Hello  "})
	require.NoError(t, err)
	require.NotNil(t, res.UserMessage)
	require.NotNil(t, res.AssistantMessage)
	assert.Equal(t, "Hello", res.UserMessage.Content)
	assert.Equal(t, "Hi there!", res.AssistantMessage.Content)
	assert.Equal(t, 12, res.AssistantMessage.PromptTokens)
	assert.Equal(t, 3, res.AssistantMessage.CompletionTokens)
	assert.False(t, res.Cached)
	assert.NotNil(t, res.Sources)

	msgs := env.history(t)
	require.Len(t, msgs, 2)
	assert.Equal(t, model.RoleUser, msgs[0].Role)
	assert.Equal(t, model.RoleAssistant, msgs[1].Role)

	at := env.lastMessageAt(t)
	require.NotNil(t, at)
	assert.WithinDuration(t, msgs[1].CreatedAt, *at, time.Millisecond)

	require.Len(t, env.chat.inputs, 1)
	prompt := env.chat.inputs[0]
	require.Len(t, prompt, 2)
	assert.Equal(t, schema.System, prompt[0].Role)
	assert.Equal(t, defaultInstructions, prompt[0].Content)
	assert.Equal(t, "Hello", prompt[1].Content)

	records, err := usage.NewTracker(env.db, nil).Repository().ListByConversation(ctx, env.conv.ID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, 12, records[0].PromptTokens)
	assert.False(t, records[0].Estimated)
	assert.True(t, records[0].Success)
}

func TestSendValidation(t *testing.T) {
	env := newMsgEnv(t, &fakeChat{reply: "ok"}, GenerationConfig{})
	ctx := context.Background()

	_, err := env.svc.Send(ctx, SendRequest{ConversationID: uuid.New(), Content: "hi"})
	assert.ErrorIs(t, err, ErrConversationNotFound)

	_, err = env.svc.Send(ctx, SendRequest{ConversationID: env.conv.ID, Content: "   "})
	assert.ErrorIs(t, err, ErrEmptyMessage)

	_, err = env.svc.Send(ctx, SendRequest{ConversationID: env.conv.ID, Regenerate: true})
	assert.ErrorIs(t, err, ErrNothingToRegenerate)

	assert.Zero(t, env.chat.calls)
	assert.Empty(t, env.history(t))
}

func TestSendModelFailureKeepsUserMessage(t *testing.T) {
	env := newMsgEnv(t, &fakeChat{err: errors.New("rate limited")}, GenerationConfig{})

	_, err := env.svc.Send(context.Background(), SendRequest{ConversationID: env.conv.ID, Content: "hello"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limited")

	msgs := env.history(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, model.RoleUser, msgs[0].Role)
}

func TestTemperaturePolicy(t *testing.T) {
	env := newMsgEnv(t, &fakeChat{reply: "ok"}, GenerationConfig{Temperature: 0.7})
	ctx := context.Background()

	_, err := env.svc.Send(ctx, SendRequest{ConversationID: env.conv.ID, Content: "first"})
	require.NoError(t, err)

	custom := float32(0.3)
	_, err = env.svc.Send(ctx, SendRequest{ConversationID: env.conv.ID, Content: "second", Temperature: &custom})
	require.NoError(t, err)

	scope := model.Scope{EntityType: model.EntityTypeChat, EntityID: env.conv.ID}
	upload(t, env.testEnv, scope, "facts.txt", "the reactor coolant is heavy water")
	env.docs.Wait()

	_, err = env.svc.Send(ctx, SendRequest{ConversationID: env.conv.ID, Content: "what is the reactor coolant", Temperature: &custom})
	require.NoError(t, err)

	require.Len(t, env.chat.temps, 3)
	assert.InDelta(t, 0.7, env.chat.temps[0], 1e-6)
	assert.InDelta(t, 0.3, env.chat.temps[1], 1e-6)
	assert.Equal(t, float32(0), env.chat.temps[2])
}

func TestAgentDocumentsGroundTheAnswer(t *testing.T) {
	env := newMsgEnv(t, &fakeChat{reply: "heavy water"}, GenerationConfig{})
	ctx := context.Background()

	agent := &model.Agent{Name: "reactor", Instructions: "You answer questions about the reactor."}
	require.NoError(t, repository.NewAgentRepository(env.db).Create(ctx, agent))
	require.NoError(t, env.db.Model(env.conv).Update("agent_id", agent.ID).Error)

	upload(t, env.testEnv, model.Scope{EntityType: model.EntityTypeAgent, EntityID: agent.ID},
		"manual.txt", "the reactor coolant is heavy water")
	env.docs.Wait()

	res, err := env.svc.Send(ctx, SendRequest{ConversationID: env.conv.ID, Content: "reactor coolant?"})
	require.NoError(t, err)
	require.Len(t, res.Sources, 1)
	assert.Equal(t, model.EntityTypeAgent, res.Sources[0].Scope.EntityType)

	system := env.chat.inputs[0][0].Content
	assert.True(t, strings.HasPrefix(system, "You answer questions about the reactor."))
	assert.Contains(t, system, "## Retrieved context")
	assert.Contains(t, system, "manual (agent document")
	assert.Contains(t, system, "heavy water")
	assert.Equal(t, float32(0), env.chat.temps[0])
}

func TestConcurrentGenerationIsRejected(t *testing.T) {
	chat := &fakeChat{reply: "done", gate: make(chan struct{}), entered: make(chan struct{}, 1)}
	env := newMsgEnv(t, chat, GenerationConfig{})
	ctx := context.Background()

	firstErr := make(chan error, 1)
	go func() {
		_, err := env.svc.Send(ctx, SendRequest{ConversationID: env.conv.ID, Content: "one"})
		firstErr <- err
	}()

	select {
	case <-chat.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first generation never reached the model")
	}

	_, err := env.svc.Send(ctx, SendRequest{ConversationID: env.conv.ID, Content: "two"})
	assert.ErrorIs(t, err, ErrAlreadyGenerating)
	_, err = env.svc.Stream(ctx, SendRequest{ConversationID: env.conv.ID, Content: "three"})
	assert.ErrorIs(t, err, ErrAlreadyGenerating)

	close(chat.gate)
	require.NoError(t, <-firstErr)

	_, err = env.svc.Send(ctx, SendRequest{ConversationID: env.conv.ID, Content: "four"})
	require.NoError(t, err)

	var contents []string
	for _, m := range env.history(t) {
		if m.Role == model.RoleUser {
			contents = append(contents, m.Content)
		}
	}
	assert.Equal(t, []string{"one", "four"}, contents)
}

func TestStreamEventOrder(t *testing.T) {
	env := newMsgEnv(t, &fakeChat{chunks: []string{"Hel", "lo", " world"}}, GenerationConfig{})
	ctx := context.Background()

	events, err := env.svc.Stream(ctx, SendRequest{ConversationID: env.conv.ID, Content: "greet me"})
	require.NoError(t, err)
	got := drain(t, events)

	assert.Equal(t, []streaming.EventType{
		streaming.EventTypeStart,
		streaming.EventTypeContent,
		streaming.EventTypeContent,
		streaming.EventTypeContent,
		streaming.EventTypeDone,
	}, eventTypes(got))

	msgs := env.history(t)
	require.Len(t, msgs, 2)
	require.NotNil(t, got[0].MessageID)
	assert.Equal(t, msgs[0].ID, *got[0].MessageID)
	require.NotNil(t, got[4].MessageID)
	assert.Equal(t, msgs[1].ID, *got[4].MessageID)
	assert.Equal(t, "Hello world", msgs[1].Content)
	assert.Positive(t, msgs[1].CompletionTokens, "estimated when the provider reports nothing")

	// the lock is gone once the channel is closed
	token, err := env.redis.AcquireLock(ctx, lockKey(env.conv.ID), time.Minute)
	require.NoError(t, err)
	assert.NotEmpty(t, token)
}

func TestStreamErrorEndsWithErrorEvent(t *testing.T) {
	env := newMsgEnv(t, &fakeChat{chunks: []string{"partial"}, streamErr: errors.New("upstream reset")}, GenerationConfig{})
	ctx := context.Background()

	events, err := env.svc.Stream(ctx, SendRequest{ConversationID: env.conv.ID, Content: "go"})
	require.NoError(t, err)
	got := drain(t, events)

	require.NotEmpty(t, got)
	last := got[len(got)-1]
	assert.Equal(t, streaming.EventTypeError, last.Type)
	assert.Contains(t, last.Error, "upstream reset")
	assert.Equal(t, streaming.EventTypeStart, got[0].Type)
	for _, ev := range got[:len(got)-1] {
		assert.False(t, ev.Terminal())
	}

	msgs := env.history(t)
	require.Len(t, msgs, 1, "no assistant message for a failed stream")

	// the lock was released with the error event
	_, err = env.svc.Send(ctx, SendRequest{ConversationID: env.conv.ID, Content: "again"})
	require.NoError(t, err)
}

func TestStreamPrepareErrorIsAnEvent(t *testing.T) {
	env := newMsgEnv(t, &fakeChat{reply: "x"}, GenerationConfig{})

	events, err := env.svc.Stream(context.Background(), SendRequest{ConversationID: env.conv.ID, Content: " "})
	require.NoError(t, err)
	got := drain(t, events)
	require.Len(t, got, 1)
	assert.Equal(t, streaming.EventTypeError, got[0].Type)
	assert.Equal(t, ErrEmptyMessage.Error(), got[0].Error)
}

func TestRegenerateReplacesLastReply(t *testing.T) {
	chat := &fakeChat{reply: "first answer"}
	env := newMsgEnv(t, chat, GenerationConfig{})
	ctx := context.Background()

	_, err := env.svc.Send(ctx, SendRequest{ConversationID: env.conv.ID, Content: "question"})
	require.NoError(t, err)

	chat.reply = "second answer"
	res, err := env.svc.Send(ctx, SendRequest{ConversationID: env.conv.ID, Regenerate: true})
	require.NoError(t, err)
	assert.Nil(t, res.UserMessage)
	assert.False(t, res.Cached, "regenerate bypasses the response cache")
	assert.Equal(t, "second answer", res.AssistantMessage.Content)
	assert.Equal(t, 2, chat.calls)

	msgs := env.history(t)
	require.Len(t, msgs, 2)
	assert.Equal(t, "question", msgs[0].Content)
	assert.Equal(t, "second answer", msgs[1].Content)
	assert.Len(t, chat.inputs[1], 2, "the old reply is not part of the prompt")
}

func TestRegenerateAfterFailedTurnKeepsEarlierReply(t *testing.T) {
	chat := &fakeChat{reply: "answer one"}
	env := newMsgEnv(t, chat, GenerationConfig{})
	ctx := context.Background()

	_, err := env.svc.Send(ctx, SendRequest{ConversationID: env.conv.ID, Content: "question one"})
	require.NoError(t, err)

	chat.err = errors.New("upstream timeout")
	_, err = env.svc.Send(ctx, SendRequest{ConversationID: env.conv.ID, Content: "question two"})
	require.Error(t, err)

	chat.err = nil
	chat.reply = "answer two"
	res, err := env.svc.Send(ctx, SendRequest{ConversationID: env.conv.ID, Regenerate: true})
	require.NoError(t, err)
	assert.Equal(t, "answer two", res.AssistantMessage.Content)

	var got []string
	for _, m := range env.history(t) {
		got = append(got, string(m.Role)+":"+m.Content)
	}
	assert.Equal(t, []string{
		"user:question one",
		"assistant:answer one",
		"user:question two",
		"assistant:answer two",
	}, got)

	prompt := chat.inputs[len(chat.inputs)-1]
	require.Len(t, prompt, 4)
	assert.Equal(t, "answer one", prompt[2].Content)
	assert.Equal(t, "question two", prompt[3].Content)
}

func TestResponseIsMemoized(t *testing.T) {
	chat := &fakeChat{reply: "memo"}
	env := newMsgEnv(t, chat, GenerationConfig{})
	ctx := context.Background()

	_, err := env.svc.Send(ctx, SendRequest{ConversationID: env.conv.ID, Content: "same prompt"})
	require.NoError(t, err)

	require.NoError(t, env.db.Where("conversation_id = ?", env.conv.ID).Delete(&model.Message{}).Error)

	res, err := env.svc.Send(ctx, SendRequest{ConversationID: env.conv.ID, Content: "same prompt"})
	require.NoError(t, err)
	assert.True(t, res.Cached)
	assert.Equal(t, "memo", res.AssistantMessage.Content)
	assert.Equal(t, 1, chat.calls)
	assert.Len(t, env.history(t), 2)
}

func TestEditDropsLaterMessages(t *testing.T) {
	env := newMsgEnv(t, &fakeChat{reply: "answer"}, GenerationConfig{})
	ctx := context.Background()

	first, err := env.svc.Send(ctx, SendRequest{ConversationID: env.conv.ID, Content: "alpha"})
	require.NoError(t, err)
	_, err = env.svc.Send(ctx, SendRequest{ConversationID: env.conv.ID, Content: "beta"})
	require.NoError(t, err)
	require.Len(t, env.history(t), 4)

	edited, err := env.svc.Edit(ctx, first.UserMessage.ID, "alpha prime")
	require.NoError(t, err)
	assert.Equal(t, "alpha prime", edited.Content)
	assert.NotNil(t, edited.EditedAt)

	msgs := env.history(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, "alpha prime", msgs[0].Content)
	require.NotNil(t, msgs[0].EditedAt)

	at := env.lastMessageAt(t)
	require.NotNil(t, at)
	assert.WithinDuration(t, msgs[0].CreatedAt, *at, time.Millisecond)

	_, err = env.svc.Edit(ctx, first.AssistantMessage.ID, "nope")
	assert.ErrorIs(t, err, ErrMessageNotFound, "the reply was removed by the edit")

	_, err = env.svc.Edit(ctx, uuid.New(), "x")
	assert.ErrorIs(t, err, ErrMessageNotFound)
	_, err = env.svc.Edit(ctx, first.UserMessage.ID, "  ")
	assert.ErrorIs(t, err, ErrEmptyMessage)

	res, err := env.svc.Send(ctx, SendRequest{ConversationID: env.conv.ID, Regenerate: true})
	require.NoError(t, err)
	_, err = env.svc.Edit(ctx, res.AssistantMessage.ID, "nope")
	assert.ErrorIs(t, err, ErrNotUserMessage)
}

func TestFeedback(t *testing.T) {
	env := newMsgEnv(t, &fakeChat{reply: "rate me"}, GenerationConfig{})
	ctx := context.Background()

	res, err := env.svc.Send(ctx, SendRequest{ConversationID: env.conv.ID, Content: "hi"})
	require.NoError(t, err)

	up := model.FeedbackUp
	msg, err := env.svc.Feedback(ctx, res.AssistantMessage.ID, &up)
	require.NoError(t, err)
	require.NotNil(t, msg.Feedback)
	assert.Equal(t, model.FeedbackUp, *msg.Feedback)

	bad := model.Feedback("meh")
	_, err = env.svc.Feedback(ctx, res.AssistantMessage.ID, &bad)
	assert.ErrorIs(t, err, ErrInvalidFeedback)

	_, err = env.svc.Feedback(ctx, res.UserMessage.ID, &up)
	assert.ErrorIs(t, err, ErrNotAssistantMessage)

	_, err = env.svc.Feedback(ctx, res.AssistantMessage.ID, nil)
	require.NoError(t, err)
	msgs := env.history(t)
	assert.Nil(t, msgs[1].Feedback)
}

func TestToolCallsAreStreamed(t *testing.T) {
	chat := &fakeChat{
		reply: "It is Friday.",
		toolCalls: [][]schema.ToolCall{{{
			ID:       "call-1",
			Type:     "function",
			Function: schema.FunctionCall{Name: "get_current_time", Arguments: `{}`},
		}}},
	}
	env := newMsgEnv(t, chat, GenerationConfig{EnableTools: true})
	ctx := context.Background()

	events, err := env.svc.Stream(ctx, SendRequest{ConversationID: env.conv.ID, Content: "what day is it"})
	require.NoError(t, err)
	got := drain(t, events)

	assert.Equal(t, []streaming.EventType{
		streaming.EventTypeStart,
		streaming.EventTypeToolCheck,
		streaming.EventTypeToolGeneration,
		streaming.EventTypeContent,
		streaming.EventTypeDone,
	}, eventTypes(got))
	assert.Equal(t, "get_current_time", got[1].Data["tool_name"])
	assert.NotEmpty(t, got[2].Data["result"])
	assert.Equal(t, "It is Friday.", got[3].Content)

	// the final call saw the tool exchange
	last := chat.inputs[len(chat.inputs)-1]
	require.GreaterOrEqual(t, len(last), 4)
	assert.Equal(t, schema.Tool, last[len(last)-1].Role)
	assert.Equal(t, "call-1", last[len(last)-1].ToolCallID)

	msgs := env.history(t)
	require.Len(t, msgs, 2)
	assert.Equal(t, "It is Friday.", msgs[1].Content)
}

func TestDocumentSearchToolUsesTurnScopes(t *testing.T) {
	chat := &fakeChat{
		reply: "found it",
		toolCalls: [][]schema.ToolCall{{{
			ID:       "call-7",
			Type:     "function",
			Function: schema.FunctionCall{Name: "search_documents", Arguments: `{"query":"turbine blade"}`},
		}}},
	}
	env := newMsgEnv(t, chat, GenerationConfig{EnableTools: true})
	ctx := context.Background()

	upload(t, env.testEnv, model.Scope{EntityType: model.EntityTypeChat, EntityID: env.conv.ID},
		"turbine.txt", "turbine blade inspection happens every spring")
	upload(t, env.testEnv, chatScope(), "elsewhere.txt", "turbine blade notes from another chat")
	env.docs.Wait()

	res, err := env.svc.Send(ctx, SendRequest{ConversationID: env.conv.ID, Content: "when is the turbine blade inspected"})
	require.NoError(t, err)
	assert.Equal(t, "found it", res.AssistantMessage.Content)

	last := chat.inputs[len(chat.inputs)-1]
	toolResult := last[len(last)-1]
	assert.Equal(t, schema.Tool, toolResult.Role)
	assert.Contains(t, toolResult.Content, "every spring")
	assert.NotContains(t, toolResult.Content, "another chat")
}
