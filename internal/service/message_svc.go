package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	einomodel "github.com/cloudwego/eino/components/model"
	einotool "github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/tgo/kiwi/internal/eino/streaming"
	kiwitool "github.com/tgo/kiwi/internal/eino/tool"
	"github.com/tgo/kiwi/internal/eino/usage"
	"github.com/tgo/kiwi/internal/model"
	"github.com/tgo/kiwi/internal/pkg/logger"
	"github.com/tgo/kiwi/internal/rag/retrieval"
	"github.com/tgo/kiwi/internal/repository"
)

const maxToolRounds = 3

type GenerationConfig struct {
	ProviderKind     string
	Model            string
	Temperature      float32
	TopK             int
	Budget           Budget
	LockTTL          time.Duration
	ResponseCacheTTL time.Duration
	EnableTools      bool
}

type MessageService struct {
	convs    *repository.ConversationRepository
	agents   *repository.AgentRepository
	messages *repository.MessageRepository
	docs     *repository.DocumentRepository
	search   Searcher
	chat     einomodel.ToolCallingChatModel
	locker   Locker
	cache    Cache
	usage    *usage.Tracker
	cfg      GenerationConfig
	log      *logrus.Entry
}

func NewMessageService(
	db *gorm.DB,
	search Searcher,
	chat einomodel.ToolCallingChatModel,
	locker Locker,
	cache Cache,
	tracker *usage.Tracker,
	cfg GenerationConfig,
	log *logrus.Entry,
) *MessageService {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 300 * time.Second
	}
	if cfg.ResponseCacheTTL <= 0 {
		cfg.ResponseCacheTTL = 600 * time.Second
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 5
	}
	def := DefaultBudget()
	if cfg.Budget.SystemPromptMaxChars <= 0 {
		cfg.Budget.SystemPromptMaxChars = def.SystemPromptMaxChars
	}
	if cfg.Budget.MessagesMaxChars <= 0 {
		cfg.Budget.MessagesMaxChars = def.MessagesMaxChars
	}
	if cfg.Budget.ForcedUserMaxChars <= 0 {
		cfg.Budget.ForcedUserMaxChars = def.ForcedUserMaxChars
	}
	return &MessageService{
		convs:    repository.NewConversationRepository(db),
		agents:   repository.NewAgentRepository(db),
		messages: repository.NewMessageRepository(db),
		docs:     repository.NewDocumentRepository(db),
		search:   search,
		chat:     chat,
		locker:   locker,
		cache:    cache,
		usage:    tracker,
		cfg:      cfg,
		log:      logger.OrDefault(log, "message"),
	}
}

type SendRequest struct {
	ConversationID uuid.UUID
	Content        string
	Regenerate     bool
	Temperature    *float32
}

type SendResult struct {
	UserMessage      *model.Message  `json:"user_message,omitempty"`
	AssistantMessage *model.Message  `json:"assistant_message"`
	Sources          []retrieval.Hit `json:"sources"`
	Cached           bool            `json:"cached"`
}

// turn is everything needed to call the model once the history is settled.
type turn struct {
	conv        *model.Conversation
	userMessage *model.Message
	prompt      []*schema.Message
	sources     []retrieval.Hit
	scopes      []model.Scope
	temperature float32
	log         *logrus.Entry
}

func lockKey(conversationID uuid.UUID) string {
	return "conversation:generating:" + conversationID.String()
}

// acquire takes the generation lock of a conversation. The returned release
// runs on a context detached from the request so it survives cancellation.
func (s *MessageService) acquire(ctx context.Context, conversationID uuid.UUID) (func(), error) {
	key := lockKey(conversationID)
	token, err := s.locker.AcquireLock(ctx, key, s.cfg.LockTTL)
	if err != nil {
		return nil, fmt.Errorf("acquire generation lock: %w", err)
	}
	if token == "" {
		return nil, ErrAlreadyGenerating
	}
	return func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if _, err := s.locker.ReleaseLock(rctx, key, token); err != nil {
			s.log.WithError(err).WithField("conversation_id", conversationID).Warn("failed to release generation lock")
		}
	}, nil
}

// Send produces the assistant reply in one piece.
func (s *MessageService) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	conv, err := s.conversation(ctx, req.ConversationID)
	if err != nil {
		return nil, err
	}
	release, err := s.acquire(ctx, conv.ID)
	if err != nil {
		return nil, err
	}
	defer release()

	t, err := s.prepare(ctx, conv, req)
	if err != nil {
		return nil, err
	}
	defer s.syncLastMessageAt(ctx, conv.ID, t.log)

	result := &SendResult{UserMessage: t.userMessage, Sources: t.sources}

	// a regenerate asks for a fresh answer to the same prompt
	cacheKey := responseCacheKey(conv.ID, t.prompt, t.temperature)
	if content, ok := s.cachedResponse(ctx, cacheKey); ok && !req.Regenerate {
		msg, err := s.saveAssistant(ctx, conv.ID, content, usage.Counts{})
		if err != nil {
			return nil, err
		}
		result.AssistantMessage = msg
		result.Cached = true
		t.log.Debug("served memoized response")
		return result, nil
	}

	began := time.Now()
	reply, err := s.complete(ctx, t, nil)
	if err != nil {
		s.track(ctx, t, "send", nil, "", nil, time.Since(began), err)
		return nil, fmt.Errorf("generate reply: %w", err)
	}

	counts := usage.Resolve(reportedUsage(reply), t.prompt, reply.Content)
	msg, err := s.saveAssistant(ctx, conv.ID, reply.Content, counts)
	if err != nil {
		return nil, err
	}
	s.track(ctx, t, "send", &msg.ID, reply.Content, reportedUsage(reply), time.Since(began), nil)

	if s.cache != nil {
		if err := s.cache.SetJSON(ctx, cacheKey, reply.Content, s.cfg.ResponseCacheTTL); err != nil {
			t.log.WithError(err).Debug("failed to memoize response")
		}
	}

	result.AssistantMessage = msg
	return result, nil
}

// Stream starts a generation and returns its events. Lock contention and an
// unknown conversation are reported synchronously; everything after that ends
// the stream with an error event. The channel is closed after the terminal event.
func (s *MessageService) Stream(ctx context.Context, req SendRequest) (<-chan streaming.Event, error) {
	conv, err := s.conversation(ctx, req.ConversationID)
	if err != nil {
		return nil, err
	}
	release, err := s.acquire(ctx, conv.ID)
	if err != nil {
		return nil, err
	}

	events := make(chan streaming.Event, 64)
	go func() {
		defer close(events)
		defer release()
		s.stream(ctx, conv, req, events)
	}()
	return events, nil
}

func (s *MessageService) stream(ctx context.Context, conv *model.Conversation, req SendRequest, events chan<- streaming.Event) {
	emit := func(ev streaming.Event) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}
	finish := func(ev streaming.Event) {
		select {
		case events <- ev:
		case <-ctx.Done():
		}
	}

	t, err := s.prepare(ctx, conv, req)
	if err != nil {
		finish(streaming.NewErrorEvent(err.Error()))
		return
	}
	defer s.syncLastMessageAt(ctx, conv.ID, t.log)

	var startID *uuid.UUID
	if t.userMessage != nil {
		startID = &t.userMessage.ID
	}
	if !emit(streaming.NewStartEvent(startID)) {
		return
	}

	began := time.Now()
	reply, err := s.complete(ctx, t, emit)
	if err != nil {
		s.track(ctx, t, "stream", nil, "", nil, time.Since(began), err)
		t.log.WithError(err).Warn("streamed generation failed")
		finish(streaming.NewErrorEvent(err.Error()))
		return
	}

	counts := usage.Resolve(reportedUsage(reply), t.prompt, reply.Content)
	msg, err := s.saveAssistant(context.WithoutCancel(ctx), conv.ID, reply.Content, counts)
	if err != nil {
		finish(streaming.NewErrorEvent(err.Error()))
		return
	}
	s.track(ctx, t, "stream", &msg.ID, reply.Content, reportedUsage(reply), time.Since(began), nil)
	finish(streaming.NewDoneEvent(msg.ID))
}

// prepare persists the user side of the turn and assembles the prompt.
func (s *MessageService) prepare(ctx context.Context, conv *model.Conversation, req SendRequest) (*turn, error) {
	log := s.log.WithField("conversation_id", conv.ID)
	t := &turn{conv: conv, log: log}

	if req.Regenerate {
		// Only a reply that closes the conversation is replaced. When the last
		// turn failed the history ends on a user message and nothing is removed.
		prev, err := s.messages.Latest(ctx, conv.ID)
		if err != nil {
			return nil, fmt.Errorf("load previous reply: %w", err)
		}
		if prev != nil && prev.Role == model.RoleAssistant {
			if err := s.messages.Delete(ctx, prev.ID); err != nil {
				return nil, fmt.Errorf("delete previous reply: %w", err)
			}
			s.syncLastMessageAt(ctx, conv.ID, log)
		}
	} else {
		content := strings.TrimSpace(req.Content)
		if content == "" {
			return nil, ErrEmptyMessage
		}
		msg := &model.Message{ConversationID: conv.ID, Role: model.RoleUser, Content: content}
		if err := s.messages.Create(ctx, msg); err != nil {
			return nil, fmt.Errorf("save user message: %w", err)
		}
		t.userMessage = msg
		s.syncLastMessageAt(ctx, conv.ID, log)
	}

	history, err := s.messages.ListByConversation(ctx, conv.ID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	query := latestUserQuery(history)
	if query == "" {
		return nil, ErrNothingToRegenerate
	}

	instructions := ""
	t.scopes = []model.Scope{{EntityType: model.EntityTypeChat, EntityID: conv.ID}}
	if conv.AgentID != nil {
		agent, err := s.agents.GetByID(ctx, *conv.AgentID)
		switch {
		case err == nil:
			instructions = agent.Instructions
			t.scopes = append(t.scopes, model.Scope{EntityType: model.EntityTypeAgent, EntityID: agent.ID})
		case errors.Is(err, gorm.ErrRecordNotFound):
			log.WithField("agent_id", *conv.AgentID).Warn("conversation agent not found")
		default:
			return nil, fmt.Errorf("load agent: %w", err)
		}
	}

	if s.search != nil {
		hits, err := s.search.Search(ctx, SearchRequest{Query: query, Scopes: t.scopes, TopK: s.cfg.TopK})
		if err != nil {
			log.WithError(err).Warn("retrieval failed, answering without context")
		} else {
			t.sources = hits
		}
	}
	if t.sources == nil {
		t.sources = []retrieval.Hit{}
	}

	system, cut := buildSystemPrompt(instructions, t.sources, s.cfg.Budget.SystemPromptMaxChars)
	if cut {
		log.WithField("limit", s.cfg.Budget.SystemPromptMaxChars).Info("system prompt truncated")
	}
	msgs := append([]*schema.Message{schema.SystemMessage(system)}, historyMessages(history)...)
	packed, cut := packMessages(msgs, s.cfg.Budget.MessagesMaxChars, s.cfg.Budget.ForcedUserMaxChars)
	if cut {
		log.WithFields(logrus.Fields{
			"messages": len(msgs),
			"kept":     len(packed),
			"limit":    s.cfg.Budget.MessagesMaxChars,
		}).Info("conversation history truncated")
	}
	t.prompt = packed

	t.temperature = s.cfg.Temperature
	if req.Temperature != nil {
		t.temperature = *req.Temperature
	}
	grounded, err := s.docs.AnyCompleted(ctx, t.scopes)
	if err != nil {
		log.WithError(err).Warn("failed to check attached documents")
	}
	if grounded {
		t.temperature = 0
	}
	return t, nil
}

// complete runs the model, taking the tool path first when tools are
// enabled. emit is nil for non-streaming calls.
func (s *MessageService) complete(ctx context.Context, t *turn, emit func(streaming.Event) bool) (*schema.Message, error) {
	opts := []einomodel.Option{einomodel.WithTemperature(t.temperature)}
	prompt := t.prompt

	if s.cfg.EnableTools {
		extended, direct, err := s.runTools(ctx, t, prompt, opts, emit)
		if err != nil {
			return nil, err
		}
		if direct != nil {
			if emit != nil && direct.Content != "" && !emit(streaming.NewContentEvent(direct.Content)) {
				return nil, ctx.Err()
			}
			return direct, nil
		}
		prompt = extended
	}

	if emit == nil {
		return s.chat.Generate(ctx, prompt, opts...)
	}

	reader, err := s.chat.Stream(ctx, prompt, opts...)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	var chunks []*schema.Message
	for {
		chunk, err := reader.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, chunk)
		if chunk.Content != "" && !emit(streaming.NewContentEvent(chunk.Content)) {
			return nil, ctx.Err()
		}
	}
	if len(chunks) == 0 {
		return schema.AssistantMessage("", nil), nil
	}
	return schema.ConcatMessages(chunks)
}

// runTools lets the model call tools before it answers. A reply without tool
// calls is returned as direct. When the round limit is hit, the prompt
// extended with the calls and their results is returned for a final answer
// without tools.
func (s *MessageService) runTools(ctx context.Context, t *turn, prompt []*schema.Message, opts []einomodel.Option, emit func(streaming.Event) bool) ([]*schema.Message, *schema.Message, error) {
	tools := s.tools(t)
	infos := make([]*schema.ToolInfo, 0, len(tools))
	byName := make(map[string]einotool.InvokableTool, len(tools))
	for _, tl := range tools {
		info, err := tl.Info(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("tool info: %w", err)
		}
		infos = append(infos, info)
		byName[info.Name] = tl
	}
	withTools, err := s.chat.WithTools(infos)
	if err != nil {
		return nil, nil, fmt.Errorf("bind tools: %w", err)
	}

	prompt = append([]*schema.Message(nil), prompt...)
	for round := 0; round < maxToolRounds; round++ {
		msg, err := withTools.Generate(ctx, prompt, opts...)
		if err != nil {
			return nil, nil, err
		}
		if len(msg.ToolCalls) == 0 {
			return prompt, msg, nil
		}
		prompt = append(prompt, msg)
		for _, call := range msg.ToolCalls {
			name := call.Function.Name
			if emit != nil && !emit(streaming.NewToolCheckEvent(name, call.Function.Arguments)) {
				return nil, nil, ctx.Err()
			}
			result := s.invokeTool(ctx, byName[name], call, t.log)
			if emit != nil && !emit(streaming.NewToolGenerationEvent(name, result)) {
				return nil, nil, ctx.Err()
			}
			prompt = append(prompt, schema.ToolMessage(result, call.ID))
		}
	}
	return prompt, nil, nil
}

func (s *MessageService) invokeTool(ctx context.Context, tl einotool.InvokableTool, call schema.ToolCall, log *logrus.Entry) string {
	if tl == nil {
		return fmt.Sprintf("unknown tool %q", call.Function.Name)
	}
	out, err := tl.InvokableRun(ctx, call.Function.Arguments)
	if err != nil {
		log.WithError(err).WithField("tool", call.Function.Name).Warn("tool call failed")
		return "tool error: " + err.Error()
	}
	return out
}

func (s *MessageService) tools(t *turn) []einotool.InvokableTool {
	tools := []einotool.InvokableTool{kiwitool.NewDateTimeTool()}
	if s.search != nil {
		scopes := t.scopes
		tools = append(tools, kiwitool.NewDocumentSearchTool(func(ctx context.Context, query string, topK int) ([]retrieval.Hit, error) {
			return s.search.Search(ctx, SearchRequest{Query: query, Scopes: scopes, TopK: topK})
		}))
	}
	return tools
}

// Edit replaces the content of a user message and drops every later message.
func (s *MessageService) Edit(ctx context.Context, messageID uuid.UUID, content string) (*model.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrEmptyMessage
	}
	msg, err := s.message(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg.Role != model.RoleUser {
		return nil, ErrNotUserMessage
	}

	release, err := s.acquire(ctx, msg.ConversationID)
	if err != nil {
		return nil, err
	}
	defer release()

	now := time.Now()
	if err := s.messages.UpdateContent(ctx, msg.ID, content, now); err != nil {
		return nil, fmt.Errorf("update message: %w", err)
	}
	removed, err := s.messages.DeleteAfter(ctx, msg.ConversationID, msg.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("drop later messages: %w", err)
	}
	log := s.log.WithFields(logrus.Fields{"conversation_id": msg.ConversationID, "message_id": msg.ID})
	s.syncLastMessageAt(ctx, msg.ConversationID, log)
	log.WithField("removed", removed).Info("message edited")

	msg.Content = content
	msg.EditedAt = &now
	return msg, nil
}

// Feedback sets or clears the rating of an assistant message.
func (s *MessageService) Feedback(ctx context.Context, messageID uuid.UUID, fb *model.Feedback) (*model.Message, error) {
	if fb != nil && *fb != model.FeedbackUp && *fb != model.FeedbackDown {
		return nil, fmt.Errorf("%w: %q", ErrInvalidFeedback, *fb)
	}
	msg, err := s.message(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg.Role != model.RoleAssistant {
		return nil, ErrNotAssistantMessage
	}
	if err := s.messages.SetFeedback(ctx, msg.ID, fb); err != nil {
		return nil, fmt.Errorf("save feedback: %w", err)
	}
	msg.Feedback = fb
	return msg, nil
}

func (s *MessageService) History(ctx context.Context, conversationID uuid.UUID) ([]model.Message, error) {
	if _, err := s.conversation(ctx, conversationID); err != nil {
		return nil, err
	}
	return s.messages.ListByConversation(ctx, conversationID)
}

func (s *MessageService) saveAssistant(ctx context.Context, conversationID uuid.UUID, content string, counts usage.Counts) (*model.Message, error) {
	msg := &model.Message{
		ConversationID:   conversationID,
		Role:             model.RoleAssistant,
		Content:          content,
		PromptTokens:     counts.PromptTokens,
		CompletionTokens: counts.CompletionTokens,
	}
	if err := s.messages.Create(ctx, msg); err != nil {
		return nil, fmt.Errorf("save assistant message: %w", err)
	}
	return msg, nil
}

func (s *MessageService) cachedResponse(ctx context.Context, key string) (string, bool) {
	if s.cache == nil {
		return "", false
	}
	var content string
	if err := s.cache.GetJSON(ctx, key, &content); err != nil {
		return "", false
	}
	return content, content != ""
}

func (s *MessageService) track(ctx context.Context, t *turn, op string, messageID *uuid.UUID, completion string, reported *schema.TokenUsage, latency time.Duration, genErr error) {
	if s.usage == nil {
		return
	}
	convID := t.conv.ID
	_, _ = s.usage.Track(context.WithoutCancel(ctx), &usage.TrackRequest{
		ConversationID: &convID,
		MessageID:      messageID,
		Operation:      op,
		ProviderKind:   s.cfg.ProviderKind,
		Model:          s.cfg.Model,
		Prompt:         t.prompt,
		Completion:     completion,
		Reported:       reported,
		Latency:        latency,
		Err:            genErr,
		Metadata: map[string]interface{}{
			"temperature": t.temperature,
			"sources":     len(t.sources),
		},
	})
}

// syncLastMessageAt aligns the conversation timestamp with what is persisted.
func (s *MessageService) syncLastMessageAt(ctx context.Context, conversationID uuid.UUID, log *logrus.Entry) {
	if _, err := s.convs.SyncLastMessageAt(context.WithoutCancel(ctx), conversationID); err != nil {
		log.WithError(err).Warn("failed to update last_message_at")
	}
}

func (s *MessageService) conversation(ctx context.Context, id uuid.UUID) (*model.Conversation, error) {
	conv, err := s.convs.GetByID(ctx, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrConversationNotFound
	}
	return conv, err
}

func (s *MessageService) message(ctx context.Context, id uuid.UUID) (*model.Message, error) {
	msg, err := s.messages.GetByID(ctx, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrMessageNotFound
	}
	return msg, err
}

func reportedUsage(msg *schema.Message) *schema.TokenUsage {
	if msg == nil || msg.ResponseMeta == nil {
		return nil
	}
	return msg.ResponseMeta.Usage
}
