package service

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"

	"github.com/tgo/kiwi/internal/model"
	"github.com/tgo/kiwi/internal/rag/retrieval"
)

const (
	TruncationMarker = "\n[... truncated ...]"

	defaultInstructions = "You are a helpful assistant. Answer clearly and accurately."
)

// Budget caps the prompt sent to the model, in characters.
type Budget struct {
	SystemPromptMaxChars int
	MessagesMaxChars     int
	ForcedUserMaxChars   int
}

func DefaultBudget() Budget {
	return Budget{
		SystemPromptMaxChars: 60000,
		MessagesMaxChars:     300000,
		ForcedUserMaxChars:   2000,
	}
}

// truncate cuts s to max runes, the marker included.
func truncate(s string, max int) (string, bool) {
	if max <= 0 {
		return "", s != ""
	}
	if utf8.RuneCountInString(s) <= max {
		return s, false
	}
	markerLen := utf8.RuneCountInString(TruncationMarker)
	if max <= markerLen {
		return string([]rune(s)[:max]), true
	}
	return string([]rune(s)[:max-markerLen]) + TruncationMarker, true
}

// buildSystemPrompt joins the agent instructions and the retrieved context,
// capped at max characters.
func buildSystemPrompt(instructions string, hits []retrieval.Hit, max int) (string, bool) {
	instructions = strings.TrimSpace(instructions)
	if instructions == "" {
		instructions = defaultInstructions
	}
	prompt := instructions
	if block := formatContext(hits); block != "" {
		prompt += "\n\n" + block
	}
	return truncate(prompt, max)
}

func formatContext(hits []retrieval.Hit) string {
	if len(hits) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("## Retrieved context\n")
	sb.WriteString("Use the passages below when they are relevant. Cite the document name when you rely on one.\n")
	for i, h := range hits {
		source := "conversation"
		if h.Scope.EntityType == model.EntityTypeAgent {
			source = "agent"
		}
		fmt.Fprintf(&sb, "\n[%d] %s (%s document, passage %d, score %.3f)\n%s\n",
			i+1, h.DocumentName, source, h.ChunkIndex+1, h.Score, h.Snippet)
	}
	return sb.String()
}

// packMessages appends messages in order while the character budget lasts.
// The message that overflows is truncated and ends the list. When no user
// message made it in, the latest one is appended, shortened to forcedMax.
func packMessages(msgs []*schema.Message, budget, forcedMax int) ([]*schema.Message, bool) {
	packed := make([]*schema.Message, 0, len(msgs))
	remaining := budget
	truncated := false

	for _, m := range msgs {
		n := utf8.RuneCountInString(m.Content)
		if n <= remaining {
			packed = append(packed, m)
			remaining -= n
			continue
		}
		truncated = true
		if remaining > 0 {
			cut := *m
			cut.Content, _ = truncate(m.Content, remaining)
			packed = append(packed, &cut)
		}
		break
	}

	if hasRole(packed, schema.User) {
		return packed, truncated
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == schema.User {
			forced := *msgs[i]
			forced.Content, _ = truncate(msgs[i].Content, forcedMax)
			packed = append(packed, &forced)
			return packed, true
		}
	}
	return packed, truncated
}

func hasRole(msgs []*schema.Message, role schema.RoleType) bool {
	for _, m := range msgs {
		if m.Role == role {
			return true
		}
	}
	return false
}

// historyMessages converts stored messages to model input, skipping blanks.
func historyMessages(history []model.Message) []*schema.Message {
	out := make([]*schema.Message, 0, len(history))
	for _, m := range history {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		switch m.Role {
		case model.RoleUser:
			out = append(out, schema.UserMessage(m.Content))
		case model.RoleAssistant:
			out = append(out, schema.AssistantMessage(m.Content, nil))
		case model.RoleSystem:
			out = append(out, schema.SystemMessage(m.Content))
		}
	}
	return out
}

// latestUserQuery returns the newest non-empty user message.
func latestUserQuery(history []model.Message) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == model.RoleUser {
			if q := strings.TrimSpace(history[i].Content); q != "" {
				return q
			}
		}
	}
	return ""
}

// responseCacheKey hashes the conversation and the exact prompt.
func responseCacheKey(conversationID uuid.UUID, msgs []*schema.Message, temperature float32) string {
	h := sha256.New()
	h.Write([]byte(conversationID.String()))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatFloat(float64(temperature), 'f', 3, 32)))
	for _, m := range msgs {
		h.Write([]byte{0})
		h.Write([]byte(m.Role))
		h.Write([]byte{0})
		h.Write([]byte(m.Content))
	}
	return "responses:" + hex.EncodeToString(h.Sum(nil))
}
