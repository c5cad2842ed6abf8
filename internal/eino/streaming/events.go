package streaming

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of streaming event
type EventType string

const (
	EventTypeStart          EventType = "start"
	EventTypeContent        EventType = "content"
	EventTypeToolCheck      EventType = "tool_check"
	EventTypeToolGeneration EventType = "tool_generation"
	EventTypeDone           EventType = "done"
	EventTypeError          EventType = "error"
)

// Event is one item of a generation stream. Every stream ends with exactly
// one done or error event.
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	MessageID *uuid.UUID             `json:"message_id,omitempty"`
	Content   string                 `json:"content,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Terminal reports whether e closes the stream.
func (e Event) Terminal() bool {
	return e.Type == EventTypeDone || e.Type == EventTypeError
}

// JSON returns the event encoded for an SSE data line.
func (e Event) JSON() string {
	raw, err := json.Marshal(e)
	if err != nil {
		return `{"type":"error","error":"encode event"}`
	}
	return string(raw)
}

// NewStartEvent echoes the user message created for this turn, nil on regenerate.
func NewStartEvent(userMessageID *uuid.UUID) Event {
	return Event{
		Type:      EventTypeStart,
		Timestamp: time.Now(),
		MessageID: userMessageID,
	}
}

func NewContentEvent(delta string) Event {
	return Event{
		Type:      EventTypeContent,
		Timestamp: time.Now(),
		Content:   delta,
	}
}

// NewToolCheckEvent signals that the model asked for a tool.
func NewToolCheckEvent(toolName string, args string) Event {
	return Event{
		Type:      EventTypeToolCheck,
		Timestamp: time.Now(),
		Data: map[string]interface{}{
			"tool_name": toolName,
			"arguments": args,
		},
	}
}

// NewToolGenerationEvent carries the output of a finished tool call.
func NewToolGenerationEvent(toolName, result string) Event {
	return Event{
		Type:      EventTypeToolGeneration,
		Timestamp: time.Now(),
		Data: map[string]interface{}{
			"tool_name": toolName,
			"result":    result,
		},
	}
}

func NewDoneEvent(assistantMessageID uuid.UUID) Event {
	return Event{
		Type:      EventTypeDone,
		Timestamp: time.Now(),
		MessageID: &assistantMessageID,
	}
}

func NewErrorEvent(err string) Event {
	return Event{
		Type:      EventTypeError,
		Timestamp: time.Now(),
		Error:     err,
	}
}
