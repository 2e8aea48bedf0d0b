package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// PartType tags reasoning stream events.
type PartType string

const (
	PartTextDelta PartType = "text-delta"
	PartReasoning PartType = "reasoning"
	PartFinish    PartType = "finish"
	PartError     PartType = "error"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeChatRequest MessageType = "chat_request"
	TypeTurnStarted MessageType = "turn_started"
	TypeTextDelta   MessageType = "text_delta"
	TypeTurnEnd     MessageType = "turn_end"
	TypeErrorEvent  MessageType = "error_event"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// DefaultUserInput stands in when a prompt carries no user message.
const DefaultUserInput = "User question"

var ErrUnsupportedType = errors.New("unsupported message type")

// StreamPart is one event pulled from the reasoning stream. Only text-delta
// parts carry payload.
type StreamPart struct {
	Type  PartType `json:"type"`
	ID    string   `json:"id,omitempty"`
	Delta string   `json:"delta,omitempty"`
}

// TextDelta is a fragment of the outward stream.
type TextDelta struct {
	Type  PartType `json:"type"`
	ID    string   `json:"id"`
	Delta string   `json:"delta"`
}

func NewTextDelta(id, delta string) TextDelta {
	return TextDelta{Type: PartTextDelta, ID: id, Delta: delta}
}

type ContentPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ChatMessage accepts either plain content or typed parts.
type ChatMessage struct {
	Role    string        `json:"role"`
	Content string        `json:"content,omitempty"`
	Parts   []ContentPart `json:"parts,omitempty"`
}

// Text joins the message's text parts with single spaces. Plain content is
// treated as one text part placed first.
func (m ChatMessage) Text() string {
	var texts []string
	if m.Content != "" {
		texts = append(texts, m.Content)
	}
	for _, p := range m.Parts {
		if p.Type == "text" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, " ")
}

type ChatRequest struct {
	Messages []ChatMessage `json:"messages"`
}

// UserInput returns the text of the most recent user message, or
// DefaultUserInput when there is none.
func UserInput(messages []ChatMessage) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleUser {
			return messages[i].Text()
		}
	}
	return DefaultUserInput
}

type Envelope struct {
	Type MessageType `json:"type"`
}

type ClientChatRequest struct {
	Type     MessageType   `json:"type"`
	Messages []ChatMessage `json:"messages"`
}

type TurnStarted struct {
	Type   MessageType `json:"type"`
	TurnID string      `json:"turn_id"`
}

type TurnTextDelta struct {
	Type   MessageType `json:"type"`
	TurnID string      `json:"turn_id"`
	ID     string      `json:"id"`
	Delta  string      `json:"delta"`
}

type TurnEnd struct {
	Type   MessageType `json:"type"`
	TurnID string      `json:"turn_id"`
	Reason string      `json:"reason"`
	Report any         `json:"report,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	TurnID    string      `json:"turn_id,omitempty"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeChatRequest:
		var msg ClientChatRequest
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if len(msg.Messages) == 0 {
			return nil, errors.New("invalid chat_request: messages required")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
