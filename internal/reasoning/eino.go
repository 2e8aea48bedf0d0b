package reasoning

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"

	"github.com/ent0n29/naturalstream/internal/logx"
	"github.com/ent0n29/naturalstream/internal/protocol"
)

const defaultGeminiModel = "gemini-2.0-flash"

// EinoSource streams from any eino chat model.
type EinoSource struct {
	model   model.BaseChatModel
	markers Markers
}

func NewEinoSource(m model.BaseChatModel, markers Markers) *EinoSource {
	return &EinoSource{model: m, markers: markers.withDefaults()}
}

// NewGeminiSource builds a Gemini chat model through genai and eino-ext.
func NewGeminiSource(ctx context.Context, apiKey, modelName string, markers Markers) (*EinoSource, error) {
	if strings.TrimSpace(modelName) == "" {
		modelName = defaultGeminiModel
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		logx.Error().Err(err).Msg("error creating gemini client")
		return nil, fmt.Errorf("error creating gemini client: %w", err)
	}

	temperature := float32(0.7)
	chatModel, err := gemini.NewChatModel(ctx, &gemini.Config{
		Client:      client,
		Model:       modelName,
		Temperature: &temperature,
	})
	if err != nil {
		logx.Error().Err(err).Msg("error creating gemini chat model")
		return nil, fmt.Errorf("error creating gemini chat model: %w", err)
	}
	return NewEinoSource(chatModel, markers), nil
}

func (s *EinoSource) Open(ctx context.Context, req Request) (Stream, error) {
	reader, err := s.model.Stream(ctx, toSchemaMessages(WithThoughtInstructions(req.Messages, s.markers)))
	if err != nil {
		return nil, fmt.Errorf("open eino stream: %w", err)
	}
	return &einoStream{reader: reader}, nil
}

func toSchemaMessages(messages []protocol.ChatMessage) []*schema.Message {
	out := make([]*schema.Message, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case protocol.RoleSystem:
			out = append(out, schema.SystemMessage(m.Text()))
		case protocol.RoleAssistant:
			out = append(out, schema.AssistantMessage(m.Text(), nil))
		default:
			out = append(out, schema.UserMessage(m.Text()))
		}
	}
	return out
}

type einoStream struct {
	reader  *schema.StreamReader[*schema.Message]
	pending []protocol.StreamPart
	seq     int

	closeOnce sync.Once
}

func (s *einoStream) Recv() (protocol.StreamPart, error) {
	for len(s.pending) == 0 {
		msg, err := s.reader.Recv()
		if err != nil {
			return protocol.StreamPart{}, err
		}
		if msg == nil {
			continue
		}
		if msg.ReasoningContent != "" {
			s.seq++
			s.pending = append(s.pending, protocol.StreamPart{Type: protocol.PartReasoning, ID: strconv.Itoa(s.seq), Delta: msg.ReasoningContent})
		}
		if msg.Content != "" {
			s.seq++
			s.pending = append(s.pending, protocol.StreamPart{Type: protocol.PartTextDelta, ID: strconv.Itoa(s.seq), Delta: msg.Content})
		}
	}
	part := s.pending[0]
	s.pending = s.pending[1:]
	return part, nil
}

func (s *einoStream) Close() error {
	s.closeOnce.Do(s.reader.Close)
	return nil
}
