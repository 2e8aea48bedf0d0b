package reasoning

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ent0n29/naturalstream/internal/protocol"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

type OpenAIConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	// Timeout bounds connection setup and response headers; the body streams
	// for as long as the turn context allows.
	Timeout time.Duration
	Markers Markers
}

// OpenAISource streams chat completions from an OpenAI-compatible endpoint.
type OpenAISource struct {
	url     string
	apiKey  string
	model   string
	markers Markers
	client  *http.Client
}

func NewOpenAISource(cfg OpenAIConfig) *OpenAISource {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = defaultOpenAIBaseURL
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = "gpt-4"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &OpenAISource{
		url:     base + "/chat/completions",
		apiKey:  strings.TrimSpace(cfg.APIKey),
		model:   model,
		markers: cfg.Markers.withDefaults(),
		client: &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				ResponseHeaderTimeout: timeout,
			},
		},
	}
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIRequest struct {
	Model    string          `json:"model"`
	Messages []openAIMessage `json:"messages"`
	Stream   bool            `json:"stream"`
}

type openAIChunk struct {
	Choices []struct {
		Delta struct {
			Content          string `json:"content"`
			ReasoningContent string `json:"reasoning_content"`
		} `json:"delta"`
	} `json:"choices"`
}

func (s *OpenAISource) Open(ctx context.Context, req Request) (Stream, error) {
	messages := WithThoughtInstructions(req.Messages, s.markers)
	body := openAIRequest{Model: s.model, Stream: true, Messages: make([]openAIMessage, 0, len(messages))}
	for _, m := range messages {
		body.Messages = append(body.Messages, openAIMessage{Role: m.Role, Content: m.Text()})
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if s.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	res, err := s.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		defer res.Body.Close()
		detail, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return nil, fmt.Errorf("reasoning http status %d: %s", res.StatusCode, strings.TrimSpace(string(detail)))
	}

	return newSSEStream(res.Body), nil
}

// sseStream decodes `data:` lines into parts. One chunk can carry both
// reasoning and content, so decoded parts are queued.
type sseStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	pending []protocol.StreamPart
	seq     int
	done    bool

	closeOnce sync.Once
}

func newSSEStream(body io.ReadCloser) *sseStream {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	return &sseStream{body: body, scanner: scanner}
}

func (s *sseStream) Recv() (protocol.StreamPart, error) {
	for len(s.pending) == 0 {
		if s.done {
			return protocol.StreamPart{}, io.EOF
		}
		if !s.scanner.Scan() {
			s.done = true
			if err := s.scanner.Err(); err != nil {
				return protocol.StreamPart{}, fmt.Errorf("stream read: %w", err)
			}
			return protocol.StreamPart{}, io.EOF
		}

		line := strings.TrimSpace(s.scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			s.done = true
			continue
		}

		var chunk openAIChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return protocol.StreamPart{}, fmt.Errorf("decode chunk: %w", err)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta
		if delta.ReasoningContent != "" {
			s.pending = append(s.pending, protocol.StreamPart{Type: protocol.PartReasoning, ID: s.nextID(), Delta: delta.ReasoningContent})
		}
		if delta.Content != "" {
			s.pending = append(s.pending, protocol.StreamPart{Type: protocol.PartTextDelta, ID: s.nextID(), Delta: delta.Content})
		}
	}

	part := s.pending[0]
	s.pending = s.pending[1:]
	return part, nil
}

func (s *sseStream) nextID() string {
	s.seq++
	return strconv.Itoa(s.seq)
}

func (s *sseStream) Close() error {
	var err error
	s.closeOnce.Do(func() { err = s.body.Close() })
	return err
}
