package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ent0n29/naturalstream/internal/reliability"
)

const chatCompletionsPath = "/v1/chat/completions"

// Generator produces one text unit for a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

type HTTPConfig struct {
	EndpointURL string
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

// HTTPGenerator calls an OpenAI-compatible chat completions endpoint with the
// whole prompt as a single user message.
type HTTPGenerator struct {
	url         string
	apiKey      string
	model       string
	temperature float64
	maxTokens   int
	client      *http.Client
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type completionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
	Stream      bool          `json:"stream"`
}

type completionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func NewHTTPGenerator(cfg HTTPConfig) *HTTPGenerator {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = "tgi"
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 50
	}
	return &HTTPGenerator{
		url:         NormalizeEndpoint(cfg.EndpointURL),
		apiKey:      strings.TrimSpace(cfg.APIKey),
		model:       model,
		temperature: cfg.Temperature,
		maxTokens:   maxTokens,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// NormalizeEndpoint appends the chat completions path unless already present.
func NormalizeEndpoint(raw string) string {
	u := strings.TrimRight(strings.TrimSpace(raw), "/")
	if strings.HasSuffix(u, chatCompletionsPath) {
		return u
	}
	return u + chatCompletionsPath
}

func (g *HTTPGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	payload, err := json.Marshal(completionRequest{
		Model:       g.model,
		Messages:    []chatMessage{{Role: roleUser, Content: prompt}},
		MaxTokens:   g.maxTokens,
		Temperature: g.temperature,
		Stream:      false,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(payload))
	if err != nil {
		return "", &GenerationError{Kind: KindTransport, Err: fmt.Errorf("create request: %w", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	res, err := g.client.Do(httpReq)
	if err != nil {
		return "", &GenerationError{
			Kind:      KindTransport,
			Retryable: reliability.IsRetryableTransportError(err),
			Err:       fmt.Errorf("send request: %w", err),
		}
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		detail := strings.TrimSpace(string(body))
		if detail == "" {
			detail = http.StatusText(res.StatusCode)
		}
		return "", &GenerationError{
			Kind:       KindStatus,
			StatusCode: res.StatusCode,
			Retryable:  reliability.IsRetryableHTTPStatus(res.StatusCode),
			Detail:     detail,
		}
	}

	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return "", &GenerationError{Kind: KindTransport, Err: fmt.Errorf("read response: %w", err)}
	}

	var decoded completionResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return "", &GenerationError{Kind: KindMalformed, Err: fmt.Errorf("decode response: %w", err)}
	}
	if len(decoded.Choices) == 0 {
		return "", &GenerationError{Kind: KindMalformed, Detail: "response has no choices"}
	}
	text := Sanitize(decoded.Choices[0].Message.Content)
	if text == "" {
		return "", &GenerationError{Kind: KindMalformed, Detail: "empty content"}
	}
	return text, nil
}
