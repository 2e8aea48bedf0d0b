package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config contains all runtime settings for the fusion service.
type Config struct {
	Environment      string        `envconfig:"APP_ENV" default:"development"`
	LogLevel         string        `envconfig:"APP_LOG_LEVEL"`
	BindAddr         string        `envconfig:"APP_BIND_ADDR" default:":8080"`
	ShutdownTimeout  time.Duration `envconfig:"APP_SHUTDOWN_TIMEOUT" default:"15s"`
	MetricsNamespace string        `envconfig:"APP_METRICS_NAMESPACE" default:"naturalstream"`
	AllowAnyOrigin   bool          `envconfig:"APP_ALLOW_ANY_ORIGIN" default:"false"`
	MaxConcurrent    int           `envconfig:"APP_MAX_CONCURRENT_TURNS" default:"32"`
	TurnRetention    time.Duration `envconfig:"APP_TURN_RETENTION" default:"10m"`
	FirstResponseSLO time.Duration `envconfig:"APP_FIRST_RESPONSE_SLO" default:"2s"`

	DeliveryMode        string        `envconfig:"DELIVERY_MODE" default:"http"`
	DeliveryEndpointURL string        `envconfig:"DELIVERY_ENDPOINT_URL"`
	DeliveryAPIKey      string        `envconfig:"DELIVERY_API_KEY"`
	DeliveryModel       string        `envconfig:"DELIVERY_MODEL" default:"tgi"`
	DeliveryTemperature float64       `envconfig:"DELIVERY_TEMPERATURE" default:"0.7"`
	DeliveryMaxTokens   int           `envconfig:"DELIVERY_MAX_TOKENS" default:"50"`
	DeliveryTimeout     time.Duration `envconfig:"DELIVERY_TIMEOUT" default:"30s"`
	DeliveryRetries     int           `envconfig:"DELIVERY_RETRIES" default:"0"`
	DeliveryCacheSize   int           `envconfig:"DELIVERY_CACHE_SIZE" default:"0"`
	DeliveryCacheTTL    time.Duration `envconfig:"DELIVERY_CACHE_TTL" default:"5m"`

	ReasoningMode    string        `envconfig:"REASONING_MODE" default:"auto"`
	ReasoningBaseURL string        `envconfig:"REASONING_BASE_URL" default:"https://api.openai.com/v1"`
	ReasoningAPIKey  string        `envconfig:"REASONING_API_KEY"`
	ReasoningModel   string        `envconfig:"REASONING_MODEL" default:"gpt-4"`
	ReasoningTimeout time.Duration `envconfig:"REASONING_TIMEOUT" default:"30s"`
	GeminiAPIKey     string        `envconfig:"GEMINI_API_KEY"`
	GeminiModel      string        `envconfig:"GEMINI_MODEL" default:"gemini-2.0-flash"`

	PollInterval     time.Duration `envconfig:"FUSION_POLL_INTERVAL" default:"100ms"`
	IdleLimit        int           `envconfig:"FUSION_IDLE_LIMIT" default:"100"`
	MaxResponses     int           `envconfig:"FUSION_MAX_RESPONSES" default:"5"`
	CharBudget       int           `envconfig:"FUSION_CHAR_BUDGET" default:"500"`
	WordDelay        time.Duration `envconfig:"FUSION_WORD_DELAY" default:"30ms"`
	FallbackBehavior string        `envconfig:"FUSION_FALLBACK_BEHAVIOR" default:"passthrough"`
	BeginMarker      string        `envconfig:"FUSION_BEGIN_MARKER" default:"[bt]"`
	EndMarker        string        `envconfig:"FUSION_END_MARKER" default:"[et]"`

	TranscriptStoreURL string `envconfig:"TRANSCRIPT_STORE_URL"`
}

// Load reads an optional .env file, then environment variables, and
// validates the result.
func Load() (Config, error) {
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("process environment: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.DeliveryMode = strings.ToLower(strings.TrimSpace(c.DeliveryMode))
	c.ReasoningMode = strings.ToLower(strings.TrimSpace(c.ReasoningMode))
	c.FallbackBehavior = strings.ToLower(strings.TrimSpace(c.FallbackBehavior))
	c.DeliveryEndpointURL = strings.TrimSpace(c.DeliveryEndpointURL)
	c.DeliveryAPIKey = strings.TrimSpace(c.DeliveryAPIKey)
	c.ReasoningAPIKey = strings.TrimSpace(c.ReasoningAPIKey)
	c.GeminiAPIKey = strings.TrimSpace(c.GeminiAPIKey)
	c.TranscriptStoreURL = strings.TrimSpace(c.TranscriptStoreURL)
}

func (c Config) Validate() error {
	switch c.DeliveryMode {
	case "http":
		if c.DeliveryEndpointURL == "" {
			return fmt.Errorf("DELIVERY_ENDPOINT_URL is required when DELIVERY_MODE=http")
		}
	case "mock":
	default:
		return fmt.Errorf("DELIVERY_MODE must be http or mock")
	}
	switch c.ReasoningMode {
	case "auto", "openai", "gemini", "mock":
	default:
		return fmt.Errorf("REASONING_MODE must be auto, openai, gemini or mock")
	}
	switch c.FallbackBehavior {
	case "passthrough", "silence":
	default:
		return fmt.Errorf("FUSION_FALLBACK_BEHAVIOR must be passthrough or silence")
	}

	if c.DeliveryTemperature < 0 || c.DeliveryTemperature > 2 {
		return fmt.Errorf("DELIVERY_TEMPERATURE must be within [0,2]")
	}
	if c.DeliveryMaxTokens <= 0 {
		return fmt.Errorf("DELIVERY_MAX_TOKENS must be positive")
	}
	if c.DeliveryTimeout <= 0 {
		return fmt.Errorf("DELIVERY_TIMEOUT must be positive")
	}
	if c.ReasoningTimeout <= 0 {
		return fmt.Errorf("REASONING_TIMEOUT must be positive")
	}
	if c.DeliveryRetries < 0 {
		return fmt.Errorf("DELIVERY_RETRIES must be >= 0")
	}
	if c.DeliveryCacheSize < 0 {
		return fmt.Errorf("DELIVERY_CACHE_SIZE must be >= 0")
	}
	if c.PollInterval < time.Millisecond {
		return fmt.Errorf("FUSION_POLL_INTERVAL must be at least 1ms")
	}
	if c.IdleLimit <= 0 {
		return fmt.Errorf("FUSION_IDLE_LIMIT must be positive")
	}
	if c.MaxResponses <= 0 {
		return fmt.Errorf("FUSION_MAX_RESPONSES must be positive")
	}
	if c.CharBudget <= 0 {
		return fmt.Errorf("FUSION_CHAR_BUDGET must be positive")
	}
	if c.WordDelay < 0 {
		return fmt.Errorf("FUSION_WORD_DELAY must be >= 0")
	}
	if c.BeginMarker == "" || c.EndMarker == "" {
		return fmt.Errorf("FUSION_BEGIN_MARKER and FUSION_END_MARKER must be set")
	}
	if c.MaxConcurrent <= 0 {
		return fmt.Errorf("APP_MAX_CONCURRENT_TURNS must be positive")
	}
	if c.TurnRetention < time.Second {
		return fmt.Errorf("APP_TURN_RETENTION must be at least 1s")
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("APP_SHUTDOWN_TIMEOUT must be positive")
	}
	return nil
}
