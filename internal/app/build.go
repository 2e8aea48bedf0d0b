package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ent0n29/naturalstream/internal/config"
	"github.com/ent0n29/naturalstream/internal/delivery"
	"github.com/ent0n29/naturalstream/internal/fusion"
	"github.com/ent0n29/naturalstream/internal/httpapi"
	"github.com/ent0n29/naturalstream/internal/memory"
	"github.com/ent0n29/naturalstream/internal/observability"
	"github.com/ent0n29/naturalstream/internal/reasoning"
	"github.com/ent0n29/naturalstream/internal/turns"
)

const (
	retryBaseDelay     = 100 * time.Millisecond
	retryMaxDelay      = 2 * time.Second
	mockReasoningDelay = 20 * time.Millisecond
)

type BuildResult struct {
	Config     config.Config
	API        *httpapi.Server
	Controller *fusion.Controller
	Registry   *turns.Registry
	Store      memory.Store
	Metrics    *observability.Metrics

	// Cleanup releases external resources (database pools, redis clients).
	Cleanup func() error
}

// Build wires the fusion service from configuration. The registry janitor
// runs until ctx is canceled.
func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace, cfg.FirstResponseSLO)
	return BuildWith(ctx, cfg, metrics)
}

// BuildWith is Build with caller-supplied metrics, so tests can use a private
// registry.
func BuildWith(ctx context.Context, cfg config.Config, metrics *observability.Metrics) (*BuildResult, error) {
	store, err := memory.NewStore(ctx, cfg.TranscriptStoreURL)
	if err != nil {
		return nil, fmt.Errorf("transcript store init failed: %w", err)
	}

	source, err := reasoning.NewSource(ctx, reasoning.Config{
		Mode:              cfg.ReasoningMode,
		BaseURL:           cfg.ReasoningBaseURL,
		APIKey:            cfg.ReasoningAPIKey,
		Model:             cfg.ReasoningModel,
		Timeout:           cfg.ReasoningTimeout,
		GeminiAPIKey:      cfg.GeminiAPIKey,
		GeminiModel:       cfg.GeminiModel,
		Markers:           reasoning.Markers{Begin: cfg.BeginMarker, End: cfg.EndMarker},
		MockFragmentDelay: mockReasoningDelay,
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("reasoning source init failed: %w", err)
	}

	dialogueGen, immediateGen := buildGenerators(cfg)

	fallback, err := fusion.ParseFallbackBehavior(cfg.FallbackBehavior)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	registry := turns.NewRegistry(cfg.TurnRetention)
	registry.SetEvictHook(func(_ *turns.Turn) {
		metrics.TurnEvents.WithLabelValues("evicted").Inc()
	})
	registry.StartJanitor(ctx, 0)

	controller, err := fusion.NewController(fusion.Config{
		Delivery:  dialogueGen,
		Immediate: immediateGen,
		Reasoning: source,
		Observer:  newTurnObserver(metrics, registry, store),
		Options: fusion.Options{
			PollInterval: cfg.PollInterval,
			IdleLimit:    cfg.IdleLimit,
			MaxResponses: cfg.MaxResponses,
			CharBudget:   cfg.CharBudget,
			WordDelay:    cfg.WordDelay,
			Fallback:     fallback,
			BeginMarker:  cfg.BeginMarker,
			EndMarker:    cfg.EndMarker,
		},
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("fusion controller init failed: %w", err)
	}

	api := httpapi.New(cfg, controller, registry, store, metrics)

	cleanup := func() error {
		var errs []string
		if err := store.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	return &BuildResult{
		Config:     cfg,
		API:        api,
		Controller: controller,
		Registry:   registry,
		Store:      store,
		Metrics:    metrics,
		Cleanup:    cleanup,
	}, nil
}

// buildGenerators returns the dialogue generator and the one used for the
// immediate response. Only the immediate generator is cached: its prompt
// depends on the user input alone.
func buildGenerators(cfg config.Config) (delivery.Generator, delivery.Generator) {
	var base delivery.Generator
	if cfg.DeliveryMode == "mock" {
		base = delivery.NewMockGenerator()
	} else {
		base = delivery.NewHTTPGenerator(delivery.HTTPConfig{
			EndpointURL: cfg.DeliveryEndpointURL,
			APIKey:      cfg.DeliveryAPIKey,
			Model:       cfg.DeliveryModel,
			Temperature: cfg.DeliveryTemperature,
			MaxTokens:   cfg.DeliveryMaxTokens,
			Timeout:     cfg.DeliveryTimeout,
		})
	}
	if cfg.DeliveryRetries > 0 {
		base = delivery.NewRetryingGenerator(base, cfg.DeliveryRetries, retryBaseDelay, retryMaxDelay)
	}

	immediate := base
	if cfg.DeliveryCacheSize > 0 {
		immediate = delivery.NewCachingGenerator(base, cfg.DeliveryCacheSize, cfg.DeliveryCacheTTL)
	}
	return base, immediate
}
