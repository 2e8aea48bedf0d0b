package app

import (
	"context"
	"time"

	"github.com/ent0n29/naturalstream/internal/delivery"
	"github.com/ent0n29/naturalstream/internal/fusion"
	"github.com/ent0n29/naturalstream/internal/logx"
	"github.com/ent0n29/naturalstream/internal/memory"
	"github.com/ent0n29/naturalstream/internal/observability"
	"github.com/ent0n29/naturalstream/internal/turns"
)

const transcriptSaveTimeout = 3 * time.Second

// turnObserver fans fusion events into metrics, the turn registry and the
// transcript store.
type turnObserver struct {
	metrics  *observability.Metrics
	registry *turns.Registry
	store    memory.Store
}

func newTurnObserver(metrics *observability.Metrics, registry *turns.Registry, store memory.Store) *turnObserver {
	return &turnObserver{metrics: metrics, registry: registry, store: store}
}

var _ fusion.Observer = (*turnObserver)(nil)

func (o *turnObserver) TurnStarted(turnID, userInput string) {
	o.registry.Begin(turnID, userInput)
	o.metrics.TurnEvents.WithLabelValues("started").Inc()
	o.metrics.ActiveTurns.Set(float64(o.registry.ActiveCount()))
}

func (o *turnObserver) ImmediateResponded(_ string, latency time.Duration, fallback bool) {
	o.metrics.ObserveFirstResponse(latency)
	if fallback {
		o.metrics.ObserveTurnIndicator("immediate_fallback")
	}
}

func (o *turnObserver) ThoughtExtracted(string, int, string) {
	o.metrics.ThoughtsExtracted.Inc()
}

func (o *turnObserver) ResponseGenerated(string, int, string) {
	o.metrics.ResponsesGenerated.Inc()
}

func (o *turnObserver) DeliveryFailed(_ string, err error) {
	o.metrics.DeliveryErrors.WithLabelValues(delivery.KindOf(err)).Inc()
}

func (o *turnObserver) ReasoningFailed(turnID string, err error) {
	o.metrics.TurnEvents.WithLabelValues("reasoning_failed").Inc()
	logx.Warn().Err(err).Str("turn_id", turnID).Msg("reasoning stream failed")
}

func (o *turnObserver) LoopExited(_ string, reason string) {
	o.metrics.ObserveTurnIndicator("exit_" + reason)
}

func (o *turnObserver) Report(report fusion.Report) {
	if err := o.registry.Finish(report); err != nil {
		logx.Debug().Err(err).Str("turn_id", report.TurnID).Msg("turn missing from registry")
	}
	o.metrics.ActiveTurns.Set(float64(o.registry.ActiveCount()))
	o.metrics.TurnEvents.WithLabelValues(report.Outcome).Inc()
	o.metrics.Fragments.Add(float64(report.FragmentsEmitted))
	o.metrics.ObserveTurnStage(observability.StageTurnTotal, time.Duration(report.ProcessingTimeMs)*time.Millisecond)
	if report.FirstThoughtTimeMs > 0 {
		o.metrics.ObserveTurnStage(observability.StageFirstThought, time.Duration(report.FirstThoughtTimeMs)*time.Millisecond)
	}

	logx.Info().
		Str("turn_id", report.TurnID).
		Str("outcome", report.Outcome).
		Str("exit_reason", report.ExitReason).
		Int("thoughts_extracted", report.ThoughtsExtracted).
		Int("thoughts_processed", report.ThoughtsProcessed).
		Int("responses_generated", report.ResponsesGenerated).
		Int64("processing_time_ms", report.ProcessingTimeMs).
		Int64("first_response_time_ms", report.FirstResponseTimeMs).
		Msg("turn report")

	// Transcripts are best effort; a store outage never fails a turn.
	ctx, cancel := context.WithTimeout(context.Background(), transcriptSaveTimeout)
	defer cancel()
	if err := o.store.SaveTurn(ctx, memory.FromReport(report)); err != nil {
		o.metrics.TurnEvents.WithLabelValues("transcript_save_failed").Inc()
		logx.Warn().Err(err).Str("turn_id", report.TurnID).Msg("save transcript")
	}
}
