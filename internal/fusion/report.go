package fusion

import "time"

// Outcome values for Report.Outcome.
const (
	OutcomeCompleted = "completed"
	OutcomeCanceled  = "canceled"
	OutcomeFailed    = "failed"
)

// Exit reasons for Report.ExitReason.
const (
	ExitIdleLimit    = "idle_limit"
	ExitMaxResponses = "max_responses"
	ExitCharBudget   = "char_budget"
	ExitCanceled     = "canceled"
	ExitPanic        = "panic"
)

// Report is the final accounting of one turn, delivered exactly once.
type Report struct {
	TurnID              string   `json:"turn_id"`
	UserInput           string   `json:"user_input"`
	Outcome             string   `json:"outcome"`
	ExitReason          string   `json:"exit_reason"`
	Error               string   `json:"error,omitempty"`
	ImmediateText       string   `json:"immediate_text,omitempty"`
	ImmediateFallback   bool     `json:"immediate_fallback"`
	ThoughtsExtracted   int      `json:"thoughts_extracted"`
	ThoughtsProcessed   int      `json:"thoughts_processed"`
	ResponsesGenerated  int      `json:"responses_generated"`
	FragmentsEmitted    int      `json:"fragments_emitted"`
	ReasoningDone       bool     `json:"reasoning_done"`
	ProcessingTimeMs    int64    `json:"processing_time_ms"`
	FirstResponseTimeMs int64    `json:"first_response_time_ms"`
	FirstThoughtTimeMs  int64    `json:"first_thought_time_ms,omitempty"`
	Thoughts            []string `json:"thoughts"`
	Responses           []string `json:"responses"`
	// FullText joins the loop responses with single spaces.
	FullText string `json:"full_text"`
}

// Observer receives turn lifecycle events. Implementations must be safe for
// concurrent use; ThoughtExtracted and ReasoningFailed run on the reasoning
// consumer goroutine.
type Observer interface {
	TurnStarted(turnID, userInput string)
	ImmediateResponded(turnID string, latency time.Duration, fallback bool)
	ThoughtExtracted(turnID string, index int, text string)
	ResponseGenerated(turnID string, textID int, text string)
	DeliveryFailed(turnID string, err error)
	ReasoningFailed(turnID string, err error)
	LoopExited(turnID, reason string)
	Report(report Report)
}

// NopObserver ignores every event.
type NopObserver struct{}

func (NopObserver) TurnStarted(string, string)                     {}
func (NopObserver) ImmediateResponded(string, time.Duration, bool) {}
func (NopObserver) ThoughtExtracted(string, int, string)           {}
func (NopObserver) ResponseGenerated(string, int, string)          {}
func (NopObserver) DeliveryFailed(string, error)                   {}
func (NopObserver) ReasoningFailed(string, error)                  {}
func (NopObserver) LoopExited(string, string)                      {}
func (NopObserver) Report(Report)                                  {}

// MultiObserver fans events out in order.
type MultiObserver []Observer

func (m MultiObserver) TurnStarted(turnID, userInput string) {
	for _, o := range m {
		o.TurnStarted(turnID, userInput)
	}
}

func (m MultiObserver) ImmediateResponded(turnID string, latency time.Duration, fallback bool) {
	for _, o := range m {
		o.ImmediateResponded(turnID, latency, fallback)
	}
}

func (m MultiObserver) ThoughtExtracted(turnID string, index int, text string) {
	for _, o := range m {
		o.ThoughtExtracted(turnID, index, text)
	}
}

func (m MultiObserver) ResponseGenerated(turnID string, textID int, text string) {
	for _, o := range m {
		o.ResponseGenerated(turnID, textID, text)
	}
}

func (m MultiObserver) DeliveryFailed(turnID string, err error) {
	for _, o := range m {
		o.DeliveryFailed(turnID, err)
	}
}

func (m MultiObserver) ReasoningFailed(turnID string, err error) {
	for _, o := range m {
		o.ReasoningFailed(turnID, err)
	}
}

func (m MultiObserver) LoopExited(turnID, reason string) {
	for _, o := range m {
		o.LoopExited(turnID, reason)
	}
}

func (m MultiObserver) Report(report Report) {
	for _, o := range m {
		o.Report(report)
	}
}
