package memory

import (
	"time"

	"github.com/ent0n29/naturalstream/internal/fusion"
	"github.com/ent0n29/naturalstream/internal/policy"
)

// FromReport builds a redacted record from a turn report.
func FromReport(report fusion.Report) TurnRecord {
	return Redact(TurnRecord{
		TurnID:             report.TurnID,
		UserInput:          report.UserInput,
		ImmediateText:      report.ImmediateText,
		Thoughts:           append([]string{}, report.Thoughts...),
		Responses:          append([]string{}, report.Responses...),
		Outcome:            report.Outcome,
		ThoughtsExtracted:  report.ThoughtsExtracted,
		ThoughtsProcessed:  report.ThoughtsProcessed,
		ResponsesGenerated: report.ResponsesGenerated,
		FirstResponseMs:    report.FirstResponseTimeMs,
		ProcessingMs:       report.ProcessingTimeMs,
		CreatedAt:          time.Now().UTC(),
	})
}

// Redact masks PII in every text field and flags the record when anything
// changed.
func Redact(record TurnRecord) TurnRecord {
	var c1, c2, c3, c4 bool
	record.UserInput, c1 = policy.RedactPII(record.UserInput)
	record.ImmediateText, c2 = policy.RedactPII(record.ImmediateText)
	record.Thoughts, c3 = policy.RedactAll(record.Thoughts)
	record.Responses, c4 = policy.RedactAll(record.Responses)
	record.PIIRedacted = record.PIIRedacted || c1 || c2 || c3 || c4
	return record
}
