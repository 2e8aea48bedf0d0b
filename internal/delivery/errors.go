package delivery

import (
	"errors"
	"fmt"
)

// ErrorKind classifies delivery failures.
type ErrorKind string

const (
	KindTransport ErrorKind = "transport"
	KindStatus    ErrorKind = "status"
	KindMalformed ErrorKind = "malformed"
)

// ErrGeneration matches every *GenerationError via errors.Is.
var ErrGeneration = errors.New("delivery generation failed")

// GenerationError reports a failed delivery call. Callers treat it as "no
// response for this step".
type GenerationError struct {
	Kind       ErrorKind
	StatusCode int
	Retryable  bool
	Detail     string
	Err        error
}

func (e *GenerationError) Error() string {
	switch {
	case e.Kind == KindStatus:
		return fmt.Sprintf("delivery http status %d: %s", e.StatusCode, e.Detail)
	case e.Err != nil:
		return fmt.Sprintf("delivery %s error: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("delivery %s error: %s", e.Kind, e.Detail)
	}
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}

func (e *GenerationError) Is(target error) bool {
	return target == ErrGeneration
}

// IsRetryable reports whether err is a retryable generation failure.
func IsRetryable(err error) bool {
	var genErr *GenerationError
	if errors.As(err, &genErr) {
		return genErr.Retryable
	}
	return false
}

// KindOf returns the failure kind, or "unknown" for foreign errors.
func KindOf(err error) string {
	var genErr *GenerationError
	if errors.As(err, &genErr) {
		return string(genErr.Kind)
	}
	return "unknown"
}
