package extraction

import (
	"errors"
	"fmt"
)

// Common extraction errors
var (
	// ErrMalformedExtraction is returned when the extraction service replied
	// with text from which no JSON object could be recovered.
	ErrMalformedExtraction = errors.New("extraction service returned non-JSON output")

	// ErrRateLimited is returned on HTTP 429 from the extraction service.
	// It is not retried within the orchestrator; retry is the batch layer's
	// responsibility.
	ErrRateLimited = errors.New("extraction service rate limit exceeded")

	// ErrQuotaExhausted is returned on HTTP 402 from the extraction service.
	// Operator action is required; retrying will not help.
	ErrQuotaExhausted = errors.New("extraction service quota exhausted")

	// ErrEmptyCompletion is returned when the service reply carried no choices.
	ErrEmptyCompletion = errors.New("extraction service returned an empty completion")
)

// ExtractionError wraps errors with additional context about the extraction failure.
type ExtractionError struct {
	// Op is the operation that failed (e.g., "Complete", "Extract").
	Op string

	// Err is the underlying error.
	Err error

	// Details provides additional context about the failure.
	Details string
}

// Error implements the error interface.
func (e *ExtractionError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("extraction: %s failed: %s: %v", e.Op, e.Details, e.Err)
	}
	return fmt.Sprintf("extraction: %s failed: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for error unwrapping.
func (e *ExtractionError) Unwrap() error {
	return e.Err
}

// Is implements error matching for Go 1.13+ error handling.
func (e *ExtractionError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// WrapExtractionError wraps an error as an ExtractionError if it isn't already one.
func WrapExtractionError(op string, err error, details string) error {
	if err == nil {
		return nil
	}

	var exErr *ExtractionError
	if errors.As(err, &exErr) {
		return err // Already wrapped
	}

	return &ExtractionError{Op: op, Err: err, Details: details}
}
