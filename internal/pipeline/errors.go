package pipeline

import (
	"errors"
	"fmt"
)

// Common ingestion errors
var (
	// ErrMalformedInput is returned when a file is rejected before any
	// processing: wrong media type or over the size limit. It never consumes
	// a batch retry.
	ErrMalformedInput = errors.New("file rejected before processing")

	// ErrMissingRequiredField is returned when the document date or total
	// cannot be established. Downstream fiscal math has no basis without
	// them, so the document fails irrecoverably.
	ErrMissingRequiredField = errors.New("missing required document field")
)

// IngestError wraps errors with context about a single-document failure.
type IngestError struct {
	// Op is the operation that failed (e.g., "Ingest", "Preflight").
	Op string

	// Err is the underlying error.
	Err error

	// Details provides additional context about the failure.
	Details string
}

// Error implements the error interface.
func (e *IngestError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("pipeline: %s failed: %s: %v", e.Op, e.Details, e.Err)
	}
	return fmt.Sprintf("pipeline: %s failed: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for error unwrapping.
func (e *IngestError) Unwrap() error {
	return e.Err
}

// Is implements error matching for Go 1.13+ error handling.
func (e *IngestError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// WrapIngestError wraps an error as an IngestError if it isn't already one.
func WrapIngestError(op string, err error, details string) error {
	if err == nil {
		return nil
	}

	var inErr *IngestError
	if errors.As(err, &inErr) {
		return err // Already wrapped
	}

	return &IngestError{Op: op, Err: err, Details: details}
}
