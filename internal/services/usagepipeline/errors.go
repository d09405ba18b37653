package usagepipeline

import (
	"errors"
	"fmt"
)

// ValidationError rejects an event permanently. It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// EnrichmentError reports a derived metric that could not be computed.
type EnrichmentError struct {
	Metric string
	Err    error
}

func (e *EnrichmentError) Error() string {
	return fmt.Sprintf("enrichment failed: %s: %v", e.Metric, e.Err)
}

func (e *EnrichmentError) Unwrap() error { return e.Err }

// infraError marks a failure of a shared dependency rather than of the
// event. The payload is released unchanged and the worker backs off.
type infraError struct {
	stage string
	err   error
}

func (e *infraError) Error() string { return fmt.Sprintf("%s: %v", e.stage, e.err) }

func (e *infraError) Unwrap() error { return e.err }

// IsInfrastructure reports whether err came from an unavailable dependency.
func IsInfrastructure(err error) bool {
	var ie *infraError
	return errors.As(err, &ie)
}
