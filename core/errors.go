package core

import (
	"errors"
	"fmt"
)

// Sentinel errors for the failure taxonomy. Callers classify failures with
// errors.Is; layers add detail with fmt.Errorf("...: %w", err).
var (
	// ErrNotFound means the requested record id is unknown.
	ErrNotFound = errors.New("record not found")

	// ErrEmbeddingUnavailable means the embedding provider could not be
	// reached. Safe to retry with backoff.
	ErrEmbeddingUnavailable = errors.New("embedding provider unavailable")

	// ErrEmbeddingTimeout means the embedding provider did not answer
	// within the configured bound.
	ErrEmbeddingTimeout = errors.New("embedding request timed out")

	// ErrStoreIO means a persistence operation failed. Fatal to the
	// in-flight request only; repeated occurrences degrade health.
	ErrStoreIO = errors.New("store I/O failure")

	// ErrConflict means a merge could not be serialized within bounds.
	// The caller should retry.
	ErrConflict = errors.New("concurrent merge conflict")
)

// ValidationError reports malformed or out-of-range input. The client must
// fix the request; the daemon never retries these.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
