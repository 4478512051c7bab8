package memory

import (
	"errors"
	"fmt"
)

// ValidationError rejects malformed input at the boundary, before any write.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// EmbeddingError is an isolated embedding failure for a single record.
type EmbeddingError struct {
	RecordID int64
	Attempt  int
	Err      error
}

func (e *EmbeddingError) Error() string {
	return fmt.Sprintf("embed record %d (attempt %d): %v", e.RecordID, e.Attempt, e.Err)
}

func (e *EmbeddingError) Unwrap() error { return e.Err }

// ErrRetrievalTimeout means a retrieval did not finish before its deadline.
// It is never returned alongside results.
var ErrRetrievalTimeout = errors.New("retrieval timed out")

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
