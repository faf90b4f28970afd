package calrelay

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrConflict       = errors.New("conflict")
	ErrAlreadyDeleted = errors.New("already deleted")
	ErrLockTimeout    = errors.New("lock wait exhausted")
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
)

// ValidationError marks a source page whose date information cannot be mapped
// to a calendar event. It aborts reconciliation for that one page only.
type ValidationError struct {
	PageID string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.PageID == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed for page %s: %s", e.PageID, e.Reason)
}

// IsValidationError reports whether err is (or wraps) a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
