package threadcache

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned (wrapped) by transports when the target entity does not exist.
	ErrNotFound = errors.New("threadcache: not found")

	// ErrTransport wraps network/server failures that are not validation or not-found.
	ErrTransport = errors.New("threadcache: transport failure")

	// ErrDraftPending rejects a second comment submission into a collection
	// that already holds an unresolved draft.
	ErrDraftPending = errors.New("threadcache: comment submission already pending")

	ErrClosed = errors.New("threadcache: client closed")
)

// ValidationError is a field-level rejection of submitted content.
// It is surfaced inline and never produces a notification.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Message
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

// MutationError reports a failed optimistic mutation after its rollback ran.
type MutationError struct {
	Op         string
	ID         int64 // target post/comment id, or parent id for create
	MutationID string
	Err        error
}

func (e *MutationError) Error() string {
	return fmt.Sprintf("%s %d: %v", e.Op, e.ID, e.Err)
}

func (e *MutationError) Unwrap() error { return e.Err }

// IsValidation reports whether err carries a *ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
