package job

import (
	"errors"
	"fmt"
)

// ErrDuplicateRequest is returned by Submit when the same client asked for the
// same URL and format within the dedupe window
var ErrDuplicateRequest = errors.New("duplicate request")

// ErrQueued is wrapped by RunSync when the job was handed to the queue
// instead of finishing on the caller's goroutine
var ErrQueued = errors.New("job handed to the queue")

// ValidationError rejects a request before any job exists
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}
