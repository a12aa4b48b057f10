package agent

import (
	"errors"
	"fmt"

	"github.com/nugget/swag-agent/internal/conversation"
	"github.com/nugget/swag-agent/internal/llm"
)

// ValidationError reports a malformed query. Nothing was stored.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// Error classifications sent to clients besides the llm classes.
const (
	ClassValidation = "validation"
	ClassBusy       = "busy"
	ClassNotFound   = "not_found"
	ClassClosed     = "closed"
	ClassInternal   = "internal"
)

// Classify maps an error from Begin or a model call to the
// classification sent in an error event.
func Classify(err error) string {
	var ve *ValidationError
	var le *llm.Error
	switch {
	case errors.As(err, &ve):
		return ClassValidation
	case errors.Is(err, conversation.ErrBusy):
		return ClassBusy
	case errors.Is(err, conversation.ErrNotFound):
		return ClassNotFound
	case errors.Is(err, conversation.ErrClosed):
		return ClassClosed
	case errors.As(err, &le):
		return string(le.Class)
	}
	return ClassInternal
}
