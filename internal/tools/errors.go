// Package tools provides the tool registry and execution framework.
//
// This file defines the error kinds a tool call can fail with.
package tools

import "fmt"

// ErrorKind classifies a failed tool call.
type ErrorKind string

// Error kinds, in the order the executor can produce them.
const (
	KindRegistry   ErrorKind = "registry"   // unknown, inactive, not enabled or no handler
	KindValidation ErrorKind = "validation" // arguments rejected by the input schema
	KindTimeout    ErrorKind = "timeout"
	KindUpstream   ErrorKind = "upstream" // the handler or backend failed
	KindCancelled  ErrorKind = "cancelled"
)

// Reasons carried by ErrToolUnavailable.
const (
	ReasonUnknown       = "unknown"
	ReasonInactive      = "inactive"
	ReasonNotEnabled    = "not enabled"
	ReasonNoHandler     = "no handler"
	ReasonInvalidSchema = "invalid schema"
)

// ErrToolUnavailable is returned when a tool call targets a tool that
// is not usable in the current context. It is a capability mismatch,
// not a transient failure, and is reported before any side effect.
type ErrToolUnavailable struct {
	ToolName string
	Reason   string
}

// Error implements the error interface.
func (e *ErrToolUnavailable) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("tool %q is not available in this context", e.ToolName)
	}
	return fmt.Sprintf("tool %q is not available: %s", e.ToolName, e.Reason)
}

// ValidationError reports arguments that do not match a tool's schema.
type ValidationError struct {
	ToolName string
	Problems []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid arguments for %s: %v", e.ToolName, e.Problems)
}
