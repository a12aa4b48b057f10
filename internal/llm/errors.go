package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Class is the classification of a model call failure.
type Class string

// Failure classes.
const (
	ClassRateLimited     Class = "rate_limited"
	ClassOverloaded      Class = "overloaded"
	ClassInvalidRequest  Class = "invalid_request"
	ClassNetwork         Class = "network"
	ClassAuth            Class = "auth"
	ClassContextExceeded Class = "context_exceeded"
	ClassCancelled       Class = "cancelled"
	ClassUnknown         Class = "unknown"
)

// Retryable reports whether a call failing with c may be attempted again.
func (c Class) Retryable() bool {
	switch c {
	case ClassRateLimited, ClassOverloaded, ClassNetwork:
		return true
	}
	return false
}

// Error is a classified model call failure.
type Error struct {
	Class      Class
	Provider   string
	StatusCode int
	// RetryAfter is the provider's requested delay, zero if none.
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s (status %d): %v", e.Provider, e.Class, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Class, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ClassOf returns the classification of err. Context cancellation is
// always ClassCancelled; unclassified errors are ClassUnknown.
func ClassOf(err error) Class {
	if err == nil {
		return ""
	}
	var le *Error
	if errors.As(err, &le) {
		return le.Class
	}
	if errors.Is(err, context.Canceled) {
		return ClassCancelled
	}
	return ClassUnknown
}

// RetryAfterOf returns the provider-requested delay carried by err.
func RetryAfterOf(err error) time.Duration {
	var le *Error
	if errors.As(err, &le) {
		return le.RetryAfter
	}
	return 0
}

// contextMarkers are substrings providers use for an oversized prompt.
var contextMarkers = []string{
	"prompt is too long",
	"context length",
	"context_length_exceeded",
	"maximum context",
	"input is too long",
}

// ClassifyStatus maps an HTTP status and error body to a Class.
func ClassifyStatus(status int, body string) Class {
	lower := strings.ToLower(body)
	if status == 0 || status == http.StatusBadRequest {
		for _, m := range contextMarkers {
			if strings.Contains(lower, m) {
				return ClassContextExceeded
			}
		}
	}

	switch {
	case status == http.StatusTooManyRequests:
		return ClassRateLimited
	case status == 529, status == http.StatusServiceUnavailable,
		status == http.StatusBadGateway, status == http.StatusGatewayTimeout,
		status == http.StatusInternalServerError:
		return ClassOverloaded
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return ClassAuth
	case status == http.StatusRequestEntityTooLarge:
		return ClassContextExceeded
	case status >= 400 && status < 500:
		return ClassInvalidRequest
	}
	return classifyMessage(lower)
}

// classifyMessage handles errors delivered inside a stream, where no
// HTTP status is available.
func classifyMessage(lower string) Class {
	switch {
	case strings.Contains(lower, "overloaded"):
		return ClassOverloaded
	case strings.Contains(lower, "rate_limit"), strings.Contains(lower, "rate limit"):
		return ClassRateLimited
	case strings.Contains(lower, "authentication"), strings.Contains(lower, "permission"):
		return ClassAuth
	case strings.Contains(lower, "invalid_request"):
		return ClassInvalidRequest
	}
	return ClassUnknown
}

// classifyTransport classifies errors that carry no provider response.
// ctx distinguishes caller cancellation from an I/O timeout.
func classifyTransport(ctx context.Context, err error) Class {
	if errors.Is(err, context.Canceled) || ctx.Err() != nil {
		return ClassCancelled
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassNetwork
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ClassNetwork
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassNetwork
	}
	lower := strings.ToLower(err.Error())
	for _, m := range []string{"connection reset", "broken pipe", "unexpected eof", "connection refused", "no such host"} {
		if strings.Contains(lower, m) {
			return ClassNetwork
		}
	}
	return classifyMessage(lower)
}

// parseRetryAfter reads retry-after-ms or retry-after (seconds or an
// HTTP date) from h.
func parseRetryAfter(h http.Header, now time.Time) time.Duration {
	if h == nil {
		return 0
	}
	if v := h.Get("Retry-After-Ms"); v != "" {
		if ms, err := strconv.ParseFloat(v, 64); err == nil && ms > 0 {
			return time.Duration(ms * float64(time.Millisecond))
		}
	}
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs * float64(time.Second))
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
